// Package queue drains queued batch requests, normalizes them through the
// queue adapter, and hands them to a Dispatcher.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kakehashi/internal/dispatch"
	"github.com/ashita-ai/kakehashi/internal/ingress"
)

// DefaultKey is the Redis list queued items are pushed to.
const DefaultKey = "kakehashi:queue"

// Source yields raw queued items. Pop blocks until an item is available or
// ctx is done; it may return (nil, nil) when a poll window passes with
// nothing to read.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
}

// RedisSource reads items from a Redis list. Producers LPUSH (see Push) and
// consumers BRPOP, so items are handled first in, first out.
type RedisSource struct {
	rdb     redis.UniversalClient
	key     string
	timeout time.Duration
}

// NewRedisSource returns a source on key. An empty key uses DefaultKey.
func NewRedisSource(rdb redis.UniversalClient, key string) *RedisSource {
	if key == "" {
		key = DefaultKey
	}
	return &RedisSource{rdb: rdb, key: key, timeout: 5 * time.Second}
}

// Pop implements Source.
func (s *RedisSource) Pop(ctx context.Context) ([]byte, error) {
	res, err := s.rdb.BRPop(ctx, s.timeout, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: brpop: %w", err)
	}
	// BRPOP answers [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("queue: unexpected brpop reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

// Push enqueues item, assigning an id and enqueue time when missing. It
// returns the item as stored.
func (s *RedisSource) Push(ctx context.Context, item ingress.QueueItem) (ingress.QueueItem, error) {
	if item.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		item.ID = "q_" + id.String()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	b, err := json.Marshal(item)
	if err != nil {
		return ingress.QueueItem{}, fmt.Errorf("queue: encode item: %w", err)
	}
	if err := s.rdb.LPush(ctx, s.key, b).Err(); err != nil {
		return ingress.QueueItem{}, fmt.Errorf("queue: lpush: %w", err)
	}
	return item, nil
}

// Len reports how many items are waiting.
func (s *RedisSource) Len(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, s.key).Result()
}

// Consumer drains a Source with a fixed number of workers.
type Consumer struct {
	source     Source
	dispatcher dispatch.Dispatcher
	workers    int
	logger     *slog.Logger
}

// NewConsumer returns a consumer. workers below one means one.
func NewConsumer(source Source, d dispatch.Dispatcher, workers int, logger *slog.Logger) *Consumer {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{source: source, dispatcher: d, workers: workers, logger: logger}
}

// Run blocks until ctx is done. Per-item failures are logged and never stop
// the consumer; a source error is retried after a short pause.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range c.workers {
		g.Go(func() error {
			c.loop(ctx, i)
			return nil
		})
	}
	return g.Wait()
}

func (c *Consumer) loop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		b, err := c.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("queue: pop failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if b == nil {
			continue
		}
		c.Handle(ctx, b)
	}
}

// Handle processes one raw item. Malformed items are logged and dropped.
func (c *Consumer) Handle(ctx context.Context, raw []byte) {
	var item ingress.QueueItem
	if err := json.Unmarshal(raw, &item); err != nil {
		c.logger.Warn("queue: dropping malformed item", "error", err, "bytes", len(raw))
		return
	}
	req, err := ingress.Queue(item)
	if err != nil {
		c.logger.Warn("queue: dropping invalid item", "error", err, "batch_id", item.BatchID)
		return
	}

	start := time.Now()
	res, err := c.dispatcher.Dispatch(ctx, req)
	if err != nil {
		c.logger.Error("queue: dispatch failed",
			"request_id", req.RequestID,
			"trace_id", req.TraceID,
			"request_type", req.RequestType,
			"error", err,
		)
		return
	}
	c.logger.Info("queue: item processed",
		"request_id", req.RequestID,
		"trace_id", req.TraceID,
		"request_type", req.RequestType,
		"model", res.Model,
		"total_tokens", res.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
