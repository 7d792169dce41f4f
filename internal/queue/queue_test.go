package queue_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/dispatch"
	"github.com/ashita-ai/kakehashi/internal/ingress"
	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/queue"
	"github.com/ashita-ai/kakehashi/internal/testutil"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	tc, rdb := testutil.MustStartRedis()
	testRedis = rdb
	code := m.Run()
	if testRedis != nil {
		_ = testRedis.Close()
	}
	tc.Terminate()
	os.Exit(code)
}

// chanSource feeds items from a channel.
type chanSource chan []byte

func (c chanSource) Pop(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recorder struct {
	mu   sync.Mutex
	reqs []model.NormalizedRequest
	done chan struct{}
}

func newRecorder(n int) *recorder {
	return &recorder{done: make(chan struct{}, n)}
}

func (r *recorder) Dispatch(_ context.Context, req model.NormalizedRequest) (model.ExecutionResult, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	r.done <- struct{}{}
	return model.ExecutionResult{Content: "ok"}, nil
}

func (r *recorder) wait(t *testing.T, n int) []model.NormalizedRequest {
	t.Helper()
	for range n {
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.NormalizedRequest(nil), r.reqs...)
}

func encode(t *testing.T, item ingress.QueueItem) []byte {
	t.Helper()
	b, err := json.Marshal(item)
	require.NoError(t, err)
	return b
}

func TestConsumer_DispatchesNormalizedItems(t *testing.T) {
	src := make(chanSource, 4)
	rec := newRecorder(4)
	c := queue.NewConsumer(src, rec, 2, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	src <- encode(t, ingress.QueueItem{ID: "q-1", BatchID: "b-1", Request: model.RawRequest{Message: "summarize"}})
	src <- encode(t, ingress.QueueItem{ID: "q-2", Request: model.RawRequest{TaskName: "nightly-digest"}})

	got := rec.wait(t, 2)
	cancel()
	require.NoError(t, <-done)

	byID := map[string]model.NormalizedRequest{}
	for _, r := range got {
		byID[r.RequestID] = r
	}
	require.Contains(t, byID, "q-1")
	require.Contains(t, byID, "q-2")
	assert.Equal(t, model.SourceSystem, byID["q-1"].Source.Type)
	assert.Equal(t, model.ResponseBatch, byID["q-1"].ResponseMode)
	assert.Equal(t, "b-1", byID["q-1"].Source.Metadata["batch_id"])
	assert.Equal(t, model.RequestTypeSystemTask, byID["q-2"].RequestType)
	assert.Equal(t, model.PriorityLow, byID["q-2"].Priority)
}

func TestConsumer_DropsMalformedItems(t *testing.T) {
	rec := newRecorder(1)
	c := queue.NewConsumer(make(chanSource), rec, 1, testutil.TestLogger())

	c.Handle(context.Background(), []byte("{not json"))
	c.Handle(context.Background(), encode(t, ingress.QueueItem{Request: model.RawRequest{Message: "no id"}}))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.reqs)
}

func TestConsumer_DispatchErrorDoesNotStop(t *testing.T) {
	calls := 0
	failing := dispatch.DispatcherFunc(func(context.Context, model.NormalizedRequest) (model.ExecutionResult, error) {
		calls++
		return model.ExecutionResult{}, assert.AnError
	})
	c := queue.NewConsumer(make(chanSource), failing, 1, testutil.TestLogger())
	c.Handle(context.Background(), encode(t, ingress.QueueItem{ID: "q-1", Request: model.RawRequest{Message: "a"}}))
	c.Handle(context.Background(), encode(t, ingress.QueueItem{ID: "q-2", Request: model.RawRequest{Message: "b"}}))
	assert.Equal(t, 2, calls)
}

func TestRedisSource_PushPop(t *testing.T) {
	testutil.RequireRedis(t, testRedis)
	ctx := context.Background()
	src := queue.NewRedisSource(testRedis, "test:"+t.Name())

	first, err := src.Push(ctx, ingress.QueueItem{Request: model.RawRequest{Message: "one"}})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.EnqueuedAt.IsZero())
	_, err = src.Push(ctx, ingress.QueueItem{ID: "fixed", Request: model.RawRequest{Message: "two"}})
	require.NoError(t, err)

	n, err := src.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	b, err := src.Pop(ctx)
	require.NoError(t, err)
	var item ingress.QueueItem
	require.NoError(t, json.Unmarshal(b, &item))
	assert.Equal(t, first.ID, item.ID, "first in, first out")

	b, err = src.Pop(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &item))
	assert.Equal(t, "fixed", item.ID)
}

func TestRedisSource_Consumer(t *testing.T) {
	testutil.RequireRedis(t, testRedis)
	src := queue.NewRedisSource(testRedis, "test:"+t.Name())
	rec := newRecorder(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = queue.NewConsumer(src, rec, 1, testutil.TestLogger()).Run(ctx) }()

	_, err := src.Push(ctx, ingress.QueueItem{ID: "q-redis", Request: model.RawRequest{Message: "hello"}})
	require.NoError(t, err)

	got := rec.wait(t, 1)
	assert.Equal(t, "q-redis", got[0].RequestID)
}
