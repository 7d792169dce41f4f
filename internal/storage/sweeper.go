package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the sweeper once a minute.
const DefaultSweepSchedule = "@every 1m"

const sweepTimeout = 30 * time.Second

// Sweeper periodically deletes expired OAuth states and old webhook
// delivery records.
type Sweeper struct {
	states      StateStore
	deliveries  DeliveryStore
	deliveryTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time
	cron        *cronv3.Cron
}

// NewSweeper parses schedule (standard cron with optional seconds, or a
// descriptor such as "@every 1m") and registers the sweep job. deliveries
// may be nil.
func NewSweeper(schedule string, states StateStore, deliveries DeliveryStore, deliveryTTL time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	parser := cronv3.NewParser(cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)
	s := &Sweeper{
		states:      states,
		deliveries:  deliveries,
		deliveryTTL: deliveryTTL,
		logger:      logger,
		now:         time.Now,
		cron:        cronv3.New(cronv3.WithParser(parser), cronv3.WithChain(cronv3.SkipIfStillRunning(cronv3.DiscardLogger))),
	}
	job := func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		s.Sweep(ctx)
	}
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		return nil, fmt.Errorf("storage: invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running sweep to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Sweep runs one pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	if s.states != nil {
		n, err := s.states.SweepStates(ctx, now)
		if err != nil {
			s.logger.Warn("sweeper: oauth states", "error", err)
		} else if n > 0 {
			s.logger.Info("sweeper: removed expired oauth states", "count", n)
		}
	}
	if s.deliveries != nil && s.deliveryTTL > 0 {
		n, err := s.deliveries.SweepDeliveries(ctx, now.Add(-s.deliveryTTL))
		if err != nil {
			s.logger.Warn("sweeper: webhook deliveries", "error", err)
		} else if n > 0 {
			s.logger.Info("sweeper: removed old webhook deliveries", "count", n)
		}
	}
}
