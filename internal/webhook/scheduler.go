package webhook

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/safeguard/internal/store"
)

// SchedulerOptions tunes the delivery loop.
type SchedulerOptions struct {
	// Interval is how often due deliveries are polled.
	Interval time.Duration
	// BatchSize caps deliveries claimed per poll.
	BatchSize int
	// Workers bounds concurrent posts.
	Workers int
	// Rate limits outbound posts across all subscribers.
	Rate rate.Limit
	// Burst is the rate limiter burst size.
	Burst int
}

func defaultSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		Interval:  15 * time.Second,
		BatchSize: 50,
		Workers:   4,
		Rate:      rate.Limit(10),
		Burst:     20,
	}
}

// Scheduler drains due webhook deliveries on a fixed interval until its
// context is cancelled.
type Scheduler struct {
	store     store.Store
	deliverer *Deliverer
	opts      SchedulerOptions
	limiter   *rate.Limiter
}

func NewScheduler(st store.Store, deliverer *Deliverer, opts *SchedulerOptions) *Scheduler {
	o := defaultSchedulerOptions()
	if opts != nil {
		if opts.Interval > 0 {
			o.Interval = opts.Interval
		}
		if opts.BatchSize > 0 {
			o.BatchSize = opts.BatchSize
		}
		if opts.Workers > 0 {
			o.Workers = opts.Workers
		}
		if opts.Rate > 0 {
			o.Rate = opts.Rate
		}
		if opts.Burst > 0 {
			o.Burst = opts.Burst
		}
	}
	return &Scheduler{
		store:     st,
		deliverer: deliverer,
		opts:      o,
		limiter:   rate.NewLimiter(o.Rate, o.Burst),
	}
}

// Run blocks, processing due deliveries every interval, until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	zap.L().Info("webhook scheduler started",
		zap.Duration("interval", s.opts.Interval),
		zap.Int("batch_size", s.opts.BatchSize))

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("webhook scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("webhook scheduler pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce processes a single batch of due deliveries.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	due, err := s.store.DueDeliveries(ctx, time.Now().UTC(), MaxAttempts, s.opts.BatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i := range due {
		delivery := due[i]
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			if err := s.deliverer.Deliver(gctx, &delivery); err != nil {
				zap.L().Error("deliver webhook",
					zap.String("delivery_id", delivery.ID), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}
