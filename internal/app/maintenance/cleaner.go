package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/typerush/typerush/pkg/logger"
)

const defaultSweepSpec = "@every 60s"

// Sweeper is one housekeeping task: expiring tests, cancelling stuck races,
// reclaiming empty rooms, purging rate buckets, or scanning stale
// connections. Each returns how many entities it touched.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) (int, error)
}

// SweeperFunc adapts a function to the Sweeper interface.
type SweeperFunc struct {
	Label string
	Fn    func(ctx context.Context) (int, error)
}

// Name returns the sweeper label.
func (s SweeperFunc) Name() string { return s.Label }

// Sweep invokes the wrapped function.
func (s SweeperFunc) Sweep(ctx context.Context) (int, error) { return s.Fn(ctx) }

// Cleaner coordinates the periodic housekeeping pass over engine state.
type Cleaner struct {
	sweepers []Sweeper
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger
	spec     string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for logging timestamps.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSweepSchedule overrides the cron specification for the housekeeping pass.
func WithSweepSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.spec = spec
		}
	}
}

// NewCleaner constructs a Cleaner running the provided sweepers.
func NewCleaner(sweepers []Sweeper, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		sweepers: sweepers,
		now:      time.Now,
		spec:     defaultSweepSpec,
		log:      logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New()
	}

	return cleaner
}

// Start registers the housekeeping job and starts the scheduler.
func (c *Cleaner) Start() error {
	_, err := c.cron.AddFunc(c.spec, func() {
		if err := c.RunOnce(context.Background()); err != nil {
			c.log.Warn("housekeeping pass reported errors", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the scheduler and returns a context covering in-flight jobs.
func (c *Cleaner) Stop() context.Context {
	return c.cron.Stop()
}

// RunOnce executes every sweeper, aggregating their errors.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	started := c.now()

	var errs error
	for _, sweeper := range c.sweepers {
		touched, err := sweeper.Sweep(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if touched > 0 {
			c.log.Info("swept",
				zap.String("task", sweeper.Name()),
				zap.Int("touched", touched))
		}
	}

	c.log.Debug("housekeeping pass finished", zap.Duration("took", c.now().Sub(started)))
	return errs
}
