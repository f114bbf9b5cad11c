// Package coordinator detects when the pipeline has run out of work and
// broadcasts the stop signal.
package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	"github.com/JakeFAU/cobweb-launcher/internal/metrics"
	"github.com/JakeFAU/cobweb-launcher/internal/queue"
)

// DefaultPollInterval is used when Config.PollInterval is unset.
const DefaultPollInterval = 2 * time.Second

// Config controls the watchdog cadence.
type Config struct {
	PollInterval time.Duration
	// Grace is how long storers drain before the final idle check.
	Grace time.Duration
}

// Scheduler reports whether more seeds can arrive from the backlog.
type Scheduler interface {
	Stopped() bool
}

// Spider reports seeds being processed.
type Spider interface {
	InFlight() int64
}

// Storer reports flushes in progress and accepts the draining flag.
type Storer interface {
	Busy() int64
	SetDraining(bool)
}

// Queues exposes the pipeline queues and a counter of every push into them.
type Queues interface {
	SeedQueue() *queue.Queue[*crawler.Seed]
	SinkQueues() []*queue.Queue[crawler.Record]
	Pushes() uint64
}

// Coordinator polls the pipeline and calls stop once it is idle.
type Coordinator struct {
	cfg       Config
	scheduler Scheduler
	spider    Spider
	storers   []Storer
	queues    Queues
	stop      func()
	logger    *zap.Logger
}

// New constructs a Coordinator. stop is called once, when the pipeline is idle.
func New(
	cfg Config,
	scheduler Scheduler,
	spider Spider,
	storers []Storer,
	queues Queues,
	stop func(),
	logger *zap.Logger,
) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:       cfg,
		scheduler: scheduler,
		spider:    spider,
		storers:   storers,
		queues:    queues,
		stop:      stop,
		logger:    logger.With(zap.String("component", "coordinator")),
	}
}

// Run polls until the pipeline is idle, then calls stop and returns true.
// It returns false if ctx ends first.
func (c *Coordinator) Run(ctx context.Context) bool {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		c.publish()
		if c.quiescent() {
			c.setDraining(true)
			if !sleep(ctx, c.cfg.Grace) {
				return false
			}
			if c.idle() {
				c.logger.Info("pipeline idle, broadcasting stop")
				c.stop()
				return true
			}
			c.logger.Debug("activity during grace window, resuming")
			c.setDraining(false)
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// quiescent is the cheap first check: no new seeds can arrive and none are
// queued or being fetched.
func (c *Coordinator) quiescent() bool {
	return c.scheduler.Stopped() &&
		c.queues.SeedQueue().Len() == 0 &&
		c.spider.InFlight() == 0
}

// idle is the full check. Every producer pushes before it drops its in-flight
// or busy count, so an unchanged push counter around the observations means
// nothing moved between them.
func (c *Coordinator) idle() bool {
	before := c.queues.Pushes()
	if !c.scheduler.Stopped() || c.queues.SeedQueue().Len() != 0 {
		return false
	}
	for _, q := range c.queues.SinkQueues() {
		if q.Len() != 0 {
			return false
		}
	}
	if c.spider.InFlight() != 0 {
		return false
	}
	for _, s := range c.storers {
		if s.Busy() != 0 {
			return false
		}
	}
	return c.queues.Pushes() == before
}

func (c *Coordinator) setDraining(draining bool) {
	for _, s := range c.storers {
		s.SetDraining(draining)
	}
}

func (c *Coordinator) publish() {
	metrics.SetQueueLength(c.queues.SeedQueue().Name(), c.queues.SeedQueue().Len())
	for _, q := range c.queues.SinkQueues() {
		metrics.SetQueueLength(q.Name(), q.Len())
	}
	metrics.SetInFlight(c.spider.InFlight())
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
