package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

// ErrInvalidConfig marks a configuration the pipeline cannot run with.
var ErrInvalidConfig = errors.New(crawler.Namespace + ": invalid pipeline config")

// SinkConfig controls one sink's queue and storer pool.
type SinkConfig struct {
	BatchLength   int
	Workers       int
	QueueCapacity int
	MaxBatchWait  time.Duration
}

// Config holds every pipeline tuning option.
type Config struct {
	SeedQueueCapacity  int
	RefillThreshold    int
	SchedulerBatchSize int
	SpiderWorkers      int
	MaxRetries         int
	RequireItems       bool

	PollInterval time.Duration
	Grace        time.Duration
	// Idle is the wait used by workers with nothing to do.
	Idle time.Duration

	// DefaultSink applies to sinks without an entry in Sinks.
	DefaultSink SinkConfig
	Sinks       map[string]SinkConfig
}

// DefaultConfig returns the defaults used when options are left unset.
func DefaultConfig() Config {
	return Config{
		SeedQueueCapacity:  100,
		RefillThreshold:    50,
		SchedulerBatchSize: 50,
		SpiderWorkers:      4,
		MaxRetries:         3,
		PollInterval:       2 * time.Second,
		Grace:              500 * time.Millisecond,
		Idle:               100 * time.Millisecond,
		DefaultSink: SinkConfig{
			BatchLength:   100,
			Workers:       1,
			QueueCapacity: 1000,
		},
	}
}

// ForSink returns the effective settings for a sink.
func (c Config) ForSink(name string) SinkConfig {
	sc, ok := c.Sinks[name]
	if !ok {
		return c.DefaultSink
	}
	if sc.BatchLength <= 0 {
		sc.BatchLength = c.DefaultSink.BatchLength
	}
	if sc.Workers <= 0 {
		sc.Workers = c.DefaultSink.Workers
	}
	if sc.QueueCapacity <= 0 {
		sc.QueueCapacity = c.DefaultSink.QueueCapacity
	}
	return sc
}

// Validate checks option ranges and that every sink override names a known sink.
func (c Config) Validate(sinkNames ...string) error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, msg))
		}
	}
	check(c.SeedQueueCapacity > 0, "seed_queue_capacity must be > 0")
	check(c.RefillThreshold > 0, "scheduler_refill_threshold must be > 0")
	check(c.RefillThreshold <= c.SeedQueueCapacity, "scheduler_refill_threshold must be <= seed_queue_capacity")
	check(c.SchedulerBatchSize > 0, "scheduler_batch_size must be > 0")
	check(c.SpiderWorkers > 0, "spider_worker_count must be > 0")
	check(c.MaxRetries >= 0, "max_retries must be >= 0")
	check(c.PollInterval > 0, "poll_interval must be > 0")
	check(c.Grace >= 0, "grace must be >= 0")
	check(c.Idle > 0, "idle must be > 0")
	check(c.DefaultSink.BatchLength > 0, "default sink batch_length must be > 0")
	check(c.DefaultSink.Workers > 0, "default sink worker_count must be > 0")

	known := make(map[string]struct{}, len(sinkNames))
	for _, name := range sinkNames {
		known[name] = struct{}{}
	}
	for name, sc := range c.Sinks {
		if _, ok := known[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: sink %q is configured but not provided", ErrInvalidConfig, name))
		}
		check(sc.BatchLength >= 0, "sinks."+name+".batch_length must be >= 0")
		check(sc.Workers >= 0, "sinks."+name+".worker_count must be >= 0")
		check(sc.MaxBatchWait >= 0, "sinks."+name+".max_batch_wait must be >= 0")
	}
	return errors.Join(errs...)
}
