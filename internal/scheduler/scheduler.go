// Package scheduler keeps the seed queue topped up from the backlog.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	"github.com/JakeFAU/cobweb-launcher/internal/metrics"
	"github.com/JakeFAU/cobweb-launcher/internal/progress"
	"github.com/JakeFAU/cobweb-launcher/internal/queue"
)

// State is the scheduler lifecycle position.
type State int32

// Scheduler states. Transitions only move forward.
const (
	StateIdle State = iota
	StateRefilling
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefilling:
		return "refilling"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config controls refill behavior.
type Config struct {
	// Capacity bounds the seed queue length the scheduler will fill to.
	Capacity int
	// Threshold triggers a refill when the queue is shorter than it.
	Threshold int
	// BatchSize caps a single backlog read.
	BatchSize int
	// Idle is the pause between checks while the queue is above threshold.
	Idle time.Duration
}

// Pusher accepts seeds for the seed queue.
type Pusher interface {
	PushSeeds(seeds ...*crawler.Seed)
}

// Scheduler reads the backlog in batches while the seed queue is short.
type Scheduler struct {
	cfg     Config
	backlog crawler.BacklogSource
	queue   *queue.Queue[*crawler.Seed]
	pusher  Pusher
	logger  *zap.Logger
	rec     *progress.Recorder

	state   atomic.Int32
	stopped atomic.Bool
	refills atomic.Int64
	loaded  atomic.Int64
}

// New constructs a Scheduler. seeds is observed for its length; pushes go
// through pusher so they are visible to the shutdown coordinator.
func New(
	cfg Config,
	backlog crawler.BacklogSource,
	seeds *queue.Queue[*crawler.Seed],
	pusher Pusher,
	logger *zap.Logger,
	rec *progress.Recorder,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 100 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Capacity
	}
	return &Scheduler{
		cfg:     cfg,
		backlog: backlog,
		queue:   seeds,
		pusher:  pusher,
		logger:  logger.With(zap.String("component", "scheduler")),
		rec:     rec,
	}
}

// Run refills until the backlog is exhausted, it fails, stop closes, or ctx
// ends. Stopped reports true once Run has returned for any reason.
func (s *Scheduler) Run(ctx context.Context, stop <-chan struct{}) error {
	defer s.stopped.Store(true)
	s.setState(StateRefilling)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		if s.queue.Len() >= s.cfg.Threshold {
			if !s.sleep(ctx, stop) {
				return nil
			}
			continue
		}

		want := min(s.cfg.BatchSize, s.cfg.Capacity-s.queue.Len())
		if want <= 0 {
			if !s.sleep(ctx, stop) {
				return nil
			}
			continue
		}

		batch, err := s.backlog.FetchBatch(ctx, want)
		if err != nil {
			s.setState(StateExhausted)
			s.logger.Error("backlog read failed, scheduler stopping", zap.Error(err))
			s.rec.Record(progress.Event{Stage: progress.StageSchedulerExhausted, Count: s.loaded.Load(), Note: err.Error()})
			return fmt.Errorf("fetch backlog batch: %w: %w", crawler.ErrBacklogRead, err)
		}

		s.push(batch)

		if len(batch) < want {
			s.setState(StateExhausted)
			s.logger.Info("backlog exhausted",
				zap.Int64("refills", s.refills.Load()),
				zap.Int64("seeds", s.loaded.Load()),
			)
			s.rec.Record(progress.Event{Stage: progress.StageSchedulerExhausted, Count: s.loaded.Load()})
			return nil
		}
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Stopped reports whether the scheduler will push no more seeds.
func (s *Scheduler) Stopped() bool {
	return s.stopped.Load()
}

// Refills counts non-empty backlog reads.
func (s *Scheduler) Refills() int64 {
	return s.refills.Load()
}

func (s *Scheduler) push(batch []crawler.Seed) {
	if len(batch) == 0 {
		return
	}
	seeds := make([]*crawler.Seed, len(batch))
	for i := range batch {
		seed := batch[i]
		seeds[i] = &seed
	}
	s.pusher.PushSeeds(seeds...)
	s.refills.Add(1)
	s.loaded.Add(int64(len(seeds)))
	s.logger.Debug("seed queue refilled", zap.Int("seeds", len(seeds)), zap.Int("queue_len", s.queue.Len()))
	s.rec.Record(progress.Event{Stage: progress.StageSchedulerRefill, Count: int64(len(seeds))})
}

func (s *Scheduler) sleep(ctx context.Context, stop <-chan struct{}) bool {
	timer := time.NewTimer(s.cfg.Idle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

func (s *Scheduler) setState(state State) {
	s.state.Store(int32(state))
	metrics.SetSchedulerState(int(state))
}
