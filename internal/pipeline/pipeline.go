// Package pipeline assembles the scheduler, spiders, storers, and shutdown
// coordinator around one backlog, one fetch routine, and a set of sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/cobweb-launcher/internal/coordinator"
	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	"github.com/JakeFAU/cobweb-launcher/internal/distributor"
	idgen "github.com/JakeFAU/cobweb-launcher/internal/id/uuid"
	"github.com/JakeFAU/cobweb-launcher/internal/ledger"
	"github.com/JakeFAU/cobweb-launcher/internal/progress"
	"github.com/JakeFAU/cobweb-launcher/internal/scheduler"
	"github.com/JakeFAU/cobweb-launcher/internal/spider"
	"github.com/JakeFAU/cobweb-launcher/internal/storer"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New(crawler.Namespace + ": pipeline already started")
	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New(crawler.Namespace + ": pipeline not started")
)

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithEmitter publishes progress events, typically to a progress.Hub.
func WithEmitter(emitter progress.Emitter) Option {
	return func(p *Pipeline) {
		p.emitter = emitter
	}
}

// WithAcknowledger overrides where seed outcomes are acknowledged. By default
// the backlog is used when it implements crawler.Acknowledger.
func WithAcknowledger(acker crawler.Acknowledger) Option {
	return func(p *Pipeline) {
		p.acker = acker
	}
}

// WithLimiter throttles every fetch.
func WithLimiter(limiter spider.Limiter) Option {
	return func(p *Pipeline) {
		p.limiter = limiter
	}
}

// WithClock overrides the clock that stamps queued records.
func WithClock(clock crawler.Clock) Option {
	return func(p *Pipeline) {
		p.clock = clock
	}
}

// WithIDGenerator overrides how seeds without an ID are named.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(p *Pipeline) {
		p.ids = ids
	}
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(runID uuid.UUID) Option {
	return func(p *Pipeline) {
		p.runID = runID
	}
}

// Snapshot is a point-in-time view of a running pipeline.
type Snapshot struct {
	RunID            string           `json:"run_id"`
	SchedulerState   string           `json:"scheduler_state"`
	SchedulerStopped bool             `json:"scheduler_stopped"`
	Refills          int64            `json:"refills"`
	InFlight         int64            `json:"in_flight"`
	SeedQueue        int              `json:"seed_queue"`
	SinkQueues       map[string]int   `json:"sink_queues"`
	Busy             map[string]int64 `json:"busy"`
	Counters         ledger.Snapshot  `json:"counters"`
	Done             bool             `json:"done"`
}

// Pipeline runs one crawl to completion.
type Pipeline struct {
	cfg     Config
	backlog crawler.BacklogSource
	fetch   crawler.FetchFunc
	sinks   []crawler.Sink

	logger  *zap.Logger
	emitter progress.Emitter
	acker   crawler.Acknowledger
	limiter spider.Limiter
	clock   crawler.Clock
	ids     crawler.IDGenerator
	runID   uuid.UUID

	rec       *progress.Recorder
	dist      *distributor.Distributor
	ledger    *ledger.Ledger
	scheduler *scheduler.Scheduler
	spider    *spider.Spider
	storers   []*storer.Storer
	coord     *coordinator.Coordinator

	mu         sync.Mutex
	started    bool
	stop       chan struct{}
	stopOnce   sync.Once
	cancelWork context.CancelFunc
	cancelPoll context.CancelFunc
	done       chan struct{}
	err        error
}

// New validates cfg and wires the components. Nothing runs until Start.
func New(
	cfg Config,
	backlog crawler.BacklogSource,
	fetch crawler.FetchFunc,
	sinks []crawler.Sink,
	opts ...Option,
) (*Pipeline, error) {
	if backlog == nil {
		return nil, fmt.Errorf("%w: backlog is required", ErrInvalidConfig)
	}
	if fetch == nil {
		return nil, fmt.Errorf("%w: fetch routine is required", ErrInvalidConfig)
	}
	names := make([]string, 0, len(sinks))
	seen := make(map[string]struct{}, len(sinks))
	for _, s := range sinks {
		if s == nil || s.Name() == "" {
			return nil, fmt.Errorf("%w: sinks must be non-nil and named", ErrInvalidConfig)
		}
		if _, dup := seen[s.Name()]; dup {
			return nil, fmt.Errorf("%w: duplicate sink %q", ErrInvalidConfig, s.Name())
		}
		seen[s.Name()] = struct{}{}
		names = append(names, s.Name())
	}
	if err := cfg.Validate(names...); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:     cfg,
		backlog: backlog,
		fetch:   fetch,
		sinks:   append([]crawler.Sink(nil), sinks...),
		logger:  zap.NewNop(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if acker, ok := backlog.(crawler.Acknowledger); ok {
		p.acker = acker
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ids == nil {
		p.ids = idgen.New()
	}
	if p.runID == uuid.Nil {
		p.runID = idgen.New().NewRunID()
	}
	p.logger = p.logger.With(zap.String("run_id", p.runID.String()))
	p.wire()
	return p, nil
}

func (p *Pipeline) wire() {
	p.rec = progress.NewRecorder(p.runID, p.emitter)

	var distOpts []distributor.Option
	if p.clock != nil {
		distOpts = append(distOpts, distributor.WithClock(p.clock))
	}
	p.dist = distributor.New(p.cfg.SeedQueueCapacity, distOpts...)
	p.ledger = ledger.New(p.acker, p.rec, p.logger)

	p.scheduler = scheduler.New(scheduler.Config{
		Capacity:  p.cfg.SeedQueueCapacity,
		Threshold: p.cfg.RefillThreshold,
		BatchSize: p.cfg.SchedulerBatchSize,
		Idle:      p.cfg.Idle,
	}, p.backlog, p.dist.SeedQueue(), p.dist, p.logger, p.rec)

	spiderOpts := []spider.Option{spider.WithLogger(p.logger), spider.WithIDGenerator(p.ids)}
	if p.limiter != nil {
		spiderOpts = append(spiderOpts, spider.WithLimiter(p.limiter))
	}
	p.spider = spider.New(spider.Config{
		Workers:      p.cfg.SpiderWorkers,
		MaxRetries:   p.cfg.MaxRetries,
		RequireItems: p.cfg.RequireItems,
		Idle:         p.cfg.Idle,
	}, p.fetch, p.dist, p.ledger, spiderOpts...)

	watched := make([]coordinator.Storer, 0, len(p.sinks))
	for _, sink := range p.sinks {
		sc := p.cfg.ForSink(sink.Name())
		q := p.dist.CreateQueue(sink.Name(), sc.QueueCapacity)
		st := storer.New(storer.Config{
			BatchLength:  sc.BatchLength,
			Workers:      sc.Workers,
			MaxBatchWait: sc.MaxBatchWait,
			Idle:         p.cfg.Idle,
		}, sink, q, p.dist, p.ledger, p.logger)
		p.storers = append(p.storers, st)
		watched = append(watched, st)
	}

	p.coord = coordinator.New(coordinator.Config{
		PollInterval: p.cfg.PollInterval,
		Grace:        p.cfg.Grace,
	}, p.scheduler, p.spider, watched, p.dist, p.broadcast, p.logger)
}

// RunID identifies this run in logs, progress events, and the run store.
func (p *Pipeline) RunID() uuid.UUID {
	return p.runID
}

// Start launches every goroutine and returns immediately. Cancelling ctx
// aborts the run, including in-flight fetches and flushes.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	workCtx, cancelWork := context.WithCancel(ctx)
	pollCtx, cancelPoll := context.WithCancel(workCtx)
	p.cancelWork = cancelWork
	p.cancelPoll = cancelPoll

	p.logger.Info("pipeline starting",
		zap.Int("spider_workers", p.cfg.SpiderWorkers),
		zap.Int("sinks", len(p.sinks)),
		zap.Int("max_retries", p.cfg.MaxRetries),
	)
	p.rec.Record(progress.Event{Stage: progress.StageRunStart})
	started := time.Now()

	var g errgroup.Group
	g.Go(func() error {
		return p.scheduler.Run(workCtx, p.stop)
	})
	g.Go(func() error {
		return p.spider.Run(workCtx, p.stop)
	})
	for _, st := range p.storers {
		g.Go(func() error {
			return st.Run(workCtx, p.stop)
		})
	}
	g.Go(func() error {
		p.coord.Run(pollCtx)
		return nil
	})

	go func() {
		err := g.Wait()
		if err == nil {
			err = ctx.Err()
		}
		cancelPoll()
		cancelWork()
		p.finish(err, time.Since(started))
	}()
	return nil
}

func (p *Pipeline) finish(err error, elapsed time.Duration) {
	snap := p.ledger.Snapshot()
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.Int64("succeeded", snap.Succeeded),
		zap.Int64("committed", snap.Committed),
		zap.Int64("failed", snap.Failed),
		zap.Int64("dropped", snap.Dropped),
		zap.Int64("rows", snap.Rows),
	}
	if err != nil {
		p.logger.Error("pipeline finished with error", append(fields, zap.Error(err))...)
		p.rec.Record(progress.Event{Stage: progress.StageRunError, Dur: elapsed, Note: err.Error()})
	} else {
		p.logger.Info("pipeline finished", fields...)
		p.rec.Record(progress.Event{Stage: progress.StageRunDone, Dur: elapsed})
	}
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// broadcast closes the stop channel once. Workers finish the item they hold
// and exit.
func (p *Pipeline) broadcast() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.mu.Lock()
		cancelPoll := p.cancelPoll
		p.mu.Unlock()
		if cancelPoll != nil {
			cancelPoll()
		}
	})
}

// Stop asks every worker to exit and waits for them. If ctx ends first the
// work context is cancelled, aborting in-flight fetches and flushes, and
// ctx's error is returned once the workers are gone.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	p.broadcast()
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		p.cancelWork()
		<-p.done
		return fmt.Errorf("stop pipeline: %w", ctx.Err())
	}
}

// Wait blocks until the run ends and returns its error.
func (p *Pipeline) Wait() error {
	<-p.done
	return p.Err()
}

// Done is closed when every worker has exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns the run error once Done is closed: a backlog read failure or the
// cancellation of the context passed to Start. Per-seed and per-batch
// failures are counted instead.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Snapshot reports queue lengths, worker activity, and counters.
func (p *Pipeline) Snapshot() Snapshot {
	snap := Snapshot{
		RunID:            p.runID.String(),
		SchedulerState:   p.scheduler.State().String(),
		SchedulerStopped: p.scheduler.Stopped(),
		Refills:          p.scheduler.Refills(),
		InFlight:         p.spider.InFlight(),
		SeedQueue:        p.dist.SeedQueue().Len(),
		SinkQueues:       make(map[string]int, len(p.storers)),
		Busy:             make(map[string]int64, len(p.storers)),
		Counters:         p.ledger.Snapshot(),
	}
	for _, q := range p.dist.SinkQueues() {
		snap.SinkQueues[q.Name()] = q.Len()
	}
	for _, st := range p.storers {
		snap.Busy[st.Name()] = st.Busy()
	}
	select {
	case <-p.done:
		snap.Done = true
	default:
	}
	return snap
}

// SinkNames lists the configured sinks in name order.
func (p *Pipeline) SinkNames() []string {
	names := make([]string, 0, len(p.sinks))
	for _, s := range p.sinks {
		names = append(names, s.Name())
	}
	sort.Strings(names)
	return names
}
