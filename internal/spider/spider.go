// Package spider runs the fetch routine over seeds popped from the seed queue
// and interprets what it yields.
package spider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	"github.com/JakeFAU/cobweb-launcher/internal/dispatcher"
	"github.com/JakeFAU/cobweb-launcher/internal/distributor"
	"github.com/JakeFAU/cobweb-launcher/internal/ledger"
	"github.com/JakeFAU/cobweb-launcher/internal/telemetry"
)

// Config controls Spider behavior.
type Config struct {
	Workers    int
	MaxRetries int
	// RequireItems treats an attempt that yields no sink items as a failure.
	RequireItems bool
	// Idle bounds how long a worker waits on an empty seed queue before re-checking.
	Idle time.Duration
}

// Limiter throttles fetches. key is the seed payload.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Option customizes a Spider.
type Option func(*Spider)

// WithLimiter consults l before every fetch.
func WithLimiter(l Limiter) Option {
	return func(s *Spider) {
		s.limiter = l
	}
}

// WithIDGenerator assigns IDs to popped seeds that have none.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(s *Spider) {
		s.ids = ids
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Spider) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Spider is a pool of fetch workers.
type Spider struct {
	cfg     Config
	fetch   crawler.FetchFunc
	dist    *distributor.Distributor
	ledger  *ledger.Ledger
	limiter Limiter
	ids     crawler.IDGenerator
	logger  *zap.Logger
	tracer  trace.Tracer

	inFlight atomic.Int64
}

// New constructs a Spider.
func New(cfg Config, fetch crawler.FetchFunc, dist *distributor.Distributor, l *ledger.Ledger, opts ...Option) *Spider {
	if cfg.Idle <= 0 {
		cfg.Idle = 100 * time.Millisecond
	}
	s := &Spider{
		cfg:    cfg,
		fetch:  fetch,
		dist:   dist,
		ledger: l,
		logger: zap.NewNop(),
		tracer: otel.Tracer(telemetry.TracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "spider"))
	return s
}

// Run starts the workers and blocks until stop closes or ctx ends. ctx is
// also the context handed to the fetch routine.
func (s *Spider) Run(ctx context.Context, stop <-chan struct{}) error {
	pool := dispatcher.New("spider", s.cfg.Workers, s.logger)
	return pool.Run(ctx, func(ctx context.Context, worker int) error {
		s.loop(ctx, stop, worker)
		return nil
	})
}

// InFlight counts seeds currently held by workers, including the window
// between a pop and the end of its processing.
func (s *Spider) InFlight() int64 {
	return s.inFlight.Load()
}

func (s *Spider) loop(ctx context.Context, stop <-chan struct{}, worker int) {
	seeds := s.dist.SeedQueue()
	logger := s.logger.With(zap.Int("worker", worker))
	logger.Debug("spider worker started")
	defer logger.Debug("spider worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		// Counted before the pop so the shutdown check never sees an empty
		// queue and zero in-flight while a seed is between the two.
		s.inFlight.Add(1)
		seed, ok := seeds.Pop()
		if !ok {
			s.inFlight.Add(-1)
			if !seeds.Wait(ctx, stop, s.cfg.Idle) {
				return
			}
			continue
		}
		s.handle(ctx, seed)
	}
}

// handle processes one popped seed. A panic outside the fetch routine, from
// the limiter, ID generator or ledger, is recovered so the worker survives;
// the seed goes through the retry path unless it was already disposed of.
func (s *Spider) handle(ctx context.Context, seed *crawler.Seed) {
	disposed := false
	defer s.inFlight.Add(-1)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.ledger.Panicked("spider", r)
		if !disposed {
			seed.Attempt = 0
			s.retry(ctx, seed, fmt.Errorf("%w: %v", crawler.ErrWorkerPanicked, r))
		}
	}()
	s.process(ctx, seed, &disposed)
}

// attempt accumulates what one fetch yielded.
type attempt struct {
	mu        sync.Mutex
	closed    bool
	items     int
	token     crawler.Token
	malformed error
}

// process runs one attempt for seed. disposed is set once the seed has been
// handed back to a queue or to the ledger.
func (s *Spider) process(ctx context.Context, seed *crawler.Seed, disposed *bool) {
	if seed.ID == "" && s.ids != nil {
		if id, err := s.ids.NewID(); err == nil {
			seed.ID = id
		}
	}

	if seed.Retries > s.cfg.MaxRetries {
		*disposed = true
		s.ledger.Dropped(ctx, *seed)
		return
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, seed.Payload); err != nil {
			*disposed = true
			if ctx.Err() != nil {
				s.dist.PushSeeds(seed)
				return
			}
			s.retry(ctx, seed, fmt.Errorf("rate limiter: %w", err))
			return
		}
	}

	ctx, span := s.tracer.Start(ctx, "spider.fetch", trace.WithAttributes(
		attribute.String("seed.id", seed.ID),
		attribute.Int("seed.depth", seed.Depth),
		attribute.Int("seed.retries", seed.Retries),
	))
	defer span.End()

	// Records routed during the fetch carry the attempt number; the seed
	// itself is re-queued without it.
	attemptID := s.ledger.Begin(*seed)
	seed.Attempt = attemptID
	res := &attempt{}
	err := s.invoke(ctx, seed, res)
	seed.Attempt = 0

	res.mu.Lock()
	res.closed = true
	token, items, malformed := res.token, res.items, res.malformed
	res.mu.Unlock()

	span.SetAttributes(attribute.Int("fetch.items", items))
	*disposed = true

	switch token {
	case crawler.TokenSuccess:
		span.SetStatus(codes.Ok, "success")
		s.succeed(ctx, seed, attemptID, items)
		return
	case crawler.TokenFailure:
		span.SetStatus(codes.Error, crawler.ErrFailureToken.Error())
		s.ledger.Failed(ctx, *seed, crawler.ErrFailureToken)
		return
	case crawler.TokenPolling:
		span.SetStatus(codes.Ok, "polling")
		s.ledger.Polled(*seed)
		s.dist.PushSeeds(seed)
		return
	}

	cause := errors.Join(err, malformed)
	if cause == nil && items == 0 && s.cfg.RequireItems {
		cause = crawler.ErrNoItems
	}
	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		s.retry(ctx, seed, cause)
		return
	}

	span.SetStatus(codes.Ok, "completed")
	s.succeed(ctx, seed, attemptID, items)
}

// succeed acknowledges a seed with nothing left to flush, or hands the
// decision to the commit of the attempt's items.
func (s *Spider) succeed(ctx context.Context, seed *crawler.Seed, attemptID uint64, items int) {
	if items == 0 {
		s.ledger.Succeeded(ctx, *seed)
		return
	}
	s.ledger.Await(ctx, *seed, attemptID)
}

func (s *Spider) invoke(ctx context.Context, seed *crawler.Seed, res *attempt) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", crawler.ErrFetchPanicked, r)
		}
	}()
	return s.fetch(ctx, seed.Clone(), func(v crawler.Value) bool {
		return s.yield(seed, res, v)
	})
}

// yield routes one value. It returns false once the attempt has ended: after a
// token, after a malformed value, or after the fetch routine returned.
func (s *Spider) yield(seed *crawler.Seed, res *attempt, v crawler.Value) bool {
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.closed || res.token != 0 || res.malformed != nil {
		return false
	}

	switch v.Kind {
	case crawler.KindToken:
		if !v.Valid() {
			res.malformed = fmt.Errorf("yield token %d: %w", int(v.Token), crawler.ErrMalformedYield)
			return false
		}
		res.token = v.Token
		return false
	case crawler.KindSeed, crawler.KindItem:
		if err := s.dist.Distribute(seed, v); err != nil {
			if !errors.Is(err, crawler.ErrMalformedYield) {
				err = fmt.Errorf("%w: %w", crawler.ErrMalformedYield, err)
			}
			res.malformed = err
			return false
		}
		if v.Kind == crawler.KindItem {
			res.items++
		}
		return true
	default:
		res.malformed = fmt.Errorf("yield value kind %d: %w", v.Kind, crawler.ErrMalformedYield)
		return false
	}
}

// retry re-queues seed with one more retry, or fails it once the budget is
// spent. The ledger is told first: once pushed, the seed belongs to whichever
// worker pops it.
func (s *Spider) retry(ctx context.Context, seed *crawler.Seed, cause error) {
	if seed.Retries >= s.cfg.MaxRetries {
		s.ledger.Failed(ctx, *seed, fmt.Errorf("%w after %d retries: %w", crawler.ErrRetriesExhausted, seed.Retries, cause))
		return
	}
	seed.Retries++
	s.ledger.Retried(*seed, cause)
	s.dist.PushSeeds(seed)
}
