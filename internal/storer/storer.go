// Package storer drains one sink queue into its Sink in batches.
package storer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	"github.com/JakeFAU/cobweb-launcher/internal/dispatcher"
	"github.com/JakeFAU/cobweb-launcher/internal/ledger"
	"github.com/JakeFAU/cobweb-launcher/internal/queue"
	"github.com/JakeFAU/cobweb-launcher/internal/telemetry"
)

// Config controls batching for one sink.
type Config struct {
	// BatchLength is the number of records per flush.
	BatchLength int
	Workers     int
	// MaxBatchWait flushes a partial batch once its oldest record has waited
	// this long. Zero disables time-based flushing.
	MaxBatchWait time.Duration
	Idle         time.Duration
}

// SeedPusher re-queues seeds after a rollback.
type SeedPusher interface {
	PushSeeds(seeds ...*crawler.Seed)
}

// Storer is a worker pool bound to one sink and its queue.
type Storer struct {
	cfg    Config
	sink   crawler.Sink
	queue  *queue.Queue[crawler.Record]
	seeds  SeedPusher
	ledger *ledger.Ledger
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	busy     atomic.Int64
	draining atomic.Bool
}

// New constructs a Storer.
func New(
	cfg Config,
	sink crawler.Sink,
	records *queue.Queue[crawler.Record],
	seeds SeedPusher,
	l *ledger.Ledger,
	logger *zap.Logger,
) *Storer {
	if cfg.BatchLength <= 0 {
		cfg.BatchLength = 1
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storer{
		cfg:    cfg,
		sink:   sink,
		queue:  records,
		seeds:  seeds,
		ledger: l,
		logger: logger.With(zap.String("component", "storer"), zap.String("sink", sink.Name())),
		tracer: otel.Tracer(telemetry.TracerName),
		now:    time.Now,
	}
}

// Name returns the sink name.
func (s *Storer) Name() string {
	return s.sink.Name()
}

// Run starts the workers and blocks until stop closes or ctx ends.
func (s *Storer) Run(ctx context.Context, stop <-chan struct{}) error {
	pool := dispatcher.New("storer/"+s.sink.Name(), s.cfg.Workers, s.logger)
	return pool.Run(ctx, func(ctx context.Context, _ int) error {
		s.loop(ctx, stop)
		return nil
	})
}

// Busy counts workers between popping records and finishing their flush.
func (s *Storer) Busy() int64 {
	return s.busy.Load()
}

// SetDraining makes workers flush partial batches.
func (s *Storer) SetDraining(draining bool) {
	s.draining.Store(draining)
}

// Draining reports whether partial batches are being flushed.
func (s *Storer) Draining() bool {
	return s.draining.Load()
}

func (s *Storer) loop(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		if !s.ready() {
			if !s.queue.Wait(ctx, stop, s.waitFor()) {
				return
			}
			continue
		}

		s.handle(ctx)
	}
}

// handle pops and flushes one batch. A panic outside Sink.Flush, from the
// ledger or its acknowledger, is recovered so the worker survives; records
// whose flush never finished are rolled back.
func (s *Storer) handle(ctx context.Context) {
	s.busy.Add(1)
	defer s.busy.Add(-1)

	var (
		records   []crawler.Record
		settled bool
	)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.ledger.Panicked("storer/"+s.sink.Name(), r)
		if !settled && len(records) > 0 {
			s.rollback(buildBatch(s.sink.Name(), records), 0, fmt.Errorf("%w: %v", crawler.ErrWorkerPanicked, r))
		}
	}()

	records = s.queue.PopN(s.cfg.BatchLength)
	if len(records) > 0 {
		s.flush(ctx, records, &settled)
	}
}

func (s *Storer) ready() bool {
	n := s.queue.Len()
	switch {
	case n >= s.cfg.BatchLength:
		return true
	case n == 0:
		return false
	case s.draining.Load():
		return true
	case s.cfg.MaxBatchWait > 0:
		head, ok := s.queue.Peek()
		return ok && s.now().Sub(head.Queued) >= s.cfg.MaxBatchWait
	default:
		return false
	}
}

// waitFor shortens the idle wait so a time-based flush is not late by a full idle period.
func (s *Storer) waitFor() time.Duration {
	if s.cfg.MaxBatchWait <= 0 {
		return s.cfg.Idle
	}
	head, ok := s.queue.Peek()
	if !ok {
		return s.cfg.Idle
	}
	remaining := s.cfg.MaxBatchWait - s.now().Sub(head.Queued)
	if remaining <= 0 {
		return time.Millisecond
	}
	return min(remaining, s.cfg.Idle)
}

func (s *Storer) flush(ctx context.Context, records []crawler.Record, settled *bool) {
	batch := buildBatch(s.sink.Name(), records)

	ctx, span := s.tracer.Start(ctx, "storer.flush", trace.WithAttributes(
		attribute.String("sink", batch.Sink),
		attribute.Int("batch.rows", len(batch.Rows)),
		attribute.Int("batch.seeds", len(batch.Seeds)),
	))
	defer span.End()

	start := s.now()
	err := s.invoke(ctx, batch)
	dur := max(s.now().Sub(start), 0)

	if err == nil {
		*settled = true
		span.SetStatus(codes.Ok, "flushed")
		s.ledger.Committed(ctx, batch.Sink, batch.Seeds, len(batch.Rows), dur)
		return
	}

	err = fmt.Errorf("%w: %s: %w", crawler.ErrFlushFailed, batch.Sink, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.rollback(batch, dur, err)
	*settled = true
}

// rollback re-queues every distinct seed behind the batch with one more
// retry, so a sink that never recovers ends in retry exhaustion.
func (s *Storer) rollback(batch crawler.Batch, dur time.Duration, cause error) {
	s.ledger.RolledBack(batch.Sink, batch.Seeds, len(batch.Rows), dur, cause)

	requeued := make([]*crawler.Seed, 0, len(batch.Seeds))
	seen := make(map[string]struct{}, len(batch.Seeds))
	for _, seed := range batch.Seeds {
		if seed.ID != "" {
			if _, dup := seen[seed.ID]; dup {
				continue
			}
			seen[seed.ID] = struct{}{}
		}
		clone := seed.Clone()
		clone.Attempt = 0
		clone.Retries++
		requeued = append(requeued, &clone)
	}
	s.seeds.PushSeeds(requeued...)
}

func (s *Storer) invoke(ctx context.Context, batch crawler.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return s.sink.Flush(ctx, batch)
}

// buildBatch concatenates rows in arrival order. Fields come from the first
// record that declares any; seeds are deduplicated per fetch attempt.
func buildBatch(sink string, records []crawler.Record) crawler.Batch {
	batch := crawler.Batch{Sink: sink}
	type key struct {
		id      string
		attempt uint64
	}
	seen := make(map[key]struct{}, len(records))
	for _, rec := range records {
		if batch.Fields == nil && len(rec.Item.Fields) > 0 {
			batch.Fields = rec.Item.Fields
		}
		batch.Rows = append(batch.Rows, rec.Item.Rows...)
		if rec.Seed.ID != "" {
			k := key{rec.Seed.ID, rec.Seed.Attempt}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		batch.Seeds = append(batch.Seeds, rec.Seed)
	}
	return batch
}
