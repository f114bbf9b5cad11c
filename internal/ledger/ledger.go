// Package ledger records the terminal and intermediate dispositions of seeds
// and batches. Every transition is counted, exported as a metric, emitted as
// a progress event, and, when terminal, acknowledged to the backlog.
package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	"github.com/JakeFAU/cobweb-launcher/internal/metrics"
	"github.com/JakeFAU/cobweb-launcher/internal/progress"
)

// Snapshot is a point-in-time copy of the ledger counters.
type Snapshot struct {
	// Succeeded counts seeds acknowledged by the spider (success token or no items).
	Succeeded int64 `json:"succeeded"`
	// Committed counts seeds acknowledged after a sink flush.
	Committed  int64 `json:"committed"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Polled     int64 `json:"polled"`
	Dropped    int64 `json:"dropped"`
	Batches    int64 `json:"batches"`
	Rows       int64 `json:"rows"`
	RolledBack int64 `json:"rolled_back"`
	AckErrors  int64 `json:"ack_errors"`
	// Panics counts panics recovered inside worker iterations.
	Panics int64 `json:"panics"`
}

// seedState tracks one seed ID for the lifetime of the run. attempt is the
// fetch whose records may still settle the seed; zero means none.
type seedState struct {
	attempt  uint64
	awaiting bool
	flushed  bool
	settled  crawler.Outcome
}

// Ledger is safe for concurrent use. A nil Acknowledger skips backlog acks.
//
// Each seed ID settles at most once per run: the first terminal outcome is
// acknowledged and later ones are ignored. A seed whose attempt produced sink
// items settles as succeeded only when the spider has finished that attempt
// with a success verdict and at least one of its batches has committed.
type Ledger struct {
	acker  crawler.Acknowledger
	rec    *progress.Recorder
	logger *zap.Logger

	mu       sync.Mutex
	seeds    map[string]*seedState
	attempts uint64

	succeeded  atomic.Int64
	committed  atomic.Int64
	failed     atomic.Int64
	retried    atomic.Int64
	polled     atomic.Int64
	dropped    atomic.Int64
	batches    atomic.Int64
	rows       atomic.Int64
	rolledBack atomic.Int64
	ackErrors  atomic.Int64
	panics     atomic.Int64
}

// New constructs a Ledger.
func New(acker crawler.Acknowledger, rec *progress.Recorder, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		acker:  acker,
		rec:    rec,
		logger: logger,
		seeds:  make(map[string]*seedState),
	}
}

// Begin opens a fetch attempt for seed and returns its number. Records that
// carry an older number no longer settle the seed. Seeds without an ID are
// not tracked and get zero.
func (l *Ledger) Begin(seed crawler.Seed) uint64 {
	if seed.ID == "" {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	st := l.state(seed.ID)
	st.attempt = l.attempts
	st.awaiting = false
	st.flushed = false
	return l.attempts
}

// Succeeded acknowledges a seed whose attempt finished without sink items to wait for.
func (l *Ledger) Succeeded(ctx context.Context, seed crawler.Seed) {
	if !l.settle(seed, crawler.OutcomeSucceeded) {
		return
	}
	l.succeeded.Add(1)
	metrics.ObserveSeed("succeeded")
	l.ack(ctx, crawler.OutcomeSucceeded, seed)
	l.rec.Record(progress.Event{Stage: progress.StageSeedAcked, SeedID: seed.ID, Retries: seed.Retries})
}

// Await records that attempt finished successfully after producing sink
// items. The seed is acknowledged now if one of the attempt's batches has
// already committed, otherwise on the next commit.
func (l *Ledger) Await(ctx context.Context, seed crawler.Seed, attempt uint64) {
	if seed.ID == "" || attempt == 0 {
		return
	}
	l.mu.Lock()
	st := l.state(seed.ID)
	if st.settled != "" || st.attempt != attempt {
		l.mu.Unlock()
		return
	}
	if !st.flushed {
		st.awaiting = true
		l.mu.Unlock()
		return
	}
	st.settled = crawler.OutcomeSucceeded
	st.attempt = 0
	l.mu.Unlock()

	l.commitSeeds(ctx, "", []crawler.Seed{seed})
}

// Failed acknowledges a seed as terminally failed.
func (l *Ledger) Failed(ctx context.Context, seed crawler.Seed, cause error) {
	if !l.settle(seed, crawler.OutcomeFailed) {
		return
	}
	l.failed.Add(1)
	metrics.ObserveSeed("failed")
	l.logger.Warn("seed failed",
		zap.String("seed_id", seed.ID),
		zap.Int("retries", seed.Retries),
		zap.Error(cause),
	)
	l.ack(ctx, crawler.OutcomeFailed, seed)
	l.rec.Record(progress.Event{
		Stage:   progress.StageSeedFailed,
		SeedID:  seed.ID,
		Retries: seed.Retries,
		Note:    errText(cause),
	})
}

// Dropped acknowledges a seed that arrived with its retry budget already spent.
// No fetch is attempted for it.
func (l *Ledger) Dropped(ctx context.Context, seed crawler.Seed) {
	if !l.settle(seed, crawler.OutcomeFailed) {
		return
	}
	l.dropped.Add(1)
	metrics.ObserveSeed("dropped")
	l.logger.Warn("seed dropped over retry budget",
		zap.String("seed_id", seed.ID),
		zap.Int("retries", seed.Retries),
	)
	l.ack(ctx, crawler.OutcomeFailed, seed)
	l.rec.Record(progress.Event{Stage: progress.StageSeedDropped, SeedID: seed.ID, Retries: seed.Retries})
}

// Retried notes that a failed attempt put the seed back on the queue.
// Records from the failed attempt stop counting toward the seed.
func (l *Ledger) Retried(seed crawler.Seed, cause error) {
	l.closeAttempt(seed.ID)
	l.retried.Add(1)
	metrics.ObserveSeed("retried")
	l.logger.Debug("seed retry scheduled",
		zap.String("seed_id", seed.ID),
		zap.Int("retries", seed.Retries),
		zap.Error(cause),
	)
	l.rec.Record(progress.Event{
		Stage:   progress.StageSeedRetried,
		SeedID:  seed.ID,
		Retries: seed.Retries,
		Note:    errText(cause),
	})
}

// Polled notes that the fetch routine asked for the seed to be revisited later.
func (l *Ledger) Polled(seed crawler.Seed) {
	l.closeAttempt(seed.ID)
	l.polled.Add(1)
	metrics.ObserveSeed("polled")
	l.rec.Record(progress.Event{Stage: progress.StageSeedPolled, SeedID: seed.ID, Retries: seed.Retries})
}

// Committed records a batch the sink made durable and acknowledges the seeds
// it settles. Rows always count; seeds count only when they settle here.
func (l *Ledger) Committed(ctx context.Context, sink string, seeds []crawler.Seed, rows int, dur time.Duration) {
	l.batches.Add(1)
	l.rows.Add(int64(rows))
	metrics.ObserveFlush(sink, true, rows, dur)
	l.rec.Record(progress.Event{
		Stage: progress.StageBatchFlushed,
		Sink:  sink,
		Count: int64(rows),
		Dur:   dur,
	})

	settled := make([]crawler.Seed, 0, len(seeds))
	for _, seed := range seeds {
		if l.flushed(seed) {
			settled = append(settled, seed)
		}
	}
	l.commitSeeds(ctx, sink, settled)
}

// RolledBack notes a failed flush whose seeds were re-queued. The attempts
// behind the batch can no longer settle their seeds.
func (l *Ledger) RolledBack(sink string, seeds []crawler.Seed, rows int, dur time.Duration, cause error) {
	l.mu.Lock()
	for _, seed := range seeds {
		if st, ok := l.seeds[seed.ID]; ok && seed.Attempt != 0 && st.attempt == seed.Attempt {
			st.attempt = 0
		}
	}
	l.mu.Unlock()

	l.rolledBack.Add(1)
	metrics.ObserveFlush(sink, false, rows, dur)
	l.logger.Warn("sink flush failed, batch rolled back",
		zap.String("sink", sink),
		zap.Int("rows", rows),
		zap.Int("seeds", len(seeds)),
		zap.Error(cause),
	)
	l.rec.Record(progress.Event{
		Stage: progress.StageBatchRolledBack,
		Sink:  sink,
		Count: int64(rows),
		Dur:   dur,
		Note:  errText(cause),
	})
}

// Panicked counts a panic recovered by a worker.
func (l *Ledger) Panicked(component string, recovered any) {
	l.panics.Add(1)
	metrics.ObserveSeed("panicked")
	l.logger.Error("worker recovered from panic",
		zap.String("component", component),
		zap.Any("panic", recovered),
		zap.Stack("stack"),
	)
}

// Snapshot copies the current counters.
func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{
		Succeeded:  l.succeeded.Load(),
		Committed:  l.committed.Load(),
		Failed:     l.failed.Load(),
		Retried:    l.retried.Load(),
		Polled:     l.polled.Load(),
		Dropped:    l.dropped.Load(),
		Batches:    l.batches.Load(),
		Rows:       l.rows.Load(),
		RolledBack: l.rolledBack.Load(),
		AckErrors:  l.ackErrors.Load(),
		Panics:     l.panics.Load(),
	}
}

func (l *Ledger) state(id string) *seedState {
	st, ok := l.seeds[id]
	if !ok {
		st = &seedState{}
		l.seeds[id] = st
	}
	return st
}

// settle marks seed with its terminal outcome. It reports false when the seed
// had already settled.
func (l *Ledger) settle(seed crawler.Seed, outcome crawler.Outcome) bool {
	if seed.ID == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(seed.ID)
	if st.settled != "" {
		l.logger.Debug("seed already settled",
			zap.String("seed_id", seed.ID),
			zap.String("settled", string(st.settled)),
			zap.String("outcome", string(outcome)),
		)
		return false
	}
	st.settled = outcome
	st.attempt = 0
	return true
}

func (l *Ledger) closeAttempt(id string) {
	if id == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.seeds[id]; ok {
		st.attempt = 0
		st.awaiting = false
		st.flushed = false
	}
}

// flushed applies one committed record seed and reports whether it settles
// the seed now. Untracked seeds settle on their first commit.
func (l *Ledger) flushed(seed crawler.Seed) bool {
	if seed.ID == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(seed.ID)
	switch {
	case st.settled != "":
		return false
	case seed.Attempt == 0:
		// Records built outside a tracked attempt.
	case st.attempt != seed.Attempt:
		return false
	case !st.awaiting:
		st.flushed = true
		return false
	}
	st.settled = crawler.OutcomeSucceeded
	st.attempt = 0
	return true
}

func (l *Ledger) commitSeeds(ctx context.Context, sink string, seeds []crawler.Seed) {
	if len(seeds) == 0 {
		return
	}
	l.committed.Add(int64(len(seeds)))
	for range seeds {
		metrics.ObserveSeed("committed")
	}
	l.ack(ctx, crawler.OutcomeSucceeded, seeds...)
	for _, seed := range seeds {
		l.rec.Record(progress.Event{
			Stage:   progress.StageSeedCommitted,
			Sink:    sink,
			SeedID:  seed.ID,
			Retries: seed.Retries,
		})
	}
}

// ack never fails the caller: an ack error or panic leaves the seed pending
// in its backlog, which is safe because acks are idempotent.
func (l *Ledger) ack(ctx context.Context, outcome crawler.Outcome, seeds ...crawler.Seed) {
	if l.acker == nil || len(seeds) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.ackErrors.Add(1)
			l.logger.Error("backlog ack panicked",
				zap.String("outcome", string(outcome)),
				zap.Int("seeds", len(seeds)),
				zap.Any("panic", r),
			)
		}
	}()
	if err := l.acker.Ack(ctx, outcome, seeds...); err != nil {
		l.ackErrors.Add(1)
		l.logger.Error("backlog ack failed",
			zap.String("outcome", string(outcome)),
			zap.Int("seeds", len(seeds)),
			zap.Error(err),
		)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
