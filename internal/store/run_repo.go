package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the cobweb_runs status column.
type RunStatus string

// Run statuses persisted in cobweb_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// SeedCounts holds per-outcome seed totals for a run.
type SeedCounts struct {
	Acked     int64 `json:"acked"`
	Committed int64 `json:"committed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Polled    int64 `json:"polled"`
	Dropped   int64 `json:"dropped"`
}

// IsZero reports whether every counter is zero.
func (c SeedCounts) IsZero() bool {
	return c == SeedCounts{}
}

// Add returns the element-wise sum of c and d.
func (c SeedCounts) Add(d SeedCounts) SeedCounts {
	return SeedCounts{
		Acked:     c.Acked + d.Acked,
		Committed: c.Committed + d.Committed,
		Failed:    c.Failed + d.Failed,
		Retried:   c.Retried + d.Retried,
		Polled:    c.Polled + d.Polled,
		Dropped:   c.Dropped + d.Dropped,
	}
}

// Run models the cobweb_runs table for API responses.
type Run struct {
	ID        uuid.UUID `json:"id"`
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       RunStatus  `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Seeds        SeedCounts `json:"seeds"`
}

// SinkStats aggregates flush outcomes per (run, sink).
type SinkStats struct {
	RunID      uuid.UUID `json:"run_id"`
	Sink       string    `json:"sink"`
	LastUpdate time.Time `json:"last_update"`
	Batches    int64     `json:"batches"`
	Rows       int64     `json:"rows"`
	RolledBack int64     `json:"rolled_back"`
}

// RunRepository persists incremental run progress.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the started_at timestamp.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// AddSeedCounts applies seed outcome deltas to a run.
	AddSeedCounts(ctx context.Context, runID uuid.UUID, delta SeedCounts) error
	// UpsertSinkStats applies batch/row deltas per (run, sink).
	UpsertSinkStats(ctx context.Context, stats SinkStats) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunSinks returns aggregated sink stats for one run.
	ListRunSinks(ctx context.Context, runID uuid.UUID, limit, offset int) ([]SinkStats, error)
}
