package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/cobweb-launcher/internal/store"
)

// RunStore implements store.RunRepository on the cobweb_runs and
// cobweb_run_sinks tables.
type RunStore struct {
	pool Pool
}

// NewRunStore wraps an existing pool.
func NewRunStore(pool Pool) *RunStore {
	return &RunStore{pool: pool}
}

// UpsertRunStart inserts a run or flips an existing one back to running.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO cobweb_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE cobweb_runs.status <> EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional error message.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE cobweb_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddSeedCounts increments the run's seed outcome counters.
func (s *RunStore) AddSeedCounts(ctx context.Context, runID uuid.UUID, delta store.SeedCounts) error {
	query := `
		UPDATE cobweb_runs
		SET acked = acked + $1,
			committed = committed + $2,
			failed = failed + $3,
			retried = retried + $4,
			polled = polled + $5,
			dropped = dropped + $6
		WHERE id = $7;
	`
	tag, err := s.pool.Exec(ctx, query,
		delta.Acked,
		delta.Committed,
		delta.Failed,
		delta.Retried,
		delta.Polled,
		delta.Dropped,
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to add seed counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpsertSinkStats adds batch and row deltas to the (run, sink) row.
func (s *RunStore) UpsertSinkStats(ctx context.Context, stats store.SinkStats) error {
	query := `
		INSERT INTO cobweb_run_sinks (run_id, sink, last_update, batches, rows, rolled_back)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, sink) DO UPDATE
		SET batches = cobweb_run_sinks.batches + EXCLUDED.batches,
			rows = cobweb_run_sinks.rows + EXCLUDED.rows,
			rolled_back = cobweb_run_sinks.rolled_back + EXCLUDED.rolled_back,
			last_update = GREATEST(cobweb_run_sinks.last_update, EXCLUDED.last_update);
	`
	_, err := s.pool.Exec(ctx, query,
		stats.RunID,
		stats.Sink,
		stats.LastUpdate,
		stats.Batches,
		stats.Rows,
		stats.RolledBack,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sink stats: %w", err)
	}
	return nil
}

const runColumns = `id, started_at, finished_at, status, error_message,
	acked, committed, failed, retried, polled, dropped`

func scanRun(row pgx.Row) (store.Run, error) {
	var run store.Run
	err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
		&run.Seeds.Acked,
		&run.Seeds.Committed,
		&run.Seeds.Failed,
		&run.Seeds.Retried,
		&run.Seeds.Polled,
		&run.Seeds.Dropped,
	)
	return run, err
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM cobweb_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM cobweb_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListRunSinks retrieves aggregated sink statistics for a run.
func (s *RunStore) ListRunSinks(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.SinkStats, error) {
	query := `
		SELECT run_id, sink, last_update, batches, rows, rolled_back
		FROM cobweb_run_sinks
		WHERE run_id = $1
		ORDER BY last_update DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run sinks: %w", err)
	}
	defer rows.Close()

	var stats []store.SinkStats
	for rows.Next() {
		var stat store.SinkStats
		err := rows.Scan(
			&stat.RunID,
			&stat.Sink,
			&stat.LastUpdate,
			&stat.Batches,
			&stat.Rows,
			&stat.RolledBack,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sink stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sink stats: %w", err)
	}
	return stats, nil
}
