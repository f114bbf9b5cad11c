package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cobweb-launcher/internal/store"
)

func runRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "started_at", "finished_at", "status", "error_message",
		"acked", "committed", "failed", "retried", "polled", "dropped",
	})
}

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRunStore(mock)
	runID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	mock.ExpectExec("INSERT INTO cobweb_runs").
		WithArgs(runID, started, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE cobweb_runs").
		WithArgs(int64(3), int64(1), int64(0), int64(2), int64(0), int64(0), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO cobweb_run_sinks").
		WithArgs(runID, "pages", finished, int64(2), int64(10), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE cobweb_runs").
		WithArgs(finished, store.RunSuccess, (*string)(nil), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, repo.UpsertRunStart(ctx, runID, started))
	require.NoError(t, repo.AddSeedCounts(ctx, runID, store.SeedCounts{Acked: 3, Committed: 1, Retried: 2}))
	require.NoError(t, repo.UpsertSinkStats(ctx, store.SinkStats{
		RunID: runID, Sink: "pages", LastUpdate: finished, Batches: 2, Rows: 10, RolledBack: 1,
	}))
	require.NoError(t, repo.CompleteRun(ctx, runID, finished, store.RunSuccess, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreMissingRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRunStore(mock)
	runID := uuid.New()

	mock.ExpectExec("UPDATE cobweb_runs").
		WithArgs(int64(1), int64(0), int64(0), int64(0), int64(0), int64(0), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("FROM cobweb_runs WHERE id").
		WithArgs(runID).
		WillReturnError(pgx.ErrNoRows)

	err = repo.AddSeedCounts(context.Background(), runID, store.SeedCounts{Acked: 1})
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = repo.GetRun(context.Background(), runID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetAndList(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRunStore(mock)
	runID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	note := "backlog down"

	mock.ExpectQuery("FROM cobweb_runs WHERE id").
		WithArgs(runID).
		WillReturnRows(runRows().AddRow(
			runID, started, &finished, store.RunError, &note,
			int64(4), int64(1), int64(1), int64(2), int64(0), int64(0),
		))
	mock.ExpectQuery("ORDER BY started_at DESC").
		WithArgs(pgxmock.AnyArg(), 10, 0).
		WillReturnRows(runRows().AddRow(
			runID, started, (*time.Time)(nil), store.RunRunning, (*string)(nil),
			int64(0), int64(0), int64(0), int64(0), int64(0), int64(0),
		))
	mock.ExpectQuery("FROM cobweb_run_sinks").
		WithArgs(runID, 5, 0).
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "sink", "last_update", "batches", "rows", "rolled_back"}).
			AddRow(runID, "pages", finished, int64(3), int64(12), int64(0)))

	ctx := context.Background()
	run, err := repo.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)
	require.Equal(t, note, *run.ErrorMessage)
	require.Equal(t, store.SeedCounts{Acked: 4, Committed: 1, Failed: 1, Retried: 2}, run.Seeds)

	status := store.RunRunning
	runs, err := repo.ListRuns(ctx, &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Nil(t, runs[0].FinishedAt)

	sinks, err := repo.ListRunSinks(ctx, runID, 5, 0)
	require.NoError(t, err)
	require.Equal(t, []store.SinkStats{{
		RunID: runID, Sink: "pages", LastUpdate: finished, Batches: 3, Rows: 12,
	}}, sinks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cobweb_seeds").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, Migrate(context.Background(), mock, ""))
	require.ErrorContains(t, Migrate(context.Background(), mock, "bad-name"), "invalid table name")
	require.NoError(t, mock.ExpectationsWereMet())
}
