package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	"github.com/JakeFAU/cobweb-launcher/internal/store"
)

func TestBacklogFetchBatchDrainsInOrder(t *testing.T) {
	t.Parallel()

	b := NewBacklog(crawler.Seed{ID: "1"}, crawler.Seed{ID: "2"}, crawler.Seed{ID: "3"})
	first, err := b.FetchBatch(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []crawler.Seed{{ID: "1"}, {ID: "2"}}, first)

	rest, err := b.FetchBatch(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []crawler.Seed{{ID: "3"}}, rest)

	empty, err := b.FetchBatch(context.Background(), 2)
	require.NoError(t, err)
	require.Empty(t, empty)
	require.Equal(t, []int{2, 2, 2}, b.Calls())
}

func TestBacklogAckIsIdempotent(t *testing.T) {
	t.Parallel()

	b := NewBacklog()
	require.NoError(t, b.Ack(context.Background(), crawler.OutcomeSucceeded, crawler.Seed{ID: "a"}))
	require.NoError(t, b.Ack(context.Background(), crawler.OutcomeSucceeded, crawler.Seed{ID: "a"}))
	require.Equal(t, map[string]crawler.Outcome{"a": crawler.OutcomeSucceeded}, b.Acked())
}

func TestBacklogHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBacklog(crawler.Seed{ID: "1"}).FetchBatch(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSinkStoresAndFails(t *testing.T) {
	t.Parallel()

	s := NewSink("rows")
	require.Equal(t, "rows", s.Name())
	require.NoError(t, s.Flush(context.Background(), crawler.Batch{Sink: "rows", Rows: [][]any{{1}, {2}}}))

	s.FailWith(func(crawler.Batch) error { return errors.New("nope") })
	require.Error(t, s.Flush(context.Background(), crawler.Batch{Sink: "rows", Rows: [][]any{{3}}}))

	require.Len(t, s.Batches(), 1)
	require.Equal(t, [][]any{{1}, {2}}, s.Rows())
}

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	runID := uuid.New()
	start := time.Now().UTC()

	_, err := s.GetRun(ctx, runID)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.UpsertRunStart(ctx, runID, start))
	require.NoError(t, s.AddSeedCounts(ctx, runID, store.SeedCounts{Acked: 2, Retried: 1}))
	require.NoError(t, s.AddSeedCounts(ctx, runID, store.SeedCounts{Acked: 1}))
	require.NoError(t, s.UpsertSinkStats(ctx, store.SinkStats{RunID: runID, Sink: "rows", Batches: 1, Rows: 5, LastUpdate: start}))
	require.NoError(t, s.UpsertSinkStats(ctx, store.SinkStats{RunID: runID, Sink: "rows", Batches: 1, Rows: 2, LastUpdate: start}))
	require.NoError(t, s.CompleteRun(ctx, runID, start.Add(time.Second), store.RunSuccess, nil))

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, run.Status)
	require.Equal(t, store.SeedCounts{Acked: 3, Retried: 1}, run.Seeds)
	require.NotNil(t, run.FinishedAt)

	sinks, err := s.ListRunSinks(ctx, runID, 10, 0)
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	require.Equal(t, int64(7), sinks[0].Rows)
	require.Equal(t, int64(2), sinks[0].Batches)

	running := store.RunRunning
	runs, err := s.ListRuns(ctx, &running, 10, 0)
	require.NoError(t, err)
	require.Empty(t, runs)

	runs, err = s.ListRuns(ctx, nil, 10, 5)
	require.NoError(t, err)
	require.Empty(t, runs)
}
