package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cobweb-launcher/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageSchedulerRefill, Count: 10},
		{RunID: runID, TS: now, Stage: progress.StageSeedAcked, SeedID: "a"},
		{RunID: runID, TS: now, Stage: progress.StageSeedRetried, SeedID: "b"},
		{RunID: runID, TS: now, Stage: progress.StageSeedRetried, SeedID: "b"},
		{RunID: runID, TS: now, Stage: progress.StageBatchFlushed, Sink: "rows", Count: 5},
		{RunID: runID, TS: now, Stage: progress.StageBatchRolledBack, Sink: "rows", Count: 2},
		{RunID: runID, TS: now.Add(15 * time.Second), Stage: progress.StageRunDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 10.0, testutil.ToFloat64(sink.refilled))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.seedEvents.WithLabelValues(string(progress.StageSeedAcked))))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.seedEvents.WithLabelValues(string(progress.StageSeedRetried))))
	require.InDelta(t, 5.0, testutil.ToFloat64(sink.sinkRows.WithLabelValues("rows", "flushed")), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.sinkRows.WithLabelValues("rows", "rolled_back")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.runRuntime, "cobweb_run_runtime_seconds"))
}

// TestPrometheusSinkRejectsDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
