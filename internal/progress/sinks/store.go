package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/progress"
	"github.com/JakeFAU/cobweb-launcher/internal/store"
)

// StoreSink persists progress deltas via a store.RunRepository. It collapses
// seed and sink counters per batch to reduce write amplification.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume collapses deltas and forwards them to the repository. Run start is
// written first and run completion last so counters land on an existing row.
// Repository errors are returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	seeds := make(map[uuid.UUID]*store.SeedCounts)
	sinkStats := make(map[sinkKey]*store.SinkStats)
	var terminal []progress.Event

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageRunDone, progress.StageRunError:
			terminal = append(terminal, evt)
		case progress.StageBatchFlushed, progress.StageBatchRolledBack:
			recordSinkStats(sinkStats, runID, evt)
		default:
			recordSeedCounts(seeds, runID, evt.Stage)
		}
	}

	for runID, delta := range seeds {
		if delta.IsZero() {
			continue
		}
		if err := s.repo.AddSeedCounts(ctx, runID, *delta); err != nil {
			return fmt.Errorf("add seed counts: %w", err)
		}
	}
	for _, stats := range sinkStats {
		if err := s.repo.UpsertSinkStats(ctx, *stats); err != nil {
			return fmt.Errorf("upsert sink stats: %w", err)
		}
	}
	for _, evt := range terminal {
		if err := s.completeRun(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) completeRun(ctx context.Context, evt progress.Event) error {
	status := store.RunSuccess
	var note *string
	if evt.Stage == progress.StageRunError {
		status = store.RunError
		if evt.Note != "" {
			msg := evt.Note
			note = &msg
		}
	}
	if err := s.repo.CompleteRun(ctx, evt.RunUUID(), evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

func recordSeedCounts(seeds map[uuid.UUID]*store.SeedCounts, runID uuid.UUID, stage progress.Stage) {
	delta := seeds[runID]
	if delta == nil {
		delta = &store.SeedCounts{}
		seeds[runID] = delta
	}
	switch stage {
	case progress.StageSeedAcked:
		delta.Acked++
	case progress.StageSeedCommitted:
		delta.Committed++
	case progress.StageSeedFailed:
		delta.Failed++
	case progress.StageSeedRetried:
		delta.Retried++
	case progress.StageSeedPolled:
		delta.Polled++
	case progress.StageSeedDropped:
		delta.Dropped++
	}
}

func recordSinkStats(stats map[sinkKey]*store.SinkStats, runID uuid.UUID, evt progress.Event) {
	key := sinkKey{runID: runID, sink: evt.Sink}
	stat := stats[key]
	if stat == nil {
		stat = &store.SinkStats{RunID: runID, Sink: evt.Sink}
		stats[key] = stat
	}
	if evt.Stage == progress.StageBatchFlushed {
		stat.Batches++
		stat.Rows += evt.Count
	} else {
		stat.RolledBack++
	}
	if evt.TS.After(stat.LastUpdate) {
		stat.LastUpdate = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type sinkKey struct {
	runID uuid.UUID
	sink  string
}

