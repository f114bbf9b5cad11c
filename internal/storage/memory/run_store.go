package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/cobweb-launcher/internal/store"
)

// RunStore provides an in-memory store.RunRepository.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]store.Run
	sinks map[uuid.UUID]map[string]store.SinkStats
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:  make(map[uuid.UUID]store.Run),
		sinks: make(map[uuid.UUID]map[string]store.SinkStats),
	}
}

// UpsertRunStart creates the run in running status if it does not exist.
func (s *RunStore) UpsertRunStart(_ context.Context, runID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, StartedAt: startedAt}
	}
	run.Status = store.RunRunning
	s.runs[runID] = run
	return nil
}

// CompleteRun marks the run finished.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	run.ErrorMessage = errMsg
	s.runs[runID] = run
	return nil
}

// AddSeedCounts applies deltas to the run's seed counters.
func (s *RunStore) AddSeedCounts(_ context.Context, runID uuid.UUID, delta store.SeedCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Seeds = run.Seeds.Add(delta)
	s.runs[runID] = run
	return nil
}

// UpsertSinkStats applies deltas to the (run, sink) aggregate.
func (s *RunStore) UpsertSinkStats(_ context.Context, stats store.SinkStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	perRun := s.sinks[stats.RunID]
	if perRun == nil {
		perRun = make(map[string]store.SinkStats)
		s.sinks[stats.RunID] = perRun
	}
	cur, ok := perRun[stats.Sink]
	if !ok {
		cur = store.SinkStats{RunID: stats.RunID, Sink: stats.Sink}
	}
	cur.Batches += stats.Batches
	cur.Rows += stats.Rows
	cur.RolledBack += stats.RolledBack
	if stats.LastUpdate.After(cur.LastUpdate) {
		cur.LastUpdate = stats.LastUpdate
	}
	perRun[stats.Sink] = cur
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, limit, offset), nil
}

// ListRunSinks returns sink aggregates for a run, most recently updated first.
func (s *RunStore) ListRunSinks(_ context.Context, runID uuid.UUID, limit, offset int) ([]store.SinkStats, error) {
	s.mu.RLock()
	out := make([]store.SinkStats, 0, len(s.sinks[runID]))
	for _, stat := range s.sinks[runID] {
		out = append(out, stat)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdate.Equal(out[j].LastUpdate) {
			return out[i].Sink < out[j].Sink
		}
		return out[i].LastUpdate.After(out[j].LastUpdate)
	})
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[max(offset, 0):]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
