// Package memory provides in-process backlog, sink, and run store
// implementations for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

// Backlog serves seeds from a slice and records acknowledgements.
type Backlog struct {
	mu      sync.Mutex
	pending []crawler.Seed
	acked   map[string]crawler.Outcome
	limits  []int
}

// NewBacklog creates a backlog holding seeds in order.
func NewBacklog(seeds ...crawler.Seed) *Backlog {
	b := &Backlog{acked: make(map[string]crawler.Outcome)}
	b.Add(seeds...)
	return b
}

// Add appends seeds to the end of the backlog.
func (b *Backlog) Add(seeds ...crawler.Seed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range seeds {
		b.pending = append(b.pending, s.Clone())
	}
}

// FetchBatch removes and returns up to limit seeds.
func (b *Backlog) FetchBatch(ctx context.Context, limit int) ([]crawler.Seed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limits = append(b.limits, limit)
	n := min(max(limit, 0), len(b.pending))
	out := make([]crawler.Seed, n)
	copy(out, b.pending[:n])
	b.pending = b.pending[n:]
	return out, nil
}

// Ack records the outcome for each seed. A later ack overwrites an earlier one.
func (b *Backlog) Ack(_ context.Context, outcome crawler.Outcome, seeds ...crawler.Seed) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range seeds {
		b.acked[s.ID] = outcome
	}
	return nil
}

// Outcome returns the recorded outcome for a seed ID.
func (b *Backlog) Outcome(id string) (crawler.Outcome, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.acked[id]
	return o, ok
}

// Acked returns a copy of every recorded outcome keyed by seed ID.
func (b *Backlog) Acked() map[string]crawler.Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]crawler.Outcome, len(b.acked))
	for k, v := range b.acked {
		out[k] = v
	}
	return out
}

// Calls returns the limit passed to every FetchBatch call.
func (b *Backlog) Calls() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.limits...)
}

// Pending returns the number of seeds not yet fetched.
func (b *Backlog) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
