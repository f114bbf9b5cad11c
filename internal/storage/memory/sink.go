package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

// Sink keeps every flushed batch in memory.
type Sink struct {
	name string

	mu      sync.Mutex
	batches []crawler.Batch
	fail    func(crawler.Batch) error
}

// NewSink creates a named in-memory sink.
func NewSink(name string) *Sink {
	return &Sink{name: name}
}

// FailWith installs a hook consulted before each flush; a non-nil error fails
// the flush and the batch is not stored. Pass nil to clear it.
func (s *Sink) FailWith(fn func(crawler.Batch) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// Name implements crawler.Sink.
func (s *Sink) Name() string {
	return s.name
}

// Flush implements crawler.Sink.
func (s *Sink) Flush(_ context.Context, batch crawler.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(batch); err != nil {
			return err
		}
	}
	s.batches = append(s.batches, batch)
	return nil
}

// Batches returns the committed batches in flush order.
func (s *Sink) Batches() []crawler.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.Batch(nil), s.batches...)
}

// Rows returns every committed row in flush order.
func (s *Sink) Rows() [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]any
	for _, b := range s.batches {
		out = append(out, b.Rows...)
	}
	return out
}
