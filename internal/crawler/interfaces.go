package crawler

import (
	"context"
	"time"
)

// BacklogSource supplies new seeds to the scheduler. A short or empty batch
// means the backlog is exhausted.
type BacklogSource interface {
	FetchBatch(ctx context.Context, limit int) ([]Seed, error)
}

// Acknowledger records the terminal outcome of seeds in their backlog.
// Implementations must tolerate repeated acks for the same seed.
type Acknowledger interface {
	Ack(ctx context.Context, outcome Outcome, seeds ...Seed) error
}

// FetchFunc processes one seed and reports results through yield. It must
// stop producing values once yield returns false. A returned error counts as
// a failed attempt.
type FetchFunc func(ctx context.Context, seed Seed, yield func(Value) bool) error

// Sink commits batches of rows. A nil error means the batch is durable.
type Sink interface {
	Name() string
	Flush(ctx context.Context, batch Batch) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces seed and run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
