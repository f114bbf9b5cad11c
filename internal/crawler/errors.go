package crawler

import "errors"

// Namespace prefixes every pipeline error message.
const Namespace = "cobweb"

var (
	// ErrBacklogRead wraps failures reading the backlog; fatal to the scheduler only.
	ErrBacklogRead = errors.New(Namespace + ": backlog read failed")
	// ErrMalformedYield marks a fetch routine that yielded an unusable value.
	ErrMalformedYield = errors.New(Namespace + ": malformed yield")
	// ErrNoItems marks an attempt that produced nothing while items are required.
	ErrNoItems = errors.New(Namespace + ": fetch produced no sink items")
	// ErrFetchPanicked wraps a recovered panic from a fetch routine.
	ErrFetchPanicked = errors.New(Namespace + ": fetch routine panicked")
	// ErrWorkerPanicked wraps a panic recovered outside the fetch routine.
	ErrWorkerPanicked = errors.New(Namespace + ": worker panicked")
	// ErrRetriesExhausted marks a seed dropped after its final failed attempt.
	ErrRetriesExhausted = errors.New(Namespace + ": retries exhausted")
	// ErrFailureToken marks a seed the fetch routine rejected with TokenFailure.
	ErrFailureToken = errors.New(Namespace + ": fetch routine reported failure")
	// ErrFlushFailed wraps sink flush errors that triggered a rollback.
	ErrFlushFailed = errors.New(Namespace + ": sink flush failed")
	// ErrUnknownSink marks a sink item addressed to a sink with no queue.
	ErrUnknownSink = errors.New(Namespace + ": unknown sink")
)
