// Package progress carries pipeline milestones (refills, acks, retries,
// flushes, rollbacks) from the workers to pluggable sinks. Workers emit
// through a Recorder; the Hub batches on a background goroutine and fans
// batches out to sinks such as Prometheus, zap, or the run repository.
package progress
