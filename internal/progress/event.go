// Package progress defines the event structures emitted by the pipeline stages.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart           Stage = "RUN_START"
	StageRunDone            Stage = "RUN_DONE"
	StageRunError           Stage = "RUN_ERROR"
	StageSchedulerRefill    Stage = "SCHEDULER_REFILL"
	StageSchedulerExhausted Stage = "SCHEDULER_EXHAUSTED"
	StageSeedAcked          Stage = "SEED_ACKED"
	StageSeedCommitted      Stage = "SEED_COMMITTED"
	StageSeedFailed         Stage = "SEED_FAILED"
	StageSeedRetried        Stage = "SEED_RETRIED"
	StageSeedPolled         Stage = "SEED_POLLED"
	StageSeedDropped        Stage = "SEED_DROPPED"
	StageBatchFlushed       Stage = "BATCH_FLUSHED"
	StageBatchRolledBack    Stage = "BATCH_ROLLED_BACK"
)

// Event captures a single pipeline milestone.
type Event struct {
	// RunID identifies the pipeline run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Sink scopes batch events to a sink name.
	Sink string
	// SeedID scopes seed events to one seed.
	SeedID string
	// Count carries rows for batch events and seeds for refill events.
	Count   int64
	Retries int
	Dur     time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageSchedulerRefill, StageSchedulerExhausted:
	case StageSeedAcked, StageSeedCommitted, StageSeedFailed, StageSeedRetried, StageSeedPolled, StageSeedDropped:
		if e.SeedID == "" {
			return fmt.Errorf("%s requires seed id", e.Stage)
		}
	case StageBatchFlushed, StageBatchRolledBack:
		if e.Sink == "" {
			return fmt.Errorf("%s requires sink", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Count < 0 {
		return errors.New("count must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
