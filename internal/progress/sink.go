package progress

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines and tolerate repeated Consume calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies it.
type Emitter interface {
	Emit(evt Event)
}

// Recorder stamps events with a run ID and timestamp before emitting them.
// A nil Recorder, or one without an Emitter, discards events.
type Recorder struct {
	runID   [16]byte
	emitter Emitter
	now     func() time.Time
}

// NewRecorder binds an emitter to one pipeline run.
func NewRecorder(runID uuid.UUID, emitter Emitter) *Recorder {
	return &Recorder{
		runID:   UUIDToBytes(runID),
		emitter: emitter,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunID returns the run the recorder is bound to.
func (r *Recorder) RunID() uuid.UUID {
	if r == nil {
		return uuid.Nil
	}
	return uuid.UUID(r.runID)
}

// Record emits evt after filling in RunID and TS.
func (r *Recorder) Record(evt Event) {
	if r == nil || r.emitter == nil {
		return
	}
	evt.RunID = r.runID
	if evt.TS.IsZero() {
		evt.TS = r.now()
	}
	r.emitter.Emit(evt)
}
