package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExampleHub_Emit demonstrates recording events and flushing them via Close.
func ExampleHub_Emit() {
	var rows int64
	sink := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageBatchFlushed {
				rows += evt.Count
			}
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	rec := NewRecorder(uuid.MustParse("00000000-0000-0000-0000-000000000001"), hub)
	rec.Record(Event{Stage: StageBatchFlushed, Sink: "pages", Count: 5})
	rec.Record(Event{Stage: StageBatchFlushed, Sink: "pages", Count: 2})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("rows flushed: %d\n", rows)
	// Output:
	// rows flushed: 7
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
