package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	"github.com/JakeFAU/cobweb-launcher/internal/progress"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SeedQueueCapacity = 10
	cfg.RefillThreshold = 5
	cfg.SchedulerBatchSize = 5
	cfg.SpiderWorkers = 3
	cfg.MaxRetries = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Grace = 5 * time.Millisecond
	cfg.Idle = time.Millisecond
	cfg.DefaultSink = SinkConfig{BatchLength: 3, Workers: 2, QueueCapacity: 100}
	return cfg
}

func seeds(n int) []crawler.Seed {
	out := make([]crawler.Seed, n)
	for i := range out {
		out[i] = crawler.Seed{ID: "seed-" + strconv.Itoa(i), Payload: strconv.Itoa(i)}
	}
	return out
}

// rowPerSeed yields one row into sink for every seed.
func rowPerSeed(sink string) crawler.FetchFunc {
	return func(_ context.Context, seed crawler.Seed, yield func(crawler.Value) bool) error {
		yield(crawler.ItemValue(crawler.SinkItem{
			Sink:   sink,
			Fields: []crawler.Field{{Name: "payload", Type: "text"}},
			Rows:   [][]any{{seed.Payload}},
		}))
		return nil
	}
}

func waitDone(t *testing.T, p *Pipeline) error {
	t.Helper()
	select {
	case <-p.Done():
		return p.Err()
	case <-time.After(10 * time.Second):
		t.Fatalf("pipeline did not finish: %+v", p.Snapshot())
		return nil
	}
}

type eventCollector struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *eventCollector) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *eventCollector) Count(stage progress.Stage) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, evt := range c.events {
		if evt.Stage == stage {
			n++
		}
	}
	return n
}

type failingBacklog struct{ err error }

func (f failingBacklog) FetchBatch(context.Context, int) ([]crawler.Seed, error) {
	return nil, f.err
}

var errBacklogDown = errors.New("backlog down")
