// Package dispatcher fans a worker loop out over a fixed pool of goroutines.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Loop is one worker's body. It returns when the worker should exit.
type Loop func(ctx context.Context, worker int) error

// Dispatcher runs a fixed number of identical workers.
type Dispatcher struct {
	name    string
	workers int
	logger  *zap.Logger
}

// New creates a Dispatcher. workers below one is treated as one.
func New(name string, workers int, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		name:    name,
		workers: workers,
		logger:  logger,
	}
}

// Workers returns the pool size.
func (d *Dispatcher) Workers() int {
	return d.workers
}

// Run starts every worker and blocks until all of them return. A panic in
// one worker is converted into its error; the first error is returned.
func (d *Dispatcher) Run(ctx context.Context, loop Loop) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := range d.workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := d.runOne(ctx, loop, id); err != nil {
				d.logger.Error("worker exited with error",
					zap.String("pool", d.name),
					zap.Int("worker", id),
					zap.Error(err),
				)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return firstErr
}

func (d *Dispatcher) runOne(ctx context.Context, loop Loop, id int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s worker %d panicked: %v", d.name, id, r)
		}
	}()
	return loop(ctx, id)
}
