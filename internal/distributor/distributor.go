// Package distributor owns the seed queue and the named sink queues, and
// routes the values a fetch routine yields into them.
package distributor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	"github.com/JakeFAU/cobweb-launcher/internal/queue"
)

// SeedQueueName is the name of the queue that feeds the spiders.
const SeedQueueName = "seeds"

// ErrTokenNotRoutable is returned when a control token reaches Distribute.
var ErrTokenNotRoutable = errors.New(crawler.Namespace + ": control tokens are not routable")

// Option customizes a Distributor.
type Option func(*Distributor)

// WithClock overrides the clock used to stamp queued records.
func WithClock(clock crawler.Clock) Option {
	return func(d *Distributor) {
		d.clock = clock
	}
}

// Distributor routes seeds and sink items into queues.
type Distributor struct {
	seeds *queue.Queue[*crawler.Seed]

	mu    sync.RWMutex
	sinks map[string]*queue.Queue[crawler.Record]
	clock crawler.Clock

	// pushes increases on every successful push; the shutdown coordinator
	// uses it to detect activity between two observations.
	pushes atomic.Uint64
}

// New constructs a Distributor whose seed queue has the given advisory capacity.
func New(seedCapacity int, opts ...Option) *Distributor {
	d := &Distributor{
		seeds: queue.New[*crawler.Seed](SeedQueueName, seedCapacity),
		sinks: make(map[string]*queue.Queue[crawler.Record]),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SeedQueue returns the queue the spiders consume.
func (d *Distributor) SeedQueue() *queue.Queue[*crawler.Seed] {
	return d.seeds
}

// CreateQueue registers a sink queue. Creating an existing queue returns it unchanged.
func (d *Distributor) CreateQueue(name string, capacity int) *queue.Queue[crawler.Record] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.sinks[name]; ok {
		return q
	}
	q := queue.New[crawler.Record](name, capacity)
	d.sinks[name] = q
	return q
}

// Queue looks up a sink queue by name.
func (d *Distributor) Queue(name string) (*queue.Queue[crawler.Record], bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	q, ok := d.sinks[name]
	return q, ok
}

// SinkQueues returns every registered sink queue ordered by name.
func (d *Distributor) SinkQueues() []*queue.Queue[crawler.Record] {
	d.mu.RLock()
	out := make([]*queue.Queue[crawler.Record], 0, len(d.sinks))
	for _, q := range d.sinks {
		out = append(out, q)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// PushSeeds appends seeds to the seed queue.
func (d *Distributor) PushSeeds(seeds ...*crawler.Seed) {
	if len(seeds) == 0 {
		return
	}
	d.seeds.Push(seeds...)
	d.pushes.Add(uint64(len(seeds)))
}

// Distribute routes each value independently: seeds go to the seed queue and
// sink items to their sink queue, paired with a snapshot of origin. Failures
// for individual values are joined; the other values are still routed.
func (d *Distributor) Distribute(origin *crawler.Seed, values ...crawler.Value) error {
	var errs []error
	for _, v := range values {
		if err := d.route(origin, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pushes returns the number of elements pushed so far.
func (d *Distributor) Pushes() uint64 {
	return d.pushes.Load()
}

func (d *Distributor) route(origin *crawler.Seed, v crawler.Value) error {
	if !v.Valid() {
		return fmt.Errorf("route value kind %d: %w", v.Kind, crawler.ErrMalformedYield)
	}
	switch v.Kind {
	case crawler.KindSeed:
		d.PushSeeds(v.Seed)
		return nil
	case crawler.KindItem:
		q, err := d.sinkQueue(v.Item.Sink)
		if err != nil {
			return err
		}
		rec := crawler.Record{Item: *v.Item, Queued: d.now()}
		if origin != nil {
			rec.Seed = origin.Clone()
		}
		q.Push(rec)
		d.pushes.Add(1)
		return nil
	default:
		return ErrTokenNotRoutable
	}
}

func (d *Distributor) sinkQueue(name string) (*queue.Queue[crawler.Record], error) {
	if q, ok := d.Queue(name); ok {
		return q, nil
	}
	return nil, fmt.Errorf("route to sink %q: %w", name, crawler.ErrUnknownSink)
}

func (d *Distributor) now() time.Time {
	if d.clock != nil {
		return d.clock.Now()
	}
	return time.Now()
}
