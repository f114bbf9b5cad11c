package crawler

import (
	"maps"
	"strconv"
	"time"
)

// Seed is a unit of crawl work. Retries is the only field the pipeline mutates.
type Seed struct {
	// ID identifies the seed in its backlog; child seeds are assigned one on first pop.
	ID string `json:"id"`
	// Payload is opaque to the pipeline. The HTTP fetch routine treats it as a URL.
	Payload string `json:"payload"`
	// Depth counts how many discovery hops separate the seed from its backlog root.
	Depth int `json:"depth"`
	// Attrs carries optional metadata from parent to child seeds.
	Attrs map[string]string `json:"attrs,omitempty"`
	// Retries counts failed attempts so far.
	Retries int `json:"retries"`

	// Attempt is the ledger's number for the fetch that produced a record.
	// Zero outside an attempt; never persisted.
	Attempt uint64 `json:"-"`
}

// Clone returns a deep copy of s.
func (s Seed) Clone() Seed {
	out := s
	if s.Attrs != nil {
		out.Attrs = maps.Clone(s.Attrs)
	}
	return out
}

// Child derives a seed one hop deeper than s, inheriting its attributes.
func (s Seed) Child(payload string) *Seed {
	return &Seed{
		Payload: payload,
		Depth:   s.Depth + 1,
		Attrs:   maps.Clone(s.Attrs),
	}
}

// Field describes one column of a SinkItem.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// SinkItem is extracted data addressed to a named sink.
type SinkItem struct {
	Sink   string  `json:"sink"`
	Fields []Field `json:"fields"`
	Rows   [][]any `json:"rows"`
}

// Record pairs a SinkItem with a snapshot of the seed that produced it.
type Record struct {
	Seed   Seed
	Item   SinkItem
	Queued time.Time
}

// Batch is the unit a storer hands to a Sink.
type Batch struct {
	Sink   string
	Fields []Field
	Rows   [][]any
	// Seeds holds one entry per distinct originating seed, in arrival order.
	Seeds []Seed
}

// Objects renders every row as a field-name keyed map, the shape JSON sinks write.
// Missing trailing values are omitted; extra values are keyed by position.
func (b Batch) Objects() []map[string]any {
	out := make([]map[string]any, 0, len(b.Rows))
	for _, row := range b.Rows {
		obj := make(map[string]any, len(row))
		for i, v := range row {
			if i < len(b.Fields) {
				obj[b.Fields[i].Name] = v
				continue
			}
			obj["col_"+strconv.Itoa(i)] = v
		}
		out = append(out, obj)
	}
	return out
}

// SeedIDs lists the IDs of the seeds behind the batch.
func (b Batch) SeedIDs() []string {
	ids := make([]string, 0, len(b.Seeds))
	for _, s := range b.Seeds {
		ids = append(ids, s.ID)
	}
	return ids
}

// Outcome is the terminal disposition reported when a seed is acknowledged.
type Outcome string

// Supported outcomes.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)
