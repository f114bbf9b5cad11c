// Package pubsub implements a Sink that publishes rows to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

// Sink publishes one message per row to a topic. Message attributes carry the
// sink name and the trace context of the flush.
type Sink struct {
	name  string
	topic *pubsub.Topic
}

// New creates a Sink for the provided topic.
func New(name string, topic *pubsub.Topic) (*Sink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is not configured")
	}
	if name == "" {
		return nil, fmt.Errorf("sink name is required")
	}
	return &Sink{name: name, topic: topic}, nil
}

// Name implements crawler.Sink.
func (s *Sink) Name() string {
	return s.name
}

// Flush publishes every row and waits for the server to accept all of them.
// Rows accepted before a failure are not recalled; a rolled-back batch may
// therefore be delivered more than once.
func (s *Sink) Flush(ctx context.Context, batch crawler.Batch) error {
	objects := batch.Objects()
	results := make([]*pubsub.PublishResult, 0, len(objects))
	for i, obj := range objects {
		data, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("marshal row %d: %w", i, err)
		}
		msg := &pubsub.Message{
			Data:       data,
			Attributes: map[string]string{"sink": s.name},
		}
		otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
		results = append(results, s.topic.Publish(ctx, msg))
	}
	for i, res := range results {
		if _, err := res.Get(ctx); err != nil {
			return fmt.Errorf("publish row %d: %w", i, err)
		}
	}
	return nil
}

// Close flushes pending messages and stops the topic's background goroutines.
func (s *Sink) Close() {
	s.topic.Stop()
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
