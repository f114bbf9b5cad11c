// Package rabbitmq implements a Sink that publishes each batch as one AMQP
// message to a durable queue.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

// Config selects the broker and queue.
type Config struct {
	URL   string
	Queue string
	// Exchange is empty for the default exchange, where the routing key is the queue name.
	Exchange string
}

// Channel is the subset of *amqp.Channel the sink uses.
type Channel interface {
	PublishWithDeferredConfirmWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) (*amqp.DeferredConfirmation, error)
	Close() error
}

// ErrNacked reports a publish the broker refused to confirm.
var ErrNacked = errors.New("rabbitmq: publish not acknowledged by broker")

// Sink publishes batches to RabbitMQ.
type Sink struct {
	name     string
	exchange string
	key      string
	ch       Channel
	conn     *amqp.Connection
}

type message struct {
	Sink    string           `json:"sink"`
	SeedIDs []string         `json:"seed_ids"`
	Rows    []map[string]any `json:"rows"`
}

// Dial connects to the broker, declares the durable queue, and enables
// publisher confirms.
func Dial(name string, cfg Config) (*Sink, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, fmt.Errorf("rabbitmq url and queue are required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	sink, err := New(name, cfg, ch)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	sink.conn = conn
	return sink, nil
}

// New wraps an open channel.
func New(name string, cfg Config, ch Channel) (*Sink, error) {
	if ch == nil {
		return nil, fmt.Errorf("rabbitmq channel is required")
	}
	if name == "" {
		return nil, fmt.Errorf("sink name is required")
	}
	key := cfg.Queue
	if key == "" {
		key = name
	}
	return &Sink{name: name, exchange: cfg.Exchange, key: key, ch: ch}, nil
}

// Name implements crawler.Sink.
func (s *Sink) Name() string {
	return s.name
}

// Flush publishes the batch as one persistent JSON message and waits for the
// broker confirm when the channel is in confirm mode.
func (s *Sink) Flush(ctx context.Context, batch crawler.Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}
	body, err := json.Marshal(message{
		Sink:    s.name,
		SeedIDs: batch.SeedIDs(),
		Rows:    batch.Objects(),
	})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	confirm, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, s.exchange, s.key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         s.name,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for confirm: %w", err)
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

// Close releases the channel and, when the sink dialed it, the connection.
func (s *Sink) Close() error {
	err := s.ch.Close()
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}
