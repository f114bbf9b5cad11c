// Package gcs provides a Sink that writes each batch as a JSONL object in a
// Google Cloud Storage bucket.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
}

// Sink uploads batches to a configured GCS bucket.
type Sink struct {
	client *storage.Client
	name   string
	bucket string
	prefix string
	ids    crawler.IDGenerator
	clock  crawler.Clock
}

// New creates a GCS-backed sink. ids names objects; clock partitions them by day.
func New(client *storage.Client, name string, cfg Config, ids crawler.IDGenerator, clock crawler.Clock) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if name == "" {
		return nil, fmt.Errorf("sink name is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	return &Sink{
		client: client,
		name:   name,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		ids:    ids,
		clock:  clock,
	}, nil
}

// Name implements crawler.Sink.
func (s *Sink) Name() string {
	return s.name
}

// Flush writes the batch as one object. The object only becomes visible once
// the writer closes, so a failed upload leaves nothing behind.
func (s *Sink) Flush(ctx context.Context, batch crawler.Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}
	body, err := EncodeJSONL(batch)
	if err != nil {
		return err
	}
	name, err := s.objectName()
	if err != nil {
		return err
	}
	_, err = s.putObject(ctx, name, "application/x-ndjson", bytes.NewReader(body))
	return err
}

func (s *Sink) objectName() (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate object id: %w", err)
	}
	day := s.clock.Now().UTC().Format("2006/01/02")
	return path.Join(s.prefix, s.name, day, id+".jsonl"), nil
}

// putObject uploads data and returns a gs:// URI.
func (s *Sink) putObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// EncodeJSONL renders batch rows as newline-delimited JSON objects.
func EncodeJSONL(batch crawler.Batch) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, obj := range batch.Objects() {
		if err := enc.Encode(obj); err != nil {
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
