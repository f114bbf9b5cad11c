package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

// Sink appends batch rows to <BaseDir>/<name>.jsonl, one JSON object per row.
type Sink struct {
	name string
	path string
	mu   sync.Mutex
}

// NewSink prepares BaseDir and returns a sink for name.
func NewSink(cfg Config, name string) (*Sink, error) {
	if err := prepareDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	path, err := safeJoin(cfg.BaseDir, name+".jsonl")
	if err != nil {
		return nil, err
	}
	return &Sink{name: name, path: path}, nil
}

// Name implements crawler.Sink.
func (s *Sink) Name() string {
	return s.name
}

// Path returns the file the sink appends to.
func (s *Sink) Path() string {
	return s.path
}

// Flush encodes the whole batch before touching the file and truncates back
// to the previous size if the write fails, so a batch lands whole or not at all.
func (s *Sink) Flush(ctx context.Context, batch crawler.Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf []byte
	for i, obj := range batch.Objects() {
		line, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("encode row %d: %w", i, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := appendFile(s.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", s.path, err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		_ = os.Truncate(s.path, info.Size())
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Truncate(s.path, info.Size())
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	return nil
}
