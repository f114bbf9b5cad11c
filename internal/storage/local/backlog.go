package local

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

// Backlog serves seeds from a JSON Lines file. Each line is either a JSON
// seed object or a bare payload (its ID is then "L<line number>"). Acks are
// appended to "<path>.done"; seeds listed there are skipped on the next open,
// so a file is consumed once across restarts.
type Backlog struct {
	mu       sync.Mutex
	path     string
	donePath string
	pending  []crawler.Seed
	seen     map[string]struct{}
}

type doneEntry struct {
	ID      string          `json:"id"`
	Outcome crawler.Outcome `json:"outcome"`
}

// OpenBacklog loads path and its done ledger. A missing seed file is treated
// as empty so Append can create it.
func OpenBacklog(path string) (*Backlog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("backlog path is required")
	}
	b := &Backlog{
		path:     path,
		donePath: path + ".done",
		seen:     make(map[string]struct{}),
	}
	done, err := readDone(b.donePath)
	if err != nil {
		return nil, err
	}
	seeds, err := readSeeds(path)
	if err != nil {
		return nil, err
	}
	for _, s := range seeds {
		if _, dup := b.seen[s.ID]; dup {
			continue
		}
		b.seen[s.ID] = struct{}{}
		if _, ok := done[s.ID]; ok {
			continue
		}
		b.pending = append(b.pending, s)
	}
	return b, nil
}

// FetchBatch hands out up to limit unread seeds in file order.
func (b *Backlog) FetchBatch(ctx context.Context, limit int) ([]crawler.Seed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || len(b.pending) == 0 {
		return nil, nil
	}
	n := min(limit, len(b.pending))
	out := make([]crawler.Seed, n)
	copy(out, b.pending[:n])
	b.pending = b.pending[n:]
	return out, nil
}

// Ack appends one ledger line per seed with an ID.
func (b *Backlog) Ack(_ context.Context, outcome crawler.Outcome, seeds ...crawler.Seed) error {
	var buf []byte
	for _, s := range seeds {
		if s.ID == "" {
			continue
		}
		line, err := json.Marshal(doneEntry{ID: s.ID, Outcome: outcome})
		if err != nil {
			return fmt.Errorf("encode ack for %s: %w", s.ID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if len(buf) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return writeAppend(b.donePath, buf)
}

// Append writes seeds to the file and queues them for this reader. Seeds
// without an ID or with an ID already present are skipped. It returns the
// number of seeds written.
func (b *Backlog) Append(_ context.Context, seeds ...crawler.Seed) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		buf   []byte
		added []crawler.Seed
	)
	for _, s := range seeds {
		if s.ID == "" {
			return 0, fmt.Errorf("seed %q has no id", s.Payload)
		}
		if _, dup := b.seen[s.ID]; dup {
			continue
		}
		line, err := json.Marshal(s)
		if err != nil {
			return 0, fmt.Errorf("encode seed %s: %w", s.ID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
		added = append(added, s)
	}
	if len(added) == 0 {
		return 0, nil
	}
	if err := writeAppend(b.path, buf); err != nil {
		return 0, err
	}
	for _, s := range added {
		b.seen[s.ID] = struct{}{}
		b.pending = append(b.pending, s)
	}
	return len(added), nil
}

// Pending reports how many seeds have not been handed out.
func (b *Backlog) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func writeAppend(path string, data []byte) error {
	f, err := appendFile(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func readSeeds(path string) ([]crawler.Seed, error) {
	var seeds []crawler.Seed
	err := scanLines(path, func(n int, line string) error {
		if !strings.HasPrefix(line, "{") {
			seeds = append(seeds, crawler.Seed{ID: "L" + strconv.Itoa(n), Payload: line})
			return nil
		}
		var s crawler.Seed
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return fmt.Errorf("%s:%d: decode seed: %w", path, n, err)
		}
		if s.ID == "" {
			s.ID = "L" + strconv.Itoa(n)
		}
		s.Retries = 0
		seeds = append(seeds, s)
		return nil
	})
	return seeds, err
}

func readDone(path string) (map[string]struct{}, error) {
	done := make(map[string]struct{})
	err := scanLines(path, func(n int, line string) error {
		var e doneEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return fmt.Errorf("%s:%d: decode ack: %w", path, n, err)
		}
		done[e.ID] = struct{}{}
		return nil
	})
	return done, err
}

// scanLines calls fn for every non-blank line with its 1-based number.
// A missing file yields no lines.
func scanLines(path string, fn func(n int, line string) error) error {
	// #nosec G304 -- backlog paths come from operator config.
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
