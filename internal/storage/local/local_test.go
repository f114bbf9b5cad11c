package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

func TestNewSinkValidatesDir(t *testing.T) {
	t.Run("creates missing dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "out")
		sink, err := NewSink(Config{BaseDir: dir}, "pages")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "pages.jsonl"), sink.Path())
	})

	t.Run("missing base dir", func(t *testing.T) {
		_, err := NewSink(Config{}, "pages")
		assert.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := NewSink(Config{BaseDir: file}, "pages")
		assert.Error(t, err)
	})

	t.Run("traversal", func(t *testing.T) {
		_, err := NewSink(Config{BaseDir: t.TempDir()}, "../escape")
		assert.ErrorContains(t, err, "path traversal")
	})
}

func TestSinkFlushAppendsRows(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(Config{BaseDir: t.TempDir()}, "pages")
	require.NoError(t, err)
	require.Equal(t, "pages", sink.Name())

	batch := crawler.Batch{
		Sink:   "pages",
		Fields: []crawler.Field{{Name: "url"}, {Name: "status"}},
		Rows:   [][]any{{"https://a.test", 200}},
	}
	require.NoError(t, sink.Flush(context.Background(), batch))
	batch.Rows = [][]any{{"https://b.test", 404}}
	require.NoError(t, sink.Flush(context.Background(), batch))
	require.NoError(t, sink.Flush(context.Background(), crawler.Batch{Sink: "pages"}))

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	assert.Equal(t,
		"{\"status\":200,\"url\":\"https://a.test\"}\n{\"status\":404,\"url\":\"https://b.test\"}\n",
		string(data))
}

func TestSinkFlushHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(Config{BaseDir: t.TempDir()}, "pages")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sink.Flush(ctx, crawler.Batch{Fields: []crawler.Field{{Name: "a"}}, Rows: [][]any{{1}}})
	require.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(sink.Path())
	require.True(t, os.IsNotExist(statErr))
}

func TestBacklogReadsMixedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seeds.jsonl")
	content := "https://a.test\n\n# comment\n" +
		`{"id":"b","payload":"https://b.test","depth":1,"retries":7}` + "\n" +
		`{"id":"b","payload":"https://dup.test"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	backlog, err := OpenBacklog(path)
	require.NoError(t, err)
	require.Equal(t, 2, backlog.Pending())

	ctx := context.Background()
	first, err := backlog.FetchBatch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []crawler.Seed{{ID: "L1", Payload: "https://a.test"}}, first)

	rest, err := backlog.FetchBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []crawler.Seed{{ID: "b", Payload: "https://b.test", Depth: 1}}, rest)

	empty, err := backlog.FetchBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestBacklogSkipsAckedSeedsOnReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seeds.jsonl")
	backlog, err := OpenBacklog(path)
	require.NoError(t, err)

	ctx := context.Background()
	n, err := backlog.Append(ctx,
		crawler.Seed{ID: "a", Payload: "https://a.test"},
		crawler.Seed{ID: "b", Payload: "https://b.test"},
		crawler.Seed{ID: "a", Payload: "https://a.test"},
	)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	seeds, err := backlog.FetchBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	require.NoError(t, backlog.Ack(ctx, crawler.OutcomeSucceeded, seeds[0], crawler.Seed{}))

	reopened, err := OpenBacklog(path)
	require.NoError(t, err)
	remaining, err := reopened.FetchBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []crawler.Seed{{ID: "b", Payload: "https://b.test"}}, remaining)
}

func TestBacklogRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := OpenBacklog(" ")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "seeds.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0o600))
	_, err = OpenBacklog(path)
	require.ErrorContains(t, err, "seeds.jsonl:1")

	backlog, err := OpenBacklog(filepath.Join(t.TempDir(), "other.jsonl"))
	require.NoError(t, err)
	_, err = backlog.Append(context.Background(), crawler.Seed{Payload: "x"})
	require.ErrorContains(t, err, "no id")
}
