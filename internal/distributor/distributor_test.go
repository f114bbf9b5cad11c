package distributor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

func TestDistributeRoutesSeedsAndItems(t *testing.T) {
	t.Parallel()

	d := New(10)
	pages := d.CreateQueue("pages", 10)
	origin := &crawler.Seed{ID: "root", Payload: "https://example.com", Retries: 1}

	err := d.Distribute(origin,
		crawler.SeedValue(origin.Child("https://example.com/a")),
		crawler.ItemValue(crawler.SinkItem{Sink: "pages", Rows: [][]any{{"x"}}}),
	)
	require.NoError(t, err)

	require.Equal(t, 1, d.SeedQueue().Len())
	require.Equal(t, 1, pages.Len())
	require.Equal(t, uint64(2), d.Pushes())

	rec, ok := pages.Pop()
	require.True(t, ok)
	require.Equal(t, "root", rec.Seed.ID)
	require.False(t, rec.Queued.IsZero())

	origin.Retries = 5
	require.Equal(t, 1, rec.Seed.Retries, "records hold a snapshot of the origin seed")
}

func TestDistributeUnknownSink(t *testing.T) {
	t.Parallel()

	d := New(10)
	err := d.Distribute(nil,
		crawler.ItemValue(crawler.SinkItem{Sink: "missing"}),
		crawler.SeedValue(&crawler.Seed{Payload: "x"}),
	)
	require.ErrorIs(t, err, crawler.ErrUnknownSink)
	require.Equal(t, 1, d.SeedQueue().Len(), "valid values are still routed")
}

func TestDistributeNeverCreatesSinkQueues(t *testing.T) {
	t.Parallel()

	d := New(10)
	d.CreateQueue("pages", 3)
	require.Error(t, d.Distribute(nil, crawler.ItemValue(crawler.SinkItem{Sink: "late"})))

	_, ok := d.Queue("late")
	require.False(t, ok, "every sink queue must have a storer created alongside it")
	require.Len(t, d.SinkQueues(), 1)
}

func TestDistributeRejectsTokensAndMalformed(t *testing.T) {
	t.Parallel()

	d := New(10)
	require.ErrorIs(t, d.Distribute(nil, crawler.TokenValue(crawler.TokenSuccess)), ErrTokenNotRoutable)
	require.ErrorIs(t, d.Distribute(nil, crawler.Value{}), crawler.ErrMalformedYield)
}

func TestCreateQueueIsIdempotent(t *testing.T) {
	t.Parallel()

	d := New(1)
	a := d.CreateQueue("b", 5)
	b := d.CreateQueue("b", 50)
	d.CreateQueue("a", 5)

	require.Same(t, a, b)
	queues := d.SinkQueues()
	require.Len(t, queues, 2)
	require.Equal(t, "a", queues[0].Name())
}
