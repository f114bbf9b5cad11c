package spider

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	"github.com/JakeFAU/cobweb-launcher/internal/distributor"
	"github.com/JakeFAU/cobweb-launcher/internal/ledger"
)

type ackCall struct {
	outcome crawler.Outcome
	seed    crawler.Seed
}

type recordingAcker struct {
	mu    sync.Mutex
	calls []ackCall
}

func (r *recordingAcker) Ack(_ context.Context, outcome crawler.Outcome, seeds ...crawler.Seed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range seeds {
		r.calls = append(r.calls, ackCall{outcome: outcome, seed: s})
	}
	return nil
}

func (r *recordingAcker) Calls() []ackCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ackCall(nil), r.calls...)
}

type staticIDs struct{ n atomic.Int64 }

func (s *staticIDs) NewID() (string, error) {
	return "gen-" + strconv.FormatInt(s.n.Add(1), 10), nil
}

func newHarness(t *testing.T, cfg Config, fetch crawler.FetchFunc, opts ...Option) (*Spider, *distributor.Distributor, *ledger.Ledger, *recordingAcker) {
	t.Helper()
	acker := &recordingAcker{}
	dist := distributor.New(100)
	dist.CreateQueue("pages", 100)
	l := ledger.New(acker, nil, zap.NewNop())
	return New(cfg, fetch, dist, l, opts...), dist, l, acker
}

// TestSpiderRetriesUntilSuccess covers max_retries=2 with two failing attempts
// followed by a success on the third.
func TestSpiderRetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	var retriesAtSuccess atomic.Int32
	fetch := func(_ context.Context, seed crawler.Seed, yield func(crawler.Value) bool) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		retriesAtSuccess.Store(int32(seed.Retries))
		yield(crawler.TokenValue(crawler.TokenSuccess))
		return nil
	}
	s, dist, l, acker := newHarness(t, Config{Workers: 1, MaxRetries: 2, Idle: time.Millisecond}, fetch)
	dist.PushSeeds(&crawler.Seed{ID: "s1", Payload: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, stop) }()

	require.Eventually(t, func() bool { return len(acker.Calls()) == 1 }, 2*time.Second, time.Millisecond)
	close(stop)
	require.NoError(t, <-done)

	call := acker.Calls()[0]
	require.Equal(t, crawler.OutcomeSucceeded, call.outcome)
	require.Equal(t, 2, call.seed.Retries)
	require.Equal(t, int32(2), retriesAtSuccess.Load())
	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, int64(2), l.Snapshot().Retried)
	require.Equal(t, int64(0), s.InFlight())
}

// TestSpiderPollingRequeuesUnchanged covers a fetch routine answering with a polling token.
func TestSpiderPollingRequeuesUnchanged(t *testing.T) {
	fetch := func(_ context.Context, _ crawler.Seed, yield func(crawler.Value) bool) error {
		if yield(crawler.TokenValue(crawler.TokenPolling)) {
			t.Error("yield must return false after a token")
		}
		return nil
	}
	s, dist, l, acker := newHarness(t, Config{MaxRetries: 1}, fetch)
	seed := &crawler.Seed{ID: "p1", Payload: "x", Retries: 1, Attrs: map[string]string{"k": "v"}}

	s.process(context.Background(), seed, new(bool))

	got, ok := dist.SeedQueue().Pop()
	require.True(t, ok)
	require.Same(t, seed, got)
	require.Equal(t, crawler.Seed{ID: "p1", Payload: "x", Retries: 1, Attrs: map[string]string{"k": "v"}}, *got)
	require.Empty(t, acker.Calls())
	require.Equal(t, int64(1), l.Snapshot().Polled)
	require.Equal(t, int64(0), l.Snapshot().Retried)
}

func TestSpiderDropsSeedsOverBudgetWithoutFetching(t *testing.T) {
	var called atomic.Bool
	fetch := func(context.Context, crawler.Seed, func(crawler.Value) bool) error {
		called.Store(true)
		return nil
	}
	s, dist, l, acker := newHarness(t, Config{MaxRetries: 2}, fetch)

	s.process(context.Background(), &crawler.Seed{ID: "d1", Retries: 3}, new(bool))

	require.False(t, called.Load())
	require.Equal(t, 0, dist.SeedQueue().Len())
	require.Equal(t, []ackCall{{outcome: crawler.OutcomeFailed, seed: crawler.Seed{ID: "d1", Retries: 3}}}, acker.Calls())
	require.Equal(t, int64(1), l.Snapshot().Dropped)
}

func TestSpiderExhaustsRetries(t *testing.T) {
	fetch := func(context.Context, crawler.Seed, func(crawler.Value) bool) error {
		return errors.New("always")
	}
	s, dist, l, acker := newHarness(t, Config{MaxRetries: 1}, fetch)
	seed := &crawler.Seed{ID: "e1"}

	s.process(context.Background(), seed, new(bool))
	require.Equal(t, 1, seed.Retries)
	got, ok := dist.SeedQueue().Pop()
	require.True(t, ok)

	s.process(context.Background(), got, new(bool))
	require.Equal(t, 0, dist.SeedQueue().Len())
	require.Equal(t, []ackCall{{outcome: crawler.OutcomeFailed, seed: crawler.Seed{ID: "e1", Retries: 1}}}, acker.Calls())
	require.Equal(t, int64(1), l.Snapshot().Failed)
	require.Equal(t, int64(1), l.Snapshot().Retried)
}

func TestSpiderFailureTokenIsTerminal(t *testing.T) {
	fetch := func(_ context.Context, _ crawler.Seed, yield func(crawler.Value) bool) error {
		yield(crawler.TokenValue(crawler.TokenFailure))
		return nil
	}
	s, dist, _, acker := newHarness(t, Config{MaxRetries: 5}, fetch)

	s.process(context.Background(), &crawler.Seed{ID: "f1"}, new(bool))

	require.Equal(t, 0, dist.SeedQueue().Len())
	require.Len(t, acker.Calls(), 1)
	require.Equal(t, crawler.OutcomeFailed, acker.Calls()[0].outcome)
}

func TestSpiderRoutesChildrenAndItems(t *testing.T) {
	fetch := func(_ context.Context, seed crawler.Seed, yield func(crawler.Value) bool) error {
		if !yield(crawler.SeedValue(seed.Child("child"))) {
			return nil
		}
		yield(crawler.ItemValue(crawler.SinkItem{
			Sink:   "pages",
			Fields: []crawler.Field{{Name: "url"}},
			Rows:   [][]any{{seed.Payload}},
		}))
		return nil
	}
	s, dist, _, acker := newHarness(t, Config{MaxRetries: 1}, fetch, WithIDGenerator(&staticIDs{}))

	s.process(context.Background(), &crawler.Seed{Payload: "root"}, new(bool))

	child, ok := dist.SeedQueue().Pop()
	require.True(t, ok)
	require.Equal(t, "child", child.Payload)
	require.Equal(t, 1, child.Depth)

	q, ok := dist.Queue("pages")
	require.True(t, ok)
	rec, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "gen-1", rec.Seed.ID, "popped seeds without an ID get one")
	require.Equal(t, [][]any{{"root"}}, rec.Item.Rows)

	require.Empty(t, acker.Calls(), "ack waits for the storer when items were produced")
}

func TestSpiderNoItems(t *testing.T) {
	empty := func(context.Context, crawler.Seed, func(crawler.Value) bool) error { return nil }

	t.Run("acked when items are optional", func(t *testing.T) {
		s, dist, _, acker := newHarness(t, Config{MaxRetries: 1}, empty)
		s.process(context.Background(), &crawler.Seed{ID: "n1"}, new(bool))
		require.Equal(t, 0, dist.SeedQueue().Len())
		require.Equal(t, []ackCall{{outcome: crawler.OutcomeSucceeded, seed: crawler.Seed{ID: "n1"}}}, acker.Calls())
	})

	t.Run("retried when items are required", func(t *testing.T) {
		s, dist, l, acker := newHarness(t, Config{MaxRetries: 1, RequireItems: true}, empty)
		s.process(context.Background(), &crawler.Seed{ID: "n2"}, new(bool))
		require.Equal(t, 1, dist.SeedQueue().Len())
		require.Empty(t, acker.Calls())
		require.Equal(t, int64(1), l.Snapshot().Retried)
	})
}

func TestSpiderMalformedYieldsAreRetried(t *testing.T) {
	cases := map[string]crawler.Value{
		"zero value":   {},
		"unknown sink": crawler.ItemValue(crawler.SinkItem{Sink: "nope"}),
		"empty sink":   crawler.ItemValue(crawler.SinkItem{}),
		"bad token":    crawler.TokenValue(crawler.Token(42)),
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			var after atomic.Bool
			fetch := func(_ context.Context, _ crawler.Seed, yield func(crawler.Value) bool) error {
				if yield(value) {
					t.Error("yield must stop consumption after a malformed value")
				}
				after.Store(yield(crawler.TokenValue(crawler.TokenSuccess)))
				return nil
			}
			s, dist, l, acker := newHarness(t, Config{MaxRetries: 1}, fetch)
			s.process(context.Background(), &crawler.Seed{ID: "m"}, new(bool))

			require.False(t, after.Load())
			require.Equal(t, 1, dist.SeedQueue().Len())
			require.Empty(t, acker.Calls())
			require.Equal(t, int64(1), l.Snapshot().Retried)
		})
	}
}

func TestSpiderRecoversFetchPanics(t *testing.T) {
	fetch := func(context.Context, crawler.Seed, func(crawler.Value) bool) error {
		panic("kaboom")
	}
	s, dist, _, _ := newHarness(t, Config{MaxRetries: 3}, fetch)
	seed := &crawler.Seed{ID: "x"}

	require.NotPanics(t, func() { s.process(context.Background(), seed, new(bool)) })
	require.Equal(t, 1, seed.Retries)
	require.Equal(t, 1, dist.SeedQueue().Len())
}

func TestSpiderFetchCannotMutateQueuedSeed(t *testing.T) {
	fetch := func(_ context.Context, seed crawler.Seed, yield func(crawler.Value) bool) error {
		seed.Retries = 99
		seed.Attrs["k"] = "changed"
		yield(crawler.TokenValue(crawler.TokenPolling))
		return nil
	}
	s, dist, _, _ := newHarness(t, Config{MaxRetries: 3}, fetch)
	s.process(context.Background(), &crawler.Seed{ID: "x", Attrs: map[string]string{"k": "v"}}, new(bool))

	got, ok := dist.SeedQueue().Pop()
	require.True(t, ok)
	require.Equal(t, 0, got.Retries)
	require.Equal(t, "v", got.Attrs["k"])
}

type recordingLimiter struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (r *recordingLimiter) Wait(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return r.err
}

func TestSpiderConsultsLimiter(t *testing.T) {
	limiter := &recordingLimiter{}
	fetch := func(context.Context, crawler.Seed, func(crawler.Value) bool) error { return nil }
	s, _, _, _ := newHarness(t, Config{MaxRetries: 1}, fetch, WithLimiter(limiter))

	s.process(context.Background(), &crawler.Seed{ID: "a", Payload: "https://example.com/a"}, new(bool))
	require.Equal(t, []string{"https://example.com/a"}, limiter.keys)

	limiter.err = errors.New("burst exceeded")
	s.process(context.Background(), &crawler.Seed{ID: "b", Payload: "https://example.com/b"}, new(bool))
	require.Equal(t, 1, s.dist.SeedQueue().Len())
}

// TestSpiderSingleOwnerProcessing verifies each seed is handed to exactly one worker.
func TestSpiderSingleOwnerProcessing(t *testing.T) {
	const total = 500
	var (
		mu   sync.Mutex
		seen = make(map[string]int, total)
	)
	fetch := func(_ context.Context, seed crawler.Seed, yield func(crawler.Value) bool) error {
		mu.Lock()
		seen[seed.ID]++
		mu.Unlock()
		yield(crawler.TokenValue(crawler.TokenSuccess))
		return nil
	}
	s, dist, _, acker := newHarness(t, Config{Workers: 8, MaxRetries: 0, Idle: time.Millisecond}, fetch)
	for i := range total {
		dist.PushSeeds(&crawler.Seed{ID: strconv.Itoa(i)})
	}

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), stop) }()

	require.Eventually(t, func() bool { return len(acker.Calls()) == total }, 5*time.Second, 5*time.Millisecond)
	close(stop)
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, "seed %s processed %d times", id, n)
	}
}

type panickingLimiter struct{}

func (panickingLimiter) Wait(context.Context, string) error {
	panic("limiter exploded")
}

type panickingIDs struct{}

func (panickingIDs) NewID() (string, error) {
	panic("id source exploded")
}

func TestSpiderHandleRecoversCollaboratorPanics(t *testing.T) {
	fetch := func(context.Context, crawler.Seed, func(crawler.Value) bool) error { return nil }

	t.Run("limiter", func(t *testing.T) {
		s, dist, l, acker := newHarness(t, Config{MaxRetries: 2}, fetch, WithLimiter(panickingLimiter{}))
		s.inFlight.Add(1)
		seed := &crawler.Seed{ID: "l1", Payload: "https://example.com"}

		require.NotPanics(t, func() { s.handle(context.Background(), seed) })

		require.Equal(t, int64(0), s.InFlight())
		got, ok := dist.SeedQueue().Pop()
		require.True(t, ok)
		require.Equal(t, 1, got.Retries)
		require.Equal(t, int64(1), l.Snapshot().Panics)
		require.Equal(t, int64(1), l.Snapshot().Retried)
		require.Empty(t, acker.Calls())
	})

	t.Run("id generator", func(t *testing.T) {
		s, dist, l, _ := newHarness(t, Config{MaxRetries: 0}, fetch, WithIDGenerator(panickingIDs{}))
		s.inFlight.Add(1)

		require.NotPanics(t, func() { s.handle(context.Background(), &crawler.Seed{Payload: "x"}) })

		require.Equal(t, int64(0), s.InFlight())
		require.Equal(t, 0, dist.SeedQueue().Len(), "no retry budget left")
		require.Equal(t, int64(1), l.Snapshot().Failed)
		require.Equal(t, int64(1), l.Snapshot().Panics)
	})
}

func TestSpiderWorkerKeepsRunningAfterPanic(t *testing.T) {
	var calls atomic.Int32
	limiter := limiterFunc(func() {
		if calls.Add(1) == 1 {
			panic("first wait fails hard")
		}
	})
	fetch := func(_ context.Context, _ crawler.Seed, yield func(crawler.Value) bool) error {
		yield(crawler.TokenValue(crawler.TokenSuccess))
		return nil
	}
	s, dist, _, acker := newHarness(t, Config{Workers: 1, MaxRetries: 2, Idle: time.Millisecond}, fetch, WithLimiter(limiter))
	dist.PushSeeds(&crawler.Seed{ID: "a"}, &crawler.Seed{ID: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, stop) }()

	require.Eventually(t, func() bool { return len(acker.Calls()) == 2 }, 2*time.Second, time.Millisecond)
	close(stop)
	require.NoError(t, <-done)
	require.Equal(t, int64(0), s.InFlight())
}

type limiterFunc func()

func (f limiterFunc) Wait(context.Context, string) error {
	f()
	return nil
}

func pagesItem(payload string) crawler.Value {
	return crawler.ItemValue(crawler.SinkItem{
		Sink:   "pages",
		Fields: []crawler.Field{{Name: "url"}},
		Rows:   [][]any{{payload}},
	})
}

// commitQueued flushes every queued pages record as one committed batch.
func commitQueued(t *testing.T, dist *distributor.Distributor, l *ledger.Ledger) {
	t.Helper()
	q, ok := dist.Queue("pages")
	require.True(t, ok)
	var seeds []crawler.Seed
	for _, rec := range q.PopN(q.Len()) {
		seeds = append(seeds, rec.Seed)
	}
	l.Committed(context.Background(), "pages", seeds, len(seeds), 0)
}

func TestSpiderItemsThenTokenSettleOnce(t *testing.T) {
	cases := []struct {
		name      string
		token     crawler.Token
		fetchErr  error
		outcomes  []crawler.Outcome
		committed int64
		failed    int64
		requeued  int
	}{
		{"success token", crawler.TokenSuccess, nil, []crawler.Outcome{crawler.OutcomeSucceeded}, 1, 0, 0},
		{"no token", 0, nil, []crawler.Outcome{crawler.OutcomeSucceeded}, 1, 0, 0},
		{"failure token", crawler.TokenFailure, nil, []crawler.Outcome{crawler.OutcomeFailed}, 0, 1, 0},
		{"polling token", crawler.TokenPolling, nil, nil, 0, 0, 1},
		{"error after items", 0, errors.New("connection reset"), nil, 0, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fetch := func(_ context.Context, seed crawler.Seed, yield func(crawler.Value) bool) error {
				if !yield(pagesItem(seed.Payload)) {
					return nil
				}
				if tc.token != 0 {
					yield(crawler.TokenValue(tc.token))
				}
				return tc.fetchErr
			}
			s, dist, l, acker := newHarness(t, Config{MaxRetries: 2}, fetch)

			s.process(context.Background(), &crawler.Seed{ID: "s", Payload: "https://example.com"}, new(bool))
			commitQueued(t, dist, l)

			var outcomes []crawler.Outcome
			for _, call := range acker.Calls() {
				outcomes = append(outcomes, call.outcome)
			}
			require.Equal(t, tc.outcomes, outcomes)
			snap := l.Snapshot()
			require.Equal(t, tc.committed, snap.Committed)
			require.Equal(t, tc.failed, snap.Failed)
			require.Equal(t, int64(0), snap.Succeeded)
			require.Equal(t, int64(1), snap.Rows, "the routed row is written either way")
			require.Equal(t, tc.requeued, dist.SeedQueue().Len())
		})
	}
}

func TestSpiderCommitBeforeVerdictWaitsForSpider(t *testing.T) {
	var (
		s    *Spider
		dist *distributor.Distributor
		l    *ledger.Ledger
	)
	fetch := func(_ context.Context, seed crawler.Seed, yield func(crawler.Value) bool) error {
		yield(pagesItem(seed.Payload))
		// The storer commits while the fetch routine is still running.
		commitQueued(t, dist, l)
		yield(crawler.TokenValue(crawler.TokenFailure))
		return nil
	}
	s, dist, l, acker := newHarness(t, Config{MaxRetries: 2}, fetch)

	s.process(context.Background(), &crawler.Seed{ID: "early", Payload: "x"}, new(bool))

	require.Len(t, acker.Calls(), 1)
	require.Equal(t, crawler.OutcomeFailed, acker.Calls()[0].outcome)
	require.Equal(t, int64(0), l.Snapshot().Committed)
	require.Equal(t, int64(1), l.Snapshot().Rows)
}
