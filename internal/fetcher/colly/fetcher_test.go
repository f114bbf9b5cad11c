package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cobweb-launcher/internal/clock/system"
	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

type yielded struct {
	seeds  []*crawler.Seed
	items  []crawler.SinkItem
	tokens []crawler.Token
}

func (y *yielded) yield(v crawler.Value) bool {
	switch v.Kind {
	case crawler.KindSeed:
		y.seeds = append(y.seeds, v.Seed)
	case crawler.KindItem:
		y.items = append(y.items, *v.Item)
	case crawler.KindToken:
		y.tokens = append(y.tokens, v.Token)
		return false
	}
	return true
}

func (y *yielded) payloads() []string {
	out := make([]string, 0, len(y.seeds))
	for _, s := range y.seeds {
		out = append(out, s.Payload)
	}
	return out
}

func newSite(t *testing.T, robotsHits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		if robotsHits != nil {
			robotsHits.Add(1)
		}
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title> Home </title></head><body>
			<a href="/a">a</a>
			<a href="/a#frag">a again</a>
			<a href="/b">b</a>
			<a href="https://other.test/x">other</a>
			<a href="mailto:someone@example.com">mail</a>
		</body></html>`))
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/">home</a><a href="/c">c</a></body></html>`))
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secret"))
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/throttled", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchYieldsChildrenAndPageRow(t *testing.T) {
	t.Parallel()

	srv := newSite(t, nil)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	f := New(Config{MaxDepth: 2, SameHost: true, Timeout: 5 * time.Second},
		WithClock(system.NewManual(now)))

	var got yielded
	seed := crawler.Seed{ID: "root", Payload: srv.URL, Attrs: map[string]string{"team": "x"}}
	require.NoError(t, f.Fetch(context.Background(), seed, got.yield))

	require.Empty(t, got.tokens)
	require.Equal(t, []string{srv.URL + "/a", srv.URL + "/b"}, got.payloads())
	for _, child := range got.seeds {
		require.Equal(t, 1, child.Depth)
		require.Equal(t, "x", child.Attrs["team"])
		require.Empty(t, child.ID)
	}

	require.Len(t, got.items, 1)
	item := got.items[0]
	require.Equal(t, DefaultSink, item.Sink)
	require.Equal(t, PageFields, item.Fields)
	row := item.Rows[0]
	require.Equal(t, srv.URL, row[0])
	require.Equal(t, http.StatusOK, row[1])
	require.Equal(t, "Home", row[2])
	require.Equal(t, 0, row[4])
	require.Equal(t, 2, row[5])
	require.Equal(t, now, row[7])
	require.Equal(t, false, row[8])

	// Links already seen in this run are not yielded again.
	var again yielded
	child := crawler.Seed{Payload: srv.URL + "/a", Depth: 1}
	require.NoError(t, f.Fetch(context.Background(), child, again.yield))
	require.Equal(t, []string{srv.URL + "/c"}, again.payloads())
	require.Equal(t, 4, f.SeenLinks())
}

func TestFetchHonorsBlockedHosts(t *testing.T) {
	t.Parallel()

	srv := newSite(t, nil)

	f := New(Config{MaxDepth: 2, BlockedHosts: []string{"other.test"}, Timeout: 5 * time.Second})
	var got yielded
	require.NoError(t, f.Fetch(context.Background(), crawler.Seed{Payload: srv.URL}, got.yield))
	require.Equal(t, []string{srv.URL + "/a", srv.URL + "/b"}, got.payloads())

	self := New(Config{BlockedHosts: []string{"127.0.0.1"}, Timeout: 5 * time.Second})
	var blocked yielded
	require.NoError(t, self.Fetch(context.Background(), crawler.Seed{Payload: srv.URL}, blocked.yield))
	require.Equal(t, []crawler.Token{crawler.TokenFailure}, blocked.tokens)
	require.Empty(t, blocked.items)
}

func TestFetchStopsFollowingAtMaxDepth(t *testing.T) {
	t.Parallel()

	srv := newSite(t, nil)
	f := New(Config{MaxDepth: 1})

	var got yielded
	require.NoError(t, f.Fetch(context.Background(), crawler.Seed{Payload: srv.URL, Depth: 1}, got.yield))
	require.Empty(t, got.seeds)
	require.Len(t, got.items, 1)
}

func TestFetchTokensForHTTPStatus(t *testing.T) {
	t.Parallel()

	srv := newSite(t, nil)
	f := New(Config{})

	cases := []struct {
		path  string
		token crawler.Token
	}{
		{"/busy", crawler.TokenPolling},
		{"/throttled", crawler.TokenPolling},
		{"/missing", crawler.TokenFailure},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			var got yielded
			require.NoError(t, f.Fetch(context.Background(), crawler.Seed{Payload: srv.URL + tc.path}, got.yield))
			require.Equal(t, []crawler.Token{tc.token}, got.tokens)
			require.Empty(t, got.items)
		})
	}
}

func TestFetchReturnsErrorForServerFailure(t *testing.T) {
	t.Parallel()

	srv := newSite(t, nil)
	f := New(Config{})

	var got yielded
	err := f.Fetch(context.Background(), crawler.Seed{Payload: srv.URL + "/broken"}, got.yield)
	require.Error(t, err)
	require.Empty(t, got.tokens)
}

func TestFetchRejectsNonHTTPPayload(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	for _, payload := range []string{"not a url", "ftp://example.com/file", "://"} {
		var got yielded
		require.NoError(t, f.Fetch(context.Background(), crawler.Seed{Payload: payload}, got.yield))
		require.Equal(t, []crawler.Token{crawler.TokenFailure}, got.tokens, payload)
	}
}

func TestFetchHonorsRobotsAndCachesThem(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newSite(t, &hits)
	f := New(Config{RespectRobots: true})

	var blocked yielded
	require.NoError(t, f.Fetch(context.Background(), crawler.Seed{Payload: srv.URL + "/private"}, blocked.yield))
	require.Equal(t, []crawler.Token{crawler.TokenFailure}, blocked.tokens)

	var allowed yielded
	require.NoError(t, f.Fetch(context.Background(), crawler.Seed{Payload: srv.URL}, allowed.yield))
	require.Len(t, allowed.items, 1)
	require.Equal(t, "", allowed.items[0].Rows[0][6])

	require.Equal(t, int32(1), hits.Load())
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	f := New(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var got yielded
	err := f.Fetch(ctx, crawler.Seed{Payload: srv.URL}, got.yield)
	require.Error(t, err)
	require.Empty(t, got.items)
}

func TestFetchSendsConfiguredHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		gotTrace = r.Header.Get("X-Trace")
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "cobweb-test", Headers: http.Header{"X-Trace": {"yes"}}, Sink: "raw"})
	var got yielded
	require.NoError(t, f.Fetch(context.Background(), crawler.Seed{Payload: srv.URL}, got.yield))
	require.Equal(t, "cobweb-test", gotUA)
	require.Equal(t, "yes", gotTrace)
	require.Equal(t, "raw", got.items[0].Sink)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	u := mustParse(t, "HTTPS://Example.COM#top")
	require.Equal(t, "https://example.com/", normalizeURL(u))
	u = mustParse(t, "http://example.com/a?b=1#c")
	require.Equal(t, "http://example.com/a?b=1", normalizeURL(u))
}
