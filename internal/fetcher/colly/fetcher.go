// Package collyfetcher implements the built-in HTTP fetch routine using gocolly.
// A fetch visits the seed URL, yields one page row for the configured sink,
// and yields child seeds for the links it discovers.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/clock/system"
	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	"github.com/JakeFAU/cobweb-launcher/internal/hash/sha256"
	"github.com/JakeFAU/cobweb-launcher/internal/metrics"
)

// DefaultSink receives page rows when Config.Sink is empty.
const DefaultSink = "pages"

// PageFields describes the columns of every page row.
var PageFields = []crawler.Field{
	{Name: "url", Type: "string"},
	{Name: "status", Type: "int"},
	{Name: "title", Type: "string"},
	{Name: "bytes", Type: "int"},
	{Name: "depth", Type: "int"},
	{Name: "links", Type: "int"},
	{Name: "robots", Type: "string"},
	{Name: "fetched_at", Type: "timestamp"},
	{Name: "needs_render", Type: "bool"},
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxDepth bounds link following; seeds at this depth yield no children.
	MaxDepth int
	// SameHost restricts children to the host of their parent.
	SameHost bool
	Sink     string
	Headers  http.Header
	// RobotsTTL controls how long robots.txt bodies are cached per host.
	RobotsTTL time.Duration
	// BlockedHosts lists hosts never fetched nor followed; "*.x.com" and
	// ".x.com" also block subdomains.
	BlockedHosts []string
	// RenderThreshold is the body size under which script-heavy pages are
	// flagged needs_render. Defaults to 2048.
	RenderThreshold int
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithClock sets the clock used to stamp rows.
func WithClock(clock crawler.Clock) Option {
	return func(f *Fetcher) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// Fetcher is a crawler.FetchFunc provider backed by Colly. One Fetcher
// serves one run: its link dedup set lives as long as it does.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	robots    *robotsCache
	blocked   *hostBlocklist
	seen      *sha256.Set
	clock     crawler.Clock
	logger    *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
	OnHTML(string, colly.HTMLCallback)
}

// page is what one visit observed.
type page struct {
	status  int
	bytes   int
	title   string
	links   []string
	robots  string
	render  bool
	blocked bool
	err     error
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.Sink == "" {
		cfg.Sink = DefaultSink
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RenderThreshold <= 0 {
		cfg.RenderThreshold = defaultRenderThreshold
	}
	f := &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
		blocked:   newHostBlocklist(cfg.BlockedHosts),
		seen:      sha256.NewSet(),
		clock:     system.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.robots = newRobotsCache(cfg.RobotsTTL, f.clock.Now)
	return f
}

// Fetch implements crawler.FetchFunc. Non-HTTP payloads, blocked hosts,
// robots.txt exclusions, and 4xx responses yield a failure token; 429 and 503 yield a
// polling token; transport errors and other 5xx responses are returned so the
// seed is retried.
func (f *Fetcher) Fetch(ctx context.Context, seed crawler.Seed, yield func(crawler.Value) bool) error {
	target, err := url.Parse(strings.TrimSpace(seed.Payload))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		f.logger.Debug("rejecting non-http seed", zap.String("payload", seed.Payload))
		yield(crawler.TokenValue(crawler.TokenFailure))
		return nil
	}
	if f.blocked.Blocked(target.Hostname()) {
		f.logger.Debug("host is blocked", zap.String("url", target.String()))
		yield(crawler.TokenValue(crawler.TokenFailure))
		return nil
	}
	f.seen.Add(normalizeURL(target))

	res, err := f.visit(ctx, target.String(), seed.Depth < f.cfg.MaxDepth)
	if err != nil {
		return err
	}
	if res.blocked {
		f.logger.Debug("robots.txt disallows seed", zap.String("url", target.String()))
		yield(crawler.TokenValue(crawler.TokenFailure))
		return nil
	}
	metrics.ObserveFetch(target.String(), res.status, res.bytes)

	switch {
	case res.status == http.StatusTooManyRequests || res.status == http.StatusServiceUnavailable:
		yield(crawler.TokenValue(crawler.TokenPolling))
		return nil
	case res.err != nil && res.status >= 400 && res.status < 500:
		yield(crawler.TokenValue(crawler.TokenFailure))
		return nil
	case res.err != nil:
		return fmt.Errorf("fetch %s: %w", target, res.err)
	}

	children := f.children(target, res.links)
	for _, link := range children {
		if !yield(crawler.SeedValue(seed.Child(link))) {
			return nil
		}
	}
	yield(crawler.ItemValue(crawler.SinkItem{
		Sink:   f.cfg.Sink,
		Fields: PageFields,
		Rows: [][]any{{
			target.String(),
			res.status,
			res.title,
			res.bytes,
			seed.Depth,
			len(children),
			res.robots,
			f.clock.Now().UTC(),
			res.render,
		}},
	}))
	return nil
}

// SeenLinks reports how many distinct URLs the fetcher has recorded.
func (f *Fetcher) SeenLinks() int {
	return f.seen.Len()
}

// visit builds a fresh collector per call so per-visit transport state and
// timeouts never leak between concurrent workers.
func (f *Fetcher) visit(ctx context.Context, target string, follow bool) (page, error) {
	collector, robots := f.buildCollector(ctx)
	res := &page{}
	f.configureCollectorHooks(collector, follow, res)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return page{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			res.blocked = true
		} else if err != nil && res.err == nil {
			res.err = err
		}
		res.robots = robots.Reason()
		return *res, nil
	}
}

func (f *Fetcher) buildCollector(ctx context.Context) (*colly.Collector, *robotsCheckState) {
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	var robots *robotsCheckState
	if f.cfg.RespectRobots {
		robots = newRobotsCheckState()
		collector.WithTransport(&robotsAwareTransport{
			base:  f.transport,
			cache: f.robots,
			state: robots,
		})
	} else {
		collector.WithTransport(f.transport)
	}
	return collector, robots
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, follow bool, res *page) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.bytes = len(r.Body)
		res.render = needsRender(r.StatusCode, r.Body, f.cfg.RenderThreshold)
	})

	hooks.OnHTML("title", func(e *colly.HTMLElement) {
		if res.title == "" {
			res.title = strings.TrimSpace(e.Text)
		}
	})

	if follow {
		hooks.OnHTML("a[href]", func(e *colly.HTMLElement) {
			if link := e.Request.AbsoluteURL(e.Attr("href")); link != "" {
				res.links = append(res.links, link)
			}
		})
	}

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.status = r.StatusCode
			res.bytes = len(r.Body)
		}
		res.err = err
	})
}

// children filters discovered links down to new http(s) URLs, honoring
// SameHost and the blocklist.
func (f *Fetcher) children(parent *url.URL, links []string) []string {
	var out []string
	for _, raw := range links {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		if f.cfg.SameHost && !strings.EqualFold(u.Hostname(), parent.Hostname()) {
			continue
		}
		if f.blocked.Blocked(u.Hostname()) {
			continue
		}
		norm := normalizeURL(u)
		if !f.seen.Add(norm) {
			continue
		}
		out = append(out, norm)
	}
	return out
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	if f.cfg.Headers == nil || r.Headers == nil {
		return
	}
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// normalizeURL drops the fragment and lowercases scheme and host.
func normalizeURL(u *url.URL) string {
	clone := *u
	clone.Fragment = ""
	clone.RawFragment = ""
	clone.Scheme = strings.ToLower(clone.Scheme)
	clone.Host = strings.ToLower(clone.Host)
	if clone.Path == "" {
		clone.Path = "/"
	}
	return clone.String()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
