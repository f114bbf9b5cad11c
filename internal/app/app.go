// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for one pipeline run.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/api"
	systemclock "github.com/JakeFAU/cobweb-launcher/internal/clock/system"
	"github.com/JakeFAU/cobweb-launcher/internal/config"
	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
	collyfetcher "github.com/JakeFAU/cobweb-launcher/internal/fetcher/colly"
	idgen "github.com/JakeFAU/cobweb-launcher/internal/id/uuid"
	"github.com/JakeFAU/cobweb-launcher/internal/pipeline"
	"github.com/JakeFAU/cobweb-launcher/internal/policy/ratelimit"
	"github.com/JakeFAU/cobweb-launcher/internal/progress"
	progresssinks "github.com/JakeFAU/cobweb-launcher/internal/progress/sinks"
	"github.com/JakeFAU/cobweb-launcher/internal/publisher/console"
	pubsubsink "github.com/JakeFAU/cobweb-launcher/internal/publisher/pubsub"
	"github.com/JakeFAU/cobweb-launcher/internal/publisher/rabbitmq"
	gcssink "github.com/JakeFAU/cobweb-launcher/internal/storage/gcs"
	"github.com/JakeFAU/cobweb-launcher/internal/storage/local"
	"github.com/JakeFAU/cobweb-launcher/internal/storage/memory"
	"github.com/JakeFAU/cobweb-launcher/internal/storage/postgres"
	"github.com/JakeFAU/cobweb-launcher/internal/store"
	"github.com/JakeFAU/cobweb-launcher/internal/telemetry"
)

// ErrNoAppender is returned by AppendSeeds when the backlog cannot take new seeds.
var ErrNoAppender = errors.New(crawler.Namespace + ": backlog does not accept new seeds")

// SeedAppender adds seeds to a persistent backlog, skipping known IDs.
type SeedAppender interface {
	Append(ctx context.Context, seeds ...crawler.Seed) (int, error)
}

// Option customizes App construction.
type Option func(*App)

// WithLogger sets the shared logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithFetch replaces the built-in HTTP fetch routine.
func WithFetch(fetch crawler.FetchFunc) Option {
	return func(a *App) {
		a.fetch = fetch
	}
}

// WithRegisterer sets where progress collectors are registered. Defaults to
// prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registerer = reg
	}
}

// App holds all the shared, long-lived services for one process.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registerer prometheus.Registerer
	ids        *idgen.Generator
	clock      crawler.Clock

	pool    *pgxpool.Pool
	backlog crawler.BacklogSource
	sinks   []crawler.Sink
	fetch   crawler.FetchFunc
	fetcher *collyfetcher.Fetcher
	limiter *ratelimit.Limiter
	runs    store.RunRepository
	hub     *progress.Hub
	tracer  *sdktrace.TracerProvider

	closers []func(context.Context) error
}

// New creates and initializes an App from cfg. It fails fast if any backend
// cannot be initialized, releasing whatever was already opened.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		logger:     zap.NewNop(),
		registerer: prometheus.DefaultRegisterer,
		ids:        idgen.New(),
		clock:      systemclock.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger.Info("initializing application services")

	steps := []func(context.Context) error{
		a.initTracing,
		a.initPostgres,
		a.initBacklog,
		a.initSinks,
		a.initFetcher,
		a.initProgress,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	a.logger.Info("application services initialized",
		zap.String("backlog", cfg.Backlog.Kind),
		zap.Strings("sinks", a.SinkNames()),
		zap.String("progress_store", cfg.Progress.Store),
	)
	return a, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Backlog exposes the configured seed source.
func (a *App) Backlog() crawler.BacklogSource {
	return a.backlog
}

// Runs returns the run repository, or nil when progress storage is disabled.
func (a *App) Runs() store.RunRepository {
	return a.runs
}

// Sinks returns the configured sinks in order.
func (a *App) Sinks() []crawler.Sink {
	return append([]crawler.Sink(nil), a.sinks...)
}

// SinkNames lists the configured sinks in order.
func (a *App) SinkNames() []string {
	names := make([]string, 0, len(a.sinks))
	for _, s := range a.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Pipeline wires a new pipeline over the App's backlog, fetch routine, and sinks.
func (a *App) Pipeline(opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	base := []pipeline.Option{
		pipeline.WithLogger(a.logger),
		pipeline.WithIDGenerator(a.ids),
		pipeline.WithClock(a.clock),
	}
	if a.hub != nil {
		base = append(base, pipeline.WithEmitter(a.hub))
	}
	if a.limiter != nil {
		base = append(base, pipeline.WithLimiter(a.limiter))
	}
	p, err := pipeline.New(a.cfg.PipelineConfig(), a.backlog, a.fetch, a.sinks, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return p, nil
}

// Server builds the status API for status.
func (a *App) Server(status api.StatusSource) *api.Server {
	return api.NewServer(status, api.Options{
		APIKey:  a.cfg.Server.APIKey,
		Runs:    a.runs,
		Logger:  a.logger,
		Timeout: a.cfg.Server.Timeout,
	})
}

// HTTPServer returns an http.Server for status bound to the configured address.
func (a *App) HTTPServer(status api.StatusSource) *http.Server {
	return &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.Server(status).Handler(),
		ReadHeaderTimeout: a.cfg.Server.Timeout,
	}
}

// AppendSeeds adds seeds to the backlog, assigning IDs where missing. It
// returns how many were new.
func (a *App) AppendSeeds(ctx context.Context, seeds ...crawler.Seed) (int, error) {
	for i := range seeds {
		if seeds[i].ID != "" {
			continue
		}
		id, err := a.ids.NewID()
		if err != nil {
			return 0, fmt.Errorf("assign seed id: %w", err)
		}
		seeds[i].ID = id
	}
	switch b := a.backlog.(type) {
	case SeedAppender:
		n, err := b.Append(ctx, seeds...)
		if err != nil {
			return n, fmt.Errorf("append seeds: %w", err)
		}
		return n, nil
	case *memory.Backlog:
		b.Add(seeds...)
		return len(seeds), nil
	default:
		return 0, ErrNoAppender
	}
}

// Close shuts down all services in reverse order of creation. The progress
// hub is drained first so final run totals reach the repository.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	// Sync errors on stderr/stdout are expected on some platforms.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) initTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Tracing.ServiceName, a.cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tp
	a.onClose(func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer provider: %w", err)
		}
		return nil
	})
	return nil
}

func (a *App) needsPostgres() bool {
	if a.cfg.Backlog.Kind == config.BacklogPostgres || a.cfg.Progress.Store == "postgres" {
		return true
	}
	for _, s := range a.cfg.Sinks {
		if s.Kind == config.SinkPostgres {
			return true
		}
	}
	return false
}

func (a *App) initPostgres(ctx context.Context) error {
	if !a.needsPostgres() {
		return nil
	}
	pc := a.cfg.Postgres
	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:             pc.DSN,
		MaxConns:        pc.MaxConns,
		MinConns:        pc.MinConns,
		MaxConnLifetime: pc.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.pool = pool
	a.onClose(func(context.Context) error {
		pool.Close()
		return nil
	})
	if pc.Migrate {
		if err := postgres.Migrate(ctx, pool, a.backlogTable()); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

func (a *App) backlogTable() string {
	if a.cfg.Backlog.Table != "" {
		return a.cfg.Backlog.Table
	}
	return postgres.DefaultBacklogTable
}

func (a *App) initBacklog(context.Context) error {
	bc := a.cfg.Backlog
	switch bc.Kind {
	case config.BacklogMemory, "":
		seeds := make([]crawler.Seed, 0, len(bc.Seeds))
		for _, payload := range bc.Seeds {
			id, err := a.ids.NewID()
			if err != nil {
				return fmt.Errorf("assign seed id: %w", err)
			}
			seeds = append(seeds, crawler.Seed{ID: id, Payload: payload})
		}
		a.backlog = memory.NewBacklog(seeds...)
	case config.BacklogFile:
		b, err := local.OpenBacklog(bc.Path)
		if err != nil {
			return fmt.Errorf("open file backlog: %w", err)
		}
		a.backlog = b
	case config.BacklogPostgres:
		b, err := postgres.NewBacklog(a.pool, a.backlogTable())
		if err != nil {
			return fmt.Errorf("open postgres backlog: %w", err)
		}
		a.backlog = b
	default:
		return fmt.Errorf("%w: unknown backlog kind %q", config.ErrInvalidConfig, bc.Kind)
	}
	return nil
}

func (a *App) initSinks(ctx context.Context) error {
	specs := a.cfg.Sinks
	if len(specs) == 0 {
		specs = []config.SinkConfig{{Name: collyfetcher.DefaultSink, Kind: config.SinkConsole}}
	}
	for _, sc := range specs {
		sink, err := a.buildSink(ctx, sc)
		if err != nil {
			return fmt.Errorf("sink %q: %w", sc.Name, err)
		}
		a.sinks = append(a.sinks, sink)
	}
	return nil
}

func (a *App) buildSink(ctx context.Context, sc config.SinkConfig) (crawler.Sink, error) {
	switch sc.Kind {
	case config.SinkConsole:
		return console.New(sc.Name, a.logger), nil
	case config.SinkMemory:
		return memory.NewSink(sc.Name), nil
	case config.SinkFile:
		return local.NewSink(local.Config{BaseDir: sc.Dir}, sc.Name)
	case config.SinkPostgres:
		return postgres.NewSink(a.pool, sc.Name, sc.Table)
	case config.SinkGCS:
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		return gcssink.New(client, sc.Name, gcssink.Config{Bucket: sc.Bucket, Prefix: sc.Prefix}, a.ids, a.clock)
	case config.SinkPubSub:
		client, err := pubsub.NewClient(ctx, sc.Project)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		sink, err := pubsubsink.New(sc.Name, client.Topic(sc.Topic))
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error {
			sink.Close()
			return nil
		})
		return sink, nil
	case config.SinkRabbitMQ:
		sink, err := rabbitmq.Dial(sc.Name, rabbitmq.Config{URL: sc.URL, Queue: sc.Queue, Exchange: sc.Exchange})
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return sink.Close() })
		return sink, nil
	default:
		return nil, fmt.Errorf("%w: unknown sink kind %q", config.ErrInvalidConfig, sc.Kind)
	}
}

func (a *App) initFetcher(context.Context) error {
	if a.cfg.RateLimit.Enabled {
		a.limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
			DefaultBurst: a.cfg.RateLimit.DefaultBurst,
			HostRPS:      a.cfg.RateLimit.HostRPS,
		})
	}
	if a.fetch != nil {
		return nil
	}
	fc := a.cfg.Fetcher
	sinkName := fc.Sink
	if sinkName == "" && len(a.sinks) > 0 {
		sinkName = a.sinks[0].Name()
	}
	headers := make(http.Header, len(fc.Headers))
	for k, v := range fc.Headers {
		headers.Set(k, v)
	}
	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:     fc.UserAgent,
		RespectRobots: fc.RespectRobots,
		Timeout:       fc.Timeout,
		MaxDepth:      fc.MaxDepth,
		SameHost:      fc.SameHost,
		Sink:          sinkName,
		Headers:       headers,
		RobotsTTL:     fc.RobotsTTL,

		BlockedHosts:    fc.BlockedHosts,
		RenderThreshold: fc.RenderThreshold,
	}, collyfetcher.WithLogger(a.logger), collyfetcher.WithClock(a.clock))
	a.fetch = a.fetcher.Fetch
	return nil
}

func (a *App) initProgress(context.Context) error {
	pc := a.cfg.Progress
	switch pc.Store {
	case "memory", "":
		a.runs = memory.NewRunStore()
	case "postgres":
		a.runs = postgres.NewRunStore(a.pool)
	case "none":
	default:
		return fmt.Errorf("%w: unknown progress store %q", config.ErrInvalidConfig, pc.Store)
	}

	var sinks []progress.Sink
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("progress prometheus sink: %w", err)
	}
	sinks = append(sinks, promSink)
	if pc.LogEvents {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger))
	}
	if a.runs != nil {
		sinks = append(sinks, progresssinks.NewStoreSink(a.runs, a.logger))
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxBatchEvents,
		MaxBatchWait:   pc.MaxBatchWait,
		SinkTimeout:    pc.SinkTimeout,
		Logger:         a.logger,
	}, sinks...)
	a.hub = hub
	a.onClose(hub.Close)
	return nil
}
