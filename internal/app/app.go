// Package app builds the scheduler's components from configuration and runs
// one crawl to completion.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/api"
	"github.com/JakeFAU/crawl-scheduler/internal/cache"
	cachememory "github.com/JakeFAU/crawl-scheduler/internal/cache/memory"
	cachepostgres "github.com/JakeFAU/crawl-scheduler/internal/cache/postgres"
	"github.com/JakeFAU/crawl-scheduler/internal/clock/system"
	"github.com/JakeFAU/crawl-scheduler/internal/config"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/fetch"
	collyfetcher "github.com/JakeFAU/crawl-scheduler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/crawl-scheduler/internal/fetcher/headless"
	"github.com/JakeFAU/crawl-scheduler/internal/hash/sha256"
	"github.com/JakeFAU/crawl-scheduler/internal/headless/detector"
	"github.com/JakeFAU/crawl-scheduler/internal/id/uuid"
	"github.com/JakeFAU/crawl-scheduler/internal/logging"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/problems"
	"github.com/JakeFAU/crawl-scheduler/internal/progress"
	progresssinks "github.com/JakeFAU/crawl-scheduler/internal/progress/sinks"
	"github.com/JakeFAU/crawl-scheduler/internal/queue"
	gcsstorage "github.com/JakeFAU/crawl-scheduler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-scheduler/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawl-scheduler/internal/storage/memory"
	"github.com/JakeFAU/crawl-scheduler/internal/telemetry"
	"github.com/JakeFAU/crawl-scheduler/internal/throttle"
	"github.com/JakeFAU/crawl-scheduler/internal/worker"
)

// Version is stamped into traces; the build may override it with -ldflags.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	runID  [16]byte

	hub      *progress.Hub
	emitter  progress.Emitter
	clusters *problems.Clusterer
	throttle *throttle.Throttle
	queue    *queue.Queue
	executor *fetch.Executor
	pool     *worker.Pool

	apiServer *api.Server

	registerer     prometheus.Registerer
	network        crawler.NetworkFetcher
	resultHandler  crawler.ResultHandler
	pgIndex        *cachepostgres.Index
	gcsStore       *gcsstorage.BlobStore
	headless       *headlessfetcher.Fetcher
	tracerShutdown func(context.Context) error
}

// Option customises Build.
type Option func(*App)

// WithLogger replaces the logger built from configuration.
func WithLogger(l *zap.Logger) Option { return func(a *App) { a.logger = l } }

// WithRegisterer sets where the telemetry Prometheus collectors register.
func WithRegisterer(r prometheus.Registerer) Option { return func(a *App) { a.registerer = r } }

// WithNetworkFetcher replaces the configured network fetcher.
func WithNetworkFetcher(f crawler.NetworkFetcher) Option { return func(a *App) { a.network = f } }

// WithResultHandler receives every successful fetch.
func WithResultHandler(h crawler.ResultHandler) Option { return func(a *App) { a.resultHandler = h } }

// WithClock overrides the wall clock.
func WithClock(c crawler.Clock) Option { return func(a *App) { a.clock = c } }

// Build creates the application's dependencies. Call Close when done, even if
// Run is never called.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	app := &App{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.logger = logger
	}
	if app.clock == nil {
		app.clock = system.New()
	}
	if app.registerer == nil {
		app.registerer = prometheus.DefaultRegisterer
	}
	metrics.Init()

	runID, err := uuid.New().NewRunID()
	if err != nil {
		return nil, err
	}
	app.runID = runID
	app.logger = app.logger.With(zap.String("run_id", uuid.String(runID)))
	app.logger.Info("building application dependencies")

	if err := app.build(ctx); err != nil {
		app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	tracer, err := a.setupTracing(ctx)
	if err != nil {
		return err
	}
	if err := a.setupProgress(ctx); err != nil {
		return err
	}
	a.setupScheduling()

	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	store, err := a.setupCache(ctx, blobs)
	if err != nil {
		return err
	}
	network, err := a.setupFetcher()
	if err != nil {
		return err
	}

	a.executor, err = fetch.New(fetch.Config{
		MaxCacheAge:       a.cfg.Cache.MaxAge,
		FetchTimeout:      a.cfg.Scheduler.FetchTimeout,
		CacheWriteTimeout: a.cfg.Cache.WriteTimeout,
	}, store, network,
		fetch.WithThrottle(a.throttle),
		fetch.WithProblems(a.clusters),
		fetch.WithEmitter(a.emitter),
		fetch.WithClock(a.clock),
		fetch.WithTracer(tracer),
		fetch.WithLogger(a.logger.Named("fetch")),
	)
	if err != nil {
		return fmt.Errorf("fetch executor init failed: %w", err)
	}

	poolOpts := []worker.Option{
		worker.WithEmitter(a.emitter),
		worker.WithLogger(a.logger),
	}
	if a.resultHandler != nil {
		poolOpts = append(poolOpts, worker.WithResultHandler(a.resultHandler))
	}
	a.pool, err = worker.New(worker.Config{
		Workers:      a.cfg.Scheduler.WorkerCount,
		GlobalRPS:    a.cfg.Scheduler.GlobalRPS,
		GlobalBurst:  a.cfg.Scheduler.GlobalBurst,
		ExitWhenIdle: a.cfg.Scheduler.ExitWhenIdle,
	}, a.queue, a.executor, poolOpts...)
	if err != nil {
		return fmt.Errorf("worker pool init failed: %w", err)
	}

	if a.cfg.Server.Port > 0 {
		a.apiServer = api.NewServer(api.Sources{
			Hosts:    a.throttle,
			Clusters: a.clusters,
			Queue:    a.queue,
			Workers:  a.pool,
		}, api.Config{APIKey: a.cfg.Server.APIKey}, a.logger.Named("api"))
	}
	return nil
}

func (a *App) setupTracing(ctx context.Context) (trace.Tracer, error) {
	tc := a.cfg.Telemetry.Tracing
	if !tc.Enabled {
		return nil, nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: "crawlsched",
		Version:     Version,
		ProjectID:   tc.ProjectID,
		SampleRatio: tc.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	a.logger.Info("tracing enabled", zap.String("project", tc.ProjectID), zap.Float64("sample_ratio", tc.SampleRatio))
	return tp.Tracer("github.com/JakeFAU/crawl-scheduler/internal/fetch"), nil
}

func (a *App) setupProgress(ctx context.Context) error {
	tc := a.cfg.Telemetry
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if tc.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
		a.logger.Debug("added progress log sink")
	}
	if tc.PubSub.ProjectID != "" && tc.PubSub.TopicID != "" {
		ps, err := progresssinks.NewPubSubSink(ctx, tc.PubSub.ProjectID, tc.PubSub.TopicID, a.logger.Named("progress_pubsub"))
		if err != nil {
			return fmt.Errorf("pubsub sink init failed: %w", err)
		}
		sinkList = append(sinkList, ps)
		a.logger.Info("progress events exported to pubsub",
			zap.String("project", tc.PubSub.ProjectID),
			zap.String("topic", tc.PubSub.TopicID),
		)
	}
	hubCfg := progress.Config{
		BufferSize:     tc.BufferSize,
		MaxBatchEvents: tc.BatchEvents,
		MaxBatchWait:   tc.BatchWait,
		SinkTimeout:    tc.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
		RunID:          a.runID,
		Now:            a.clock.Now,
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.emitter = a.hub
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// setupScheduling builds the clusterer, throttle and queue. The throttle
// consults the clusterer for escalations; both report transitions as events.
func (a *App) setupScheduling() {
	a.clusters = problems.New(problems.Config{
		Window:          a.cfg.Clusters.Window,
		EscalationCount: a.cfg.Clusters.EscalationCount,
	},
		problems.WithClock(a.clock),
		problems.WithEventHook(a.emitClusterEvent),
		problems.WithLogger(a.logger.Named("problems")),
	)

	tc := a.cfg.Throttle
	a.throttle = throttle.New(throttle.Config{
		PerHostConcurrency: tc.PerHostConcurrency,
		MinInterval:        tc.MinInterval,
		HostIntervals:      tc.IntervalMap(),
		MaxInterval:        tc.MaxInterval,
		FailureThreshold:   tc.FailureThreshold,
		BackoffBase:        tc.BackoffBase,
		BackoffCap:         tc.BackoffCap,
		MaxHosts:           tc.MaxHosts,
	},
		throttle.WithClock(a.clock),
		throttle.WithEscalation(a.clusters),
		throttle.WithTransitionHook(a.emitHostTransition),
		throttle.WithLogger(a.logger.Named("throttle")),
	)

	sc := a.cfg.Scheduler
	a.queue = queue.New(queue.Config{
		AttemptCeiling: sc.AttemptCeiling,
		RetryPenalty:   sc.RetryPenalty,
		IdlePoll:       sc.IdlePoll,
		BlockedHosts:   tc.BlockedHosts,
		DefaultPolicy:  crawler.FetchPolicy(sc.DefaultPolicy),
	}, a.throttle,
		queue.WithScorer(queue.NewWeightedScorer(a.cfg.Scoring.Weights, a.cfg.Scoring.HostPenalty)),
		queue.WithClock(a.clock),
		queue.WithLogger(a.logger.Named("queue")),
	)
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	sc := a.cfg.Storage
	switch sc.Provider {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:       sc.GCS.Bucket,
			CacheControl: sc.GCS.CacheControl,
		}, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsStore = store
		a.logger.Info("using GCS storage backend", zap.String("bucket", sc.GCS.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: sc.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", sc.Local.BaseDir))
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupCache(ctx context.Context, blobs crawler.BlobStore) (*cache.Store, error) {
	cc := a.cfg.Cache
	var index cache.Index
	switch cc.Provider {
	case "postgres":
		pg, err := cachepostgres.New(ctx, cachepostgres.Config{
			DSN:             cc.Postgres.DSN,
			Table:           cc.Postgres.Table,
			MaxConns:        cc.Postgres.MaxConns,
			MinConns:        cc.Postgres.MinConns,
			MaxConnLifetime: cc.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("cache index init failed: %w", err)
		}
		a.pgIndex = pg
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("cache schema init failed: %w", err)
		}
		a.logger.Info("using postgres cache index", zap.String("table", pg.Table()))
		index = pg
	default:
		a.logger.Info("using in-memory cache index")
		index = cachememory.New()
	}
	store, err := cache.New(cache.Config{
		Prefix:      a.cfg.Storage.Prefix,
		ContentType: a.cfg.Storage.ContentType,
	}, index, blobs, sha256.New(), a.logger.Named("cache"))
	if err != nil {
		return nil, fmt.Errorf("cache init failed: %w", err)
	}
	return store, nil
}

func (a *App) setupFetcher() (crawler.NetworkFetcher, error) {
	if a.network != nil {
		return a.network, nil
	}
	fc := a.cfg.Fetcher
	headers := make(http.Header, len(fc.Headers))
	for k, v := range fc.Headers {
		headers.Set(k, v)
	}
	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     fc.UserAgent,
		RespectRobots: fc.RespectRobots,
		Headers:       headers,
		MaxBodyBytes:  fc.MaxBodyBytes,
	}, a.logger.Named("colly"))
	if fc.Kind == "http" || fc.Kind == "" {
		a.logger.Info("using colly fetcher",
			zap.String("user_agent", fc.UserAgent),
			zap.Bool("respect_robots", fc.RespectRobots),
		)
		return httpFetcher, nil
	}

	browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       fc.Headless.MaxParallel,
		UserAgent:         fc.UserAgent,
		NavigationTimeout: fc.Headless.NavigationTimeout,
		SettleDelay:       fc.Headless.SettleDelay,
		Headers:           headers,
	})
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.headless = browser
	if fc.Kind == "headless" {
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", fc.Headless.MaxParallel))
		return browser, nil
	}
	a.logger.Info("using colly fetcher with headless promotion",
		zap.Int("max_parallel", fc.Headless.MaxParallel),
		zap.Int("promotion_threshold", fc.Headless.PromotionThreshold),
	)
	detect := detector.NewHeuristic(fc.Headless.PromotionThreshold, fc.Headless.PromotionMarkers...)
	return headlessfetcher.NewPromoting(httpFetcher, browser, detect, a.logger.Named("promote")), nil
}

// Enqueue admits seeds. Seeds fetch from the network unless
// cache.first_request_max_age allows a recent cached copy.
func (a *App) Enqueue(seeds []string) int {
	added := 0
	for _, raw := range seeds {
		req := crawler.Request{
			URL:         raw,
			Seed:        true,
			FetchPolicy: crawler.PolicyNetworkFirst,
			Components:  map[string]float64{queue.ComponentSeed: a.cfg.Scoring.SeedBonus},
		}
		if age := a.cfg.Cache.FirstRequestMaxAge; age > 0 {
			req.FetchPolicy = crawler.PolicyCachePreferred
			req.MaxCacheAge = age
		}
		res, err := a.queue.Enqueue(req)
		if err != nil {
			a.logger.Warn("seed rejected", zap.String("url", raw), zap.Error(err))
			continue
		}
		if res == queue.Added {
			added++
		}
	}
	return added
}

// Run enqueues seeds and blocks until the queue drains, the pool fails, or a
// stop signal arrives. After a signal, in-flight fetches get
// scheduler.shutdown_grace to finish before they are cancelled.
func (a *App) Run(ctx context.Context, seeds []string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := a.clock.Now()
	a.emitter.Emit(progress.Event{Stage: progress.StageRunStart, Severity: progress.SeverityInfo, TS: start})

	clusterCtx, stopClusters := context.WithCancel(ctx)
	defer stopClusters()
	go a.clusters.Run(clusterCtx, a.cfg.Clusters.DrainInterval)

	srv := a.startServer(stop)

	seeds = append(append([]string(nil), a.cfg.Seeds...), seeds...)
	added := a.Enqueue(seeds)
	a.logger.Info("application started", zap.Int("seeds", added), zap.Int("workers", a.cfg.Scheduler.WorkerCount))

	// The pool runs detached from the signal context so a stop drains rather
	// than cancels in-flight attempts.
	poolDone := make(chan error, 1)
	go func() { poolDone <- a.pool.Run(context.WithoutCancel(ctx)) }()

	var runErr error
	select {
	case runErr = <-poolDone:
	case <-ctx.Done():
		a.logger.Info("shutdown initiated", zap.Duration("grace", a.cfg.Scheduler.ShutdownGrace))
		a.queue.Close()
		grace := time.NewTimer(a.cfg.Scheduler.ShutdownGrace)
		select {
		case runErr = <-poolDone:
			grace.Stop()
		case <-grace.C:
			a.logger.Warn("shutdown grace elapsed, aborting in-flight fetches")
			a.pool.Abort()
			runErr = <-poolDone
		}
	}
	a.queue.Close()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		cancel()
	}

	stats := a.queue.Stats()
	done := progress.Event{
		Stage:    progress.StageRunDone,
		Severity: progress.SeverityInfo,
		TS:       a.clock.Now(),
		Dur:      a.clock.Now().Sub(start),
		Count:    stats.Pending,
	}
	if runErr != nil {
		done.Severity = progress.SeverityCritical
		done.Note = runErr.Error()
	}
	a.emitter.Emit(done)
	a.logger.Info("run finished", zap.Duration("elapsed", done.Dur), zap.Int("pending", stats.Pending), zap.Error(runErr))
	return runErr
}

func (a *App) startServer(stop context.CancelFunc) *http.Server {
	if a.apiServer == nil {
		return nil
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	return srv
}

// Close flushes pending cache writes and telemetry, then releases clients.
func (a *App) Close(ctx context.Context) {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.executor != nil {
		if err := a.executor.Flush(ctx); err != nil {
			a.logger.Warn("cache write-through flush incomplete", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgIndex != nil {
		a.pgIndex.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

func (a *App) emitHostTransition(t throttle.Transition) {
	severity := progress.SeverityInfo
	if t.To == throttle.StateBlackout {
		severity = progress.SeverityWarn
	}
	a.emitter.Emit(progress.Event{
		Stage:     progress.StageHostState,
		Severity:  severity,
		TS:        t.At,
		Host:      t.Host,
		FromState: string(t.From),
		ToState:   string(t.To),
		Until:     t.BlackoutUntil,
		Count:     t.ConsecutiveFailures,
		Note:      t.Reason,
	})
}

func (a *App) emitClusterEvent(e problems.Event) {
	evt := progress.Event{
		Stage:     progress.StageClusterEscalated,
		Severity:  progress.SeverityWarn,
		TS:        e.At,
		Host:      e.Host,
		ErrorKind: e.Kind,
		Count:     e.Count,
		Note:      e.Note,
	}
	if e.Type == problems.EventDeescalated {
		evt.Stage = progress.StageClusterCleared
		evt.Severity = progress.SeverityInfo
	}
	a.emitter.Emit(evt)
}
