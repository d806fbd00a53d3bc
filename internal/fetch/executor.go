// Package fetch turns an admitted Request into a FetchOutcome, choosing between
// the cache and the network according to the request's FetchPolicy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/clock/system"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/progress"
)

const tracerName = "github.com/JakeFAU/crawl-scheduler/internal/fetch"

// Config tunes the executor.
type Config struct {
	// MaxCacheAge is the freshness window used when a request carries none.
	MaxCacheAge time.Duration
	// FetchTimeout bounds the single network attempt.
	FetchTimeout time.Duration
	// CacheWriteTimeout bounds the background write-through.
	CacheWriteTimeout time.Duration
}

func (c Config) defaults() Config {
	if c.MaxCacheAge <= 0 {
		c.MaxCacheAge = 10 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.CacheWriteTimeout <= 0 {
		c.CacheWriteTimeout = 5 * time.Second
	}
	return c
}

// ThrottleReporter receives network outcomes for per-host backoff.
type ThrottleReporter interface {
	ReportOutcome(host string, outcome crawler.FetchOutcome)
}

// ProblemRecorder receives classified network failures.
type ProblemRecorder interface {
	Record(host string, kind crawler.ErrorKind, note string)
}

// Executor runs one fetch attempt per call.
type Executor struct {
	cfg      Config
	cache    crawler.Cache
	network  crawler.NetworkFetcher
	throttle ThrottleReporter
	problems ProblemRecorder
	emitter  progress.Emitter
	clock    crawler.Clock
	logger   *zap.Logger
	tracer   trace.Tracer

	writes sync.WaitGroup
}

// Option customises an Executor.
type Option func(*Executor)

// WithThrottle reports network outcomes to t.
func WithThrottle(t ThrottleReporter) Option { return func(e *Executor) { e.throttle = t } }

// WithProblems records network failures in p.
func WithProblems(p ProblemRecorder) Option { return func(e *Executor) { e.problems = p } }

// WithEmitter sets the telemetry emitter for per-attempt records.
func WithEmitter(em progress.Emitter) Option { return func(e *Executor) { e.emitter = em } }

// WithClock overrides the clock used for freshness and Retry-After dates.
func WithClock(c crawler.Clock) Option { return func(e *Executor) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithTracer overrides the tracer; the global provider is used otherwise.
func WithTracer(t trace.Tracer) Option { return func(e *Executor) { e.tracer = t } }

// New builds an Executor. cache and network are required.
func New(cfg Config, cache crawler.Cache, network crawler.NetworkFetcher, opts ...Option) (*Executor, error) {
	if cache == nil {
		return nil, errors.New("fetch: cache is required")
	}
	if network == nil {
		return nil, errors.New("fetch: network fetcher is required")
	}
	e := &Executor{
		cfg:     cfg.defaults(),
		cache:   cache,
		network: network,
		emitter: progress.Discard,
		clock:   system.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.emitter == nil {
		e.emitter = progress.Discard
	}
	return e, nil
}

// Fetch produces an outcome for req. Expected failures are reported through
// the outcome's ErrorKind, never as an error.
func (e *Executor) Fetch(ctx context.Context, req crawler.Request) crawler.FetchOutcome {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "fetch.attempt", trace.WithAttributes(
		attribute.String("crawl.url", req.URL),
		attribute.String("crawl.policy", string(req.FetchPolicy)),
	))
	defer span.End()

	out := e.execute(ctx, &req)
	out.Latency = time.Since(start)
	if out.FinalURL == "" {
		out.FinalURL = req.URL
	}

	span.SetAttributes(
		attribute.String("crawl.host", req.Host),
		attribute.String("crawl.source", string(out.Source)),
		attribute.Bool("crawl.fallback_applied", out.FallbackApplied),
	)
	if out.HTTPStatus != 0 {
		span.SetAttributes(attribute.Int("http.status_code", out.HTTPStatus))
	}
	if !out.Success() {
		span.SetStatus(codes.Error, string(out.ErrorKind))
	}
	e.emitAttempt(req, out)
	return out
}

func (e *Executor) execute(ctx context.Context, req *crawler.Request) crawler.FetchOutcome {
	row, needLookup, ok := lookupPlan(req.FetchPolicy)
	if !ok {
		e.logger.Error("unknown fetch policy",
			zap.String("url", req.URL),
			zap.String("policy", string(req.FetchPolicy)),
		)
		return crawler.FetchOutcome{
			ErrorKind: crawler.KindInternal,
			Note:      fmt.Sprintf("unknown fetch policy %q", req.FetchPolicy),
		}
	}
	if req.Host == "" {
		host, err := crawler.HostOf(req.URL)
		if err != nil {
			return crawler.FetchOutcome{ErrorKind: crawler.KindMalformedURL, Note: err.Error()}
		}
		req.Host = host
	}

	var (
		entry  *crawler.CacheEntry
		looked bool
		state  = unchecked
	)
	if needLookup {
		entry = e.lookup(ctx, req.URL)
		looked = true
		state = e.freshness(entry, req.MaxCacheAge)
	}
	p, ok := row[state]
	if !ok {
		return crawler.FetchOutcome{
			ErrorKind: crawler.KindInternal,
			Note:      fmt.Sprintf("no plan for %s/%s", req.FetchPolicy, state),
		}
	}

	switch p.primary {
	case stepServeCache:
		return fromCache(entry)
	case stepFailNoCache:
		return crawler.FetchOutcome{ErrorKind: crawler.KindNoCacheEntry}
	case stepNetwork:
	default:
		return crawler.FetchOutcome{ErrorKind: crawler.KindInternal, Note: fmt.Sprintf("unknown step %q", p.primary)}
	}

	out := e.fetchNetwork(ctx, req)
	if out.Success() {
		if e.throttle != nil {
			e.throttle.ReportOutcome(req.Host, out)
		}
		e.writeThrough(ctx, req.URL, out.Body)
		return out
	}
	if out.ErrorKind == crawler.KindCancelled {
		return out
	}

	if e.problems != nil {
		e.problems.Record(req.Host, out.ErrorKind, out.Note)
	}
	if e.throttle != nil {
		e.throttle.ReportOutcome(req.Host, out)
	}

	if p.fallback != stepServeAny {
		return out
	}
	if !looked {
		entry = e.lookup(ctx, req.URL)
	}
	if entry == nil {
		return out
	}
	fb := fromCache(entry)
	fb.FallbackApplied = true
	fb.NetworkErrorKind = out.ErrorKind
	fb.Note = out.Note
	e.logger.Debug("serving cached copy after network failure",
		zap.String("url", req.URL),
		zap.String("network_error_kind", string(out.ErrorKind)),
		zap.Duration("age", entry.Age(e.clock.Now())),
	)
	return fb
}

// fetchNetwork makes exactly one network call and classifies the result.
func (e *Executor) fetchNetwork(ctx context.Context, req *crawler.Request) crawler.FetchOutcome {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	resp, err := e.network.Fetch(callCtx, req.URL, e.cfg.FetchTimeout)
	if ctx.Err() != nil {
		return crawler.FetchOutcome{ErrorKind: crawler.KindCancelled, Note: ctx.Err().Error()}
	}
	c := Classify(resp, err, e.clock.Now())
	out := crawler.FetchOutcome{
		HTTPStatus: c.Status,
		ErrorKind:  c.Kind,
		RetryAfter: c.RetryAfter,
	}
	if out.HTTPStatus == 0 {
		out.HTTPStatus = resp.StatusCode
	}
	if err != nil {
		out.Note = err.Error()
		e.logger.Debug("network fetch failed",
			zap.String("url", req.URL),
			zap.String("error_kind", string(c.Kind)),
			zap.Error(err),
		)
		return out
	}
	if !out.Success() {
		out.Note = fmt.Sprintf("status %d", resp.StatusCode)
		return out
	}
	out.Source = crawler.SourceNetwork
	out.Body = resp.Body
	out.Bytes = int64(len(resp.Body))
	out.Headers = resp.Headers
	out.FinalURL = resp.URL
	return out
}

func (e *Executor) lookup(ctx context.Context, url string) *crawler.CacheEntry {
	entry, err := e.cache.Get(ctx, url)
	if err != nil {
		e.logger.Warn("cache lookup failed", zap.String("url", url), zap.Error(err))
		return nil
	}
	return entry
}

func (e *Executor) freshness(entry *crawler.CacheEntry, override time.Duration) freshness {
	if entry == nil {
		return absent
	}
	maxAge := e.cfg.MaxCacheAge
	if override > 0 {
		maxAge = override
	}
	if entry.Age(e.clock.Now()) <= maxAge {
		return fresh
	}
	return stale
}

func fromCache(entry *crawler.CacheEntry) crawler.FetchOutcome {
	return crawler.FetchOutcome{
		Source:   crawler.SourceCache,
		Bytes:    entry.Size,
		BodyRef:  entry.BodyRef,
		FinalURL: entry.URL,
	}
}

// writeThrough stores body in the background. Failures are counted and logged
// but never change the outcome.
func (e *Executor) writeThrough(ctx context.Context, url string, body []byte) {
	fetchedAt := e.clock.Now()
	writeCtx := context.WithoutCancel(ctx)
	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		wctx, cancel := context.WithTimeout(writeCtx, e.cfg.CacheWriteTimeout)
		defer cancel()
		if err := e.cache.Put(wctx, url, body, fetchedAt); err != nil {
			metrics.ObserveCacheWriteFailure()
			e.logger.Warn("cache write-through failed", zap.String("url", url), zap.Error(err))
		}
	}()
}

// Flush waits for pending cache writes or for ctx to end.
func (e *Executor) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush cache writes: %w", ctx.Err())
	}
}

func (e *Executor) emitAttempt(req crawler.Request, out crawler.FetchOutcome) {
	evt := progress.Event{
		Stage:            progress.StageAttempt,
		Severity:         progress.SeverityInfo,
		Host:             req.Host,
		URL:              req.URL,
		Policy:           req.FetchPolicy,
		Source:           out.Source,
		FallbackApplied:  out.FallbackApplied,
		NetworkErrorKind: out.NetworkErrorKind,
		ErrorKind:        out.ErrorKind,
		HTTPStatus:       out.HTTPStatus,
		Bytes:            out.Bytes,
		Dur:              out.Latency,
		Attempt:          req.Attempt,
		Note:             out.Note,
	}
	if out.HTTPStatus != 0 {
		evt.StatusClass = progress.ClassifyStatus(out.HTTPStatus)
	}
	switch {
	case out.ErrorKind == crawler.KindInternal:
		evt.Severity = progress.SeverityCritical
	case out.FallbackApplied, !out.Success():
		evt.Severity = progress.SeverityWarn
	}
	if evt.Host == "" {
		evt.Host = "unknown"
	}
	if evt.Policy == "" {
		evt.Policy = "unset"
	}
	e.emitter.Emit(evt)
}
