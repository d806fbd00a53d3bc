// Package worker runs the dequeue, fetch, report loop across a fixed pool of
// goroutines sharing one request queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-scheduler/internal/progress"
	"github.com/JakeFAU/crawl-scheduler/internal/queue"
)

// ErrPoolFatal is returned by Run when every worker stopped on a fatal queue error.
var ErrPoolFatal = errors.New("worker pool: all workers failed")

// Source is the queue contract the pool consumes.
type Source interface {
	Next(ctx context.Context, workerID int) (*queue.Lease, error)
	ReportOutcome(lease *queue.Lease, outcome crawler.FetchOutcome) (queue.Disposition, error)
	Idle() bool
}

// Fetcher executes one attempt for an admitted request.
type Fetcher interface {
	Fetch(ctx context.Context, req crawler.Request) crawler.FetchOutcome
}

// Config controls pool behavior.
type Config struct {
	Workers     int
	GlobalRPS   float64
	GlobalBurst int
	// IdleCheck is how often Run polls for an idle queue when ExitWhenIdle is set.
	IdleCheck    time.Duration
	ExitWhenIdle bool
}

func (c Config) defaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = 1
	}
	if c.IdleCheck <= 0 {
		c.IdleCheck = 250 * time.Millisecond
	}
	return c
}

// FatalError describes a worker that stopped on an unrecoverable queue error.
type FatalError struct {
	WorkerID int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("worker %d: %v", e.WorkerID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Pool owns the workers.
type Pool struct {
	cfg     Config
	src     Source
	fetcher Fetcher
	handler crawler.ResultHandler
	limiter *ratelimit.Limiter
	emitter progress.Emitter
	logger  *zap.Logger

	mu        sync.Mutex
	running   bool
	paused    bool
	runCtx    context.Context
	abort     context.CancelFunc
	genCtx    context.Context
	genCancel context.CancelFunc
	resume    chan struct{}

	aborted atomic.Bool
	workers []*worker
	fatal   chan *FatalError
}

// Option customises a Pool.
type Option func(*Pool)

// WithResultHandler receives every successful outcome before it is reported.
func WithResultHandler(h crawler.ResultHandler) Option { return func(p *Pool) { p.handler = h } }

// WithEmitter sets the telemetry emitter for disposition and error events.
func WithEmitter(e progress.Emitter) Option { return func(p *Pool) { p.emitter = e } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(p *Pool) { p.logger = l } }

// New builds a Pool. src and fetcher are required.
func New(cfg Config, src Source, fetcher Fetcher, opts ...Option) (*Pool, error) {
	if src == nil {
		return nil, errors.New("worker pool: source is required")
	}
	if fetcher == nil {
		return nil, errors.New("worker pool: fetcher is required")
	}
	cfg = cfg.defaults()
	p := &Pool{
		cfg:     cfg,
		src:     src,
		fetcher: fetcher,
		limiter: ratelimit.New(ratelimit.Config{RPS: cfg.GlobalRPS, Burst: cfg.GlobalBurst}),
		emitter: progress.Discard,
		resume:  make(chan struct{}),
		fatal:   make(chan *FatalError, cfg.Workers),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.emitter == nil {
		p.emitter = progress.Discard
	}
	p.workers = make([]*worker, cfg.Workers)
	for i := range p.workers {
		p.workers[i] = &worker{
			id:     i + 1,
			pool:   p,
			logger: p.logger.Named("worker").With(zap.Int("worker_id", i+1)),
			state:  StateIdle,
		}
	}
	return p, nil
}

// Run starts every worker and blocks until they all stop. Workers stop when
// ctx ends, Abort is called, the queue closes, or, with ExitWhenIdle, when the
// queue has no pending or leased work. Run returns ErrPoolFatal only when every
// worker stopped on a fatal queue error.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("worker pool already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.runCtx = runCtx
	p.abort = cancel
	if p.aborted.Load() {
		cancel()
	}
	if !p.paused {
		p.newGenerationLocked()
	}
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			if err := w.run(runCtx); err != nil {
				failed.Add(1)
				p.reportFatal(&FatalError{WorkerID: w.id, Err: err})
			}
		}(w)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var idleTick <-chan time.Time
	if p.cfg.ExitWhenIdle {
		ticker := time.NewTicker(p.cfg.IdleCheck)
		defer ticker.Stop()
		idleTick = ticker.C
	}
	for {
		select {
		case <-done:
			if n := int(failed.Load()); n == len(p.workers) {
				return fmt.Errorf("%w (%d workers)", ErrPoolFatal, n)
			}
			return nil
		case <-idleTick:
			if p.Idle() {
				p.logger.Info("queue drained, stopping workers")
				cancel()
				idleTick = nil
			}
		}
	}
}

// Pause stops workers from taking new requests. In-flight attempts finish.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.resume = make(chan struct{})
	if p.genCancel != nil {
		p.genCancel()
		p.genCtx, p.genCancel = nil, nil
	}
	p.logger.Info("worker pool paused")
}

// Resume lets paused workers dequeue again.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	if p.running {
		p.newGenerationLocked()
	}
	close(p.resume)
	p.logger.Info("worker pool resumed")
}

// Paused reports whether the pool is paused.
func (p *Pool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Abort cancels in-flight fetches and stops every worker. Attempts that fail
// after an abort are reported as cancelled so the queue drops them.
func (p *Pool) Abort() {
	p.aborted.Store(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abort != nil {
		p.abort()
	}
	p.logger.Warn("worker pool aborted")
}

// Fatal delivers one error per worker that stopped on a fatal queue condition.
func (p *Pool) Fatal() <-chan *FatalError {
	return p.fatal
}

// Idle reports whether the queue is drained and no worker holds a request.
func (p *Pool) Idle() bool {
	for _, w := range p.workers {
		switch w.snapshot().State {
		case StateFetching, StateReporting:
			return false
		}
	}
	return p.src.Idle()
}

// States returns a snapshot of every worker.
func (p *Pool) States() []Status {
	out := make([]Status, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.snapshot())
	}
	return out
}

// generation returns the context dequeue waits use, or a channel to wait on
// while paused.
func (p *Pool) generation() (context.Context, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || p.genCtx == nil {
		return nil, p.resume
	}
	return p.genCtx, nil
}

func (p *Pool) newGenerationLocked() {
	p.genCtx, p.genCancel = context.WithCancel(p.runCtx)
}

func (p *Pool) reportFatal(fe *FatalError) {
	p.logger.Error("worker stopped on fatal queue error", zap.Int("worker_id", fe.WorkerID), zap.Error(fe.Err))
	p.emitter.Emit(progress.Event{
		Stage:    progress.StageWorkerQueueFailed,
		Severity: progress.SeverityCritical,
		WorkerID: fe.WorkerID,
		Note:     fe.Err.Error(),
	})
	select {
	case p.fatal <- fe:
	default:
	}
}
