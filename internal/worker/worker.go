package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/progress"
	"github.com/JakeFAU/crawl-scheduler/internal/queue"
)

// State is a worker's position in its loop.
type State string

// Worker states.
const (
	StateIdle      State = "idle"
	StateDequeuing State = "dequeuing"
	StateFetching  State = "fetching"
	StateReporting State = "reporting"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// Status is a point-in-time view of one worker.
type Status struct {
	ID        int       `json:"id"`
	State     State     `json:"state"`
	URL       string    `json:"url,omitempty"`
	Since     time.Time `json:"since"`
	Processed int64     `json:"processed"`
}

type worker struct {
	id     int
	pool   *Pool
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	url       string
	since     time.Time
	processed int64
}

func (w *worker) set(s State, url string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != s {
		w.since = time.Now()
	}
	w.state = s
	w.url = url
}

func (w *worker) snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{ID: w.id, State: w.state, URL: w.url, Since: w.since, Processed: w.processed}
}

// run loops until the pool stops it. A non-nil error means the queue failed in
// a way this worker cannot recover from.
func (w *worker) run(ctx context.Context) error {
	defer w.set(StateStopped, "")
	p := w.pool
	for {
		if ctx.Err() != nil {
			return nil
		}
		genCtx, resume := p.generation()
		if genCtx == nil {
			w.set(StatePaused, "")
			select {
			case <-resume:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		w.set(StateIdle, "")
		if err := p.limiter.Wait(genCtx); err != nil {
			continue
		}
		w.set(StateDequeuing, "")
		lease, err := p.src.Next(genCtx, w.id)
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrClosed):
				w.logger.Debug("queue closed")
				return nil
			case genCtx.Err() != nil:
				// Paused or stopping; the top of the loop sorts out which.
				continue
			default:
				return fmt.Errorf("dequeue: %w", err)
			}
		}
		w.process(ctx, lease)
	}
}

func (w *worker) process(ctx context.Context, lease *queue.Lease) {
	p := w.pool
	req := lease.Request

	w.set(StateFetching, req.URL)
	metrics.IncActiveWorkers()
	out := w.fetch(ctx, req)
	metrics.DecActiveWorkers()
	if p.aborted.Load() && !out.Success() && out.ErrorKind != crawler.KindCancelled {
		out.Note = fmt.Sprintf("aborted after %s", out.ErrorKind)
		out.ErrorKind = crawler.KindCancelled
	}

	w.set(StateReporting, req.URL)
	if out.Success() && p.handler != nil {
		out = w.handle(ctx, req, out)
	}
	disp, err := p.src.ReportOutcome(lease, out)
	if err != nil {
		w.internalError(req, "report outcome", err)
		return
	}

	w.mu.Lock()
	w.processed++
	w.mu.Unlock()

	severity := progress.SeverityInfo
	if disp == queue.DispositionInternalError {
		severity = progress.SeverityCritical
	} else if !out.Success() {
		severity = progress.SeverityWarn
	}
	p.emitter.Emit(progress.Event{
		Stage:       progress.StageDisposition,
		Severity:    severity,
		Host:        req.Host,
		URL:         req.URL,
		WorkerID:    w.id,
		ErrorKind:   out.ErrorKind,
		Disposition: string(disp),
		Attempt:     req.Attempt,
	})
}

// fetch runs one attempt, converting a panic into an internal-error outcome.
func (w *worker) fetch(ctx context.Context, req crawler.Request) (out crawler.FetchOutcome) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during fetch: %v", r)
			w.logger.Error("fetch panicked", zap.String("url", req.URL), zap.Error(err), zap.Stack("stack"))
			w.internalError(req, "fetch", err)
			out = crawler.FetchOutcome{ErrorKind: crawler.KindInternal, Note: err.Error()}
		}
	}()
	out = w.pool.fetcher.Fetch(ctx, req)
	if out.ErrorKind == crawler.KindInternal {
		w.internalError(req, "fetch", errors.New(out.Note))
	}
	return out
}

// handle passes a successful outcome to the result handler. A panicking
// handler turns the outcome into an internal error so the lease is still
// reported.
func (w *worker) handle(ctx context.Context, req crawler.Request, out crawler.FetchOutcome) (result crawler.FetchOutcome) {
	result = out
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in result handler: %v", r)
			w.logger.Error("result handler panicked", zap.String("url", req.URL), zap.Error(err), zap.Stack("stack"))
			w.internalError(req, "handle result", err)
			result = crawler.FetchOutcome{ErrorKind: crawler.KindInternal, Note: err.Error(), Source: out.Source}
		}
	}()
	if err := w.pool.handler.HandleResult(context.WithoutCancel(ctx), req, out); err != nil {
		w.logger.Warn("result handler failed", zap.String("url", req.URL), zap.Error(err))
	}
	return result
}

func (w *worker) internalError(req crawler.Request, op string, err error) {
	metrics.ObserveInternalError()
	w.logger.Error("internal error", zap.String("op", op), zap.String("url", req.URL), zap.Error(err))
	note := fmt.Sprintf("%s: %v", op, err)
	w.pool.emitter.Emit(progress.Event{
		Stage:     progress.StageInternalError,
		Severity:  progress.SeverityCritical,
		Host:      req.Host,
		URL:       req.URL,
		WorkerID:  w.id,
		ErrorKind: crawler.KindInternal,
		Note:      note,
	})
}
