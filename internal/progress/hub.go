package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes the Hub. Zero values fall back to the defaults below.
type Config struct {
	// BufferSize is the number of events Emit can queue before it starts dropping.
	BufferSize int
	// MaxBatchEvents flushes a batch as soon as it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait bounds how long the oldest buffered event waits for a flush.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	BaseContext context.Context
	Logger      *zap.Logger
	// RunID and Now stamp events that arrive without them.
	RunID [16]byte
	Now   func() time.Time
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub collects events from any number of goroutines and delivers them to its
// sinks in batches from a single background goroutine. Emit never blocks.
type Hub struct {
	cfg   Config
	sinks []Sink
	in    chan Event

	quit      chan struct{}
	done      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context

	accepted    atomic.Int64
	dropped     atomic.Int64
	unreported  atomic.Int64
	dropWarning rate.Sometimes
}

// NewHub starts a Hub delivering to sinks. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:         cfg,
		in:          make(chan Event, cfg.BufferSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		dropWarning: rate.Sometimes{Interval: dropLogInterval},
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.loop()
	return h
}

// Emit stamps evt with the hub's run ID and clock when they are missing,
// validates it and queues it. Invalid events are discarded. When the buffer is
// full the event is dropped and counted.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if evt.RunID == ([16]byte{}) {
		evt.RunID = h.cfg.RunID
	}
	if evt.TS.IsZero() && h.cfg.Now != nil {
		evt.TS = h.cfg.Now()
	}
	if err := evt.Validate(); err != nil {
		h.logger().Debug("discarding invalid progress event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	select {
	case h.in <- evt:
		h.accepted.Add(1)
	default:
		h.dropped.Add(1)
		h.unreported.Add(1)
		h.dropWarning.Do(func() {
			h.logger().Warn("progress buffer full, dropping events", zap.Int64("dropped", h.unreported.Swap(0)))
		})
	}
}

// Stats returns the number of events accepted and dropped since start.
func (h *Hub) Stats() (emitted, dropped int64) {
	if h == nil {
		return 0, 0
	}
	return h.accepted.Load(), h.dropped.Load()
}

// Close stops accepting events, delivers whatever is buffered, closes every
// sink with ctx and waits for the background goroutine. Repeated calls wait on
// the same shutdown.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
}

func (h *Hub) logger() *zap.Logger {
	if h.cfg.Logger == nil {
		return zap.NewNop()
	}
	return h.cfg.Logger
}

// loop owns the pending batch. The flush deadline is armed when the first
// event lands in an empty batch, so no event waits longer than MaxBatchWait.
func (h *Hub) loop() {
	defer close(h.done)

	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	deadline := time.NewTimer(h.cfg.MaxBatchWait)
	deadline.Stop()

	for {
		select {
		case evt := <-h.in:
			if len(pending) == 0 {
				deadline.Reset(h.cfg.MaxBatchWait)
			}
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				deadline.Stop()
				pending = h.deliver(pending)
			}
		case <-deadline.C:
			pending = h.deliver(pending)
		case <-h.quit:
			deadline.Stop()
			h.drain(pending)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(pending []Event) {
	for {
		select {
		case evt := <-h.in:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				pending = h.deliver(pending)
			}
		default:
			h.deliver(pending)
			return
		}
	}
}

// deliver hands batch to every sink concurrently and returns batch emptied for
// reuse. Sinks share one copy and must treat it as read-only.
func (h *Hub) deliver(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	snapshot := append([]Event(nil), batch...)
	var wg sync.WaitGroup
	for _, s := range h.sinks {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			defer cancel()
			if err := s.Consume(ctx, snapshot); err != nil {
				h.logger().Warn("progress sink rejected batch",
					zap.String("sink", fmt.Sprintf("%T", s)),
					zap.Int("events", len(snapshot)),
					zap.Error(err))
			}
		})
	}
	wg.Wait()
	return batch[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, s := range h.sinks {
		if err := s.Close(ctx); err != nil {
			h.logger().Warn("progress sink close failed", zap.String("sink", fmt.Sprintf("%T", s)), zap.Error(err))
		}
	}
}
