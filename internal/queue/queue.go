// Package queue implements the RequestQueue: a deduplicated priority queue of
// pending fetches that only hands out requests whose host is admissible.
//
// Requests are bucketed per host. A top-level heap ranks buckets by their best
// request, so a dequeue only touches the hosts blocking the head of the queue
// rather than every pending request.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/clock/system"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/throttle"
)

var (
	// ErrCorrupted signals a broken internal invariant. There is no safe local recovery.
	ErrCorrupted = errors.New("request queue corrupted")
	// ErrInvalidRequest is returned for requests that cannot be scheduled.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrBlockedHost is returned when the request's host is on the blocklist.
	ErrBlockedHost = errors.New("host is blocked")
	// ErrClosed is returned once the queue stops handing out work.
	ErrClosed = errors.New("request queue closed")
)

const (
	defaultAttemptCeiling = 3
	defaultRetryPenalty   = 1.0
	defaultIdlePoll       = time.Second
	minWait               = time.Millisecond
)

// EnqueueResult describes what Enqueue did with a request.
type EnqueueResult string

// Enqueue results.
const (
	Added     EnqueueResult = "added"
	Replaced  EnqueueResult = "replaced"
	Duplicate EnqueueResult = "duplicate"
)

// Disposition is the terminal or retry decision for a reported outcome.
type Disposition string

// Dispositions.
const (
	DispositionCompleted         Disposition = "completed"
	DispositionRetried           Disposition = "retried"
	DispositionRateLimitRequeued Disposition = "rate-limit-requeued"
	DispositionExhausted         Disposition = "exhausted"
	DispositionPermanentFailure  Disposition = "permanent-failure"
	DispositionCancelled         Disposition = "cancelled"
	DispositionInternalError     Disposition = "internal-error"
)

// Requeued reports whether the request went back into the queue.
func (d Disposition) Requeued() bool {
	return d == DispositionRetried || d == DispositionRateLimitRequeued
}

// Admission is the slice of the DomainThrottle the queue consults.
type Admission interface {
	TryAcquire(host string) (*throttle.Reservation, bool)
	NextAdmissible(host string) time.Time
}

type notifySetter interface {
	SetNotify(fn func())
}

// Config tunes the queue.
type Config struct {
	// AttemptCeiling is the number of retryable failures after which a request is dropped.
	AttemptCeiling int
	// RetryPenalty is subtracted from priority once per attempt on retry.
	RetryPenalty float64
	// IdlePoll caps how long Next sleeps before re-checking admission.
	IdlePoll      time.Duration
	BlockedHosts  []string
	DefaultPolicy crawler.FetchPolicy
}

func (c *Config) defaults() {
	if c.AttemptCeiling <= 0 {
		c.AttemptCeiling = defaultAttemptCeiling
	}
	if c.RetryPenalty < 0 {
		c.RetryPenalty = defaultRetryPenalty
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = defaultIdlePoll
	}
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = crawler.PolicyCachePreferred
	}
}

// Lease is a dequeued request owned by one worker for one fetch attempt.
type Lease struct {
	Request     crawler.Request
	WorkerID    int
	LeasedAt    time.Time
	reservation *throttle.Reservation
}

// Release frees the host slot held by the lease. It is safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.reservation.Release()
}

// Result is the outcome of a non-blocking Dequeue. A nil Lease means nothing
// was admissible; RetryAt is then the earliest time a re-check is worthwhile,
// or zero when progress depends on an in-flight fetch finishing or new work.
type Result struct {
	Lease   *Lease
	RetryAt time.Time
}

// HostDepth summarises one host's pending work.
type HostDepth struct {
	Host        string  `json:"host"`
	Pending     int     `json:"pending"`
	TopPriority float64 `json:"top_priority"`
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending int         `json:"pending"`
	Leased  int         `json:"leased"`
	Closed  bool        `json:"closed"`
	Hosts   []HostDepth `json:"hosts"`
}

// Queue is the RequestQueue. All operations are linearizable under one lock.
type Queue struct {
	mu        sync.Mutex
	cfg       Config
	admission Admission
	scorer    crawler.Scorer
	blocklist *crawler.HostBlocklist
	clock     crawler.Clock
	logger    *zap.Logger

	buckets map[string]*bucket
	ready   bucketHeap
	byKey   map[string]*item
	leased  map[string]int
	seq     uint64
	size    int
	closed  bool

	wake *notifier
}

// Option customises a Queue.
type Option func(*Queue)

// WithScorer recomputes each request's priority at enqueue time.
func WithScorer(s crawler.Scorer) Option { return func(q *Queue) { q.scorer = s } }

// WithClock overrides the time source.
func WithClock(c crawler.Clock) Option { return func(q *Queue) { q.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(q *Queue) { q.logger = l } }

// New constructs a Queue backed by admission. When admission can notify on
// freed capacity, blocked Next callers are woken by it.
func New(cfg Config, admission Admission, opts ...Option) *Queue {
	cfg.defaults()
	q := &Queue{
		cfg:       cfg,
		admission: admission,
		blocklist: crawler.NewHostBlocklist(cfg.BlockedHosts),
		clock:     system.New(),
		buckets:   make(map[string]*bucket),
		byKey:     make(map[string]*item),
		leased:    make(map[string]int),
		wake:      newNotifier(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	if ns, ok := admission.(notifySetter); ok {
		ns.SetNotify(q.wake.broadcast)
	}
	return q
}

// Enqueue adds req. A request whose dedupe key is already queued with an equal
// or higher priority, or is currently leased, is reported as Duplicate. A
// lower-priority queued duplicate is replaced in place.
func (q *Queue) Enqueue(req crawler.Request) (EnqueueResult, error) {
	req, err := q.prepare(req)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	if _, busy := q.leased[req.DedupeKey]; busy {
		q.mu.Unlock()
		return Duplicate, nil
	}
	if q.scorer != nil {
		sc := crawler.ScoreContext{QueueSize: q.size}
		if b, ok := q.buckets[req.Host]; ok {
			sc.QueuedForHost = b.items.Len()
		}
		req.Priority = q.scorer.Score(req, sc)
	}
	req.DiscoveredAt = 0
	res := q.insertLocked(req)
	size := q.size
	q.mu.Unlock()

	if res != Duplicate {
		metrics.SetQueueDepth(size)
		q.wake.broadcast()
	}
	return res, nil
}

func (q *Queue) prepare(req crawler.Request) (crawler.Request, error) {
	if strings.TrimSpace(req.URL) == "" {
		return req, fmt.Errorf("%w: empty url", ErrInvalidRequest)
	}
	canonical, err := crawler.NormalizeURL(req.URL)
	if err != nil {
		return req, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	host, err := crawler.HostOf(canonical)
	if err != nil {
		return req, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.Depth < 0 || req.Attempt < 0 {
		return req, fmt.Errorf("%w: negative depth or attempt", ErrInvalidRequest)
	}
	if req.FetchPolicy == "" {
		req.FetchPolicy = q.cfg.DefaultPolicy
	}
	if !req.FetchPolicy.Valid() {
		return req, fmt.Errorf("%w: unknown fetch policy %q", ErrInvalidRequest, req.FetchPolicy)
	}
	if q.blocklist.IsBlocked(host) {
		return req, fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}
	req.URL = canonical
	req.Host = host
	if req.DedupeKey == "" {
		req.DedupeKey = canonical
	}
	return req, nil
}

// insertLocked places req into its host bucket. A zero DiscoveredAt is assigned
// the next sequence number; requeued requests keep their original position.
func (q *Queue) insertLocked(req crawler.Request) EnqueueResult {
	if existing, ok := q.byKey[req.DedupeKey]; ok {
		if existing.req.Priority >= req.Priority {
			return Duplicate
		}
		req.DiscoveredAt = existing.req.DiscoveredAt
		req.Host = existing.req.Host
		existing.req = req
		b := q.buckets[req.Host]
		heap.Fix(&b.items, existing.index)
		heap.Fix(&q.ready, b.index)
		return Replaced
	}

	if req.DiscoveredAt == 0 {
		q.seq++
		req.DiscoveredAt = q.seq
	}
	it := &item{req: req}
	q.byKey[req.DedupeKey] = it
	q.size++
	b, ok := q.buckets[req.Host]
	if !ok {
		b = &bucket{host: req.Host}
		q.buckets[req.Host] = b
		heap.Push(&b.items, it)
		heap.Push(&q.ready, b)
		return Added
	}
	heap.Push(&b.items, it)
	heap.Fix(&q.ready, b.index)
	return Added
}

// Dequeue returns the highest-ranked request whose host admits a fetch now,
// reserving the host slot before returning. It never blocks.
func (q *Queue) Dequeue(workerID int) (Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Result{}, ErrClosed
	}

	var skipped []*bucket
	defer func() {
		for _, b := range skipped {
			heap.Push(&q.ready, b)
		}
	}()

	var retryAt time.Time
	for q.ready.Len() > 0 {
		b, ok := heap.Pop(&q.ready).(*bucket)
		if !ok {
			return Result{}, fmt.Errorf("%w: unexpected heap element", ErrCorrupted)
		}
		head := b.head()
		if head == nil || q.byKey[head.req.DedupeKey] != head {
			q.quarantineLocked(b)
			return Result{}, fmt.Errorf("%w: bucket for host %q is inconsistent", ErrCorrupted, b.host)
		}

		res, admitted := q.admission.TryAcquire(b.host)
		if !admitted {
			skipped = append(skipped, b)
			if at := q.admission.NextAdmissible(b.host); !at.IsZero() && (retryAt.IsZero() || at.Before(retryAt)) {
				retryAt = at
			}
			continue
		}

		heap.Pop(&b.items)
		delete(q.byKey, head.req.DedupeKey)
		q.size--
		if b.items.Len() > 0 {
			skipped = append(skipped, b)
		} else {
			delete(q.buckets, b.host)
		}
		q.leased[head.req.DedupeKey] = workerID
		metrics.SetQueueDepth(q.size)
		return Result{Lease: &Lease{
			Request:     head.req,
			WorkerID:    workerID,
			LeasedAt:    q.clock.Now(),
			reservation: res,
		}}, nil
	}
	return Result{RetryAt: retryAt}, nil
}

// quarantineLocked drops a bucket that failed an invariant check.
func (q *Queue) quarantineLocked(b *bucket) {
	for _, it := range b.items {
		if q.byKey[it.req.DedupeKey] == it {
			delete(q.byKey, it.req.DedupeKey)
			q.size--
		}
	}
	delete(q.buckets, b.host)
	q.logger.Error("request queue invariant violated",
		zap.String("host", b.host),
		zap.Int("dropped", b.items.Len()),
	)
}

// Next blocks until a request is admissible, the queue is closed, or ctx ends.
// It sleeps until the earliest retry time, capped by IdlePoll, and wakes early
// on enqueue, release, and requeue.
func (q *Queue) Next(ctx context.Context, workerID int) (*Lease, error) {
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dequeue canceled: %w", err)
		}
		wake := q.wake.wait()
		res, err := q.Dequeue(workerID)
		if err != nil {
			return nil, err
		}
		if res.Lease != nil {
			metrics.ObserveDequeueWait(time.Since(start))
			return res.Lease, nil
		}

		wait := q.cfg.IdlePoll
		if !res.RetryAt.IsZero() {
			if d := res.RetryAt.Sub(q.clock.Now()); d < wait {
				wait = d
			}
		}
		if wait < minWait {
			wait = minWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// ReportOutcome releases the lease's host slot and decides the request's fate.
func (q *Queue) ReportOutcome(lease *Lease, outcome crawler.FetchOutcome) (Disposition, error) {
	if lease == nil {
		return "", fmt.Errorf("%w: nil lease", ErrInvalidRequest)
	}
	lease.Release()
	req := lease.Request

	q.mu.Lock()
	if _, ok := q.leased[req.DedupeKey]; !ok {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s is not leased", ErrInvalidRequest, req.DedupeKey)
	}
	delete(q.leased, req.DedupeKey)
	disp := q.decideLocked(&req, outcome)
	if disp.Requeued() {
		if q.closed {
			disp = DispositionCancelled
		} else {
			q.insertLocked(req)
		}
	}
	size := q.size
	q.mu.Unlock()

	if disp.Requeued() {
		metrics.SetQueueDepth(size)
		q.wake.broadcast()
	}
	if disp == DispositionRateLimitRequeued && outcome.RetryAfter > 0 {
		metrics.ObserveRateLimitDelay(outcome.RetryAfter)
	}
	metrics.ObserveDisposition(string(disp))
	q.logger.Debug("request outcome",
		zap.String("url", req.URL),
		zap.Int("worker_id", lease.WorkerID),
		zap.String("error_kind", string(outcome.ErrorKind)),
		zap.String("disposition", string(disp)),
		zap.Int("attempt", req.Attempt),
	)
	return disp, nil
}

// decideLocked maps an outcome onto a disposition, updating req for requeue.
func (q *Queue) decideLocked(req *crawler.Request, outcome crawler.FetchOutcome) Disposition {
	switch outcome.ErrorKind.Class() {
	case crawler.ClassNone:
		return DispositionCompleted
	case crawler.ClassCancelled:
		return DispositionCancelled
	case crawler.ClassInternal:
		return DispositionInternalError
	case crawler.ClassPermanent:
		return DispositionPermanentFailure
	case crawler.ClassRateLimited:
		// The throttle's blackout keeps the host out of dequeue until the hint expires.
		if !req.RateLimitRequeued {
			req.RateLimitRequeued = true
			return DispositionRateLimitRequeued
		}
	}

	req.Attempt++
	if req.Attempt >= q.cfg.AttemptCeiling {
		return DispositionExhausted
	}
	req.Priority -= q.cfg.RetryPenalty * float64(req.Attempt)
	return DispositionRetried
}

// Close stops the queue from handing out work and wakes every waiter.
// Leases already handed out may still be reported.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake.broadcast()
}

// Size returns the number of pending requests.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// SizeForHost returns the number of pending requests for host.
func (q *Queue) SizeForHost(host string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b, ok := q.buckets[host]; ok {
		return b.items.Len()
	}
	return 0
}

// Leased returns the number of requests currently owned by workers.
func (q *Queue) Leased() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.leased)
}

// Idle reports whether there is neither pending nor leased work.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size == 0 && len(q.leased) == 0
}

// Stats returns a snapshot of queue depth per host, deepest first.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	st := Stats{
		Pending: q.size,
		Leased:  len(q.leased),
		Closed:  q.closed,
		Hosts:   make([]HostDepth, 0, len(q.buckets)),
	}
	for host, b := range q.buckets {
		hd := HostDepth{Host: host, Pending: b.items.Len()}
		if head := b.head(); head != nil {
			hd.TopPriority = head.req.Priority
		}
		st.Hosts = append(st.Hosts, hd)
	}
	q.mu.Unlock()
	sort.Slice(st.Hosts, func(i, j int) bool {
		if st.Hosts[i].Pending != st.Hosts[j].Pending {
			return st.Hosts[i].Pending > st.Hosts[j].Pending
		}
		return st.Hosts[i].Host < st.Hosts[j].Host
	})
	return st
}
