// Package throttle implements per-host admission control: concurrency ceilings,
// politeness spacing, and failure-driven backoff with blackout windows.
//
// All per-host state lives behind a single mutex scoped to the admit+reserve
// pair, release, and outcome reporting. No fetch ever runs while it is held.
package throttle

import (
	"container/list"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/clock/system"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

// ErrNotAdmissible is returned by Reserve when the host may not be fetched now.
var ErrNotAdmissible = errors.New("host not admissible")

// State is the admission state of a host.
type State string

// Host states.
const (
	StateOpen      State = "open"
	StateThrottled State = "throttled"
	StateBlackout  State = "blackout"
)

// Blackout trigger reasons.
const (
	ReasonFailureThreshold = "failure-threshold"
	ReasonEscalatedCluster = "escalated-cluster"
	ReasonRateLimited      = "rate-limited"
	ReasonProbeSucceeded   = "probe-succeeded"
	ReasonProbeFailed      = "probe-failed"
	ReasonIntervalDecayed  = "interval-decayed"
)

const (
	defaultPerHostConcurrency = 1
	defaultMinInterval        = time.Second
	defaultMaxInterval        = time.Minute
	defaultFailureThreshold   = 3
	defaultBackoffBase        = time.Second
	defaultBackoffCap         = 10 * time.Minute
	defaultMaxHosts           = 10_000
	maxEvictionScan           = 64
)

// Config tunes admission control.
type Config struct {
	PerHostConcurrency int
	// MinInterval is the default politeness spacing between fetch starts.
	MinInterval time.Duration
	// HostIntervals overrides MinInterval for specific hosts.
	HostIntervals map[string]time.Duration
	// MaxInterval caps the doubled politeness interval after failures.
	MaxInterval      time.Duration
	FailureThreshold int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	// MaxHosts bounds how many idle hosts keep state before LRU eviction.
	MaxHosts int
}

func (c *Config) defaults() {
	if c.PerHostConcurrency <= 0 {
		c.PerHostConcurrency = defaultPerHostConcurrency
	}
	if c.MinInterval < 0 {
		c.MinInterval = defaultMinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaultMaxInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.MaxHosts <= 0 {
		c.MaxHosts = defaultMaxHosts
	}
}

// EscalationChecker reports whether a (host, kind) failure cluster is escalated.
type EscalationChecker interface {
	IsEscalated(host string, kind crawler.ErrorKind) bool
}

// DomainState is a point-in-time copy of a host's admission state.
type DomainState struct {
	Host                string        `json:"host"`
	State               State         `json:"state"`
	InflightCount       int           `json:"inflight_count"`
	LastFetchAt         time.Time     `json:"last_fetch_at"`
	MinInterval         time.Duration `json:"min_interval"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	BlackoutUntil       time.Time     `json:"blackout_until,omitempty"`
	RateLimitHits       int           `json:"rate_limit_hits"`
}

// Transition describes a change to a host's admission state.
type Transition struct {
	Host                string
	From                State
	To                  State
	At                  time.Time
	BlackoutUntil       time.Time
	MinInterval         time.Duration
	ConsecutiveFailures int
	Reason              string
}

type hostState struct {
	DomainState
	baseInterval time.Duration
	elem         *list.Element
}

// Throttle is the DomainThrottle: one instance is shared by every worker.
type Throttle struct {
	mu    sync.Mutex
	cfg   Config
	hosts map[string]*hostState
	lru   *list.List

	clock        crawler.Clock
	escalation   EscalationChecker
	onTransition func(Transition)
	notify       func()
	logger       *zap.Logger
}

// Option customises a Throttle.
type Option func(*Throttle)

// WithClock overrides the time source.
func WithClock(c crawler.Clock) Option { return func(t *Throttle) { t.clock = c } }

// WithEscalation lets escalated failure clusters trigger blackout early.
func WithEscalation(e EscalationChecker) Option { return func(t *Throttle) { t.escalation = e } }

// WithTransitionHook registers a callback invoked (outside the lock) on every state change.
func WithTransitionHook(fn func(Transition)) Option {
	return func(t *Throttle) { t.onTransition = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(t *Throttle) { t.logger = l } }

// New constructs a Throttle.
func New(cfg Config, opts ...Option) *Throttle {
	cfg.defaults()
	t := &Throttle{
		cfg:   cfg,
		hosts: make(map[string]*hostState),
		lru:   list.New(),
		clock: system.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

// SetNotify registers fn to be called whenever capacity may have been freed.
func (t *Throttle) SetNotify(fn func()) {
	t.mu.Lock()
	t.notify = fn
	t.mu.Unlock()
}

// ConcurrencyCeiling returns the per-host in-flight limit.
func (t *Throttle) ConcurrencyCeiling() int {
	return t.cfg.PerHostConcurrency
}

// Admit reports whether a fetch to host may start now. It does not mutate state.
func (t *Throttle) Admit(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.admitLocked(t.hosts[host], t.clock.Now())
}

func (t *Throttle) admitLocked(st *hostState, now time.Time) bool {
	if st == nil {
		return true
	}
	if now.Before(st.BlackoutUntil) {
		return false
	}
	if st.InflightCount >= t.cfg.PerHostConcurrency {
		return false
	}
	if !st.LastFetchAt.IsZero() && now.Sub(st.LastFetchAt) < st.MinInterval {
		return false
	}
	return true
}

// NextAdmissible returns the earliest time at which host could become admissible
// without any other event. The zero time means admission waits on a release.
func (t *Throttle) NextAdmissible(host string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	st := t.hosts[host]
	if st == nil {
		return now
	}
	if st.InflightCount >= t.cfg.PerHostConcurrency {
		return time.Time{}
	}
	at := now
	if st.BlackoutUntil.After(at) {
		at = st.BlackoutUntil
	}
	if !st.LastFetchAt.IsZero() {
		if spaced := st.LastFetchAt.Add(st.MinInterval); spaced.After(at) {
			at = spaced
		}
	}
	return at
}

// Reserve marks a fetch to host as started. It re-checks admission under the
// same lock so concurrent callers can never reserve past the ceiling.
func (t *Throttle) Reserve(host string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	st := t.hosts[host]
	if !t.admitLocked(st, now) {
		return ErrNotAdmissible
	}
	t.reserveLocked(host, now)
	return nil
}

// TryAcquire performs admit+reserve atomically and returns a Reservation that
// must be released exactly once.
func (t *Throttle) TryAcquire(host string) (*Reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if !t.admitLocked(t.hosts[host], now) {
		return nil, false
	}
	t.reserveLocked(host, now)
	return &Reservation{throttle: t, host: host}, true
}

func (t *Throttle) reserveLocked(host string, now time.Time) {
	st := t.getOrCreateLocked(host)
	st.InflightCount++
	st.LastFetchAt = now
}

// Release decrements host's in-flight count. Call once per successful Reserve.
func (t *Throttle) Release(host string) {
	t.mu.Lock()
	st := t.hosts[host]
	if st == nil || st.InflightCount == 0 {
		t.mu.Unlock()
		t.logger.Error("release without matching reservation", zap.String("host", host))
		return
	}
	st.InflightCount--
	t.touchLocked(st)
	notify := t.notify
	t.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// ReportOutcome feeds a network attempt's outcome into the host's backoff state.
func (t *Throttle) ReportOutcome(host string, outcome crawler.FetchOutcome) {
	t.mu.Lock()
	now := t.clock.Now()
	st := t.getOrCreateLocked(host)
	from, fromUntil := st.State, st.BlackoutUntil

	reason := ""
	switch {
	case outcome.ErrorKind == crawler.KindNone:
		reason = t.recordSuccessLocked(st, now)
	case outcome.ErrorKind == crawler.KindRateLimited:
		reason = t.recordRateLimitLocked(st, now, outcome.RetryAfter)
	case countsAgainstHost(outcome):
		reason = t.recordFailureLocked(st, now, outcome.ErrorKind)
	}

	var tr *Transition
	if st.State != from || !st.BlackoutUntil.Equal(fromUntil) {
		tr = &Transition{
			Host:                host,
			From:                from,
			To:                  st.State,
			At:                  now,
			BlackoutUntil:       st.BlackoutUntil,
			MinInterval:         st.MinInterval,
			ConsecutiveFailures: st.ConsecutiveFailures,
			Reason:              reason,
		}
	}
	hook, notify := t.onTransition, t.notify
	t.mu.Unlock()

	if tr == nil {
		return
	}
	if tr.To == StateBlackout {
		metrics.ObserveBlackout(tr.Reason)
		t.logger.Warn("host blacked out",
			zap.String("host", host),
			zap.String("reason", tr.Reason),
			zap.Time("until", tr.BlackoutUntil),
			zap.Int("consecutive_failures", tr.ConsecutiveFailures),
		)
	} else {
		t.logger.Info("host state changed",
			zap.String("host", host),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
		)
	}
	if hook != nil {
		hook(*tr)
	}
	if notify != nil && tr.To != StateBlackout {
		notify()
	}
}

func (t *Throttle) recordSuccessLocked(st *hostState, now time.Time) string {
	// A success that started before the blackout ended is not a probe.
	if st.State == StateBlackout && now.Before(st.BlackoutUntil) {
		return ""
	}
	st.ConsecutiveFailures = 0
	switch st.State {
	case StateBlackout:
		st.BlackoutUntil = time.Time{}
		st.State = t.settledStateLocked(st)
		return ReasonProbeSucceeded
	case StateThrottled:
		st.MinInterval /= 2
		if st.MinInterval < st.baseInterval {
			st.MinInterval = st.baseInterval
		}
		st.State = t.settledStateLocked(st)
		return ReasonIntervalDecayed
	}
	return ""
}

func (t *Throttle) recordFailureLocked(st *hostState, now time.Time, kind crawler.ErrorKind) string {
	st.ConsecutiveFailures++
	reason := ""
	switch {
	case st.State == StateBlackout:
		reason = ReasonProbeFailed
	case st.ConsecutiveFailures >= t.cfg.FailureThreshold:
		reason = ReasonFailureThreshold
	case t.escalation != nil && t.escalation.IsEscalated(st.Host, kind):
		reason = ReasonEscalatedCluster
	default:
		return ""
	}
	t.enterBlackoutLocked(st, now.Add(t.Backoff(st.ConsecutiveFailures)), false)
	return reason
}

// recordRateLimitLocked runs independently of the consecutive failure counter.
func (t *Throttle) recordRateLimitLocked(st *hostState, now time.Time, retryAfter time.Duration) string {
	st.RateLimitHits++
	if retryAfter > 0 {
		t.enterBlackoutLocked(st, now.Add(retryAfter), true)
	} else {
		step := st.ConsecutiveFailures
		if step < 1 {
			step = 1
		}
		t.enterBlackoutLocked(st, now.Add(t.Backoff(step)), false)
	}
	return ReasonRateLimited
}

// enterBlackoutLocked never shortens an existing blackout unless override is set
// (a server-provided retry hint is authoritative).
func (t *Throttle) enterBlackoutLocked(st *hostState, until time.Time, override bool) {
	if override || until.After(st.BlackoutUntil) {
		st.BlackoutUntil = until
	}
	next := st.MinInterval * 2
	if next <= 0 {
		next = t.cfg.BackoffBase
	}
	if next > t.cfg.MaxInterval {
		next = t.cfg.MaxInterval
	}
	if next > st.MinInterval {
		st.MinInterval = next
	}
	st.State = StateBlackout
}

func (t *Throttle) settledStateLocked(st *hostState) State {
	if st.MinInterval > st.baseInterval {
		return StateThrottled
	}
	return StateOpen
}

// Backoff returns the blackout length after n consecutive failures:
// BackoffBase * 2^n, capped at BackoffCap.
func (t *Throttle) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := t.cfg.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= t.cfg.BackoffCap || d <= 0 {
			return t.cfg.BackoffCap
		}
	}
	if d > t.cfg.BackoffCap {
		return t.cfg.BackoffCap
	}
	return d
}

// countsAgainstHost limits backoff to failures that say something about the
// host's health: transient network failures and repeated forbidden responses.
func countsAgainstHost(outcome crawler.FetchOutcome) bool {
	switch outcome.ErrorKind.Class() {
	case crawler.ClassTransient:
		return true
	case crawler.ClassPermanent:
		return outcome.HTTPStatus == 403
	default:
		return false
	}
}

// Snapshot returns a copy of host's state.
func (t *Throttle) Snapshot(host string) (DomainState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.hosts[host]
	if !ok {
		return DomainState{}, false
	}
	return st.DomainState, true
}

// Snapshots returns copies of every tracked host's state ordered by host.
func (t *Throttle) Snapshots() []DomainState {
	t.mu.Lock()
	out := make([]DomainState, 0, len(t.hosts))
	for _, st := range t.hosts {
		out = append(out, st.DomainState)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Len returns how many hosts currently have state.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hosts)
}

func (t *Throttle) intervalFor(host string) time.Duration {
	if d, ok := t.cfg.HostIntervals[host]; ok && d >= 0 {
		return d
	}
	return t.cfg.MinInterval
}

func (t *Throttle) getOrCreateLocked(host string) *hostState {
	if st, ok := t.hosts[host]; ok {
		t.touchLocked(st)
		return st
	}
	base := t.intervalFor(host)
	st := &hostState{
		DomainState: DomainState{
			Host:        host,
			State:       StateOpen,
			MinInterval: base,
		},
		baseInterval: base,
	}
	st.elem = t.lru.PushFront(st)
	t.hosts[host] = st
	t.evictLocked(st)
	metrics.SetHostsTracked(len(t.hosts))
	return st
}

func (t *Throttle) touchLocked(st *hostState) {
	if st.elem != nil {
		t.lru.MoveToFront(st.elem)
	}
}

// evictLocked drops least recently used hosts over the bound. Hosts with
// in-flight fetches or an active blackout are never evicted, and neither is
// keep, whose caller is about to update it.
func (t *Throttle) evictLocked(keep *hostState) {
	if len(t.hosts) <= t.cfg.MaxHosts {
		return
	}
	now := t.clock.Now()
	scanned := 0
	for e := t.lru.Back(); e != nil && len(t.hosts) > t.cfg.MaxHosts && scanned < maxEvictionScan; {
		prev := e.Prev()
		st, ok := e.Value.(*hostState)
		scanned++
		if ok && st != keep && st.InflightCount == 0 && !now.Before(st.BlackoutUntil) {
			t.lru.Remove(e)
			delete(t.hosts, st.Host)
		}
		e = prev
	}
}

// Reservation is a scoped acquisition of one in-flight slot for a host.
type Reservation struct {
	throttle *Throttle
	host     string
	once     sync.Once
}

// Host returns the reserved host.
func (r *Reservation) Host() string {
	return r.host
}

// Release frees the slot. Subsequent calls are no-ops.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.throttle.Release(r.host)
	})
}
