// Package problems folds individual fetch failures into per-(host, kind)
// clusters over a sliding window and tracks which clusters are escalated.
package problems

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/clock/system"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

const (
	defaultWindow          = 30 * time.Minute
	defaultEscalationCount = 5
	// quietWindowsToClear is how many consecutive below-threshold windows
	// an escalated cluster needs before it de-escalates.
	quietWindowsToClear = 2
)

// Config tunes clustering.
type Config struct {
	Window          time.Duration
	EscalationCount int
}

func (c *Config) defaults() {
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.EscalationCount <= 0 {
		c.EscalationCount = defaultEscalationCount
	}
}

// EventType distinguishes cluster events.
type EventType string

// Cluster events.
const (
	EventEscalated   EventType = "escalated"
	EventDeescalated EventType = "deescalated"
)

// Event reports a cluster crossing the escalation boundary in either direction.
type Event struct {
	Type  EventType
	Host  string
	Kind  crawler.ErrorKind
	Count int
	At    time.Time
	Note  string
}

// Cluster is a read-only view of a problem cluster.
type Cluster struct {
	Host        string            `json:"host"`
	Kind        crawler.ErrorKind `json:"error_kind"`
	Count       int               `json:"count"`
	Total       int               `json:"total"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
	Escalated   bool              `json:"escalated"`
	LastNote    string            `json:"last_note,omitempty"`
}

type clusterKey struct {
	host string
	kind crawler.ErrorKind
}

type cluster struct {
	Cluster
	quietWindows int
}

// Clusterer is the ProblemClusterer. It is safe for concurrent use.
type Clusterer struct {
	mu       sync.Mutex
	cfg      Config
	clusters map[clusterKey]*cluster

	clock   crawler.Clock
	onEvent func(Event)
	logger  *zap.Logger
}

// Option customises a Clusterer.
type Option func(*Clusterer)

// WithClock overrides the time source.
func WithClock(c crawler.Clock) Option { return func(cl *Clusterer) { cl.clock = c } }

// WithEventHook registers a callback for escalation changes. It runs outside the lock.
func WithEventHook(fn func(Event)) Option { return func(cl *Clusterer) { cl.onEvent = fn } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(cl *Clusterer) { cl.logger = l } }

// New constructs a Clusterer.
func New(cfg Config, opts ...Option) *Clusterer {
	cfg.defaults()
	c := &Clusterer{
		cfg:      cfg,
		clusters: make(map[clusterKey]*cluster),
		clock:    system.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Record counts one failure of kind against host in the current window.
func (c *Clusterer) Record(host string, kind crawler.ErrorKind, note string) {
	if host == "" || kind == crawler.KindNone {
		return
	}
	c.mu.Lock()
	now := c.clock.Now()
	key := clusterKey{host: host, kind: kind}
	cl, ok := c.clusters[key]
	if !ok {
		cl = &cluster{Cluster: Cluster{
			Host:        host,
			Kind:        kind,
			WindowStart: now,
			WindowEnd:   now.Add(c.cfg.Window),
		}}
		c.clusters[key] = cl
	}
	events := c.rollLocked(cl, now)
	cl.Count++
	cl.Total++
	if note != "" {
		cl.LastNote = note
	}
	if !cl.Escalated && cl.Count >= c.cfg.EscalationCount {
		cl.Escalated = true
		cl.quietWindows = 0
		events = append(events, c.eventLocked(EventEscalated, cl, now))
	}
	c.mu.Unlock()
	c.dispatch(events)
}

// IsEscalated reports whether the (host, kind) cluster is currently escalated.
func (c *Clusterer) IsEscalated(host string, kind crawler.ErrorKind) bool {
	c.mu.Lock()
	cl, ok := c.clusters[clusterKey{host: host, kind: kind}]
	if !ok {
		c.mu.Unlock()
		return false
	}
	events := c.rollLocked(cl, c.clock.Now())
	escalated := cl.Escalated
	c.mu.Unlock()
	c.dispatch(events)
	return escalated
}

// HostEscalated reports whether any cluster for host is escalated.
func (c *Clusterer) HostEscalated(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, cl := range c.clusters {
		if key.host == host && cl.Escalated {
			return true
		}
	}
	return false
}

// DrainExpired rolls every cluster's window forward and forgets clusters that
// are neither escalated nor carrying failures in the current window. It
// returns the number of clusters removed.
func (c *Clusterer) DrainExpired() int {
	c.mu.Lock()
	now := c.clock.Now()
	var events []Event
	removed := 0
	for key, cl := range c.clusters {
		events = append(events, c.rollLocked(cl, now)...)
		if !cl.Escalated && cl.Count == 0 {
			delete(c.clusters, key)
			removed++
		}
	}
	c.mu.Unlock()
	c.dispatch(events)
	return removed
}

// rollLocked advances cl to the window containing now. Each elapsed window
// whose count stayed below the threshold counts toward de-escalation.
func (c *Clusterer) rollLocked(cl *cluster, now time.Time) []Event {
	if now.Before(cl.WindowEnd) {
		return nil
	}
	elapsed := int(now.Sub(cl.WindowStart) / c.cfg.Window)
	if elapsed < 1 {
		elapsed = 1
	}
	var events []Event
	if cl.Escalated {
		if cl.Count < c.cfg.EscalationCount {
			cl.quietWindows++
		} else {
			cl.quietWindows = 0
		}
		// Windows skipped entirely had no failures at all.
		cl.quietWindows += elapsed - 1
		if cl.quietWindows >= quietWindowsToClear {
			cl.Escalated = false
			cl.quietWindows = 0
			events = append(events, c.eventLocked(EventDeescalated, cl, now))
		}
	}
	cl.Count = 0
	cl.WindowStart = cl.WindowStart.Add(time.Duration(elapsed) * c.cfg.Window)
	cl.WindowEnd = cl.WindowStart.Add(c.cfg.Window)
	return events
}

func (c *Clusterer) eventLocked(typ EventType, cl *cluster, now time.Time) Event {
	return Event{
		Type:  typ,
		Host:  cl.Host,
		Kind:  cl.Kind,
		Count: cl.Count,
		At:    now,
		Note:  cl.LastNote,
	}
}

func (c *Clusterer) dispatch(events []Event) {
	for _, ev := range events {
		switch ev.Type {
		case EventEscalated:
			c.logger.Warn("problem cluster escalated",
				zap.String("host", ev.Host),
				zap.String("error_kind", string(ev.Kind)),
				zap.Int("count", ev.Count),
			)
		case EventDeescalated:
			c.logger.Info("problem cluster cleared",
				zap.String("host", ev.Host),
				zap.String("error_kind", string(ev.Kind)),
			)
		}
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

// Snapshot returns every cluster ordered by host then kind.
func (c *Clusterer) Snapshot() []Cluster {
	c.mu.Lock()
	out := make([]Cluster, 0, len(c.clusters))
	for _, cl := range c.clusters {
		out = append(out, cl.Cluster)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Run drains expired windows every interval until ctx is done.
func (c *Clusterer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.DrainExpired(); n > 0 {
				c.logger.Debug("drained idle problem clusters", zap.Int("removed", n))
			}
		}
	}
}
