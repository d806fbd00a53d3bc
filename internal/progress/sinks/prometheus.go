package sinks

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-scheduler/internal/progress"
)

// PrometheusSink exports telemetry-derived counters via Prometheus. It owns the
// collectors for runs, fetch attempts, fallbacks, host transitions, clusters,
// and request dispositions.
type PrometheusSink struct {
	runsStarted prometheus.Counter
	runsRunning prometheus.Gauge
	runRuntime  prometheus.Histogram

	attempts        *prometheus.CounterVec
	attemptBytes    *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	fallbacks       *prometheus.CounterVec

	hostTransitions *prometheus.CounterVec
	clusterEvents   *prometheus.CounterVec
	dispositions    *prometheus.CounterVec
	internalErrors  prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlsched_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlsched_runs_running",
			Help: "Current number of running crawl runs.",
		}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlsched_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_fetch_attempts_total",
			Help: "Fetch attempts partitioned by requested policy, source used, and error kind.",
		}, []string{"policy", "source", "error_kind"}),
		attemptBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_fetch_bytes_total",
			Help: "Bytes served per source.",
		}, []string{"source"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlsched_fetch_duration_seconds",
			Help:    "Fetch attempt latency partitioned by source and status class.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source", "status_class"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_fetch_fallbacks_total",
			Help: "Cached content served after a failed network attempt, by the network error kind.",
		}, []string{"policy", "network_error_kind"}),
		hostTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_host_transitions_total",
			Help: "Host admission state transitions by target state.",
		}, []string{"to"}),
		clusterEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_problem_cluster_events_total",
			Help: "Problem cluster escalations and de-escalations by error kind.",
		}, []string{"event", "error_kind"}),
		dispositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_telemetry_dispositions_total",
			Help: "Request dispositions observed on the telemetry stream.",
		}, []string{"disposition", "retried"}),
		internalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlsched_telemetry_internal_errors_total",
			Help: "Critical internal errors observed on the telemetry stream.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsRunning,
		s.runRuntime,
		s.attempts,
		s.attemptBytes,
		s.attemptDuration,
		s.fallbacks,
		s.hostTransitions,
		s.clusterEvents,
		s.dispositions,
		s.internalErrors,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register telemetry collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		if evt.Dur > 0 {
			s.runRuntime.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StageAttempt:
		s.handleAttempt(evt)
	case progress.StageHostState:
		s.hostTransitions.WithLabelValues(evt.ToState).Inc()
	case progress.StageClusterEscalated:
		s.clusterEvents.WithLabelValues("escalated", string(evt.ErrorKind)).Inc()
	case progress.StageClusterCleared:
		s.clusterEvents.WithLabelValues("cleared", string(evt.ErrorKind)).Inc()
	case progress.StageDisposition:
		s.dispositions.WithLabelValues(evt.Disposition, strconv.FormatBool(evt.Attempt > 0)).Inc()
	case progress.StageInternalError:
		s.internalErrors.Inc()
	}
}

func (s *PrometheusSink) handleAttempt(evt progress.Event) {
	source := string(evt.Source)
	if source == "" {
		source = "none"
	}
	kind := string(evt.ErrorKind)
	if kind == "" {
		kind = "none"
	}
	s.attempts.WithLabelValues(string(evt.Policy), source, kind).Inc()
	if evt.Bytes > 0 {
		s.attemptBytes.WithLabelValues(source).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		statusClass := string(evt.StatusClass)
		if statusClass == "" {
			statusClass = string(progress.StatusOther)
		}
		s.attemptDuration.WithLabelValues(source, statusClass).Observe(evt.Dur.Seconds())
	}
	if evt.FallbackApplied {
		s.fallbacks.WithLabelValues(string(evt.Policy), string(evt.NetworkErrorKind)).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
