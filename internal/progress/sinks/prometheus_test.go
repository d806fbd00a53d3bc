package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{
			RunID:       runID,
			TS:          now,
			Stage:       progress.StageAttempt,
			Host:        "example.com",
			Policy:      crawler.PolicyNetworkFirst,
			Source:      crawler.SourceNetwork,
			HTTPStatus:  200,
			StatusClass: progress.Status2xx,
			Bytes:       1024,
			Dur:         200 * time.Millisecond,
		},
		{
			RunID:            runID,
			TS:               now,
			Stage:            progress.StageAttempt,
			Host:             "example.com",
			Policy:           crawler.PolicyNetworkFirst,
			Source:           crawler.SourceCache,
			FallbackApplied:  true,
			NetworkErrorKind: crawler.KindTimeout,
			Bytes:            10,
		},
		{RunID: runID, TS: now, Stage: progress.StageHostState, Host: "example.com", ToState: "blackout"},
		{RunID: runID, TS: now, Stage: progress.StageClusterEscalated, Host: "example.com", ErrorKind: crawler.KindTimeout},
		{RunID: runID, TS: now, Stage: progress.StageDisposition, Disposition: "exhausted", Attempt: 3},
		{RunID: runID, TS: now, Stage: progress.StageInternalError, Note: "boom"},
		{RunID: runID, TS: now, Stage: progress.StageRunDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("network-first", "network", "none")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("network-first", "cache", "none")))
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.attemptBytes.WithLabelValues("network")), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.fallbacks.WithLabelValues("network-first", "timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.hostTransitions.WithLabelValues("blackout")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.clusterEvents.WithLabelValues("escalated", "timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.dispositions.WithLabelValues("exhausted", "true")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.internalErrors))
	require.Equal(t, 1, testutil.CollectAndCount(sink.attemptDuration, "crawlsched_fetch_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runRuntime, "crawlsched_run_runtime_seconds"))
}

func TestPrometheusSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
