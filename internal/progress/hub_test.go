package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesSmallBatchAfterWait(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitDoesNotWaitOnSlowSink(t *testing.T) {
	t.Parallel()

	sink := newGatedSink()
	hub := NewHub(Config{BufferSize: 1, MaxBatchEvents: 1}, sink)
	t.Cleanup(func() {
		sink.open()
		require.NoError(t, hub.Close(context.Background()))
	})

	hub.Emit(sampleEvent(StageRunStart))
	<-sink.entered

	start := time.Now()
	for range 50 {
		hub.Emit(sampleEvent(StageRunStart))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	_, dropped := hub.Stats()
	require.Positive(t, dropped)
}

// Close must deliver events still sitting in the pending batch.
func TestHubCloseDeliversPending(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

// gatedSink blocks Consume until open is called.
type gatedSink struct {
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
	first   sync.Once
}

func newGatedSink() *gatedSink {
	return &gatedSink{entered: make(chan struct{}), gate: make(chan struct{})}
}

func (s *gatedSink) Consume(ctx context.Context, _ []Event) error {
	s.first.Do(func() { close(s.entered) })
	select {
	case <-s.gate:
	case <-ctx.Done():
	}
	return nil
}

func (s *gatedSink) Close(context.Context) error { return nil }

func (s *gatedSink) open() { s.once.Do(func() { close(s.gate) }) }

func sampleEvent(stage Stage) Event {
	id := uuid.New()
	evt := Event{
		RunID: UUIDToBytes(id),
		TS:    time.Now(),
		Stage: stage,
	}
	if stage == StageAttempt {
		evt.Host = "example.com"
		evt.Policy = crawler.PolicyNetworkFirst
		evt.Source = crawler.SourceNetwork
		evt.StatusClass = Status2xx
	}
	return evt
}

// TestHubStampsRunIDAndTimestamp verifies events inherit the hub's run ID and clock.
func TestHubStampsRunIDAndTimestamp(t *testing.T) {
	t.Parallel()

	runID := UUIDToBytes(uuid.New())
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sink := newStubSink()
	hub := NewHub(Config{
		MaxBatchEvents: 1,
		RunID:          runID,
		Now:            func() time.Time { return at },
	}, sink)

	hub.Emit(Event{Stage: StageDisposition, Disposition: "completed"})
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, runID, batches[0][0].RunID)
	require.Equal(t, at, batches[0][0].TS)
	emitted, dropped := hub.Stats()
	require.EqualValues(t, 1, emitted)
	require.Zero(t, dropped)
}

// TestHubDiscardsInvalidEvents checks that malformed events never reach sinks.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1, RunID: UUIDToBytes(uuid.New())}, sink)
	hub.Emit(Event{Stage: StageAttempt})
	hub.Emit(Event{Stage: "BOGUS"})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubIgnoresEmitAfterClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink, nil)
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(sampleEvent(StageRunStart))
	emitted, dropped := hub.Stats()
	require.Zero(t, emitted)
	require.Zero(t, dropped)
	require.Empty(t, sink.Batches())
}

func TestHubFansOutToEverySink(t *testing.T) {
	t.Parallel()

	first, second := newStubSink(), newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 3, MaxBatchWait: time.Minute}, first, second)
	for range 3 {
		hub.Emit(sampleEvent(StageRunStart))
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, first.Batches(), second.Batches())
	require.Len(t, first.Batches(), 1)
}

func TestValidateRequiresStageFields(t *testing.T) {
	t.Parallel()

	base := sampleEvent(StageRunStart)
	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{name: "run start", mutate: func(*Event) {}},
		{name: "missing run id", mutate: func(e *Event) { e.RunID = [16]byte{} }, wantErr: true},
		{name: "missing timestamp", mutate: func(e *Event) { e.TS = time.Time{} }, wantErr: true},
		{name: "attempt without host", mutate: func(e *Event) { e.Stage = StageAttempt; e.Policy = crawler.PolicyCacheOnly }, wantErr: true},
		{name: "attempt", mutate: func(e *Event) { e.Stage = StageAttempt; e.Policy = crawler.PolicyCacheOnly; e.Host = "a" }},
		{name: "host state", mutate: func(e *Event) { e.Stage = StageHostState; e.Host = "a"; e.ToState = "blackout" }},
		{name: "cluster without kind", mutate: func(e *Event) { e.Stage = StageClusterEscalated; e.Host = "a" }, wantErr: true},
		{name: "internal error without note", mutate: func(e *Event) { e.Stage = StageInternalError }, wantErr: true},
		{name: "negative duration", mutate: func(e *Event) { e.Dur = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := base
			tt.mutate(&evt)
			err := evt.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(204))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(429))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}
