package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/problems"
	"github.com/JakeFAU/crawl-scheduler/internal/queue"
	"github.com/JakeFAU/crawl-scheduler/internal/throttle"
	"github.com/JakeFAU/crawl-scheduler/internal/worker"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(t), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_MetricsExposed(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	serve(t, s, "/healthz")
	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_ListHosts(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(t), "/v1/hosts")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Hosts []hostDTO `json:"hosts"`
		Total int       `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Total)
	require.Len(t, body.Hosts, 3)
	require.Equal(t, "a.example", body.Hosts[0].Host)
	require.Nil(t, body.Hosts[0].BlackoutUntil)
	require.NotNil(t, body.Hosts[2].BlackoutUntil)
}

func TestServer_ListHostsFilterAndPage(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	rec := serve(t, s, "/v1/hosts?state=blackout")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Hosts []hostDTO `json:"hosts"`
		Total int       `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	require.Equal(t, "c.example", body.Hosts[0].Host)

	rec = serve(t, s, "/v1/hosts?limit=1&offset=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Total)
	require.Len(t, body.Hosts, 1)
	require.Equal(t, "b.example", body.Hosts[0].Host)

	rec = serve(t, s, "/v1/hosts?offset=9")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body.Hosts)
}

func TestServer_ListHostsInvalidParams(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	for _, path := range []string{"/v1/hosts?limit=-1", "/v1/hosts?offset=x", "/v1/hosts?state=sleepy"} {
		rec := serve(t, s, path)
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestServer_GetHost(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	rec := serve(t, s, "/v1/hosts/B.example")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"throttled"`)

	rec = serve(t, s, "/v1/hosts/unknown.example")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListClusters(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	var body struct {
		Clusters []problems.Cluster `json:"clusters"`
	}

	rec := serve(t, s, "/v1/clusters")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Clusters, 2)

	rec = serve(t, s, "/v1/clusters?escalated=true")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Clusters, 1)
	require.Equal(t, crawler.KindTimeout, body.Clusters[0].Kind)

	rec = serve(t, s, "/v1/clusters?host=b.example")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Clusters, 1)
	require.Equal(t, "b.example", body.Clusters[0].Host)

	rec = serve(t, s, "/v1/clusters?escalated=maybe")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_QueueStats(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(t), "/v1/queue")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Queue queue.Stats `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Queue.Pending)
	require.Zero(t, body.Queue.Leased)
}

func TestServer_ListWorkers(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(t), "/v1/workers")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Paused  bool            `json:"paused"`
		Workers []worker.Status `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Paused)
	require.Len(t, body.Workers, 2)
	require.Equal(t, worker.StateFetching, body.Workers[1].State)
}

func TestServer_MissingSourcesUnavailable(t *testing.T) {
	t.Parallel()

	s := NewServer(Sources{}, Config{}, zap.NewNop())
	for _, path := range []string{"/v1/hosts", "/v1/hosts/a.example", "/v1/clusters", "/v1/queue", "/v1/workers"} {
		rec := serve(t, s, path)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(testSources(t), Config{APIKey: "secret"}, zap.NewNop())

	rec := serve(t, s, "/v1/queue")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, s, "/v1/queue?api_key=secret")
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	rec = serve(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	s := NewServer(Sources{Queue: panicQueue{}}, Config{}, zap.NewNop())
	rec := serve(t, s, "/v1/queue")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	rec := serve(t, s, "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestServer_PauseAndResumeWorkers(t *testing.T) {
	t.Parallel()

	ctl := &controllableWorkers{}
	s := NewServer(Sources{Workers: ctl}, Config{}, zap.NewNop())

	rec := post(t, s, "/v1/workers/pause")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"paused":true}`, rec.Body.String())
	require.True(t, ctl.Paused())

	rec = post(t, s, "/v1/workers/resume")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, ctl.Paused())

	// GET is not routed for control endpoints.
	require.Equal(t, http.StatusMethodNotAllowed, serve(t, s, "/v1/workers/pause").Code)
}

func TestServer_ControlWithoutWorkerControl(t *testing.T) {
	t.Parallel()

	rec := post(t, newTestServer(t), "/v1/workers/pause")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func post(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(testSources(t), Config{}, zap.NewNop())
}

func testSources(t *testing.T) Sources {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	q := queue.New(queue.Config{}, throttle.New(throttle.Config{}))
	for _, u := range []string{"https://a.example/1", "https://b.example/2"} {
		_, err := q.Enqueue(crawler.Request{URL: u})
		require.NoError(t, err)
	}

	return Sources{
		Hosts: fakeHosts{
			{Host: "a.example", State: throttle.StateOpen, MinInterval: time.Second, LastFetchAt: now},
			{Host: "b.example", State: throttle.StateThrottled, MinInterval: 4 * time.Second, RateLimitHits: 1},
			{Host: "c.example", State: throttle.StateBlackout, ConsecutiveFailures: 3, BlackoutUntil: now.Add(time.Minute)},
		},
		Clusters: fakeClusters{
			{Host: "a.example", Kind: crawler.KindTimeout, Count: 5, Total: 5, Escalated: true},
			{Host: "b.example", Kind: crawler.KindHTTP5xx, Count: 1, Total: 1},
		},
		Queue: q,
		Workers: fakeWorkers{
			paused: true,
			states: []worker.Status{
				{ID: 1, State: worker.StatePaused},
				{ID: 2, State: worker.StateFetching, URL: "https://a.example/1"},
			},
		},
	}
}

type fakeHosts []throttle.DomainState

func (f fakeHosts) Snapshots() []throttle.DomainState { return f }

func (f fakeHosts) Snapshot(host string) (throttle.DomainState, bool) {
	for _, st := range f {
		if st.Host == host {
			return st, true
		}
	}
	return throttle.DomainState{}, false
}

type fakeClusters []problems.Cluster

func (f fakeClusters) Snapshot() []problems.Cluster { return f }

type fakeWorkers struct {
	paused bool
	states []worker.Status
}

func (f fakeWorkers) States() []worker.Status { return f.states }
func (f fakeWorkers) Paused() bool            { return f.paused }

type panicQueue struct{}

func (panicQueue) Stats() queue.Stats { panic("stats exploded") }

type controllableWorkers struct {
	mu     sync.Mutex
	paused bool
}

func (c *controllableWorkers) States() []worker.Status { return nil }

func (c *controllableWorkers) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *controllableWorkers) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *controllableWorkers) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}
