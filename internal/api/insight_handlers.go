package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/problems"
	"github.com/JakeFAU/crawl-scheduler/internal/throttle"
	"github.com/JakeFAU/crawl-scheduler/internal/worker"
)

const (
	defaultHostLimit = 100
	maxHostLimit     = 1000
)

// InsightHandler exposes read-only scheduler state.
type InsightHandler struct {
	src    Sources
	logger *zap.Logger
}

// NewInsightHandler wires the sources and logger.
func NewInsightHandler(src Sources, logger *zap.Logger) *InsightHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InsightHandler{src: src, logger: logger}
}

// ListHosts handles GET /v1/hosts?state=&limit=&offset=. It returns
// {"hosts": [...], "total": n} sorted by host, 400 for invalid filters, or 503
// when no throttle is wired.
func (h *InsightHandler) ListHosts(w http.ResponseWriter, r *http.Request) {
	if h.src.Hosts == nil {
		writeError(w, http.StatusServiceUnavailable, "host state unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHostLimit, maxHostLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var filter throttle.State
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		filter, err = parseHostState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	all := h.src.Hosts.Snapshots()
	matched := make([]hostDTO, 0, len(all))
	for _, st := range all {
		if filter != "" && st.State != filter {
			continue
		}
		matched = append(matched, toHostDTO(st))
	}
	total := len(matched)
	writeJSON(w, http.StatusOK, map[string]any{
		"hosts": page(matched, limit, offset),
		"total": total,
	})
}

// GetHost handles GET /v1/hosts/{host}. Hosts without state answer 404.
func (h *InsightHandler) GetHost(w http.ResponseWriter, r *http.Request) {
	if h.src.Hosts == nil {
		writeError(w, http.StatusServiceUnavailable, "host state unavailable")
		return
	}
	host := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "host")))
	if host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	st, ok := h.src.Hosts.Snapshot(host)
	if !ok {
		writeError(w, http.StatusNotFound, "host not tracked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"host": toHostDTO(st)})
}

// ListClusters handles GET /v1/clusters?escalated=&host=. Clusters are
// returned in the order the clusterer reports them.
func (h *InsightHandler) ListClusters(w http.ResponseWriter, r *http.Request) {
	if h.src.Clusters == nil {
		writeError(w, http.StatusServiceUnavailable, "problem clusters unavailable")
		return
	}
	q := r.URL.Query()
	var escalatedOnly bool
	if raw := q.Get("escalated"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid escalated")
			return
		}
		escalatedOnly = v
	}
	host := strings.ToLower(strings.TrimSpace(q.Get("host")))

	clusters := h.src.Clusters.Snapshot()
	out := make([]problems.Cluster, 0, len(clusters))
	for _, c := range clusters {
		if escalatedOnly && !c.Escalated {
			continue
		}
		if host != "" && c.Host != host {
			continue
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"clusters": out})
}

// QueueStats handles GET /v1/queue.
func (h *InsightHandler) QueueStats(w http.ResponseWriter, _ *http.Request) {
	if h.src.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": h.src.Queue.Stats()})
}

// ListWorkers handles GET /v1/workers.
func (h *InsightHandler) ListWorkers(w http.ResponseWriter, _ *http.Request) {
	if h.src.Workers == nil {
		writeError(w, http.StatusServiceUnavailable, "workers unavailable")
		return
	}
	states := h.src.Workers.States()
	if states == nil {
		states = []worker.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paused":  h.src.Workers.Paused(),
		"workers": states,
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseHostState(input string) (throttle.State, error) {
	switch s := throttle.State(strings.ToLower(input)); s {
	case throttle.StateOpen, throttle.StateThrottled, throttle.StateBlackout:
		return s, nil
	default:
		return "", errors.New("invalid state")
	}
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return []T{}
	}
	end := offset + limit
	if end > len(in) {
		end = len(in)
	}
	return in[offset:end]
}

func toHostDTO(st throttle.DomainState) hostDTO {
	dto := hostDTO{
		Host:                st.Host,
		State:               string(st.State),
		InflightCount:       st.InflightCount,
		MinInterval:         st.MinInterval.String(),
		ConsecutiveFailures: st.ConsecutiveFailures,
		RateLimitHits:       st.RateLimitHits,
	}
	if !st.LastFetchAt.IsZero() {
		t := st.LastFetchAt
		dto.LastFetchAt = &t
	}
	if !st.BlackoutUntil.IsZero() {
		t := st.BlackoutUntil
		dto.BlackoutUntil = &t
	}
	return dto
}

type hostDTO struct {
	Host                string     `json:"host"`
	State               string     `json:"state"`
	InflightCount       int        `json:"inflight_count"`
	LastFetchAt         *time.Time `json:"last_fetch_at,omitempty"`
	MinInterval         string     `json:"min_interval"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	BlackoutUntil       *time.Time `json:"blackout_until,omitempty"`
	RateLimitHits       int        `json:"rate_limit_hits"`
}
