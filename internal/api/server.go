package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/problems"
	"github.com/JakeFAU/crawl-scheduler/internal/queue"
	"github.com/JakeFAU/crawl-scheduler/internal/throttle"
	"github.com/JakeFAU/crawl-scheduler/internal/worker"
)

// HostSource lists per-host throttle state.
type HostSource interface {
	Snapshots() []throttle.DomainState
	Snapshot(host string) (throttle.DomainState, bool)
}

// ClusterSource lists problem clusters.
type ClusterSource interface {
	Snapshot() []problems.Cluster
}

// QueueSource reports queue depth.
type QueueSource interface {
	Stats() queue.Stats
}

// WorkerSource reports worker loop state.
type WorkerSource interface {
	States() []worker.Status
	Paused() bool
}

// Sources groups the components the server reads from. Nil sources answer 503.
type Sources struct {
	Hosts    HostSource
	Clusters ClusterSource
	Queue    QueueSource
	Workers  WorkerSource
}

// Config controls the HTTP surface.
type Config struct {
	// APIKey, when set, is required on every /v1 route.
	APIKey         string
	RequestTimeout time.Duration
}

// WorkerControl pauses and resumes dequeuing. It is optional; without it the
// control routes answer 503.
type WorkerControl interface {
	Pause()
	Resume()
	Paused() bool
}

// Server exposes read-only scheduler state plus pause and resume controls.
type Server struct {
	router   chi.Router
	insights *InsightHandler
	control  WorkerControl
	logger   *zap.Logger
}

// NewServer builds the router. The probe and metrics routes never require the
// API key.
func NewServer(src Sources, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	s := &Server{
		insights: NewInsightHandler(src, logger),
		logger:   logger,
	}
	if c, ok := src.Workers.(WorkerControl); ok {
		s.control = c
	}

	r := chi.NewRouter()
	r.Use(withRequestID, metrics.Middleware, accessLog(logger), recoverJSON(logger))
	r.Use(func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, cfg.RequestTimeout, "request timed out")
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(requireAPIKey(cfg.APIKey))
		}
		r.Get("/hosts", s.insights.ListHosts)
		r.Get("/hosts/{host}", s.insights.GetHost)
		r.Get("/clusters", s.insights.ListClusters)
		r.Get("/queue", s.insights.QueueStats)
		r.Get("/workers", s.insights.ListWorkers)
		r.Post("/workers/pause", s.setPaused(true))
		r.Post("/workers/resume", s.setPaused(false))
	})

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setPaused(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.control == nil {
			writeError(w, http.StatusServiceUnavailable, "worker control unavailable")
			return
		}
		if pause {
			s.control.Pause()
		} else {
			s.control.Resume()
		}
		s.logger.Info("worker pool toggled via api",
			zap.Bool("paused", s.control.Paused()),
			zap.String("request_id", requestID(r.Context())))
		writeJSON(w, http.StatusOK, map[string]bool{"paused": s.control.Paused()})
	}
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("api request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(started)),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverJSON(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("api handler panicked", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requireAPIKey(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
