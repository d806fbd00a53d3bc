package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/hosts/{host}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/silent", func(http.ResponseWriter, *http.Request) {})

	teapots := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))

	for _, path := range []string{"/hosts/a.example", "/hosts/b.example", "/silent"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, teapots+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")), 0)
	require.GreaterOrEqual(t, testutil.CollectAndCount(httpRequestDurationSeconds), 2)
}

func TestRouteLabelWithoutRouter(t *testing.T) {
	t.Parallel()

	require.Equal(t, "unmatched", routeLabel(httptest.NewRequest(http.MethodGet, "/x", nil)))
}
