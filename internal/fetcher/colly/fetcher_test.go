package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

func TestCollectorOptions(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "crawlsched-test", MaxBodyBytes: 1024}, nil)
	c, probe := f.collector(context.Background(), time.Second)
	require.Equal(t, "crawlsched-test", c.UserAgent)
	require.Equal(t, 1024, c.MaxBodySize)
	require.True(t, c.IgnoreRobotsTxt)
	require.Nil(t, probe)

	f = New(Config{RespectRobots: true}, nil)
	c, probe = f.collector(context.Background(), 0)
	require.False(t, c.IgnoreRobotsTxt)
	require.NotNil(t, probe)
}

func TestVisitHooks(t *testing.T) {
	t.Parallel()

	v := &visit{started: time.Now(), headers: http.Header{"X-Trace": {"yes"}}}
	h := &stubHooks{}
	v.bind(h)

	req := &colly.Request{Headers: &http.Header{}}
	h.onRequest(req)
	require.Equal(t, "yes", req.Headers.Get("X-Trace"))

	final, err := url.Parse("https://shop.example/final")
	require.NoError(t, err)
	h.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: final},
	})
	h.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))

	resp, err := v.result(nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "body", string(resp.Body))
	require.Equal(t, "ok", resp.Headers.Get("X-Resp"))
	require.Equal(t, "https://shop.example/final", resp.URL)

	h.onError(nil, errors.New("connection reset"))
	_, err = v.result(nil)
	require.ErrorContains(t, err, "connection reset")
}

func TestVisitResultClassification(t *testing.T) {
	t.Parallel()

	var fe *crawler.FetchError
	_, err := (&visit{}).result(colly.ErrRobotsTxtBlocked)
	require.ErrorAs(t, err, &fe)
	require.Equal(t, crawler.KindHTTP4xx, fe.Kind)

	_, err = (&visit{}).result(colly.ErrMissingURL)
	require.ErrorAs(t, err, &fe)
	require.Equal(t, crawler.KindMalformedURL, fe.Kind)

	_, err = (&visit{}).result(nil)
	require.ErrorAs(t, err, &fe)
	require.Equal(t, crawler.KindMalformedResponse, fe.Kind)
}

func TestFetchReturnsStatusesAsData(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			if r.Header.Get("X-Crawl") != "1" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "hello")
		case "/missing":
			http.NotFound(w, r)
		case "/busy":
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "test-agent", Headers: http.Header{"X-Crawl": {"1"}}}, nil)
	ctx := context.Background()

	resp, err := f.Fetch(ctx, srv.URL+"/ok", time.Second)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", string(resp.Body))
	require.Equal(t, "text/plain", resp.Headers.Get("Content-Type"))

	resp, err = f.Fetch(ctx, srv.URL+"/missing", time.Second)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = f.Fetch(ctx, srv.URL+"/busy", time.Second)
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "7", resp.Headers.Get("Retry-After"))

	resp, err = f.Fetch(ctx, srv.URL+"/boom", time.Second)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestFetchHonorsRobots(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = io.WriteString(w, "User-agent: *\nDisallow: /private")
			return
		}
		_, _ = io.WriteString(w, "page")
	}))
	t.Cleanup(srv.Close)

	f := New(Config{RespectRobots: true}, nil)
	_, err := f.Fetch(context.Background(), srv.URL+"/private/page", time.Second)
	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, crawler.KindHTTP4xx, fe.Kind)

	resp, err := f.Fetch(context.Background(), srv.URL+"/public", time.Second)
	require.NoError(t, err)
	require.Equal(t, "page", string(resp.Body))
}

func TestFetchCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	f := New(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := f.Fetch(ctx, srv.URL+"/slow", 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
