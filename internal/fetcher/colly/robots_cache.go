package collyfetcher

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const robotsCacheTTL = time.Hour

type robotsEntry struct {
	status  int
	header  http.Header
	body    []byte
	expires time.Time
}

// robotsCacheTransport answers repeat robots.txt requests from memory so each
// fetch's fresh collector does not re-download them.
type robotsCacheTransport struct {
	base http.RoundTripper
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]robotsEntry
}

func newRobotsCacheTransport(base http.RoundTripper, ttl time.Duration) *robotsCacheTransport {
	return &robotsCacheTransport{
		base:    base,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]robotsEntry),
	}
}

func (t *robotsCacheTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !isRobotsTxtRequest(req) || req.Method != http.MethodGet {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("base roundtrip: %w", err)
		}
		return resp, nil
	}
	key := req.URL.Scheme + "://" + req.URL.Host
	t.mu.Lock()
	e, ok := t.entries[key]
	t.mu.Unlock()
	if ok && t.now().Before(e.expires) {
		return e.response(req), nil
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("robots roundtrip: %w", err)
	}
	// Server errors are not cached so the next fetch probes again.
	if resp.StatusCode >= http.StatusInternalServerError {
		return resp, nil
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	e = robotsEntry{
		status:  resp.StatusCode,
		header:  resp.Header.Clone(),
		body:    body,
		expires: t.now().Add(t.ttl),
	}
	t.mu.Lock()
	t.entries[key] = e
	t.mu.Unlock()
	return e.response(req), nil
}

func (e robotsEntry) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    e.status,
		Status:        fmt.Sprintf("%d %s", e.status, http.StatusText(e.status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.body)),
		ContentLength: int64(len(e.body)),
		Request:       req,
	}
}
