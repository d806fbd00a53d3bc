package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

const (
	robotsProbeAttempts = 4
	robotsProbeBackoff  = 250 * time.Millisecond
	allowAllRobots      = "User-agent: *\nAllow: /"
)

// Reasons recorded when a robots.txt probe is abandoned.
const (
	robotsReasonHandshake = "tls handshake timeout"
	robotsReasonTimeout   = "timeout"
)

// robotsProbe wraps the transport for one Fetch. Page requests pass straight
// through. A robots.txt request that keeps timing out is answered with an
// allow-all document so a slow robots endpoint cannot block the page itself.
type robotsProbe struct {
	next     http.RoundTripper
	attempts int
	backoff  time.Duration

	// Set once the probe gave up; read after the collector returns.
	fellBack bool
	reason   string
}

func newRobotsProbe(next http.RoundTripper) *robotsProbe {
	return &robotsProbe{next: next, attempts: robotsProbeAttempts, backoff: robotsProbeBackoff}
}

func (p *robotsProbe) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots probe: nil request")
	}
	if !isRobotsTxtRequest(req) {
		resp, err := p.next.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}

	var lastErr error
	delay := p.backoff
	for attempt := 1; attempt <= p.attempts; attempt++ {
		resp, err := p.next.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		reason, transient := probeFailure(err)
		if !transient {
			return nil, fmt.Errorf("robots.txt %s: %w", req.URL.Host, err)
		}
		lastErr = err
		if attempt == p.attempts {
			p.giveUp(reason)
			return allowAllResponse(req), nil
		}
		select {
		case <-req.Context().Done():
			return nil, fmt.Errorf("robots.txt %s: %w", req.URL.Host, req.Context().Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("robots.txt %s: %w", req.URL.Host, lastErr)
}

func isRobotsTxtRequest(req *http.Request) bool {
	return req != nil && req.URL != nil && strings.EqualFold(req.URL.Path, "/robots.txt")
}

func (p *robotsProbe) giveUp(reason string) {
	if p.fellBack {
		return
	}
	p.fellBack, p.reason = true, reason
	metrics.ObserveRobotsFallback(reason)
}

// probeFailure reports whether err is worth retrying and why.
func probeFailure(err error) (reason string, transient bool) {
	if strings.Contains(err.Error(), "tls: handshake timeout") {
		return robotsReasonHandshake, true
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return robotsReasonTimeout, true
	}
	return "", false
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Request:       req,
	}
}
