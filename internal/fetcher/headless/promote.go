package headless

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

// Detector decides whether a plain HTTP response needs a browser render.
type Detector interface {
	ShouldPromote(statusCode int, headers http.Header, body []byte) bool
}

// Promoting fetches over plain HTTP first and re-fetches in a browser only
// when the detector flags the response as a client-rendered shell.
type Promoting struct {
	probe  crawler.NetworkFetcher
	render crawler.NetworkFetcher
	detect Detector
	logger *zap.Logger
}

// NewPromoting wires a probe fetcher to a render fetcher.
func NewPromoting(probe, render crawler.NetworkFetcher, detect Detector, logger *zap.Logger) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{probe: probe, render: render, detect: detect, logger: logger}
}

// Fetch returns the rendered page when promotion succeeds. A failed render
// falls back to the probe response so one attempt never costs two failures.
func (p *Promoting) Fetch(ctx context.Context, url string, timeout time.Duration) (crawler.NetworkResponse, error) {
	resp, err := p.probe.Fetch(ctx, url, timeout)
	if err != nil || !p.detect.ShouldPromote(resp.StatusCode, resp.Headers, resp.Body) {
		return resp, err
	}
	rendered, rerr := p.render.Fetch(ctx, url, timeout)
	if rerr != nil {
		if ctx.Err() != nil {
			return crawler.NetworkResponse{}, ctx.Err()
		}
		metrics.ObserveHeadlessPromotion("failed")
		p.logger.Debug("headless render failed, keeping http response", zap.String("url", url), zap.Error(rerr))
		return resp, nil
	}
	metrics.ObserveHeadlessPromotion("rendered")
	rendered.Duration += resp.Duration
	return rendered, nil
}
