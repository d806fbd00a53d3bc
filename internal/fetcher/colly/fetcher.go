// Package collyfetcher implements crawler.NetworkFetcher on top of gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

const defaultRequestTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Headers are added to every request.
	Headers http.Header
	// MaxBodyBytes truncates larger bodies. Zero keeps colly's 10 MiB default.
	MaxBodyBytes int
}

// Fetcher runs one GET per call on a fresh collector. Every collector shares
// a pooled transport whose robots.txt answers are cached.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	logger    *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		transport: newRobotsCacheTransport(pooledTransport(), robotsCacheTTL),
		logger:    logger,
	}
}

// Fetch performs the GET. Redirects are followed and the final URL is
// reported. Any HTTP status comes back as data; only transport failures,
// robots denials and bad URLs are errors.
func (f *Fetcher) Fetch(ctx context.Context, url string, timeout time.Duration) (crawler.NetworkResponse, error) {
	c, probe := f.collector(ctx, timeout)
	v := &visit{started: time.Now(), headers: f.cfg.Headers}
	v.bind(c)

	done := make(chan error, 1)
	go func() { done <- c.Visit(url) }()

	var err error
	select {
	case <-ctx.Done():
		return crawler.NetworkResponse{}, fmt.Errorf("colly fetch cancelled: %w", ctx.Err())
	case err = <-done:
	}
	if probe != nil && probe.fellBack {
		f.logger.Debug("robots.txt probe fell back to allow-all", zap.String("url", url), zap.String("reason", probe.reason))
	}
	return v.result(err)
}

func (f *Fetcher) collector(ctx context.Context, timeout time.Duration) (*colly.Collector, *robotsProbe) {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.StdlibContext(ctx),
	)
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	if f.cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = f.cfg.MaxBodyBytes
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	c.SetRequestTimeout(timeout)
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots

	rt := f.transport
	if rt == nil {
		rt = pooledTransport()
	}
	if !f.cfg.RespectRobots {
		c.WithTransport(rt)
		return c, nil
	}
	probe := newRobotsProbe(rt)
	c.WithTransport(probe)
	return c, probe
}

// hooks is the slice of *colly.Collector a visit registers on.
type hooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// visit accumulates the outcome of one collector run.
type visit struct {
	started  time.Time
	headers  http.Header
	resp     crawler.NetworkResponse
	answered bool
	err      error
}

func (v *visit) bind(h hooks) {
	h.OnRequest(func(r *colly.Request) {
		for k, vals := range v.headers {
			for _, val := range vals {
				r.Headers.Add(k, val)
			}
		}
	})
	h.OnResponse(func(r *colly.Response) {
		v.answered = true
		v.resp = crawler.NetworkResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(v.started),
		}
	})
	h.OnError(func(r *colly.Response, err error) {
		// A status-bearing error has already been delivered to OnResponse.
		if r == nil || r.StatusCode == 0 {
			v.err = err
		}
	})
}

func (v *visit) result(visitErr error) (crawler.NetworkResponse, error) {
	switch {
	case errors.Is(visitErr, colly.ErrRobotsTxtBlocked):
		return crawler.NetworkResponse{}, &crawler.FetchError{Kind: crawler.KindHTTP4xx, Err: visitErr}
	case errors.Is(visitErr, colly.ErrForbiddenURL), errors.Is(visitErr, colly.ErrMissingURL):
		return crawler.NetworkResponse{}, &crawler.FetchError{Kind: crawler.KindMalformedURL, Err: visitErr}
	case visitErr != nil:
		return crawler.NetworkResponse{}, fmt.Errorf("colly visit: %w", visitErr)
	case v.err != nil:
		return crawler.NetworkResponse{}, fmt.Errorf("colly transport: %w", v.err)
	case !v.answered:
		return crawler.NetworkResponse{}, &crawler.FetchError{Kind: crawler.KindMalformedResponse, Err: errors.New("collector returned no response")}
	}
	return v.resp, nil
}

func pooledTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
