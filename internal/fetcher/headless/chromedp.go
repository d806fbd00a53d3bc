// Package headless renders pages in headless Chrome for hosts whose content
// only appears after client-side scripts run.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
)

// Config tunes the browser fetcher.
type Config struct {
	// MaxParallel caps open tabs. Zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay runs after <body> is ready so late scripts can finish.
	SettleDelay time.Duration
	Headers     http.Header
}

// Fetcher satisfies crawler.NetworkFetcher with one Chrome tab per Fetch,
// all sharing a single browser process.
type Fetcher struct {
	cfg       Config
	tabs      *semaphore.Weighted
	browser   context.Context
	shutdown  context.CancelFunc
	closeOnce sync.Once
}

// NewChromedp prepares the browser allocator. Chrome itself starts lazily on
// the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("headless: max_parallel must be >= 0, got %d", cfg.MaxParallel)
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	flags := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+4)
	flags = append(flags, chromedp.DefaultExecAllocatorOptions[:]...)
	flags = append(flags,
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	f.browser, f.shutdown = chromedp.NewExecAllocator(context.Background(), flags...)
	return f, nil
}

// Close stops the browser process. It is safe to call more than once.
func (f *Fetcher) Close() {
	f.closeOnce.Do(f.shutdown)
}

// Fetch loads url in a fresh tab and returns the rendered DOM as the body.
// A zero timeout uses NavigationTimeout. Cancelling ctx closes the tab.
func (f *Fetcher) Fetch(ctx context.Context, url string, timeout time.Duration) (crawler.NetworkResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return crawler.NetworkResponse{}, fmt.Errorf("wait for browser tab: %w", err)
		}
		defer f.tabs.Release(1)
	}
	if timeout <= 0 {
		timeout = f.cfg.NavigationTimeout
	}

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	defer context.AfterFunc(ctx, closeTab)()
	tab, cancel := context.WithTimeout(tab, timeout)
	defer cancel()

	doc := &mainDocument{}
	chromedp.ListenTarget(tab, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			doc.observe(tab, resp)
		}
	})

	started := time.Now()
	var html, location string
	err := chromedp.Run(tab,
		f.prepareTab(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.NetworkResponse{}, f.classify(ctx, tab, err)
	}

	status, headers, finalURL := doc.result()
	if finalURL == "" {
		finalURL = firstNonEmpty(location, url)
	}
	if status == 0 {
		status = http.StatusOK
	}
	return crawler.NetworkResponse{
		URL:        finalURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(started),
	}, nil
}

// classify maps a failed run onto the error kinds the executor understands.
func (f *Fetcher) classify(parent, tab context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("headless fetch cancelled: %w", parent.Err())
	case errors.Is(tab.Err(), context.DeadlineExceeded):
		return &crawler.FetchError{Kind: crawler.KindTimeout, Err: err}
	case strings.Contains(err.Error(), "net::ERR_CONNECTION_REFUSED"),
		strings.Contains(err.Error(), "net::ERR_NAME_NOT_RESOLVED"):
		return &crawler.FetchError{Kind: crawler.KindConnectionRefused, Err: err}
	case strings.Contains(err.Error(), "net::ERR_TIMED_OUT"):
		return &crawler.FetchError{Kind: crawler.KindTimeout, Err: err}
	}
	return fmt.Errorf("chromedp run: %w", err)
}

func (f *Fetcher) prepareTab() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("override user agent: %w", err)
			}
		}
		if extra := networkHeaders(f.cfg.Headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// mainDocument keeps the status and headers of the top-level document. Iframe
// documents are only used when the top frame never reported.
type mainDocument struct {
	mu       sync.Mutex
	top      bool
	status   int
	headers  http.Header
	location string
}

func (d *mainDocument) observe(tab context.Context, ev *network.EventResponseReceived) {
	if ev.Type != network.ResourceTypeDocument || ev.Response == nil {
		return
	}
	top := isTopFrame(tab, string(ev.FrameID))
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.top && !top {
		return
	}
	d.top = top
	d.status = int(ev.Response.Status)
	d.headers = httpHeaders(ev.Response.Headers)
	d.location = ev.Response.URL
}

func (d *mainDocument) result() (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return d.status, headers, d.location
}

// isTopFrame relies on Chrome giving a page target's main frame the target's ID.
func isTopFrame(tab context.Context, frameID string) bool {
	c := chromedp.FromContext(tab)
	if c == nil || c.Target == nil {
		return false
	}
	return frameID == string(c.Target.TargetID)
}

func httpHeaders(in network.Headers) http.Header {
	out := make(http.Header, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			// CDP folds repeated headers into one newline separated value.
			for _, line := range strings.Split(val, "\n") {
				out.Add(k, line)
			}
		case []any:
			for _, item := range val {
				out.Add(k, fmt.Sprint(item))
			}
		default:
			out.Add(k, fmt.Sprint(val))
		}
	}
	return out
}

func networkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for k, vals := range h {
		if len(vals) > 0 {
			out[k] = strings.Join(vals, ", ")
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
