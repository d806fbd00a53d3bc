package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Classification is the normalized view of one network exchange.
type Classification struct {
	Kind       crawler.ErrorKind
	Status     int
	RetryAfter time.Duration
}

// Classify maps a NetworkFetcher result onto an error kind. A nil error with a
// 2xx status is a success (KindNone).
func Classify(resp crawler.NetworkResponse, err error, now time.Time) Classification {
	if err != nil {
		return classifyError(err, now)
	}
	return classifyStatus(resp.StatusCode, resp.Headers, now)
}

func classifyError(err error, now time.Time) Classification {
	if fe, ok := crawler.AsFetchError(err); ok {
		c := Classification{Kind: fe.Kind, Status: fe.Status, RetryAfter: fe.RetryAfter}
		if c.Kind == crawler.KindNone && fe.Status != 0 {
			c = classifyStatus(fe.Status, nil, now)
			if fe.RetryAfter > 0 {
				c.RetryAfter = fe.RetryAfter
			}
		}
		if c.Kind != crawler.KindNone {
			return c
		}
		if fe.Err != nil {
			err = fe.Err
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Classification{Kind: crawler.KindCancelled}
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{Kind: crawler.KindTimeout}
	case errors.Is(err, crawler.ErrUnsupportedURL):
		return Classification{Kind: crawler.KindMalformedURL}
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return Classification{Kind: crawler.KindConnectionRefused}
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Classification{Kind: crawler.KindMalformedResponse}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Kind: crawler.KindTimeout}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Classification{Kind: crawler.KindConnectionRefused}
	}
	var escapeErr url.EscapeError
	var hostErr url.InvalidHostError
	if errors.As(err, &escapeErr) || errors.As(err, &hostErr) {
		return Classification{Kind: crawler.KindMalformedURL}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return Classification{Kind: crawler.KindMalformedURL}
	}
	return Classification{Kind: crawler.KindConnectionRefused}
}

func classifyStatus(status int, headers http.Header, now time.Time) Classification {
	c := Classification{Status: status}
	switch {
	case status >= 200 && status < 300:
		c.Kind = crawler.KindNone
	case status == http.StatusTooManyRequests:
		c.Kind = crawler.KindRateLimited
		c.RetryAfter, _ = ParseRetryAfter(headers.Get("Retry-After"), now)
	case status == http.StatusServiceUnavailable:
		if d, ok := ParseRetryAfter(headers.Get("Retry-After"), now); ok {
			c.Kind = crawler.KindRateLimited
			c.RetryAfter = d
		} else {
			c.Kind = crawler.KindHTTP5xx
		}
	case status >= 400 && status < 500:
		c.Kind = crawler.KindHTTP4xx
	case status >= 500 && status < 600:
		c.Kind = crawler.KindHTTP5xx
	default:
		c.Kind = crawler.KindMalformedResponse
	}
	return c
}

// MaxRetryAfter bounds the wait a Retry-After header can impose on a host.
const MaxRetryAfter = 24 * time.Hour

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Dates in the past yield zero and waits beyond MaxRetryAfter
// are clamped to it.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseUint(value, 10, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		if err != nil || secs > uint64(MaxRetryAfter/time.Second) {
			return MaxRetryAfter, true
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	switch {
	case d < 0:
		d = 0
	case d > MaxRetryAfter:
		d = MaxRetryAfter
	}
	return d, true
}
