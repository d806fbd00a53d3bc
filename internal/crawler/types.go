// Package crawler defines core types shared across the scheduling subsystems.
package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// FetchPolicy directs whether a fetch prefers the cache, the network, or the cache exclusively.
type FetchPolicy string

// Supported fetch policies.
const (
	PolicyCachePreferred FetchPolicy = "cache-preferred"
	PolicyNetworkFirst   FetchPolicy = "network-first"
	PolicyCacheOnly      FetchPolicy = "cache-only"
)

// Valid reports whether p is a known policy.
func (p FetchPolicy) Valid() bool {
	switch p {
	case PolicyCachePreferred, PolicyNetworkFirst, PolicyCacheOnly:
		return true
	default:
		return false
	}
}

// Source records where the content of an outcome came from.
type Source string

// Outcome sources. SourceNone is used when no content was produced.
const (
	SourceNone    Source = ""
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// ErrorKind classifies a failed fetch attempt. The empty kind means success.
type ErrorKind string

// Error kinds produced by the fetch path.
const (
	KindNone              ErrorKind = ""
	KindTimeout           ErrorKind = "timeout"
	KindConnectionRefused ErrorKind = "connection-refused"
	KindHTTP4xx           ErrorKind = "http-4xx"
	KindHTTP5xx           ErrorKind = "http-5xx"
	KindMalformedResponse ErrorKind = "malformed-response"
	KindMalformedURL      ErrorKind = "malformed-url"
	KindRateLimited       ErrorKind = "rate-limited"
	KindNoCacheEntry      ErrorKind = "no-cache-entry"
	KindCancelled         ErrorKind = "cancelled"
	KindInternal          ErrorKind = "internal-error"
)

// FailureClass groups error kinds by how the scheduler reacts to them.
type FailureClass string

// Failure classes.
const (
	ClassNone        FailureClass = ""
	ClassTransient   FailureClass = "transient-network"
	ClassRateLimited FailureClass = "rate-limited"
	ClassPermanent   FailureClass = "permanent"
	ClassCancelled   FailureClass = "cancelled"
	ClassInternal    FailureClass = "internal-error"
)

// Class maps an error kind onto its failure class.
func (k ErrorKind) Class() FailureClass {
	switch k {
	case KindNone:
		return ClassNone
	case KindTimeout, KindConnectionRefused, KindHTTP5xx, KindMalformedResponse:
		return ClassTransient
	case KindRateLimited:
		return ClassRateLimited
	case KindCancelled:
		return ClassCancelled
	case KindInternal:
		return ClassInternal
	default:
		return ClassPermanent
	}
}

// Request is a unit of scheduled work.
type Request struct {
	URL          string
	Host         string
	Depth        int
	DiscoveredAt uint64
	// Priority is the final scalar the queue orders by. When a Scorer is
	// configured it is recomputed at enqueue time and BasePriority is an input.
	Priority     float64
	BasePriority float64
	// Components are named bonus/weight inputs consumed by the Scorer.
	Components  map[string]float64
	FetchPolicy FetchPolicy
	// MaxCacheAge overrides the configured freshness window when > 0.
	MaxCacheAge time.Duration
	Attempt     int
	DedupeKey   string
	// RateLimitRequeued is set once the request has been re-enqueued after a rate-limit signal.
	RateLimitRequeued bool
	Seed              bool
}

// FetchOutcome is the transient result of one fetch attempt.
type FetchOutcome struct {
	Source     Source
	HTTPStatus int
	ErrorKind  ErrorKind
	Latency    time.Duration
	Bytes      int64
	// FallbackApplied is true when cached content was served after a failed network attempt.
	FallbackApplied bool
	// NetworkErrorKind keeps the network failure that triggered a fallback.
	NetworkErrorKind ErrorKind
	// RetryAfter carries a server-provided retry hint for rate-limited outcomes.
	RetryAfter time.Duration
	FinalURL   string
	Headers    http.Header
	Body       []byte
	BodyRef    string
	Note       string
}

// Success reports whether the attempt produced usable content.
func (o FetchOutcome) Success() bool {
	return o.ErrorKind == KindNone
}

// CacheEntry is the cache collaborator's record for a URL.
type CacheEntry struct {
	URL       string
	FetchedAt time.Time
	BodyRef   string
	// Hash is the hex SHA-256 of the body.
	Hash string
	Size int64
}

// Age returns how old the entry is at now.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// NetworkResponse is what a NetworkFetcher returns for a completed exchange.
type NetworkResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// FetchError lets NetworkFetcher implementations report a pre-classified failure.
type FetchError struct {
	Kind       ErrorKind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch failed: %s", e.Kind)
	}
	return fmt.Sprintf("fetch failed: %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// AsFetchError extracts a FetchError from err's chain.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// ScoreContext carries queue state visible to a Scorer.
type ScoreContext struct {
	QueueSize     int
	QueuedForHost int
}
