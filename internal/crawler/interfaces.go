package crawler

import (
	"context"
	"io"
	"time"
)

// Cache is the narrow contract the fetch path uses to read and write cached content.
// Put is best effort; callers log and swallow its errors.
type Cache interface {
	Get(ctx context.Context, url string) (*CacheEntry, error)
	Put(ctx context.Context, url string, body []byte, fetchedAt time.Time) error
}

// NetworkFetcher performs a single network exchange. Cancellation of ctx must abort
// the in-flight call.
type NetworkFetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) (NetworkResponse, error)
}

// Scorer computes a request's priority at enqueue time.
type Scorer interface {
	Score(req Request, sc ScoreContext) float64
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc func(req Request, sc ScoreContext) float64

// Score calls f.
func (f ScorerFunc) Score(req Request, sc ScoreContext) float64 {
	return f(req, sc)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// BlobLocator is an optional BlobStore extension. Stores that implement it let
// callers skip uploading a body that is already present at path.
type BlobLocator interface {
	Locate(ctx context.Context, path string) (uri string, found bool, err error)
}

// ResultHandler receives successful outcomes for downstream processing.
type ResultHandler interface {
	HandleResult(ctx context.Context, req Request, outcome FetchOutcome) error
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
