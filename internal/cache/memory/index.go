// Package memory provides an in-process cache index.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Index keeps cache entries in a map.
type Index struct {
	mu      sync.RWMutex
	entries map[string]crawler.CacheEntry
}

// New returns an empty Index.
func New() *Index {
	return &Index{entries: make(map[string]crawler.CacheEntry)}
}

// Lookup returns a copy of the entry for url, or nil.
func (i *Index) Lookup(_ context.Context, url string) (*crawler.CacheEntry, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.entries[url]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Upsert keeps the newest entry per URL.
func (i *Index) Upsert(_ context.Context, entry crawler.CacheEntry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if cur, ok := i.entries[entry.URL]; ok && cur.FetchedAt.After(entry.FetchedAt) {
		return nil
	}
	i.entries[entry.URL] = entry
	return nil
}

// Len returns the number of indexed URLs.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}
