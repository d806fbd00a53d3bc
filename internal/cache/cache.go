// Package cache implements crawler.Cache as a URL index over content-addressed
// bodies kept in a BlobStore.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Index maps normalized URLs to their newest cache entry.
type Index interface {
	Lookup(ctx context.Context, url string) (*crawler.CacheEntry, error)
	// Upsert stores entry unless a newer one is already indexed for the URL.
	Upsert(ctx context.Context, entry crawler.CacheEntry) error
}

// Config controls where bodies are written.
type Config struct {
	Prefix      string
	ContentType string
}

func (c Config) defaults() Config {
	if c.Prefix == "" {
		c.Prefix = "bodies"
	}
	if c.ContentType == "" {
		c.ContentType = "text/html; charset=utf-8"
	}
	return c
}

// Store is a crawler.Cache.
type Store struct {
	cfg    Config
	index  Index
	blobs  crawler.BlobStore
	hasher crawler.Hasher
	logger *zap.Logger
}

// New builds a Store. All collaborators are required.
func New(cfg Config, index Index, blobs crawler.BlobStore, hasher crawler.Hasher, logger *zap.Logger) (*Store, error) {
	if index == nil || blobs == nil || hasher == nil {
		return nil, errors.New("cache: index, blob store, and hasher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{cfg: cfg.defaults(), index: index, blobs: blobs, hasher: hasher, logger: logger}, nil
}

// Get returns the entry for url, or nil if nothing is cached.
func (s *Store) Get(ctx context.Context, url string) (*crawler.CacheEntry, error) {
	key, err := crawler.NormalizeURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache key: %w", err)
	}
	entry, err := s.index.Lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	return entry, nil
}

// Put writes body to the blob store under its digest and indexes it.
func (s *Store) Put(ctx context.Context, url string, body []byte, fetchedAt time.Time) error {
	key, err := crawler.NormalizeURL(url)
	if err != nil {
		return fmt.Errorf("cache key: %w", err)
	}
	digest, err := s.hasher.Hash(body)
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}
	ref, err := s.storeBody(ctx, BodyPath(s.cfg.Prefix, digest), body)
	if err != nil {
		return err
	}
	entry := crawler.CacheEntry{
		URL:       key,
		FetchedAt: fetchedAt,
		BodyRef:   ref,
		Hash:      digest,
		Size:      int64(len(body)),
	}
	if err := s.index.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("index body: %w", err)
	}
	s.logger.Debug("cached body", zap.String("url", key), zap.String("ref", ref), zap.Int64("size", entry.Size))
	return nil
}

// storeBody uploads body unless the store already holds that digest.
func (s *Store) storeBody(ctx context.Context, p string, body []byte) (string, error) {
	if loc, ok := s.blobs.(crawler.BlobLocator); ok {
		uri, found, err := loc.Locate(ctx, p)
		if err != nil {
			s.logger.Debug("blob lookup failed, uploading", zap.String("path", p), zap.Error(err))
		} else if found {
			return uri, nil
		}
	}
	ref, err := s.blobs.PutObject(ctx, p, s.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store body: %w", err)
	}
	return ref, nil
}

// BodyPath fans digests out over 256 directories.
func BodyPath(prefix, digest string) string {
	if len(digest) < 2 {
		return path.Join(prefix, digest)
	}
	return path.Join(prefix, digest[:2], digest)
}
