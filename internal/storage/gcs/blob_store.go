// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// CacheControl is applied to every object written, if set.
	CacheControl string
}

// BlobStore writes cached bodies to a configured GCS bucket.
type BlobStore struct {
	client       *storage.Client
	bucket       string
	cacheControl string
	owned        bool
}

// New creates a GCS-backed blob store from an existing client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		client:       client,
		bucket:       cfg.Bucket,
		cacheControl: cfg.CacheControl,
	}, nil
}

// Open creates a client using Application Default Credentials and verifies the
// bucket is reachable so a misconfiguration fails at startup. The returned
// store owns the client; call Close when done.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*BlobStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	s, err := New(client, cfg)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close gcs client", zap.Error(closeErr))
		}
		return nil, err
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close gcs client after bucket check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", cfg.Bucket, err)
	}
	s.owned = true
	return s, nil
}

// PutObject uploads data to path and returns its gs:// URI. Objects are
// written at most once: an upload that loses to an existing object is treated
// as success, since paths are content addressed.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	obj, err := s.object(path)
	if err != nil {
		return "", err
	}
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = s.cacheControl

	if _, err := io.Copy(w, r); err != nil {
		return "", errors.Join(fmt.Errorf("upload %s: %w", s.uri(obj), err), w.Close())
	}
	if err := w.Close(); err != nil && !alreadyExists(err) {
		return "", fmt.Errorf("finalize %s: %w", s.uri(obj), err)
	}
	return s.uri(obj), nil
}

// Locate checks object metadata without downloading the body.
func (s *BlobStore) Locate(ctx context.Context, path string) (string, bool, error) {
	obj, err := s.object(path)
	if err != nil {
		return "", false, err
	}
	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("stat %s: %w", s.uri(obj), err)
	}
	return s.uri(obj), true, nil
}

func (s *BlobStore) object(path string) (*storage.ObjectHandle, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return nil, errors.New("gcs: object path is required")
	}
	return s.client.Bucket(s.bucket).Object(path), nil
}

func (s *BlobStore) uri(obj *storage.ObjectHandle) string {
	return "gs://" + obj.BucketName() + "/" + obj.ObjectName()
}

func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// Close releases the client if the store created it.
func (s *BlobStore) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
