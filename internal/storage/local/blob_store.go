// Package local stores cached bodies under a directory on local disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Config names the root directory. It is created if missing.
type Config struct {
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ErrOutsideRoot is returned for paths that would resolve outside BaseDir.
var ErrOutsideRoot = errors.New("local blob path escapes base directory")

// BlobStore is a crawler.BlobStore and crawler.BlobLocator on the filesystem.
type BlobStore struct {
	root string
}

// New prepares BaseDir and confirms it accepts writes.
func New(cfg Config) (*BlobStore, error) {
	root := strings.TrimSpace(cfg.BaseDir)
	if root == "" {
		return nil, errors.New("local store: base_dir is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("local store: prepare %s: %w", root, err)
	}
	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("local store: %s is not writable: %w", root, err)
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("local store: remove probe: %w", err)
	}
	return &BlobStore{root: root}, nil
}

// PutObject writes data to a temp file beside the target and renames it into
// place, so a reader never observes a partial body.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	dst, err := s.abs(path)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("local store: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("local store: temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	_, copyErr := io.Copy(tmp, data)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return "", fmt.Errorf("local store: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("local store: publish %s: %w", path, err)
	}
	return uri(dst), nil
}

// Locate reports whether a regular file exists at path.
func (s *BlobStore) Locate(_ context.Context, path string) (string, bool, error) {
	dst, err := s.abs(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(dst)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("local store: stat %s: %w", path, err)
	case !info.Mode().IsRegular():
		return "", false, nil
	}
	return uri(dst), true, nil
}

// GetObject reads the blob at path.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	dst, err := s.abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(dst) // #nosec G304 -- abs confines dst to the root.
	if err != nil {
		return nil, fmt.Errorf("local store: read %s: %w", path, err)
	}
	return data, nil
}

func (s *BlobStore) abs(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("local store: empty path")
	}
	dst := filepath.Join(s.root, path)
	rel, err := filepath.Rel(s.root, dst)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, path)
	}
	return dst, nil
}

func uri(abs string) string { return "file://" + filepath.ToSlash(abs) }
