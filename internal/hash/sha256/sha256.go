// Package sha256 computes the content digests cached bodies are addressed by.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrDigestMismatch is returned by Verify when a body no longer matches its digest.
var ErrDigestMismatch = errors.New("sha256: digest mismatch")

// Hasher implements crawler.Hasher.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader digests r to EOF and reports how many bytes it read.
func (h *Hasher) HashReader(r io.Reader) (string, int64, error) {
	d := sha256.New()
	n, err := io.Copy(d, r)
	if err != nil {
		return "", n, fmt.Errorf("sha256: read body: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), n, nil
}

// Verify checks data against a digest produced by Hash.
func (h *Hasher) Verify(data []byte, digest string) error {
	got, _ := h.Hash(data)
	if got != digest {
		return fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, digest, got)
	}
	return nil
}
