// Package uuid mints the identifiers a crawl run is tagged with.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered run identifiers.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

// NewRunID returns a UUIDv7 so run IDs sort by start time.
func (Generator) NewRunID() ([16]byte, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return [16]byte{}, fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}

// String renders a run ID in canonical form.
func String(id [16]byte) string {
	return uuid.UUID(id).String()
}

// Parse reads a canonical run ID.
func Parse(s string) ([16]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return id, nil
}
