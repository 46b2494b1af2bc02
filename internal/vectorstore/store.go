// Package vectorstore stores derived employee documents in a vector index.
//
// Two backends implement Store:
//   - ChromemStore: embedded chromem-go, in-memory or persisted to disk
//   - QdrantStore: a remote Qdrant server over gRPC
//
// Writer sits on top of a Store and applies derived documents keyed by
// entity id, so each employee has at most one entry.
package vectorstore

import (
	"context"
	"errors"
)

var (
	// ErrEntryNotFound is returned by Get when no entry has the id.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrInvalidEntry is returned for entries without an id or vector.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrInvalidConfig is returned for invalid store configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Entry is one indexed document.
type Entry struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata map[string]string
}

// Match is a query result.
type Match struct {
	ID       string
	Text     string
	Score    float32
	Metadata map[string]string
}

// Store is a vector index keyed by id.
type Store interface {
	// Upsert replaces any entry with the same id.
	Upsert(ctx context.Context, entry Entry) error

	// Delete removes the entry. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Get returns the entry or ErrEntryNotFound.
	Get(ctx context.Context, id string) (*Entry, error)

	// Query returns up to k entries ranked by similarity to vector.
	Query(ctx context.Context, vector []float32, k int) ([]Match, error)

	// Count returns the number of entries.
	Count(ctx context.Context) (int, error)

	// Reset removes every entry.
	Reset(ctx context.Context) error

	Close() error
}

func validateEntry(e Entry) error {
	if e.ID == "" {
		return errors.Join(ErrInvalidEntry, errors.New("id is required"))
	}
	if len(e.Vector) == 0 {
		return errors.Join(ErrInvalidEntry, errors.New("vector is required"))
	}
	return nil
}
