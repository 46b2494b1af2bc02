// Package docstore reads records and their change feed from the primary
// document store.
//
// The store holds three record kinds per employee (profile, additional info,
// leave). This package knows nothing about that shape: it moves opaque JSON
// bodies and revision tokens, and classifies read failures as either
// ErrNotFound (absence is data) or ErrTransient (retryable I/O failure).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound means the record does not exist or was deleted.
	ErrNotFound = errors.New("record not found")

	// ErrTransient wraps network, auth and server failures. Callers must not
	// treat it as absence.
	ErrTransient = errors.New("transient document store error")

	// ErrMalformedChange is returned by ChangeStream.Next for a single event
	// that could not be decoded. The stream remains usable.
	ErrMalformedChange = errors.New("malformed change event")
)

// RawRecord is a record as read from the store.
type RawRecord struct {
	ID string
	// Rev is an opaque revision token. It is compared, never parsed.
	Rev  string
	Body json.RawMessage
}

// Change is one change feed event.
type Change struct {
	// Seq is the feed position after this event, used as the resume checkpoint.
	Seq     string
	ID      string
	Rev     string
	Deleted bool
}

// Fetcher reads a single record.
type Fetcher interface {
	// Get returns the current revision of a record, or an error wrapping
	// ErrNotFound or ErrTransient.
	Get(ctx context.Context, id string) (*RawRecord, error)
}

// ChangeStream yields change events until the connection ends.
type ChangeStream interface {
	// Next blocks for the next event. It returns io.EOF when the store ended
	// the feed cleanly, an error wrapping ErrMalformedChange for an event that
	// should be skipped, and any other error when the connection failed.
	// A malformed event still carries its Seq when the store supplied one.
	Next() (Change, error)
	Close() error
}

// Feed opens change streams.
type Feed interface {
	// Changes streams events after since. An empty since means the beginning
	// of the feed; "now" means only future events.
	Changes(ctx context.Context, since string) (ChangeStream, error)

	// UpdateSeq returns the position of the newest change.
	UpdateSeq(ctx context.Context) (string, error)
}

// Lister enumerates every record id in the store.
type Lister interface {
	RecordIDs(ctx context.Context) ([]string, error)
}

// Store is the full document store surface used by rosterd.
type Store interface {
	Fetcher
	Feed
	Lister
}
