// Package derive turns an assembled employee view into the text and vector
// stored in the index.
package derive

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/rosterd/internal/entity"
)

var (
	// ErrEmbeddingUnavailable means the embedding provider failed or
	// returned an empty vector.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrMalformedRecord means a record body is not a JSON object.
	ErrMalformedRecord = errors.New("malformed record body")
)

// Embedder produces a vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Revisions are the record revisions a document was derived from.
type Revisions struct {
	Profile        string
	AdditionalInfo string
	Leave          string
}

// Document is the derived representation of one employee. Each derivation
// produces a new Document; it is never mutated after creation.
type Document struct {
	EntityID  entity.ID
	Text      string
	Vector    []float32
	Revisions Revisions
}

// Deriver builds documents.
type Deriver struct {
	embedder Embedder
}

// NewDeriver creates a deriver that embeds through embedder.
func NewDeriver(embedder Embedder) *Deriver {
	return &Deriver{embedder: embedder}
}

// Derive renders the canonical text for view and embeds it.
func (d *Deriver) Derive(ctx context.Context, view *entity.View) (*Document, error) {
	text, err := CanonicalText(view)
	if err != nil {
		return nil, err
	}

	vec, err := d.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: provider returned an empty vector", ErrEmbeddingUnavailable)
	}

	profile, info, leave := view.Revisions()
	return &Document{
		EntityID: view.ID,
		Text:     text,
		Vector:   vec,
		Revisions: Revisions{
			Profile:        profile,
			AdditionalInfo: info,
			Leave:          leave,
		},
	}, nil
}
