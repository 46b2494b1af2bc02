package vectorstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rosterd/internal/derive"
	"github.com/fyrsmithlabs/rosterd/internal/entity"
)

// Metadata keys stored with every entry.
const (
	MetaEntityID          = "entity_id"
	MetaProfileRev        = "profile_rev"
	MetaAdditionalInfoRev = "additional_info_rev"
	MetaLeaveRev          = "leave_rev"
	MetaEmbeddingModel    = "embedding_model"
)

// IndexEntry is the stored form of a derived document.
type IndexEntry struct {
	EntityID  entity.ID        `json:"entity_id"`
	Text      string           `json:"text"`
	Revisions derive.Revisions `json:"revisions"`
	Model     string           `json:"model,omitempty"`
	Dims      int              `json:"dims"`
}

// Writer applies derived documents to a Store, one entry per entity.
type Writer struct {
	store  Store
	model  string
	logger *zap.Logger
}

// NewWriter creates a writer. model is recorded in entry metadata.
func NewWriter(store Store, model string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, model: model, logger: logger}
}

// Upsert replaces the entity's entry with doc. Repeating it with the same
// document leaves a single identical entry.
func (w *Writer) Upsert(ctx context.Context, doc *derive.Document) error {
	start := time.Now()
	err := w.store.Upsert(ctx, Entry{
		ID:     string(doc.EntityID),
		Text:   doc.Text,
		Vector: doc.Vector,
		Metadata: map[string]string{
			MetaEntityID:          string(doc.EntityID),
			MetaProfileRev:        doc.Revisions.Profile,
			MetaAdditionalInfoRev: doc.Revisions.AdditionalInfo,
			MetaLeaveRev:          doc.Revisions.Leave,
			MetaEmbeddingModel:    w.model,
		},
	})
	w.observe(ctx, "upsert", start, err)
	if err != nil {
		return fmt.Errorf("index upsert for entity %s: %w", doc.EntityID, err)
	}
	return nil
}

// Remove deletes the entity's entry. Removing an absent entry succeeds.
func (w *Writer) Remove(ctx context.Context, id entity.ID) error {
	start := time.Now()
	err := w.store.Delete(ctx, string(id))
	w.observe(ctx, "remove", start, err)
	if err != nil {
		return fmt.Errorf("index remove for entity %s: %w", id, err)
	}
	return nil
}

// Lookup returns the entity's entry or ErrEntryNotFound.
func (w *Writer) Lookup(ctx context.Context, id entity.ID) (*IndexEntry, error) {
	e, err := w.store.Get(ctx, string(id))
	if err != nil {
		return nil, err
	}
	return &IndexEntry{
		EntityID: id,
		Text:     e.Text,
		Revisions: derive.Revisions{
			Profile:        e.Metadata[MetaProfileRev],
			AdditionalInfo: e.Metadata[MetaAdditionalInfoRev],
			Leave:          e.Metadata[MetaLeaveRev],
		},
		Model: e.Metadata[MetaEmbeddingModel],
		Dims:  len(e.Vector),
	}, nil
}

// Query returns the k entries nearest to vector.
func (w *Writer) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	return w.store.Query(ctx, vector, k)
}

// Reset clears the index.
func (w *Writer) Reset(ctx context.Context) error {
	if err := w.store.Reset(ctx); err != nil {
		return err
	}
	Entries.Set(0)
	return nil
}

func (w *Writer) observe(ctx context.Context, op string, start time.Time, err error) {
	WriteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		WritesTotal.WithLabelValues(op, "error").Inc()
		return
	}
	WritesTotal.WithLabelValues(op, "success").Inc()
	if n, cerr := w.store.Count(ctx); cerr == nil {
		Entries.Set(float64(n))
	}
}
