package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("rosterd.vectorstore.chromem")

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the index in memory.
	Path       string
	Compress   bool
	Collection string
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "employee-embeddings"
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store on chromem-go.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	// mu guards collection. Operations hold the read lock for their whole
	// duration so Reset never swaps the collection under a running write.
	mu         sync.RWMutex
	collection *chromem.Collection
}

// NewChromemStore opens or creates the collection.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandHome(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("creating chromem directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", path, err)
		}
		cfg.Path = path
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem store ready",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("entries", collection.Count()),
	)

	return &ChromemStore{db: db, collection: collection, config: cfg, logger: logger}, nil
}

// noEmbedding is the collection's embedding func. Entries always carry
// vectors, so chromem never calls it.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem: entries must carry a precomputed vector")
}

// Upsert implements Store. chromem replaces documents by id.
func (s *ChromemStore) Upsert(ctx context.Context, entry Entry) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("id", entry.ID))

	if err := validateEntry(entry); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := chromem.Document{
		ID:        entry.ID,
		Content:   entry.Text,
		Metadata:  entry.Metadata,
		Embedding: entry.Vector,
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting %s: %w", entry.ID, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Delete implements Store.
func (s *ChromemStore) Delete(ctx context.Context, id string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.collection.GetByID(ctx, id); err != nil {
		span.SetStatus(codes.Ok, "absent")
		return nil
	}
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting %s: %w", id, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Get implements Store.
func (s *ChromemStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.collection.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return &Entry{
		ID:       doc.ID,
		Text:     doc.Content,
		Vector:   doc.Embedding,
		Metadata: doc.Metadata,
	}, nil
}

// Query implements Store.
func (s *ChromemStore) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// chromem requires nResults <= document count.
	count := s.collection.Count()
	if count == 0 {
		return []Match{}, nil
	}
	if k > count {
		k = count
	}

	results, err := s.collection.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s: %w", s.config.Collection, err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{ID: r.ID, Text: r.Content, Score: r.Similarity, Metadata: r.Metadata}
	}

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Count implements Store.
func (s *ChromemStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collection.Count(), nil
}

// Reset implements Store by dropping and recreating the collection.
func (s *ChromemStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(s.config.Collection); err != nil {
		return fmt.Errorf("deleting collection %s: %w", s.config.Collection, err)
	}
	collection, err := s.db.GetOrCreateCollection(s.config.Collection, nil, noEmbedding)
	if err != nil {
		return fmt.Errorf("recreating collection %s: %w", s.config.Collection, err)
	}
	s.collection = collection

	s.logger.Info("chromem collection reset", zap.String("collection", s.config.Collection))
	return nil
}

// Close implements Store. Persistent chromem writes through on every change.
func (s *ChromemStore) Close() error {
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", path, err)
	}
	return filepath.Join(home, path[2:]), nil
}

var _ Store = (*ChromemStore)(nil)
