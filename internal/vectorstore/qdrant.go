package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("rosterd.vectorstore.qdrant")

// pointNamespace scopes the deterministic point ids derived from entity ids.
var pointNamespace = uuid.MustParse("6f1d3c2a-8b4e-4f5a-9c7d-2e1b0a9f8d7c")

// Payload keys written alongside each point.
const (
	payloadID   = "entity_id"
	payloadText = "text"
)

// QdrantConfig configures the Qdrant gRPC store.
type QdrantConfig struct {
	Host           string
	Port           int
	APIKey         string
	UseTLS         bool
	Collection     string
	VectorSize     uint64
	Distance       qdrant.Distance
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "employee-embeddings"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.Distance == qdrant.Distance_UnknownDistance {
		c.Distance = qdrant.Distance_Cosine
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port out of range: %d", ErrInvalidConfig, c.Port)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidConfig)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size is required", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// PointID maps an entity id to its stable Qdrant point id.
func PointID(id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}

// QdrantStore implements Store on Qdrant's native gRPC client.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrantStore connects to Qdrant and ensures the collection exists.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	s := &QdrantStore{client: client, config: cfg, logger: logger}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := retry(ctx, s.config, func() (bool, error) {
		return s.client.CollectionExists(ctx, s.config.Collection)
	})
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
	}
	if exists {
		return nil
	}

	_, err = retry(ctx, s.config, func() (struct{}, error) {
		return struct{}{}, s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.config.VectorSize,
				Distance: s.config.Distance,
			}),
		})
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}
	s.logger.Info("qdrant collection created",
		zap.String("collection", s.config.Collection),
		zap.Uint64("vector_size", s.config.VectorSize),
	)
	return nil
}

// Upsert implements Store.
func (s *QdrantStore) Upsert(ctx context.Context, entry Entry) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("id", entry.ID))

	if err := validateEntry(entry); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(PointID(entry.ID)),
		Vectors: qdrant.NewVectors(entry.Vector...),
		Payload: toPayload(entry),
	}
	_, err := retry(ctx, s.config, func() (*qdrant.UpdateResult, error) {
		return s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         []*qdrant.PointStruct{point},
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting %s: %w", entry.ID, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Delete implements Store. Qdrant treats deleting a missing point as success.
func (s *QdrantStore) Delete(ctx context.Context, id string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	_, err := retry(ctx, s.config, func() (*qdrant.UpdateResult, error) {
		return s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(PointID(id))),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting %s: %w", id, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Get implements Store.
func (s *QdrantStore) Get(ctx context.Context, id string) (*Entry, error) {
	points, err := retry(ctx, s.config, func() ([]*qdrant.RetrievedPoint, error) {
		return s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.config.Collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(PointID(id))},
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", id, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	p := points[0]
	entry := fromPayload(p.GetPayload())
	if entry.ID == "" {
		entry.ID = id
	}
	if dense := p.GetVectors().GetVector().GetDense(); dense != nil {
		entry.Vector = dense.GetData()
	}
	return &entry, nil
}

// Query implements Store.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	results, err := retry(ctx, s.config, func() ([]*qdrant.ScoredPoint, error) {
		return s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s: %w", s.config.Collection, err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		e := fromPayload(r.GetPayload())
		matches[i] = Match{ID: e.ID, Text: e.Text, Score: r.GetScore(), Metadata: e.Metadata}
	}
	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Count implements Store.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	n, err := retry(ctx, s.config, func() (uint64, error) {
		return s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.config.Collection,
			Exact:          qdrant.PtrOf(true),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", s.config.Collection, err)
	}
	return int(n), nil
}

// Reset implements Store by dropping and recreating the collection.
func (s *QdrantStore) Reset(ctx context.Context) error {
	_, err := retry(ctx, s.config, func() (struct{}, error) {
		return struct{}{}, s.client.DeleteCollection(ctx, s.config.Collection)
	})
	if err != nil {
		return fmt.Errorf("deleting collection %s: %w", s.config.Collection, err)
	}
	return s.ensureCollection(ctx)
}

// Close implements Store.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func toPayload(e Entry) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(e.Metadata)+2)
	for k, v := range e.Metadata {
		payload[k] = qdrant.NewValueString(v)
	}
	payload[payloadID] = qdrant.NewValueString(e.ID)
	payload[payloadText] = qdrant.NewValueString(e.Text)
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) Entry {
	e := Entry{Metadata: make(map[string]string, len(payload))}
	for k, v := range payload {
		switch k {
		case payloadID:
			e.ID = v.GetStringValue()
		case payloadText:
			e.Text = v.GetStringValue()
		default:
			e.Metadata[k] = v.GetStringValue()
		}
	}
	return e
}

// retry runs op with exponential backoff while it fails transiently.
func retry[T any](ctx context.Context, cfg QdrantConfig, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBackoff
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsTransientError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxRetries)+1),
	)
}

var _ Store = (*QdrantStore)(nil)
