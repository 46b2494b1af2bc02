// Package embeddings provides embedding generation.
//
// Three providers are supported:
//   - tei: HuggingFace text-embeddings-inference (POST /embed)
//   - gemini: Google AI embeddings through langchaingo
//   - fastembed: local ONNX models via fastembed-go (requires cgo)
//
// Every provider is wrapped by Guarded, which rate limits requests and
// opens a circuit breaker after repeated failures.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput is returned for an empty text.
	ErrEmptyInput = errors.New("empty input text")

	// ErrInvalidConfig is returned for invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed wraps provider-side failures.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider generates an embedding for one text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Config configures the embedding provider.
type Config struct {
	// Provider is "tei", "gemini" or "fastembed".
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
	Timeout  time.Duration
	// CacheDir holds fastembed model files.
	CacheDir string

	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int

	// BreakerFailures consecutive failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// MeterProvider receives embedding metrics; nil uses the global provider.
	MeterProvider metric.MeterProvider
}

// NewProvider builds the configured provider wrapped in Guarded.
func NewProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*Guarded, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: cfg.Timeout}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "", "tei":
		p, err = NewTEIClient(TEIConfig{BaseURL: cfg.BaseURL, Model: cfg.Model}, client)
	case "gemini":
		p, err = NewGeminiClient(ctx, GeminiConfig{Model: cfg.Model, APIKey: cfg.APIKey, Timeout: cfg.Timeout})
	case "fastembed":
		p, err = NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q (supported: tei, gemini, fastembed)", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return NewGuarded(p, GuardConfig{
		RateLimit:       cfg.RateLimit,
		Burst:           cfg.Burst,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}, NewMetrics(cfg.MeterProvider, logger), logger), nil
}
