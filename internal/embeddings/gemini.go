package embeddings

import (
	"context"
	"fmt"
	"time"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/googleai"
)

const defaultGeminiModel = "embedding-001"

// GeminiConfig configures the Gemini embedding client.
type GeminiConfig struct {
	Model   string
	APIKey  string
	Timeout time.Duration
}

// GeminiClient embeds text through langchaingo's Google AI client.
type GeminiClient struct {
	embedder lcembeddings.Embedder
	config   GeminiConfig
}

// NewGeminiClient creates a Gemini client. The connection is established
// lazily on the first request.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}

	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(cfg.APIKey),
		googleai.WithDefaultEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("creating google ai client: %w", err)
	}
	return newGeminiClient(llm, cfg)
}

// newGeminiClient wraps any langchaingo embedder client. Canonical text keeps
// its line breaks, so newline stripping is off.
func newGeminiClient(client lcembeddings.EmbedderClient, cfg GeminiConfig) (*GeminiClient, error) {
	embedder, err := lcembeddings.NewEmbedder(client, lcembeddings.WithStripNewLines(false))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &GeminiClient{embedder: embedder, config: cfg}, nil
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string { return c.config.Model }

// Embed implements Provider.
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	vec, err := c.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
	}
	return vec, nil
}
