// Package config provides configuration loading for rosterd.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrInvalidConfig is returned when a configuration value is rejected.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the rosterd configuration.
type Config struct {
	CouchDB     CouchDBConfig     `koanf:"couchdb"`
	Schema      SchemaConfig      `koanf:"schema"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Chromem     ChromemConfig     `koanf:"chromem"`
	Qdrant      QdrantConfig      `koanf:"qdrant"`
	Feed        FeedConfig        `koanf:"feed"`
	Sync        SyncConfig        `koanf:"sync"`
	Server      ServerConfig      `koanf:"server"`
	NATS        NATSConfig        `koanf:"nats"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// CouchDBConfig configures the document store connection.
type CouchDBConfig struct {
	URL            string        `koanf:"url"`
	Database       string        `koanf:"database"`
	Username       string        `koanf:"username"`
	Password       Secret        `koanf:"password"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	Heartbeat      time.Duration `koanf:"heartbeat"`
}

// SchemaConfig holds the record id prefixes that compose one entity.
type SchemaConfig struct {
	ProfilePrefix        string `koanf:"profile_prefix"`
	AdditionalInfoPrefix string `koanf:"additional_info_prefix"`
	LeavePrefix          string `koanf:"leave_prefix"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider        string        `koanf:"provider"`
	BaseURL         string        `koanf:"base_url"`
	Model           string        `koanf:"model"`
	APIKey          Secret        `koanf:"api_key"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimit       float64       `koanf:"rate_limit"`
	Burst           int           `koanf:"burst"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
	CacheDir        string        `koanf:"cache_dir"`
}

// VectorStoreConfig selects the vector index backend.
type VectorStoreConfig struct {
	Provider string `koanf:"provider"`
}

// ChromemConfig configures the embedded chromem-go index.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	Collection string `koanf:"collection"`
}

// QdrantConfig configures the Qdrant index.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	Collection string `koanf:"collection"`
	VectorSize uint64 `koanf:"vector_size"`
}

// FeedConfig configures the change feed consumer.
type FeedConfig struct {
	StartFrom          string        `koanf:"start_from"`
	CheckpointPath     string        `koanf:"checkpoint_path"`
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`
	BackoffInitial     time.Duration `koanf:"backoff_initial"`
	BackoffMax         time.Duration `koanf:"backoff_max"`
}

// SyncConfig configures the sync orchestrator.
type SyncConfig struct {
	Workers        int  `koanf:"workers"`
	ReindexOnStart bool `koanf:"reindex_on_start"`
	WipeOnStart    bool `koanf:"wipe_on_start"`
}

// ServerConfig holds admin HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// NATSConfig configures sync event publishing. An empty URL disables it.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig holds the logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds the OpenTelemetry settings exposed to operators.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	Protocol     string  `koanf:"protocol"`
	Insecure     bool    `koanf:"insecure"`
	ServiceName  string  `koanf:"service_name"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := newConfig()
	applyDefaults(cfg)
	return cfg
}

// newConfig presets the boolean defaults, which applyDefaults cannot tell
// apart from an explicit false.
func newConfig() *Config {
	return &Config{
		Chromem:   ChromemConfig{Compress: true},
		Telemetry: TelemetryConfig{Insecure: true},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.CouchDB.URL == "" {
		return fmt.Errorf("%w: couchdb.url is required", ErrInvalidConfig)
	}
	if u, err := url.Parse(c.CouchDB.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: couchdb.url %q is not an absolute URL", ErrInvalidConfig, c.CouchDB.URL)
	}
	if c.CouchDB.Database == "" {
		return fmt.Errorf("%w: couchdb.database is required", ErrInvalidConfig)
	}

	if c.Schema.ProfilePrefix == "" || c.Schema.AdditionalInfoPrefix == "" || c.Schema.LeavePrefix == "" {
		return fmt.Errorf("%w: all schema prefixes are required", ErrInvalidConfig)
	}
	if c.Schema.ProfilePrefix == c.Schema.AdditionalInfoPrefix ||
		c.Schema.ProfilePrefix == c.Schema.LeavePrefix ||
		c.Schema.AdditionalInfoPrefix == c.Schema.LeavePrefix {
		return fmt.Errorf("%w: schema prefixes must be distinct", ErrInvalidConfig)
	}

	switch c.Embeddings.Provider {
	case "tei":
		if c.Embeddings.BaseURL == "" {
			return fmt.Errorf("%w: embeddings.base_url is required for tei", ErrInvalidConfig)
		}
	case "gemini":
		if !c.Embeddings.APIKey.IsSet() {
			return fmt.Errorf("%w: embeddings.api_key is required for gemini", ErrInvalidConfig)
		}
	case "fastembed":
		if c.Embeddings.Model == "" {
			return fmt.Errorf("%w: embeddings.model is required for fastembed", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown embeddings.provider %q (supported: tei, gemini, fastembed)", ErrInvalidConfig, c.Embeddings.Provider)
	}
	if c.Embeddings.RateLimit < 0 {
		return fmt.Errorf("%w: embeddings.rate_limit cannot be negative", ErrInvalidConfig)
	}

	switch c.VectorStore.Provider {
	case "chromem":
		if c.Chromem.Collection == "" {
			return fmt.Errorf("%w: chromem.collection is required", ErrInvalidConfig)
		}
	case "qdrant":
		if c.Qdrant.Host == "" || c.Qdrant.Collection == "" {
			return fmt.Errorf("%w: qdrant.host and qdrant.collection are required", ErrInvalidConfig)
		}
		if c.Qdrant.Port <= 0 || c.Qdrant.Port > 65535 {
			return fmt.Errorf("%w: qdrant.port %d out of range", ErrInvalidConfig, c.Qdrant.Port)
		}
		if c.Qdrant.VectorSize == 0 {
			return fmt.Errorf("%w: qdrant.vector_size is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown vectorstore.provider %q (supported: chromem, qdrant)", ErrInvalidConfig, c.VectorStore.Provider)
	}

	if c.Feed.StartFrom != "now" && c.Feed.StartFrom != "0" {
		return fmt.Errorf("%w: feed.start_from must be 'now' or '0', got %q", ErrInvalidConfig, c.Feed.StartFrom)
	}
	if c.Feed.BackoffMax < c.Feed.BackoffInitial {
		return fmt.Errorf("%w: feed.backoff_max must be >= feed.backoff_initial", ErrInvalidConfig)
	}

	if c.Sync.Workers < 1 {
		return fmt.Errorf("%w: sync.workers must be at least 1", ErrInvalidConfig)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}

	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("%w: telemetry.sampling_rate must be between 0 and 1", ErrInvalidConfig)
	}

	return nil
}
