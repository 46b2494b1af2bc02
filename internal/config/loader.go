package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "ROSTERD_"
)

// Load loads configuration from a YAML file, then overrides with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (ROSTERD_COUCHDB_URL, ROSTERD_SYNC_WORKERS, etc.)
//  2. YAML config file (~/.config/rosterd/config.yaml)
//  3. Built-in defaults
//
// The file is optional. When present it must live in ~/.config/rosterd/ or
// /etc/rosterd/, be at most 1MB and carry 0600 or 0400 permissions since it
// may hold the CouchDB password and the embedding API key.
//
// Environment variables map onto keys by stripping the prefix and splitting
// on the first underscore:
//
//	ROSTERD_COUCHDB_URL              -> couchdb.url
//	ROSTERD_SCHEMA_PROFILE_PREFIX    -> schema.profile_prefix
//	ROSTERD_FEED_CHECKPOINT_INTERVAL -> feed.checkpoint_interval
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	configPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := newConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ResolvePath returns path, or the default config file location when path
// is empty.
func ResolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "rosterd", "config.yaml"), nil
}

// envKey maps ROSTERD_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile opens the file once and validates it through the open
// descriptor to avoid a stat/open race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Paths that don't exist yet can't be resolved; fall back to absPath.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "rosterd"),
		"/etc/rosterd",
	}
	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}

	return fmt.Errorf("config file must be in ~/.config/rosterd/ or /etc/rosterd/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// CouchDB defaults
	if cfg.CouchDB.URL == "" {
		cfg.CouchDB.URL = "http://localhost:5984"
	}
	if cfg.CouchDB.Database == "" {
		cfg.CouchDB.Database = "employees"
	}
	if cfg.CouchDB.RequestTimeout == 0 {
		cfg.CouchDB.RequestTimeout = 30 * time.Second
	}
	if cfg.CouchDB.Heartbeat == 0 {
		cfg.CouchDB.Heartbeat = 30 * time.Second
	}

	// Record id prefixes used by the employee database
	if cfg.Schema.ProfilePrefix == "" {
		cfg.Schema.ProfilePrefix = "employee_1_"
	}
	if cfg.Schema.AdditionalInfoPrefix == "" {
		cfg.Schema.AdditionalInfoPrefix = "additionalinfo_1_"
	}
	if cfg.Schema.LeavePrefix == "" {
		cfg.Schema.LeavePrefix = "leave_"
	}

	// Embeddings defaults
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "tei"
	}
	if cfg.Embeddings.Provider == "tei" {
		if cfg.Embeddings.BaseURL == "" {
			cfg.Embeddings.BaseURL = "http://localhost:8080"
		}
		if cfg.Embeddings.Model == "" {
			cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
		}
	}
	if cfg.Embeddings.Provider == "fastembed" && cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = 30 * time.Second
	}
	if cfg.Embeddings.RateLimit == 0 {
		cfg.Embeddings.RateLimit = 10
	}
	if cfg.Embeddings.Burst == 0 {
		cfg.Embeddings.Burst = 5
	}
	if cfg.Embeddings.BreakerFailures == 0 {
		cfg.Embeddings.BreakerFailures = 5
	}
	if cfg.Embeddings.BreakerTimeout == 0 {
		cfg.Embeddings.BreakerTimeout = 30 * time.Second
	}

	// VectorStore defaults (chromem is default - embedded, no external deps)
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.Chromem.Collection == "" {
		cfg.Chromem.Collection = "employee-embeddings"
	}

	// Qdrant defaults
	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Qdrant.Collection == "" {
		cfg.Qdrant.Collection = "employee-embeddings"
	}
	if cfg.Qdrant.VectorSize == 0 {
		cfg.Qdrant.VectorSize = 384 // bge-small-en-v1.5 dimensions
	}

	// Feed defaults
	if cfg.Feed.StartFrom == "" {
		cfg.Feed.StartFrom = "now"
	}
	if cfg.Feed.CheckpointInterval == 0 {
		cfg.Feed.CheckpointInterval = 5 * time.Second
	}
	if cfg.Feed.BackoffInitial == 0 {
		cfg.Feed.BackoffInitial = 2 * time.Second
	}
	if cfg.Feed.BackoffMax == 0 {
		cfg.Feed.BackoffMax = time.Minute
	}

	if cfg.Sync.Workers == 0 {
		cfg.Sync.Workers = 4
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "rosterd"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "rosterd"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
}
