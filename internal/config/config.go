// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.ragpipe/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Chunking: chunk_size / chunk_overlap in embedding tokens
//   - Embedding: provider, model id, retry and rate limits
//   - Vector store: backend selection (pgvector or qdrant) and
//     connection settings (see storage.go)
//   - Retrieval: top_k and oversample_factor
//   - Crawling: depth, page and concurrency bounds
//
// Error Handling:
//   - Sentinel errors checked with errors.Is()
//   - Wrapped with context via fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidChunking indicates chunk_size/chunk_overlap are unusable
	// (overlap must be smaller than size, both positive).
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidTopK indicates top_k is out of range.
	ErrInvalidTopK = errors.New("invalid top_k")

	// ErrInvalidOversample indicates oversample_factor is out of range.
	ErrInvalidOversample = errors.New("invalid oversample_factor")

	// ErrInvalidCrawlBounds indicates crawl depth/page/concurrency limits
	// are out of range.
	ErrInvalidCrawlBounds = errors.New("invalid crawl bounds")

	// ErrInvalidProvider indicates the embedding provider is not supported.
	ErrInvalidProvider = errors.New("invalid embedding provider")

	// ErrInvalidBackend indicates the vector store backend is not supported.
	ErrInvalidBackend = errors.New("invalid store backend")

	// ErrInvalidDuplicatePolicy indicates the duplicate submission policy
	// is not supported.
	ErrInvalidDuplicatePolicy = errors.New("invalid duplicate policy")

	// ErrInvalidEmbedderModel indicates the embedding model id is empty.
	ErrInvalidEmbedderModel = errors.New("invalid embedding model")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidRetry indicates retry_max_attempts is out of range.
	ErrInvalidRetry = errors.New("invalid retry_max_attempts")

	// ErrInvalidTimeout indicates request_timeout_ms is out of range.
	ErrInvalidTimeout = errors.New("invalid request_timeout_ms")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidQdrantAddr indicates the Qdrant address is invalid.
	ErrInvalidQdrantAddr = errors.New("invalid Qdrant address")
)

// Embedding provider identifiers used in Config.EmbeddingProvider.
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
)

// Vector store backend identifiers used in Config.StoreBackend.
const (
	BackendPgvector = "pgvector"
	BackendQdrant   = "qdrant"
)

// Duplicate-submission policies used in Config.DuplicatePolicy.
const (
	DuplicateReject = "reject"
	DuplicateQueue  = "queue"
)

// DefaultGeminiEmbedderModel is the default Gemini embedding model.
// gemini-embedding-001 supports truncation to 768 dimensions via
// OutputDimensionality; the pgvector schema is sized accordingly.
const DefaultGeminiEmbedderModel = "gemini-embedding-001"

// Config stores application configuration.
type Config struct {
	// Chunking configuration, both measured in embedding tokens.
	ChunkSize    int `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap" json:"chunk_overlap"`

	// Embedding configuration
	EmbeddingProvider string `mapstructure:"embedding_provider" json:"embedding_provider"` // "gemini" (default) or "ollama"
	EmbeddingModelID  string `mapstructure:"embedding_model_id" json:"embedding_model_id"`
	OllamaHost        string `mapstructure:"ollama_host" json:"ollama_host"`

	// Retrieval configuration
	TopK             int `mapstructure:"top_k" json:"top_k"`
	OversampleFactor int `mapstructure:"oversample_factor" json:"oversample_factor"`

	// Crawl configuration
	MaxCrawlDepth    int `mapstructure:"max_crawl_depth" json:"max_crawl_depth"`
	MaxCrawlPages    int `mapstructure:"max_crawl_pages" json:"max_crawl_pages"`
	CrawlConcurrency int `mapstructure:"crawl_concurrency" json:"crawl_concurrency"`

	// External call policy
	RetryMaxAttempts int `mapstructure:"retry_max_attempts" json:"retry_max_attempts"`
	RequestTimeoutMS int `mapstructure:"request_timeout_ms" json:"request_timeout_ms"`

	// Ingestion policy: "reject" duplicate in-flight submissions or "queue" them.
	DuplicatePolicy string `mapstructure:"duplicate_policy" json:"duplicate_policy"`

	// Vector store backend: "pgvector" (default) or "qdrant".
	StoreBackend string `mapstructure:"store_backend" json:"store_backend"`

	// PostgreSQL configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: never logged
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Qdrant configuration (only used when store_backend is "qdrant")
	QdrantAddr       string `mapstructure:"qdrant_addr" json:"qdrant_addr"`
	QdrantCollection string `mapstructure:"qdrant_collection" json:"qdrant_collection"`
}

// RequestTimeout returns the per-external-call timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// GeminiAPIKey returns the Gemini API key from the environment.
func (c *Config) GeminiAPIKey() string {
	return os.Getenv("GEMINI_API_KEY")
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".ragpipe")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error, defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// Chunking defaults (tokens)
	v.SetDefault("chunk_size", 512)
	v.SetDefault("chunk_overlap", 50)

	// Embedding defaults
	v.SetDefault("embedding_provider", ProviderGemini)
	v.SetDefault("embedding_model_id", DefaultGeminiEmbedderModel)
	v.SetDefault("ollama_host", "http://localhost:11434")

	// Retrieval defaults
	v.SetDefault("top_k", 5)
	v.SetDefault("oversample_factor", 3)

	// Crawl defaults
	v.SetDefault("max_crawl_depth", 2)
	v.SetDefault("max_crawl_pages", 25)
	v.SetDefault("crawl_concurrency", 4)

	// External call policy defaults
	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("request_timeout_ms", 30000)

	// Ingestion defaults
	v.SetDefault("duplicate_policy", DuplicateReject)

	// Vector store defaults
	v.SetDefault("store_backend", BackendPgvector)

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "ragpipe")
	v.SetDefault("postgres_password", "ragpipe_dev_password")
	v.SetDefault("postgres_db_name", "ragpipe")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Qdrant defaults
	v.SetDefault("qdrant_addr", "localhost:6334")
	v.SetDefault("qdrant_collection", "ragpipe")
}

// bindEnvVariables binds environment variable overrides explicitly.
// Secrets (GEMINI_API_KEY, DATABASE_URL) are read directly from the
// environment and never written to the config file.
func bindEnvVariables(v *viper.Viper) {
	for _, key := range []string{
		"chunk_size", "chunk_overlap",
		"embedding_provider", "embedding_model_id", "ollama_host",
		"top_k", "oversample_factor",
		"max_crawl_depth", "max_crawl_pages", "crawl_concurrency",
		"retry_max_attempts", "request_timeout_ms",
		"duplicate_policy", "store_backend",
		"postgres_host", "postgres_port", "postgres_user",
		"postgres_password", "postgres_db_name", "postgres_ssl_mode",
		"qdrant_addr", "qdrant_collection",
	} {
		// Binding errors only occur for empty keys; the list is static.
		_ = v.BindEnv(key, "RAGPIPE_"+envName(key))
	}
}

// envName converts a config key to its environment variable suffix.
func envName(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
