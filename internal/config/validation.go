package config

import (
	"fmt"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// Chunking: overlap must leave forward progress per chunk.
	if c.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("%w: chunk_overlap must be non-negative, got %d", ErrInvalidChunking, c.ChunkOverlap)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap (%d) must be smaller than chunk_size (%d)",
			ErrInvalidChunking, c.ChunkOverlap, c.ChunkSize)
	}

	// Embedding provider and model
	if !slices.Contains([]string{ProviderGemini, ProviderOllama}, c.EmbeddingProvider) {
		return fmt.Errorf("%w: %q, must be one of: gemini, ollama", ErrInvalidProvider, c.EmbeddingProvider)
	}
	if c.EmbeddingModelID == "" {
		return fmt.Errorf("%w: embedding_model_id cannot be empty", ErrInvalidEmbedderModel)
	}
	if c.EmbeddingProvider == ProviderGemini && c.GeminiAPIKey() == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required for the gemini provider",
			ErrMissingAPIKey)
	}

	// Retrieval
	if c.TopK < 1 || c.TopK > 100 {
		return fmt.Errorf("%w: must be between 1 and 100, got %d", ErrInvalidTopK, c.TopK)
	}
	if c.OversampleFactor < 2 || c.OversampleFactor > 20 {
		return fmt.Errorf("%w: must be between 2 and 20, got %d", ErrInvalidOversample, c.OversampleFactor)
	}

	// Crawl bounds
	if c.MaxCrawlDepth < 0 || c.MaxCrawlDepth > 10 {
		return fmt.Errorf("%w: max_crawl_depth must be between 0 and 10, got %d",
			ErrInvalidCrawlBounds, c.MaxCrawlDepth)
	}
	if c.MaxCrawlPages < 1 || c.MaxCrawlPages > 1000 {
		return fmt.Errorf("%w: max_crawl_pages must be between 1 and 1000, got %d",
			ErrInvalidCrawlBounds, c.MaxCrawlPages)
	}
	if c.CrawlConcurrency < 1 || c.CrawlConcurrency > 32 {
		return fmt.Errorf("%w: crawl_concurrency must be between 1 and 32, got %d",
			ErrInvalidCrawlBounds, c.CrawlConcurrency)
	}

	// External call policy
	if c.RetryMaxAttempts < 1 || c.RetryMaxAttempts > 10 {
		return fmt.Errorf("%w: must be between 1 and 10, got %d", ErrInvalidRetry, c.RetryMaxAttempts)
	}
	if c.RequestTimeoutMS < 100 || c.RequestTimeoutMS > 600000 {
		return fmt.Errorf("%w: must be between 100 and 600000, got %d", ErrInvalidTimeout, c.RequestTimeoutMS)
	}

	// Ingestion policy
	if !slices.Contains([]string{DuplicateReject, DuplicateQueue}, c.DuplicatePolicy) {
		return fmt.Errorf("%w: %q, must be one of: reject, queue",
			ErrInvalidDuplicatePolicy, c.DuplicatePolicy)
	}

	// Vector store backend
	switch c.StoreBackend {
	case BackendPgvector:
		if c.PostgresHost == "" {
			return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
		}
		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
		}
		if c.PostgresDBName == "" {
			return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
		}
		validSSLModes := []string{"disable", "require", "verify-ca", "verify-full", "prefer", "allow"}
		if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
			return fmt.Errorf("%w: invalid ssl mode %q", ErrInvalidPostgresHost, c.PostgresSSLMode)
		}
	case BackendQdrant:
		if c.QdrantAddr == "" {
			return fmt.Errorf("%w: qdrant_addr cannot be empty", ErrInvalidQdrantAddr)
		}
		if c.QdrantCollection == "" {
			return fmt.Errorf("%w: qdrant_collection cannot be empty", ErrInvalidQdrantAddr)
		}
	default:
		return fmt.Errorf("%w: %q, must be one of: pgvector, qdrant", ErrInvalidBackend, c.StoreBackend)
	}

	return nil
}
