package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/ragpipe/internal/answer"
	"github.com/koopa0/ragpipe/internal/chunk"
	"github.com/koopa0/ragpipe/internal/config"
	"github.com/koopa0/ragpipe/internal/database"
	"github.com/koopa0/ragpipe/internal/embed"
	"github.com/koopa0/ragpipe/internal/fetch"
	"github.com/koopa0/ragpipe/internal/index"
	"github.com/koopa0/ragpipe/internal/ingest"
	"github.com/koopa0/ragpipe/internal/job"
	"github.com/koopa0/ragpipe/internal/log"
	"github.com/koopa0/ragpipe/internal/parse"
	"github.com/koopa0/ragpipe/internal/retrieve"
)

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// app holds the wired components for one command invocation.
type app struct {
	cfg       *config.Config
	logger    log.Logger
	embedder  embed.Embedder
	store     index.Store
	tracker   *job.Tracker
	pipeline  *ingest.Pipeline
	retriever *retrieve.Retriever

	cleanups []func()
}

func (a *app) close() {
	if a.pipeline != nil {
		a.pipeline.Close()
	}
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

// newApp loads configuration and wires the pipeline components.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level})

	a := &app{cfg: cfg, logger: logger}

	retry := embed.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.Timeout = cfg.RequestTimeout()

	switch cfg.EmbeddingProvider {
	case config.ProviderGemini:
		a.embedder, err = embed.NewGemini(ctx, cfg.GeminiAPIKey(), cfg.EmbeddingModelID, retry, logger)
	case config.ProviderOllama:
		a.embedder, err = embed.NewOllama(cfg.OllamaHost, cfg.EmbeddingModelID, retry, logger)
	default:
		err = fmt.Errorf("%w: %q", config.ErrInvalidProvider, cfg.EmbeddingProvider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	switch cfg.StoreBackend {
	case config.BackendPgvector:
		pool, cleanup, poolErr := database.NewPool(ctx, cfg.PostgresConnectionString(), cfg.PostgresURL())
		if poolErr != nil {
			return nil, poolErr
		}
		a.cleanups = append(a.cleanups, cleanup)
		a.store, err = index.NewPostgres(pool, logger)
	case config.BackendQdrant:
		var q *index.Qdrant
		q, err = index.NewQdrant(ctx, cfg.QdrantAddr, cfg.QdrantCollection, logger)
		if err == nil {
			a.store = q
			a.cleanups = append(a.cleanups, func() { _ = q.Close() })
		}
	default:
		err = fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.StoreBackend)
	}
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating vector store: %w", err)
	}

	splitter, err := chunk.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		a.close()
		return nil, err
	}

	a.tracker = job.NewTracker()
	a.pipeline, err = ingest.New(
		splitter,
		a.embedder,
		a.store,
		parse.New(logger),
		fetch.New(logger),
		a.tracker,
		ingest.Options{
			DuplicatePolicy: ingest.DuplicatePolicy(cfg.DuplicatePolicy),
			FetchTimeout:    cfg.RequestTimeout(),
		},
		logger,
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	a.retriever, err = retrieve.New(a.embedder, a.store, nil, cfg.TopK, cfg.OversampleFactor, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating retriever: %w", err)
	}

	return a, nil
}

// crawlOptions maps the configured crawl bounds onto fetch options.
func (a *app) crawlOptions(depth, pages int) fetch.Options {
	if depth < 0 {
		depth = a.cfg.MaxCrawlDepth
	}
	if pages < 1 {
		pages = a.cfg.MaxCrawlPages
	}
	return fetch.Options{
		MaxDepth:    depth,
		MaxPages:    pages,
		Concurrency: a.cfg.CrawlConcurrency,
		Timeout:     a.cfg.RequestTimeout(),
	}
}

// generator builds the answer generator for the configured provider.
func (a *app) generator(ctx context.Context, model string) (answer.Generator, error) {
	switch a.cfg.EmbeddingProvider {
	case config.ProviderOllama:
		return answer.NewOllama(a.cfg.OllamaHost, model)
	default:
		return answer.NewGemini(ctx, a.cfg.GeminiAPIKey(), model)
	}
}

// waitForJobs polls the tracker until every job reaches a terminal
// state, printing transitions as they happen.
func (a *app) waitForJobs(ctx context.Context, ids []string) error {
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			pending[id] = true
		}
	}

	var failed int
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}

		for id := range pending {
			j, err := a.tracker.Get(id)
			if err != nil {
				delete(pending, id)
				continue
			}
			if !j.State.Terminal() {
				continue
			}
			delete(pending, id)
			switch j.State {
			case job.StateSucceeded:
				fmt.Printf("done  %-7s %s\n", j.Kind, j.Source)
			case job.StateCanceled:
				fmt.Printf("canceled  %-7s %s\n", j.Kind, j.Source)
			default:
				failed++
				fmt.Printf("FAILED  %-7s %s: %s\n", j.Kind, j.Source, j.Reason)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d job(s) failed", failed)
	}
	return nil
}

// printJobSummary prints every job from this run, newest first.
func (a *app) printJobSummary() {
	jobs := a.tracker.List()
	if len(jobs) < 2 {
		return
	}
	fmt.Printf("\n%d jobs:\n", len(jobs))
	for _, j := range jobs {
		line := fmt.Sprintf("  %-9s %-7s %s", j.State, j.Kind, j.Source)
		if j.Total > 0 {
			line += fmt.Sprintf(" (%d/%d)", j.Done, j.Total)
		}
		if j.Reason != "" {
			line += " " + j.Reason
		}
		fmt.Println(line)
	}
}
