// Package ingest orchestrates document ingestion: parse, chunk, embed
// and index, with per-item job tracking. Work runs on a pool of
// background workers; submission returns a job id immediately.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/koopa0/ragpipe/internal/chunk"
	"github.com/koopa0/ragpipe/internal/embed"
	"github.com/koopa0/ragpipe/internal/fetch"
	"github.com/koopa0/ragpipe/internal/index"
	"github.com/koopa0/ragpipe/internal/job"
	"github.com/koopa0/ragpipe/internal/log"
	"github.com/koopa0/ragpipe/internal/parse"
)

var (
	// ErrInProgress indicates the document already has an active
	// ingestion and the duplicate policy is to reject.
	ErrInProgress = errors.New("ingestion already in progress")

	// ErrClosed indicates the pipeline no longer accepts work.
	ErrClosed = errors.New("pipeline closed")

	// ErrDocumentNotFound indicates the document id is not registered.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrEmptyDocument indicates parsing produced no text to index.
	ErrEmptyDocument = errors.New("document has no text content")
)

// Pipeline stage names reported through the job tracker.
const (
	StageParsing   = "parsing"
	StageChunking  = "chunking"
	StageEmbedding = "embedding"
	StageIndexing  = "indexing"
)

// DuplicatePolicy decides what happens when a document is submitted
// while a previous ingestion of the same document is still active.
type DuplicatePolicy string

const (
	// DuplicateReject fails the new submission with ErrInProgress.
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicateQueue runs the new submission after the active one.
	DuplicateQueue DuplicatePolicy = "queue"
)

// Parser extracts plain text from raw document bytes.
type Parser interface {
	Parse(name string, data []byte) (*parse.Document, error)
	Supported(name string) bool
}

// Fetcher retrieves web content.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, timeout time.Duration) (*fetch.Page, error)
	Crawl(ctx context.Context, seedURL string, opts fetch.Options) (*fetch.CrawlResult, error)
}

// Document is a registered, fully indexed document.
type Document struct {
	ID        string
	Name      string
	Source    string // "file", "text" or "web"
	Chunks    int
	Metadata  map[string]string
	CreatedAt time.Time
}

// Options configures a Pipeline.
type Options struct {
	Workers         int
	QueueSize       int
	EmbedBatchSize  int
	DuplicatePolicy DuplicatePolicy
	FetchTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = 2
	}
	if o.QueueSize < 1 {
		o.QueueSize = 64
	}
	if o.EmbedBatchSize < 1 {
		o.EmbedBatchSize = 16
	}
	if o.DuplicatePolicy == "" {
		o.DuplicatePolicy = DuplicateReject
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	return o
}

type task struct {
	jobID    string
	docID    string
	acquired bool // in-flight guard already held by the submitter
	run      func(ctx context.Context, jobID string) error
}

// Pipeline runs ingestion tasks on background workers.
type Pipeline struct {
	opts     Options
	splitter *chunk.Splitter
	embedder embed.Embedder
	store    index.Store
	parser   Parser
	fetcher  Fetcher
	tracker  *job.Tracker
	logger   log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan task
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]chan struct{} // one-slot semaphore per document
	docs     map[string]Document
}

// New creates a Pipeline and starts its workers.
func New(splitter *chunk.Splitter, embedder embed.Embedder, store index.Store, parser Parser, fetcher Fetcher, tracker *job.Tracker, opts Options, logger log.Logger) (*Pipeline, error) {
	if splitter == nil || embedder == nil || store == nil || tracker == nil {
		return nil, errors.New("splitter, embedder, store and tracker are required")
	}
	if logger == nil {
		logger = log.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		opts:     opts.withDefaults(),
		splitter: splitter,
		embedder: embedder,
		store:    store,
		parser:   parser,
		fetcher:  fetcher,
		tracker:  tracker,
		logger:   logger.With("component", "ingest"),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]chan struct{}),
		docs:     make(map[string]Document),
	}
	p.tasks = make(chan task, p.opts.QueueSize)

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p, nil
}

// Close stops accepting work, cancels running jobs and waits for the
// workers to drain.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// SubmitFile queues ingestion of a raw document. The document id is
// derived from the filename. Returns the job id.
func (p *Pipeline) SubmitFile(name string, data []byte) (string, error) {
	if p.parser == nil || !p.parser.Supported(name) {
		return "", fmt.Errorf("%w: %q", parse.ErrUnsupportedFormat, name)
	}
	docID := DeriveID(name)
	return p.submit(job.KindFile, name, docID, func(ctx context.Context, jobID string) error {
		p.tracker.Progress(jobID, StageParsing, 0, 0)
		doc, err := p.parser.Parse(name, data)
		if err != nil {
			return err
		}
		return p.indexDocument(ctx, jobID, docID, name, "file", doc.Text, doc.Metadata)
	})
}

// SubmitText queues ingestion of already-extracted text under an
// explicit document id.
func (p *Pipeline) SubmitText(docID, text string, metadata map[string]string) (string, error) {
	if strings.TrimSpace(docID) == "" {
		return "", errors.New("document id is required")
	}
	meta := parse.SanitizeMetadata(metadata)
	return p.submit(job.KindText, docID, docID, func(ctx context.Context, jobID string) error {
		return p.indexDocument(ctx, jobID, docID, docID, "text", text, meta)
	})
}

// SubmitURL queues fetching and ingestion of a single web page.
func (p *Pipeline) SubmitURL(rawURL string) (string, error) {
	docID := DeriveID(rawURL)
	return p.submit(job.KindURL, rawURL, docID, func(ctx context.Context, jobID string) error {
		p.tracker.Progress(jobID, StageParsing, 0, 0)
		page, err := p.fetcher.Fetch(ctx, rawURL, p.opts.FetchTimeout)
		if err != nil {
			return err
		}
		return p.indexDocument(ctx, jobID, docID, page.URL, "web", page.Text, page.Metadata)
	})
}

// SubmitURLs queues one ingestion job per URL and returns the job ids
// in input order. A rejected URL contributes an empty id and the
// first error is returned alongside the accepted jobs.
func (p *Pipeline) SubmitURLs(rawURLs []string) ([]string, error) {
	ids := make([]string, len(rawURLs))
	var firstErr error
	for i, u := range rawURLs {
		id, err := p.SubmitURL(u)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("submitting %q: %w", u, err)
			}
			continue
		}
		ids[i] = id
	}
	return ids, firstErr
}

// SubmitCrawl queues a bounded site crawl. Every extracted page is
// indexed as its own document. Per-page failures are recorded in the
// job's progress counters without failing it; the job fails only when
// not a single page could be indexed.
func (p *Pipeline) SubmitCrawl(seedURL string, opts fetch.Options) (string, error) {
	docID := DeriveID(seedURL)
	return p.submit(job.KindCrawl, seedURL, docID, func(ctx context.Context, jobID string) error {
		p.tracker.Progress(jobID, StageParsing, 0, 0)
		result, err := p.fetcher.Crawl(ctx, seedURL, opts)
		if err != nil {
			return err
		}

		indexed := 0
		for _, page := range result.Pages {
			if err := p.checkCanceled(ctx, jobID); err != nil {
				return err
			}
			pageID := DeriveID(page.URL)
			if err := p.indexDocument(ctx, jobID, pageID, page.URL, "web", page.Text, page.Metadata); err != nil {
				result.Failures = append(result.Failures, fetch.PageError{URL: page.URL, Err: err})
			} else {
				indexed++
			}
			// Done counts pages indexed, Total pages fetched, so the
			// job reflects partial crawl outcomes.
			p.tracker.Progress(jobID, StageIndexing, indexed, len(result.Pages))
		}

		if indexed == 0 && len(result.Failures) > 0 {
			return fmt.Errorf("no pages indexed from %d fetched: %v", len(result.Pages), result.Failures[0].Err)
		}
		if len(result.Failures) > 0 {
			p.logger.Warn("crawl completed with page failures",
				"seed", seedURL, "indexed", indexed, "failures", len(result.Failures))
		}
		return nil
	})
}

// submit registers a job, applies the duplicate policy and queues the
// task.
func (p *Pipeline) submit(kind job.Kind, source, docID string, run func(ctx context.Context, jobID string) error) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	sem := p.semLocked(docID)
	acquired := false
	select {
	case sem <- struct{}{}:
		acquired = true
	default:
		if p.opts.DuplicatePolicy == DuplicateReject {
			p.mu.Unlock()
			return "", fmt.Errorf("%w: document %q", ErrInProgress, docID)
		}
	}
	jobID := p.tracker.Create(kind, source)
	p.mu.Unlock()

	t := task{jobID: jobID, docID: docID, acquired: acquired, run: run}
	select {
	case p.tasks <- t:
		return jobID, nil
	default:
		if acquired {
			<-sem
		}
		p.tracker.Fail(jobID, "ingestion queue full")
		return "", fmt.Errorf("%w: queue full", ErrClosed)
	}
}

func (p *Pipeline) semLocked(docID string) chan struct{} {
	sem, ok := p.inflight[docID]
	if !ok {
		sem = make(chan struct{}, 1)
		p.inflight[docID] = sem
	}
	return sem
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.runTask(t)
	}
}

func (p *Pipeline) runTask(t task) {
	if !t.acquired {
		if !p.acquire(t) {
			return
		}
	}
	p.mu.Lock()
	sem := p.semLocked(t.docID)
	p.mu.Unlock()
	defer func() { <-sem }()

	if !p.tracker.Start(t.jobID) {
		// Canceled before it began.
		return
	}

	err := t.run(p.ctx, t.jobID)
	switch {
	case err == nil:
		p.tracker.Succeed(t.jobID)
	case errors.Is(err, context.Canceled):
		p.tracker.Cancel(t.jobID)
	default:
		p.logger.Error("ingestion failed", "job", t.jobID, "error", err)
		p.tracker.Fail(t.jobID, err.Error())
	}
}

// acquire blocks until the document's in-flight slot frees up, the
// job is canceled or the pipeline shuts down.
func (p *Pipeline) acquire(t task) bool {
	p.mu.Lock()
	sem := p.semLocked(t.docID)
	p.mu.Unlock()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case sem <- struct{}{}:
			return true
		case <-p.ctx.Done():
			p.tracker.Cancel(t.jobID)
			return false
		case <-ticker.C:
			if p.tracker.Canceled(t.jobID) {
				return false
			}
		}
	}
}

func (p *Pipeline) checkCanceled(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.tracker.Canceled(jobID) {
		return context.Canceled
	}
	return nil
}

// indexDocument runs the chunk, embed and index stages for one
// document's text. Embeddings are staged in memory and written in a
// single upsert, so a failure anywhere leaves no partial index state.
func (p *Pipeline) indexDocument(ctx context.Context, jobID, docID, name, source, text string, metadata map[string]string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyDocument, docID)
	}

	p.tracker.Progress(jobID, StageChunking, 0, 0)
	chunks := p.splitter.Split(docID, text, metadata)
	if len(chunks) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyDocument, docID)
	}
	if err := p.checkCanceled(ctx, jobID); err != nil {
		return err
	}

	// Embed batch by batch, holding all vectors until the batch set is
	// complete.
	model := p.embedder.ModelID()
	entries := make([]index.Entry, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.opts.EmbedBatchSize {
		if err := p.checkCanceled(ctx, jobID); err != nil {
			return err
		}
		end := start + p.opts.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		vectors, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding %s: %w", docID, err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("%w: got %d vectors for %d chunks", embed.ErrBackend, len(vectors), len(batch))
		}

		for i, c := range batch {
			entries = append(entries, index.Entry{
				ID:         c.ID,
				DocumentID: c.DocumentID,
				Vector:     vectors[i],
				Content:    c.Text,
				Metadata:   entryMetadata(c),
				Model:      model,
			})
		}
		p.tracker.Progress(jobID, StageEmbedding, end, len(chunks))
	}

	if err := p.checkCanceled(ctx, jobID); err != nil {
		return err
	}
	if err := index.ValidateEntries(entries); err != nil {
		return err
	}

	p.tracker.Progress(jobID, StageIndexing, 0, len(entries))
	if err := p.store.Upsert(ctx, entries); err != nil {
		return fmt.Errorf("indexing %s: %w", docID, err)
	}

	p.registerDocument(ctx, docID, name, source, len(chunks), metadata)
	p.tracker.AddDocument(jobID, docID)
	p.tracker.Progress(jobID, StageIndexing, len(entries), len(entries))
	p.logger.Info("document indexed", "document", docID, "chunks", len(chunks), "source", source)
	return nil
}

// entryMetadata merges the chunk's inherited metadata with its own
// position fields.
func entryMetadata(c chunk.Chunk) map[string]string {
	meta := make(map[string]string, len(c.Metadata)+2)
	for k, v := range c.Metadata {
		meta[k] = v
	}
	meta["ordinal"] = fmt.Sprintf("%d", c.Ordinal)
	meta["tokens"] = fmt.Sprintf("%d", c.Tokens)
	return meta
}

// registerDocument records the document and removes chunks left over
// from a previous, longer version of it.
func (p *Pipeline) registerDocument(ctx context.Context, docID, name, source string, chunks int, metadata map[string]string) {
	p.mu.Lock()
	prev, existed := p.docs[docID]
	p.docs[docID] = Document{
		ID:        docID,
		Name:      name,
		Source:    source,
		Chunks:    chunks,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	p.mu.Unlock()

	if existed && prev.Chunks > chunks {
		stale := make([]string, 0, prev.Chunks-chunks)
		for i := chunks; i < prev.Chunks; i++ {
			stale = append(stale, chunk.ChunkID(docID, i))
		}
		if err := p.store.Delete(ctx, stale); err != nil {
			p.logger.Warn("failed to remove stale chunks", "document", docID, "error", err)
		}
	}
}

// Documents returns all registered documents sorted by id.
func (p *Pipeline) Documents() []Document {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Document, 0, len(p.docs))
	for _, d := range p.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Document returns one registered document.
func (p *Pipeline) Document(docID string) (Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.docs[docID]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}
	return d, nil
}

// DeleteDocument removes a document from the registry and cascades
// the deletion to its index entries.
func (p *Pipeline) DeleteDocument(ctx context.Context, docID string) error {
	p.mu.Lock()
	_, ok := p.docs[docID]
	if ok {
		delete(p.docs, docID)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}

	if err := p.store.DeleteByDocument(ctx, docID); err != nil {
		return fmt.Errorf("removing index entries for %s: %w", docID, err)
	}
	p.logger.Info("document deleted", "document", docID)
	return nil
}

// DeriveID turns a filename or URL into a stable document id:
// lowercase with runs of non-alphanumerics collapsed to single
// hyphens.
func DeriveID(source string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(source)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
