package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/koopa0/ragpipe/internal/chunk"
	"github.com/koopa0/ragpipe/internal/embed"
	"github.com/koopa0/ragpipe/internal/fetch"
	"github.com/koopa0/ragpipe/internal/job"
	"github.com/koopa0/ragpipe/internal/log"
	"github.com/koopa0/ragpipe/internal/parse"
	"github.com/koopa0/ragpipe/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeFetcher serves canned pages keyed by URL.
type fakeFetcher struct {
	pages    map[string]*fetch.Page
	failures []fetch.PageError
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (*fetch.Page, error) {
	p, ok := f.pages[rawURL]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fetch.ErrFetch, rawURL)
	}
	return p, nil
}

func (f *fakeFetcher) Crawl(ctx context.Context, seedURL string, opts fetch.Options) (*fetch.CrawlResult, error) {
	if _, ok := f.pages[seedURL]; !ok {
		return nil, fmt.Errorf("%w: %s", fetch.ErrFetch, seedURL)
	}
	result := &fetch.CrawlResult{Failures: f.failures}
	for _, p := range f.pages {
		result.Pages = append(result.Pages, *p)
	}
	return result, nil
}

// gatedEmbedder blocks its first Embed call until released, so tests
// can act while a job is mid-flight.
type gatedEmbedder struct {
	*testutil.FakeEmbedder
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedEmbedder() *gatedEmbedder {
	return &gatedEmbedder{
		FakeEmbedder: testutil.NewFakeEmbedder("gated-model"),
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}
}

func (g *gatedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	g.once.Do(func() {
		close(g.started)
		select {
		case <-g.release:
		case <-ctx.Done():
		}
	})
	return g.FakeEmbedder.Embed(ctx, texts)
}

type env struct {
	pipeline *Pipeline
	tracker  *job.Tracker
	store    *testutil.MemoryStore
	embedder *testutil.FakeEmbedder
	fetcher  *fakeFetcher
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	fake := testutil.NewFakeEmbedder("test-model")
	return newEnvWith(t, opts, fake, fake)
}

func newEnvWith(t *testing.T, opts Options, embedder embed.Embedder, fake *testutil.FakeEmbedder) *env {
	t.Helper()

	splitter, err := chunk.NewSplitter(50, 10)
	if err != nil {
		t.Fatalf("NewSplitter() error: %v", err)
	}
	store := testutil.NewMemoryStore()
	tracker := job.NewTracker()
	fetcher := &fakeFetcher{pages: map[string]*fetch.Page{}}

	p, err := New(splitter, embedder, store, parse.New(log.NewNop()), fetcher, tracker, opts, log.NewNop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(p.Close)

	return &env{pipeline: p, tracker: tracker, store: store, embedder: fake, fetcher: fetcher}
}

func waitTerminal(t *testing.T, tr *job.Tracker, id string) job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := tr.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) error: %v", id, err)
		}
		if j.State.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return job.Job{}
}

func paragraphs(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		for w := 0; w < 30; w++ {
			fmt.Fprintf(&b, "para%d word%d ", i, w)
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

func TestSubmitTextIndexesDocument(t *testing.T) {
	e := newEnv(t, Options{})

	jobID, err := e.pipeline.SubmitText("manual-doc", paragraphs(4), map[string]string{"source": "manual"})
	if err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}

	j := waitTerminal(t, e.tracker, jobID)
	if j.State != job.StateSucceeded {
		t.Fatalf("job state = %s, reason = %q", j.State, j.Reason)
	}
	if len(j.Documents) != 1 || j.Documents[0] != "manual-doc" {
		t.Errorf("job documents = %v, want [manual-doc]", j.Documents)
	}

	doc, err := e.pipeline.Document("manual-doc")
	if err != nil {
		t.Fatalf("Document() error: %v", err)
	}
	if doc.Chunks == 0 {
		t.Fatal("document registered with zero chunks")
	}

	count, _ := e.store.Count(context.Background(), nil)
	if int(count) != doc.Chunks {
		t.Errorf("index has %d entries, document has %d chunks", count, doc.Chunks)
	}

	entry, ok := e.store.Entry(chunk.ChunkID("manual-doc", 0))
	if !ok {
		t.Fatal("first chunk missing from index")
	}
	if entry.Model != "test-model" {
		t.Errorf("entry model = %q", entry.Model)
	}
	if entry.Metadata["source"] != "manual" {
		t.Errorf("entry metadata = %v", entry.Metadata)
	}
	if entry.Metadata["ordinal"] != "0" {
		t.Errorf("ordinal metadata = %q", entry.Metadata["ordinal"])
	}
}

func TestSubmitTextValidation(t *testing.T) {
	e := newEnv(t, Options{})

	if _, err := e.pipeline.SubmitText("", "text", nil); err == nil {
		t.Error("SubmitText with empty id should fail")
	}

	jobID, err := e.pipeline.SubmitText("empty-doc", "   \n  ", nil)
	if err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	j := waitTerminal(t, e.tracker, jobID)
	if j.State != job.StateFailed {
		t.Errorf("empty document job state = %s", j.State)
	}
}

func TestSubmitFile(t *testing.T) {
	e := newEnv(t, Options{})

	jobID, err := e.pipeline.SubmitFile("notes.txt", []byte(paragraphs(2)))
	if err != nil {
		t.Fatalf("SubmitFile() error: %v", err)
	}
	j := waitTerminal(t, e.tracker, jobID)
	if j.State != job.StateSucceeded {
		t.Fatalf("job state = %s, reason = %q", j.State, j.Reason)
	}

	doc, err := e.pipeline.Document("notes-txt")
	if err != nil {
		t.Fatalf("Document() error: %v", err)
	}
	if doc.Source != "file" {
		t.Errorf("Source = %q", doc.Source)
	}

	if _, err := e.pipeline.SubmitFile("image.png", []byte{1, 2, 3}); !errors.Is(err, parse.ErrUnsupportedFormat) {
		t.Errorf("SubmitFile(.png) = %v, want ErrUnsupportedFormat", err)
	}
}

func TestAtomicityOnEmbedFailure(t *testing.T) {
	embedder := testutil.NewFakeEmbedder("test-model")
	embedder.Err = errors.New("backend down")
	e := newEnvWith(t, Options{}, embedder, embedder)

	jobID, err := e.pipeline.SubmitText("doomed-doc", paragraphs(3), nil)
	if err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	j := waitTerminal(t, e.tracker, jobID)
	if j.State != job.StateFailed {
		t.Fatalf("job state = %s", j.State)
	}

	count, _ := e.store.Count(context.Background(), nil)
	if count != 0 {
		t.Errorf("failed ingestion left %d index entries", count)
	}
	if _, err := e.pipeline.Document("doomed-doc"); !errors.Is(err, ErrDocumentNotFound) {
		t.Error("failed ingestion registered a document")
	}
}

func TestAtomicityOnIndexFailure(t *testing.T) {
	e := newEnv(t, Options{})
	e.store.UpsertErr = errors.New("store offline")

	jobID, err := e.pipeline.SubmitText("doc-x", paragraphs(3), nil)
	if err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	j := waitTerminal(t, e.tracker, jobID)
	if j.State != job.StateFailed {
		t.Fatalf("job state = %s", j.State)
	}
	if !strings.Contains(j.Reason, "store offline") {
		t.Errorf("failure reason = %q", j.Reason)
	}
}

func TestDuplicateRejected(t *testing.T) {
	gated := newGatedEmbedder()
	e := newEnvWith(t, Options{DuplicatePolicy: DuplicateReject}, gated, gated.FakeEmbedder)

	first, err := e.pipeline.SubmitText("shared-doc", paragraphs(3), nil)
	if err != nil {
		t.Fatalf("first SubmitText() error: %v", err)
	}
	<-gated.started

	if _, err := e.pipeline.SubmitText("shared-doc", paragraphs(3), nil); !errors.Is(err, ErrInProgress) {
		t.Errorf("duplicate submission = %v, want ErrInProgress", err)
	}
	// A different document is unaffected.
	other, err := e.pipeline.SubmitText("other-doc", paragraphs(2), nil)
	if err != nil {
		t.Errorf("unrelated SubmitText() error: %v", err)
	}

	close(gated.release)
	if j := waitTerminal(t, e.tracker, first); j.State != job.StateSucceeded {
		t.Errorf("first job state = %s, reason %q", j.State, j.Reason)
	}
	if j := waitTerminal(t, e.tracker, other); j.State != job.StateSucceeded {
		t.Errorf("other job state = %s, reason %q", j.State, j.Reason)
	}

	// With the slot free again the document can be re-submitted.
	again, err := e.pipeline.SubmitText("shared-doc", paragraphs(3), nil)
	if err != nil {
		t.Fatalf("resubmission error: %v", err)
	}
	waitTerminal(t, e.tracker, again)
}

func TestDuplicateQueued(t *testing.T) {
	gated := newGatedEmbedder()
	e := newEnvWith(t, Options{DuplicatePolicy: DuplicateQueue, Workers: 2}, gated, gated.FakeEmbedder)

	first, err := e.pipeline.SubmitText("queued-doc", paragraphs(3), nil)
	if err != nil {
		t.Fatalf("first SubmitText() error: %v", err)
	}
	<-gated.started

	second, err := e.pipeline.SubmitText("queued-doc", paragraphs(3), nil)
	if err != nil {
		t.Fatalf("queued SubmitText() error: %v", err)
	}

	close(gated.release)
	if j := waitTerminal(t, e.tracker, first); j.State != job.StateSucceeded {
		t.Errorf("first job state = %s", j.State)
	}
	if j := waitTerminal(t, e.tracker, second); j.State != job.StateSucceeded {
		t.Errorf("second job state = %s, reason %q", j.State, j.Reason)
	}
}

func TestCancelBeforeStart(t *testing.T) {
	gated := newGatedEmbedder()
	e := newEnvWith(t, Options{Workers: 1}, gated, gated.FakeEmbedder)

	blocker, err := e.pipeline.SubmitText("blocker-doc", paragraphs(2), nil)
	if err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	<-gated.started

	// Queued behind the blocker on the single worker.
	victim, err := e.pipeline.SubmitText("victim-doc", paragraphs(2), nil)
	if err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	if !e.tracker.Cancel(victim) {
		t.Fatal("Cancel() = false")
	}

	close(gated.release)
	waitTerminal(t, e.tracker, blocker)

	j := waitTerminal(t, e.tracker, victim)
	if j.State != job.StateCanceled {
		t.Errorf("victim state = %s", j.State)
	}
	if _, err := e.pipeline.Document("victim-doc"); !errors.Is(err, ErrDocumentNotFound) {
		t.Error("canceled job indexed a document")
	}
}

func TestSubmitURLAndCrawl(t *testing.T) {
	e := newEnv(t, Options{})
	e.fetcher.pages["https://example.com/a"] = &fetch.Page{
		URL:      "https://example.com/a",
		Title:    "A",
		Text:     paragraphs(2),
		Metadata: map[string]string{"source": "web", "url": "https://example.com/a"},
	}
	e.fetcher.pages["https://example.com/b"] = &fetch.Page{
		URL:      "https://example.com/b",
		Title:    "B",
		Text:     paragraphs(2),
		Metadata: map[string]string{"source": "web", "url": "https://example.com/b"},
	}
	e.fetcher.failures = []fetch.PageError{{URL: "https://example.com/broken", Err: fetch.ErrFetch}}

	jobID, err := e.pipeline.SubmitURL("https://example.com/a")
	if err != nil {
		t.Fatalf("SubmitURL() error: %v", err)
	}
	if j := waitTerminal(t, e.tracker, jobID); j.State != job.StateSucceeded {
		t.Fatalf("url job state = %s, reason %q", j.State, j.Reason)
	}

	crawlID, err := e.pipeline.SubmitCrawl("https://example.com/a", fetch.Options{MaxDepth: 1, MaxPages: 10})
	if err != nil {
		t.Fatalf("SubmitCrawl() error: %v", err)
	}
	if j := waitTerminal(t, e.tracker, crawlID); j.State != job.StateSucceeded {
		t.Fatalf("crawl job state = %s, reason %q", j.State, j.Reason)
	}

	docs := e.pipeline.Documents()
	if len(docs) != 2 {
		t.Errorf("registered %d documents, want 2", len(docs))
	}

	// Unknown URL fails the job, not the submission.
	badID, err := e.pipeline.SubmitURL("https://example.com/missing")
	if err != nil {
		t.Fatalf("SubmitURL() error: %v", err)
	}
	if j := waitTerminal(t, e.tracker, badID); j.State != job.StateFailed {
		t.Errorf("missing url job state = %s", j.State)
	}
}

func TestCrawlPartialFailureShowsInCounters(t *testing.T) {
	e := newEnv(t, Options{})
	e.fetcher.pages["https://example.com/good"] = &fetch.Page{
		URL: "https://example.com/good", Text: paragraphs(2),
	}
	e.fetcher.pages["https://example.com/empty"] = &fetch.Page{
		URL: "https://example.com/empty", Text: "   ",
	}

	jobID, err := e.pipeline.SubmitCrawl("https://example.com/good", fetch.Options{MaxPages: 10})
	if err != nil {
		t.Fatalf("SubmitCrawl() error: %v", err)
	}

	j := waitTerminal(t, e.tracker, jobID)
	if j.State != job.StateSucceeded {
		t.Fatalf("crawl job state = %s, reason %q", j.State, j.Reason)
	}
	// One of two fetched pages indexed; the counters say so.
	if j.Done != 1 || j.Total != 2 {
		t.Errorf("progress = %d/%d, want 1/2", j.Done, j.Total)
	}
	if len(j.Documents) != 1 || j.Documents[0] != "https-example-com-good" {
		t.Errorf("job documents = %v", j.Documents)
	}
}

func TestCrawlFailsWhenNoPageIndexes(t *testing.T) {
	e := newEnv(t, Options{})
	e.fetcher.pages["https://example.com/blank"] = &fetch.Page{
		URL: "https://example.com/blank", Text: "",
	}

	jobID, err := e.pipeline.SubmitCrawl("https://example.com/blank", fetch.Options{MaxPages: 10})
	if err != nil {
		t.Fatalf("SubmitCrawl() error: %v", err)
	}

	j := waitTerminal(t, e.tracker, jobID)
	if j.State != job.StateFailed {
		t.Fatalf("crawl job state = %s, want failed", j.State)
	}
	if !strings.Contains(j.Reason, "no pages indexed") {
		t.Errorf("failure reason = %q", j.Reason)
	}
}

func TestSubmitURLs(t *testing.T) {
	e := newEnv(t, Options{})
	e.fetcher.pages["https://example.com/one"] = &fetch.Page{
		URL: "https://example.com/one", Text: paragraphs(2),
	}

	ids, err := e.pipeline.SubmitURLs([]string{"https://example.com/one", "https://example.com/two"})
	if err != nil {
		t.Fatalf("SubmitURLs() error: %v", err)
	}
	if len(ids) != 2 || ids[0] == "" || ids[1] == "" {
		t.Fatalf("ids = %v", ids)
	}
	if j := waitTerminal(t, e.tracker, ids[0]); j.State != job.StateSucceeded {
		t.Errorf("first url job = %s", j.State)
	}
	if j := waitTerminal(t, e.tracker, ids[1]); j.State != job.StateFailed {
		t.Errorf("second url job = %s", j.State)
	}
}

func TestReingestRemovesStaleChunks(t *testing.T) {
	e := newEnv(t, Options{})

	long, err := e.pipeline.SubmitText("shrinking-doc", paragraphs(6), nil)
	if err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	waitTerminal(t, e.tracker, long)
	before, _ := e.store.Count(context.Background(), nil)

	short, err := e.pipeline.SubmitText("shrinking-doc", paragraphs(2), nil)
	if err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	waitTerminal(t, e.tracker, short)

	doc, _ := e.pipeline.Document("shrinking-doc")
	after, _ := e.store.Count(context.Background(), nil)
	if int(after) != doc.Chunks {
		t.Errorf("index has %d entries, document has %d chunks (before: %d)", after, doc.Chunks, before)
	}
}

func TestDeleteDocumentCascades(t *testing.T) {
	e := newEnv(t, Options{})

	jobID, err := e.pipeline.SubmitText("deleted-doc", paragraphs(3), nil)
	if err != nil {
		t.Fatalf("SubmitText() error: %v", err)
	}
	waitTerminal(t, e.tracker, jobID)

	if err := e.pipeline.DeleteDocument(context.Background(), "deleted-doc"); err != nil {
		t.Fatalf("DeleteDocument() error: %v", err)
	}
	count, _ := e.store.Count(context.Background(), nil)
	if count != 0 {
		t.Errorf("index has %d entries after cascade delete", count)
	}
	if err := e.pipeline.DeleteDocument(context.Background(), "deleted-doc"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("second delete = %v, want ErrDocumentNotFound", err)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	e := newEnv(t, Options{})
	e.pipeline.Close()

	if _, err := e.pipeline.SubmitText("late-doc", "text", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("SubmitText after Close = %v, want ErrClosed", err)
	}
}

func TestDeriveID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Report Final.PDF", "report-final-pdf"},
		{"https://example.com/docs/intro", "https-example-com-docs-intro"},
		{"  spaced  name  ", "spaced-name"},
		{"___", ""},
	}
	for _, tt := range tests {
		if got := DeriveID(tt.in); got != tt.want {
			t.Errorf("DeriveID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
