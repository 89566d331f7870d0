package answer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/koopa0/ragpipe/internal/log"
	"github.com/koopa0/ragpipe/internal/retrieve"
)

type fakeRetriever struct {
	results []retrieve.Result
	err     error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, opts retrieve.Options) ([]retrieve.Result, error) {
	return f.results, f.err
}

type fakeGenerator struct {
	prompt string
	reply  string
	err    error
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.reply, f.err
}

func someResults() []retrieve.Result {
	return []retrieve.Result{
		{
			ChunkID:    "guide:0",
			DocumentID: "guide",
			Text:       "Install the service with the setup script.",
			Citation:   "Install Guide, chunk 0",
		},
		{
			ChunkID:    "guide:1",
			DocumentID: "guide",
			Text:       "Configuration lives in the config file.",
			Citation:   "Install Guide, chunk 1",
		},
		{
			ChunkID:    "faq:0",
			DocumentID: "faq",
			Text:       "Common installation problems and fixes.",
			Citation:   "FAQ, chunk 0",
		},
	}
}

func TestAskGroundsAnswerInContext(t *testing.T) {
	gen := &fakeGenerator{reply: "Run the setup script [1]."}
	a, err := New(&fakeRetriever{results: someResults()}, gen, log.NewNop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ans, err := a.Ask(context.Background(), "how do I install?", retrieve.Options{})
	if err != nil {
		t.Fatalf("Ask() error: %v", err)
	}

	if ans.Text != "Run the setup script [1]." {
		t.Errorf("Text = %q", ans.Text)
	}
	if len(ans.Citations) != 3 {
		t.Errorf("Citations = %v, want 3 distinct", ans.Citations)
	}

	// Prompt carries every source block, numbered, plus the question.
	for _, want := range []string{
		"[1] Install Guide, chunk 0",
		"[2] Install Guide, chunk 1",
		"[3] FAQ, chunk 0",
		"Install the service with the setup script.",
		"QUESTION: how do I install?",
	} {
		if !strings.Contains(gen.prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestAskDeduplicatesCitations(t *testing.T) {
	results := someResults()
	results[1].Citation = results[0].Citation

	gen := &fakeGenerator{reply: "answer"}
	a, _ := New(&fakeRetriever{results: results}, gen, log.NewNop())

	ans, err := a.Ask(context.Background(), "question", retrieve.Options{})
	if err != nil {
		t.Fatalf("Ask() error: %v", err)
	}
	if len(ans.Citations) != 2 {
		t.Errorf("Citations = %v, want 2 distinct", ans.Citations)
	}
}

func TestAskNoContext(t *testing.T) {
	a, _ := New(&fakeRetriever{results: nil}, &fakeGenerator{}, log.NewNop())

	_, err := a.Ask(context.Background(), "unanswerable", retrieve.Options{})
	if !errors.Is(err, ErrNoContext) {
		t.Errorf("Ask() = %v, want ErrNoContext", err)
	}
}

func TestAskPropagatesErrors(t *testing.T) {
	retErr := errors.New("index down")
	a, _ := New(&fakeRetriever{err: retErr}, &fakeGenerator{}, log.NewNop())
	if _, err := a.Ask(context.Background(), "q", retrieve.Options{}); !errors.Is(err, retErr) {
		t.Errorf("Ask() = %v, want retrieval error", err)
	}

	genErr := errors.New("llm down")
	a, _ = New(&fakeRetriever{results: someResults()}, &fakeGenerator{err: genErr}, log.NewNop())
	if _, err := a.Ask(context.Background(), "q", retrieve.Options{}); !errors.Is(err, genErr) {
		t.Errorf("Ask() = %v, want generator error", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, &fakeGenerator{}, nil); err == nil {
		t.Error("New(nil retriever) should fail")
	}
	if _, err := New(&fakeRetriever{}, nil, nil); err == nil {
		t.Error("New(nil generator) should fail")
	}
}
