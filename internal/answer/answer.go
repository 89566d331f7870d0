// Package answer produces grounded answers: it retrieves context for
// a question, assembles a prompt with numbered source blocks and asks
// a generation backend, returning the answer with its citations.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/koopa0/ragpipe/internal/log"
	"github.com/koopa0/ragpipe/internal/retrieve"
)

// ErrNoContext indicates retrieval found nothing relevant to ground
// an answer on.
var ErrNoContext = errors.New("no relevant context found")

// Generator turns a prompt into a completion. Implementations wrap a
// concrete LLM backend.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Retriever is the slice of the retrieval surface the answerer needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieve.Options) ([]retrieve.Result, error)
}

// Answer is a generated answer with the sources it was grounded on.
type Answer struct {
	Text      string
	Citations []string
	Results   []retrieve.Result
}

// Answerer wires retrieval and generation together.
type Answerer struct {
	retriever Retriever
	generator Generator
	logger    log.Logger
}

// New creates an Answerer.
func New(retriever Retriever, generator Generator, logger log.Logger) (*Answerer, error) {
	if retriever == nil || generator == nil {
		return nil, errors.New("retriever and generator are required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Answerer{
		retriever: retriever,
		generator: generator,
		logger:    logger.With("component", "answer"),
	}, nil
}

const systemInstructions = `Answer the question using only the numbered sources below.
Reference sources inline as [1], [2] and so on.
If the sources do not contain the answer, say so instead of guessing.`

// Ask retrieves context for question and generates a grounded answer.
func (a *Answerer) Ask(ctx context.Context, question string, opts retrieve.Options) (*Answer, error) {
	results, err := a.retriever.Retrieve(ctx, question, opts)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoContext, question)
	}

	prompt := buildPrompt(question, results)
	text, err := a.generator.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}

	a.logger.Info("answered question", "sources", len(results), "answer_bytes", len(text))
	return &Answer{
		Text:      strings.TrimSpace(text),
		Citations: citations(results),
		Results:   results,
	}, nil
}

// buildPrompt lays out the instructions, one numbered block per
// source, then the question.
func buildPrompt(question string, results []retrieve.Result) string {
	var b strings.Builder
	b.WriteString(systemInstructions)
	b.WriteString("\n\nSOURCES:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, r.Citation, r.Text)
	}
	b.WriteString("\nQUESTION: ")
	b.WriteString(question)
	b.WriteString("\n\nANSWER:")
	return b.String()
}

// citations returns each distinct citation once, in result order.
func citations(results []retrieve.Result) []string {
	seen := make(map[string]bool, len(results))
	out := make([]string, 0, len(results))
	for _, r := range results {
		if r.Citation == "" || seen[r.Citation] {
			continue
		}
		seen[r.Citation] = true
		out = append(out, r.Citation)
	}
	return out
}
