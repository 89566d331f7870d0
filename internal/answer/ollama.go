package answer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// Ollama generates completions with a local Ollama server.
type Ollama struct {
	client *api.Client
	model  string
}

// NewOllama creates an Ollama generator talking to host.
func NewOllama(host, model string) (*Ollama, error) {
	if model == "" {
		return nil, errors.New("model is required")
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parsing ollama host %q: %w", host, err)
	}
	return &Ollama{
		client: api.NewClient(base, http.DefaultClient),
		model:  model,
	}, nil
}

// Generate implements Generator.
func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0.0,
		},
	}

	var b strings.Builder
	err := o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		b.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if b.Len() == 0 {
		return "", errors.New("ollama returned an empty completion")
	}
	return b.String(), nil
}
