package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/lumina-ai/lumina/pkg/orchestrator"
)

// OllamaLLM talks to a local (or self-hosted) Ollama server via the official
// client. It satisfies both LLMProvider and StreamingLLMProvider so it can
// drop into the dialogue orchestrator's streaming reply path without a
// separate adapter.
type OllamaLLM struct {
	client *api.Client
	model  string
}

// NewOllamaLLM builds a client against host (e.g. "http://localhost:11434").
// An empty host defaults to Ollama's standard local address.
func NewOllamaLLM(host string, model string) (*OllamaLLM, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2"
	}

	parsed, err := url.Parse(strings.TrimSuffix(host, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}

	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &OllamaLLM{
		client: api.NewClient(parsed, httpClient),
		model:  model,
	}, nil
}

func toOllamaMessages(messages []orchestrator.Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, api.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// Complete runs a non-streaming chat completion and returns the full reply.
func (o *OllamaLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	stream := false
	var full strings.Builder

	err := o.client.Chat(ctx, &api.ChatRequest{
		Model:    o.model,
		Messages: toOllamaMessages(messages),
		Stream:   &stream,
	}, func(resp api.ChatResponse) error {
		full.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat failed: %w", err)
	}

	return strings.TrimSpace(full.String()), nil
}

// StreamComplete streams the reply token-by-token, invoking onChunk for
// every partial message the server emits. The callback's error aborts the
// request by returning immediately; Ollama's client has no built-in
// cancellation signal beyond ctx, so an aborted onChunk simply stops
// accumulating further chunks on the next invocation as ctx cancellation
// propagates to the underlying HTTP request.
func (o *OllamaLLM) StreamComplete(ctx context.Context, messages []orchestrator.Message, onChunk func(chunk string) error) error {
	stream := true
	var chunkErr error

	err := o.client.Chat(ctx, &api.ChatRequest{
		Model:    o.model,
		Messages: toOllamaMessages(messages),
		Stream:   &stream,
	}, func(resp api.ChatResponse) error {
		if resp.Message.Content == "" {
			return nil
		}
		if chunkErr = onChunk(resp.Message.Content); chunkErr != nil {
			return chunkErr
		}
		return nil
	})
	if chunkErr != nil {
		return chunkErr
	}
	if err != nil {
		return fmt.Errorf("ollama stream chat failed: %w", err)
	}
	return nil
}

func (o *OllamaLLM) Name() string {
	return "ollama"
}
