package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lumina-ai/lumina/pkg/orchestrator"
)

// ndjsonChatServer replies to POST /api/chat with a sequence of
// newline-delimited JSON chunks, matching Ollama's wire format regardless of
// the request's Stream flag.
func ndjsonChatServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		flusher, _ := w.(http.Flusher)
		for i, c := range chunks {
			done := i == len(chunks)-1
			line := fmt.Sprintf(`{"model":"test-model","message":{"role":"assistant","content":%q},"done":%t}`, c, done)
			fmt.Fprintln(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func TestOllamaLLM_Complete(t *testing.T) {
	server := ndjsonChatServer(t, []string{"hello ", "from ", "ollama"})
	defer server.Close()

	l, err := NewOllamaLLM(server.URL, "test-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := l.Complete(context.Background(), []orchestrator.Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "hello from ollama" {
		t.Errorf("expected 'hello from ollama', got %q", resp)
	}
	if l.Name() != "ollama" {
		t.Errorf("expected ollama, got %s", l.Name())
	}
}

func TestOllamaLLM_StreamComplete(t *testing.T) {
	server := ndjsonChatServer(t, []string{"the ", "quick ", "fox"})
	defer server.Close()

	l, err := NewOllamaLLM(server.URL, "test-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var chunks []string
	err = l.StreamComplete(context.Background(), []orchestrator.Message{{Role: "user", Content: "hi"}}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(chunks), chunks)
	}
}

func TestOllamaLLM_DefaultsHostAndModel(t *testing.T) {
	l, err := NewOllamaLLM("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.model == "" {
		t.Error("expected a default model to be set")
	}
}
