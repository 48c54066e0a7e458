package llmfactory

import (
	"errors"
	"testing"

	"github.com/streamchat/server/llm"
)

func TestNew_openai_returns_provider(t *testing.T) {
	p, err := New(Config{Type: llm.TypeOpenAI, APIKey: "k", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("New(openai): %v", err)
	}
	if _, ok := p.(*llm.OpenAI); !ok {
		t.Fatalf("New(openai): got %T", p)
	}
}

func TestNew_openai_without_key_returns_error(t *testing.T) {
	_, err := New(Config{Type: llm.TypeOpenAI, Model: "gpt-4o-mini"})
	if !errors.Is(err, llm.ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNew_ollama_returns_provider(t *testing.T) {
	p, err := New(Config{Type: llm.TypeOllama, Model: "llama3"})
	if err != nil {
		t.Fatalf("New(ollama): %v", err)
	}
	if _, ok := p.(*llm.Ollama); !ok {
		t.Fatalf("New(ollama): got %T", p)
	}
}

func TestNew_unknown_returns_error(t *testing.T) {
	p, err := New(Config{Type: "invalid"})
	if !errors.Is(err, errUnknownProvider) {
		t.Fatalf("New(invalid): expected errUnknownProvider, got %v", err)
	}
	if p != nil {
		t.Fatalf("New(invalid): expected nil provider, got %T", p)
	}
}
