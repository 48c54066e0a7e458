package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://localhost:11434"

var ErrMissingModel = errors.New("ollama: model is required")

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Ollama implements Provider using Ollama's /api/chat NDJSON stream.
type Ollama struct {
	client  *http.Client
	base    string
	model   string
	timeout time.Duration
}

// NewOllama creates an Ollama-backed provider.
func NewOllama(cfg OllamaConfig) (*Ollama, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, ErrMissingModel
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultOllamaBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Ollama{client: client, base: base, model: cfg.Model, timeout: timeout}, nil
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// Stream implements Provider.
func (p *Ollama) Stream(ctx context.Context, messages []Message, params Params) (Stream, error) {
	if err := ValidateMessages(messages); err != nil {
		return nil, err
	}

	body := ollamaRequest{
		Model:    coalesce(params.Model, p.model),
		Stream:   true,
		Options:  ollamaOptions{Temperature: params.Temperature, NumPredict: params.MaxTokens},
		Messages: make([]openAIMessage, 0, len(messages)),
	}
	for _, m := range messages {
		body.Messages = append(body.Messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return openStream(ctx, p.client, TypeOllama, p.timeout, req, parseOllamaLine)
}

func parseOllamaLine(line []byte) (string, bool, error) {
	var chunk ollamaChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return "", false, err
	}
	if chunk.Error != "" {
		return "", false, errors.New(chunk.Error)
	}
	return chunk.Message.Content, chunk.Done, nil
}

var _ Provider = (*Ollama)(nil)
