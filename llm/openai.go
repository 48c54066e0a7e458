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

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultTimeout       = 2 * time.Minute
)

var ErrMissingAPIKey = errors.New("openai: api key is required")

// OpenAIConfig configures the OpenAI provider. BaseURL may point at any
// OpenAI-compatible server.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// OpenAI implements Provider using the Chat Completions streaming endpoint.
type OpenAI struct {
	client  *http.Client
	apiKey  string
	base    string
	model   string
	timeout time.Duration
}

// NewOpenAI creates an OpenAI-backed provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	if cfg.APIKey == "" && base == defaultOpenAIBaseURL {
		return nil, ErrMissingAPIKey
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &OpenAI{
		client:  client,
		apiKey:  cfg.APIKey,
		base:    base,
		model:   cfg.Model,
		timeout: timeout,
	}, nil
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream implements Provider.
func (p *OpenAI) Stream(ctx context.Context, messages []Message, params Params) (Stream, error) {
	if err := ValidateMessages(messages); err != nil {
		return nil, err
	}

	body := openAIRequest{
		Model:       coalesce(params.Model, p.model),
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Stream:      true,
		Messages:    make([]openAIMessage, 0, len(messages)),
	}
	for _, m := range messages {
		body.Messages = append(body.Messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return openStream(ctx, p.client, TypeOpenAI, p.timeout, req, parseOpenAILine)
}

func parseOpenAILine(line []byte) (string, bool, error) {
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		// SSE comments, event names and keep-alives
		return "", false, nil
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", false, nil
	}
	if string(data) == "[DONE]" {
		return "", true, nil
	}

	var chunk openAIChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false, err
	}
	if chunk.Error != nil {
		return "", false, errors.New(chunk.Error.Message)
	}

	var delta strings.Builder
	done := false
	for _, choice := range chunk.Choices {
		delta.WriteString(choice.Delta.Content)
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			done = true
		}
	}
	return delta.String(), done, nil
}

func coalesce(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

var _ Provider = (*OpenAI)(nil)
