// Package llmfactory creates a Provider by type (used at server startup).
package llmfactory

import (
	"errors"
	"fmt"
	"time"

	"github.com/streamchat/server/llm"
)

var errUnknownProvider = errors.New("unknown provider type")

// Config selects and configures the upstream provider.
type Config struct {
	Type    llm.ProviderType
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// New returns a Provider for the given config. Returns error if type is not supported.
func New(cfg Config) (llm.Provider, error) {
	if !cfg.Type.IsValid() {
		return nil, fmt.Errorf("%w: %q", errUnknownProvider, cfg.Type)
	}
	switch cfg.Type {
	case llm.TypeOpenAI:
		p, err := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case llm.TypeOllama:
		p, err := llm.NewOllama(llm.OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownProvider, cfg.Type)
	}
}
