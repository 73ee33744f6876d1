package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Backend names.
const (
	BackendOpenRouter = "openrouter"
	BackendOpenAI     = "openai"
	BackendGemini     = "gemini"
)

// Selection is the resolved backend and upstream model name for a MODEL setting.
type Selection struct {
	Backend string
	Model   string
}

// Resolve maps a MODEL value to a backend. An explicit prefix wins; without
// one the first available key decides (OpenRouter, OpenAI, Google).
func Resolve(cfg domain.AgentConfig) (Selection, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = domain.DefaultModel
	}
	prefix, rest, hasPrefix := strings.Cut(model, "/")

	if hasPrefix {
		switch prefix {
		case BackendOpenRouter:
			if cfg.OpenRouterAPIKey == "" {
				return Selection{}, fmt.Errorf("%w: %s needs OPENROUTER_API_KEY", ErrNoCredentials, model)
			}
			return Selection{Backend: BackendOpenRouter, Model: rest}, nil
		case BackendOpenAI:
			if cfg.OpenAIAPIKey != "" {
				return Selection{Backend: BackendOpenAI, Model: rest}, nil
			}
			// OpenRouter serves OpenAI models under the same name
			if cfg.OpenRouterAPIKey != "" {
				return Selection{Backend: BackendOpenRouter, Model: model}, nil
			}
			return Selection{}, fmt.Errorf("%w: %s needs OPENAI_API_KEY", ErrNoCredentials, model)
		case BackendGemini:
			if cfg.GoogleAPIKey == "" {
				return Selection{}, fmt.Errorf("%w: %s needs GOOGLE_API_KEY", ErrNoCredentials, model)
			}
			return Selection{Backend: BackendGemini, Model: rest}, nil
		}
	}

	switch {
	case cfg.OpenRouterAPIKey != "":
		return Selection{Backend: BackendOpenRouter, Model: model}, nil
	case cfg.OpenAIAPIKey != "":
		return Selection{Backend: BackendOpenAI, Model: model}, nil
	case cfg.GoogleAPIKey != "":
		return Selection{Backend: BackendGemini, Model: model}, nil
	}
	return Selection{}, ErrNoCredentials
}

// New builds the client for cfg. BaseURL overrides the endpoint of
// OpenAI-compatible backends.
func New(ctx context.Context, cfg domain.AgentConfig) (Client, Selection, error) {
	sel, err := Resolve(cfg)
	if err != nil {
		return nil, Selection{}, err
	}

	switch sel.Backend {
	case BackendOpenRouter:
		return NewOpenAIClient(BackendOpenRouter, baseURL(cfg.BaseURL, OpenRouterBaseURL), cfg.OpenRouterAPIKey), sel, nil
	case BackendOpenAI:
		return NewOpenAIClient(BackendOpenAI, baseURL(cfg.BaseURL, OpenAIBaseURL), cfg.OpenAIAPIKey), sel, nil
	default:
		client, err := NewGeminiClient(ctx, cfg.GoogleAPIKey)
		if err != nil {
			return nil, Selection{}, err
		}
		return client, sel, nil
	}
}

func baseURL(override, def string) string {
	if override != "" {
		return override
	}
	return def
}

// BatchSizeFor returns the confirmation batch size. An explicit size wins;
// otherwise smaller-context model families get smaller batches.
func BatchSizeFor(model string, explicit int) int {
	if explicit > 0 {
		return explicit
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "mistral"), strings.Contains(m, "mixtral"):
		return 50
	case strings.Contains(m, "deepseek"), strings.Contains(m, "gpt-3.5"):
		return 30
	}
	return 200
}
