// Package llm provides completion backends and the process-wide limiter
// that bounds concurrent model calls across all accounts.
package llm

import (
	"context"
	"fmt"

	"github.com/rcliao/persona-fleet/internal/config"
)

// Completer produces one completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// New builds the configured backend. Provider: "ollama" (default) or "genai".
func New(ctx context.Context, cfg config.LLMConfig) (Completer, error) {
	switch cfg.Provider {
	case "", "ollama":
		return NewOllamaClient(cfg.URL, cfg.Model, cfg.Temperature, cfg.MaxTokens), nil
	case "genai", "gemini":
		return NewGenAICompleter(ctx, cfg.APIKey, cfg.Model, cfg.Temperature, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: ollama, genai)", cfg.Provider)
	}
}
