// Package llm asks a language model to pick the issuing vendor of an invoice
// from a shortlist of known vendor names. Two providers ship: AWS Bedrock
// (anthropic messages payload) and any OpenAI-compatible chat-completions
// endpoint. Calls run under the "llm" circuit breaker; matching degrades to
// weaker methods whenever inference is unavailable.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/pkg/breaker"
)

const (
	// BreakerName identifies this dependency in the breaker registry.
	BreakerName = "llm"

	// ProviderBedrock and ProviderOpenAI are the accepted config values.
	ProviderBedrock = "bedrock"
	ProviderOpenAI  = "openai"

	defaultTimeout = 60 * time.Second
	maxReplyTokens = 256
)

// Provider answers vendor-inference queries. Implementations must return
// ("", 0, nil) when the model declines to pick, reserving errors for
// transport and decoding failures.
type Provider interface {
	InferVendor(ctx context.Context, sender, subject, text string, shortlist []string) (string, int, error)
}

// New builds the configured provider, or nil when inference is disabled.
// region is only used by the Bedrock provider.
func New(ctx context.Context, cfg config.LLMConfig, region string, breakers *breaker.Registry) (Provider, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderBedrock:
		p, err := NewBedrockProvider(ctx, cfg.Model, region, breakers)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "", ProviderOpenAI:
		return NewOpenAIProvider(cfg, breakers), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
