package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/pkg/breaker"
	"github.com/ignite/invoice-relay/internal/pkg/httpretry"
)

const (
	defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel    = "gpt-4o-mini"
)

// OpenAIProvider posts chat completions to an OpenAI-compatible endpoint.
// Works against api.openai.com and self-hosted compatible gateways alike.
type OpenAIProvider struct {
	endpoint string
	apiKey   string
	model    string
	http     httpretry.HTTPDoer
	breakers *breaker.Registry
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIProvider builds a provider from config, falling back to the
// public endpoint and default model when unset.
func NewOpenAIProvider(cfg config.LLMConfig, breakers *breaker.Registry) *OpenAIProvider {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OpenAIProvider{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		model:    model,
		http:     httpretry.NewRetryClient(&http.Client{Timeout: timeout}, httpretry.DefaultMaxRetries),
		breakers: breakers,
	}
}

// InferVendor asks the model to pick a vendor from the shortlist.
func (p *OpenAIProvider) InferVendor(ctx context.Context, sender, subject, text string, shortlist []string) (string, int, error) {
	jsonBody, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(sender, subject, text, shortlist)},
		},
		Temperature: 0,
		MaxTokens:   maxReplyTokens,
	})
	if err != nil {
		return "", 0, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", 0, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	var body []byte
	err = p.breakers.Do(BreakerName, func() error {
		resp, err := p.http.Do(req)
		if err != nil {
			return fmt.Errorf("llm request: %w", err)
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read llm response: %w", err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("llm endpoint failed: status %d: %s", resp.StatusCode, body)
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", 0, fmt.Errorf("decode chat response: %w (body: %s)", err, body)
	}
	if resp.Error != nil {
		return "", 0, fmt.Errorf("llm api error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", 0, fmt.Errorf("llm returned no completion choices")
	}

	inf, err := parseInference(resp.Choices[0].Message.Content)
	if err != nil {
		return "", 0, err
	}
	return inf.VendorName, inf.Confidence, nil
}
