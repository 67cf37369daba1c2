package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/ignite/invoice-relay/internal/pkg/breaker"
)

const (
	anthropicVersion    = "bedrock-2023-05-31"
	defaultBedrockModel = "anthropic.claude-3-haiku-20240307-v1:0"
)

// BedrockProvider runs inference on AWS Bedrock. Data never leaves the AWS
// account, which is why it is the default for deployments that already run
// the storage layer there.
type BedrockProvider struct {
	client   *bedrockruntime.Client
	modelID  string
	breakers *breaker.Registry
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
	Temperature      float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// NewBedrockProvider builds a Bedrock-backed provider using the default AWS
// credential chain.
func NewBedrockProvider(ctx context.Context, modelID, region string, breakers *breaker.Registry) (*BedrockProvider, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if modelID == "" {
		modelID = defaultBedrockModel
	}
	return &BedrockProvider{
		client:   bedrockruntime.NewFromConfig(cfg),
		modelID:  modelID,
		breakers: breakers,
	}, nil
}

// InferVendor asks the model to pick a vendor from the shortlist.
func (p *BedrockProvider) InferVendor(ctx context.Context, sender, subject, text string, shortlist []string) (string, int, error) {
	reqBody, err := json.Marshal(newAnthropicRequest(sender, subject, text, shortlist))
	if err != nil {
		return "", 0, fmt.Errorf("marshal bedrock request: %w", err)
	}

	var raw string
	err = p.breakers.Do(BreakerName, func() error {
		out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(p.modelID),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        reqBody,
		})
		if err != nil {
			return fmt.Errorf("bedrock invoke: %w", err)
		}

		var resp anthropicResponse
		if err := json.Unmarshal(out.Body, &resp); err != nil {
			return fmt.Errorf("decode bedrock response: %w", err)
		}
		var b strings.Builder
		for _, c := range resp.Content {
			if c.Type == "text" {
				b.WriteString(c.Text)
			}
		}
		raw = b.String()
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	inf, err := parseInference(raw)
	if err != nil {
		return "", 0, err
	}
	return inf.VendorName, inf.Confidence, nil
}

// newAnthropicRequest builds the messages payload. Temperature is pinned to
// zero so repeated runs over the same invoice pick the same vendor.
func newAnthropicRequest(sender, subject, text string, shortlist []string) anthropicRequest {
	return anthropicRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxReplyTokens,
		System:           systemPrompt,
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: []anthropicContent{{Type: "text", Text: buildPrompt(sender, subject, text, shortlist)}},
		}},
		Temperature: 0,
	}
}
