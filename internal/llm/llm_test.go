package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/pkg/breaker"
)

func TestBuildPrompt(t *testing.T) {
	shortlist := []string{"Acme Inc", "Globex Corporation", "Initech LLC"}
	prompt := buildPrompt("billing@acme.com", "Invoice #42", "Total due: $100.00", shortlist)

	assert.Contains(t, prompt, "billing@acme.com")
	assert.Contains(t, prompt, "Invoice #42")
	assert.Contains(t, prompt, "Total due: $100.00")
	for _, name := range shortlist {
		assert.Contains(t, prompt, "- "+name+"\n")
	}
}

func TestBuildPromptTruncatesText(t *testing.T) {
	text := strings.Repeat("x", maxExcerptChars+95) + "TAIL-MARKER"
	prompt := buildPrompt("a@b.com", "subj", text, []string{"Acme Inc"})

	assert.NotContains(t, prompt, "TAIL-MARKER")
	assert.Contains(t, prompt, strings.Repeat("x", maxExcerptChars))
}

func TestParseInference(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantName string
		wantConf int
		wantErr  bool
	}{
		{
			name:     "plain json",
			raw:      `{"vendor_name": "Acme Inc", "confidence": 88}`,
			wantName: "Acme Inc",
			wantConf: 88,
		},
		{
			name:     "markdown fence",
			raw:      "```json\n{\"vendor_name\": \"Globex Corporation\", \"confidence\": 90}\n```",
			wantName: "Globex Corporation",
			wantConf: 90,
		},
		{
			name:     "surrounding prose",
			raw:      `Based on the sender, here is my pick: {"vendor_name": "Acme Inc", "confidence": 75} Let me know if you need more.`,
			wantName: "Acme Inc",
			wantConf: 75,
		},
		{
			name:     "fractional scale",
			raw:      `{"vendor_name": "Acme Inc", "confidence": 0.92}`,
			wantName: "Acme Inc",
			wantConf: 92,
		},
		{
			name:     "float confidence rounds",
			raw:      `{"vendor_name": "Acme Inc", "confidence": 87.6}`,
			wantName: "Acme Inc",
			wantConf: 88,
		},
		{
			name:     "clamped above 100",
			raw:      `{"vendor_name": "Acme Inc", "confidence": 400}`,
			wantName: "Acme Inc",
			wantConf: 100,
		},
		{
			name:     "negative clamps to zero",
			raw:      `{"vendor_name": "Acme Inc", "confidence": -3}`,
			wantName: "Acme Inc",
			wantConf: 0,
		},
		{
			name:     "no pick",
			raw:      `{"vendor_name": "", "confidence": 0}`,
			wantName: "",
			wantConf: 0,
		},
		{
			name:     "missing confidence",
			raw:      `{"vendor_name": "Acme Inc"}`,
			wantName: "Acme Inc",
			wantConf: 0,
		},
		{
			name:    "no json at all",
			raw:     "I cannot determine the vendor.",
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{"vendor_name": "Acme`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inf, err := parseInference(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, inf.VendorName)
			assert.Equal(t, tt.wantConf, inf.Confidence)
		})
	}
}

func newTestOpenAI(srv *httptest.Server) *OpenAIProvider {
	p := NewOpenAIProvider(config.LLMConfig{
		Endpoint: srv.URL,
		APIKey:   "test-key",
		Model:    "test-model",
	}, breaker.NewRegistry(breaker.Settings{}))
	p.http = srv.Client()
	return p
}

func TestOpenAIInferVendor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Zero(t, req.Temperature)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)
		assert.Contains(t, req.Messages[1].Content, "- Acme Inc")

		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "{\"vendor_name\": \"Acme Inc\", \"confidence\": 88}"}}]}`)
	}))
	defer srv.Close()

	p := newTestOpenAI(srv)
	name, conf, err := p.InferVendor(context.Background(), "billing@acme.com", "Invoice #42", "", []string{"Acme Inc", "Globex Corporation"})
	require.NoError(t, err)
	assert.Equal(t, "Acme Inc", name)
	assert.Equal(t, 88, conf)
}

func TestOpenAINoPick(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices": [{"message": {"content": "{\"vendor_name\": \"\", \"confidence\": 0}"}}]}`)
	}))
	defer srv.Close()

	name, conf, err := newTestOpenAI(srv).InferVendor(context.Background(), "s@x.com", "subj", "", []string{"Acme Inc"})
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Zero(t, conf)
}

func TestOpenAIAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "insufficient_quota", "type": "insufficient_quota"}}`)
	}))
	defer srv.Close()

	_, _, err := newTestOpenAI(srv).InferVendor(context.Background(), "s@x.com", "subj", "", []string{"Acme Inc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient_quota")
}

func TestOpenAIServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, _, err := newTestOpenAI(srv).InferVendor(context.Background(), "s@x.com", "subj", "", []string{"Acme Inc"})
	require.Error(t, err)
	assert.False(t, breaker.IsOpen(err))
	assert.Contains(t, err.Error(), "503")
}

func TestAnthropicRequestPayload(t *testing.T) {
	req := newAnthropicRequest("billing@acme.com", "Invoice #42", "Total: $10", []string{"Acme Inc"})

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "bedrock-2023-05-31", decoded["anthropic_version"])
	assert.EqualValues(t, maxReplyTokens, decoded["max_tokens"])
	assert.NotEmpty(t, decoded["system"])
	assert.Contains(t, decoded, "temperature")

	msgs, ok := decoded["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, msgs, 1)

	msg := msgs[0].(map[string]interface{})
	assert.Equal(t, "user", msg["role"])
	content := msg["content"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "text", content["type"])
	assert.Contains(t, content["text"], "- Acme Inc")
}

func TestNewFactory(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Settings{})

	p, err := New(context.Background(), config.LLMConfig{Enabled: false}, "", reg)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = New(context.Background(), config.LLMConfig{Enabled: true, Provider: "openai", APIKey: "k"}, "", reg)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIProvider{}, p)

	_, err = New(context.Background(), config.LLMConfig{Enabled: true, Provider: "watson"}, "", reg)
	assert.Error(t, err)
}
