package chat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/invoice-relay/internal/schema"
)

func sampleNotification() schema.NotificationMessage {
	return schema.NotificationMessage{
		SchemaVersion:     schema.Version,
		ID:                "01JMEXAMPLE0000000000000000",
		OriginalMessageID: "M-001",
		VendorName:        "Acme Inc",
		Amount:            "$1,234.00",
		Status:            schema.StatusProcessed,
		RecipientEmail:    "ap@corp.test",
		TransactionID:     "01JMEXAMPLE0000000000000001",
	}
}

// The envelope shape is a wire contract: every key below must survive
// marshaling exactly as asserted.
func TestEnvelopeShape(t *testing.T) {
	data, err := NewInvoiceCard(sampleNotification()).Encode()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "message", decoded["type"])

	atts, ok := decoded["attachments"].([]interface{})
	require.True(t, ok)
	require.Len(t, atts, 1)

	att := atts[0].(map[string]interface{})
	assert.Equal(t, "application/vnd.microsoft.card.adaptive", att["contentType"])

	contentURL, present := att["contentUrl"]
	assert.True(t, present, "contentUrl key must be serialized")
	assert.Nil(t, contentURL, "contentUrl must be null")

	content, ok := att["content"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "AdaptiveCard", content["type"])
	assert.Equal(t, "1.4", content["version"])

	body, ok := content["body"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, body)
	for _, el := range body {
		elem := el.(map[string]interface{})
		if _, hasText := elem["text"]; hasText {
			assert.Equal(t, true, elem["wrap"], "text blocks must wrap")
		}
	}
}

func TestCardFacts(t *testing.T) {
	env := NewInvoiceCard(sampleNotification())

	require.Len(t, env.Attachments[0].Content.Body, 2)
	facts := env.Attachments[0].Content.Body[1].Facts

	byTitle := make(map[string]string, len(facts))
	for _, f := range facts {
		byTitle[f.Title] = f.Value
	}
	assert.Equal(t, "Acme Inc", byTitle["Vendor"])
	assert.Equal(t, "$1,234.00", byTitle["Amount"])
	assert.Equal(t, schema.StatusProcessed, byTitle["Status"])
	assert.Equal(t, "ap@corp.test", byTitle["Routed to"])
	assert.Equal(t, "01JMEXAMPLE0000000000000001", byTitle["Transaction"])
	assert.Equal(t, "M-001", byTitle["Message"])
}

func TestCardOmitsEmptyFacts(t *testing.T) {
	n := sampleNotification()
	n.Amount = ""
	n.TransactionID = ""

	facts := NewInvoiceCard(n).Attachments[0].Content.Body[1].Facts
	for _, f := range facts {
		assert.NotEqual(t, "Amount", f.Title)
		assert.NotEqual(t, "Transaction", f.Title)
	}
}

func TestCardStatusStyling(t *testing.T) {
	tests := []struct {
		status    string
		wantTitle string
		wantColor string
	}{
		{schema.StatusProcessed, "Invoice processed", "Good"},
		{schema.StatusUnknownVendor, "Invoice needs vendor registration", "Warning"},
		{schema.StatusDuplicateSkipped, "Duplicate invoice skipped", "Warning"},
		{schema.StatusError, "Invoice processing failed", "Attention"},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			n := sampleNotification()
			n.Status = tt.status

			head := NewInvoiceCard(n).Attachments[0].Content.Body[0]
			assert.Equal(t, tt.wantTitle, head.Text)
			assert.Equal(t, tt.wantColor, head.Color)
			assert.True(t, head.Wrap)
		})
	}
}

func TestCardBoundedAgainstHugeValues(t *testing.T) {
	n := sampleNotification()
	n.VendorName = strings.Repeat("v", 100_000)
	n.Amount = strings.Repeat("9", 50_000)

	data, err := NewInvoiceCard(n).Encode()
	require.NoError(t, err)
	assert.Less(t, len(data), MaxPayloadBytes)
}

func TestBoundedDropsTrailingFacts(t *testing.T) {
	facts := make([]Fact, 600)
	for i := range facts {
		facts[i] = Fact{Title: "Fact", Value: strings.Repeat("x", 100)}
	}
	env := Envelope{
		Type: "message",
		Attachments: []Attachment{{
			ContentType: adaptiveContentType,
			Content: Card{
				Type:    "AdaptiveCard",
				Version: cardVersion,
				Body: []CardElement{
					{Type: "TextBlock", Text: "head", Wrap: true},
					{Type: "FactSet", Facts: facts},
				},
			},
		}},
	}

	out := bounded(env)
	data, err := out.Encode()
	require.NoError(t, err)

	assert.Less(t, len(data), MaxPayloadBytes)
	kept := out.Attachments[0].Content.Body[1].Facts
	assert.Less(t, len(kept), 600)
	assert.NotEmpty(t, kept, "leading facts survive")
	assert.Equal(t, "head", out.Attachments[0].Content.Body[0].Text)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	long := truncate(strings.Repeat("a", 300), 256)
	assert.Len(t, long, 256)
	assert.True(t, strings.HasSuffix(long, "..."))
}
