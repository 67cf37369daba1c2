// Package chat renders and posts invoice notification cards to the chat
// webhook. The outer envelope is fixed wire format; consumers on the other
// end reject anything that deviates from it.
package chat

import (
	"encoding/json"

	"github.com/ignite/invoice-relay/internal/schema"
)

const (
	adaptiveContentType = "application/vnd.microsoft.card.adaptive"
	cardVersion         = "1.4"

	// MaxPayloadBytes is the chat service's hard cap on one message. The
	// builder keeps encoded envelopes strictly under it.
	MaxPayloadBytes = 28 * 1024

	maxFactValueLen = 256
)

// Envelope is the complete webhook payload.
type Envelope struct {
	Type        string       `json:"type"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment wraps one adaptive card. ContentURL stays nil but the field is
// always serialized; receivers check for its presence.
type Attachment struct {
	ContentType string  `json:"contentType"`
	ContentURL  *string `json:"contentUrl"`
	Content     Card    `json:"content"`
}

// Card is an adaptive card, schema version pinned to 1.4.
type Card struct {
	Type    string        `json:"type"`
	Version string        `json:"version"`
	Body    []CardElement `json:"body"`
}

// CardElement covers the two element kinds the notifier emits: TextBlock
// and FactSet.
type CardElement struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Weight string `json:"weight,omitempty"`
	Size   string `json:"size,omitempty"`
	Color  string `json:"color,omitempty"`
	Wrap   bool   `json:"wrap,omitempty"`
	Facts  []Fact `json:"facts,omitempty"`
}

// Fact is one title/value row in a FactSet.
type Fact struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

// Encode marshals the envelope for posting.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// NewInvoiceCard renders the notification envelope for one pipeline outcome.
// The result is always under MaxPayloadBytes: fact values are truncated at
// insertion and whole facts dropped if the encoded form still exceeds it.
func NewInvoiceCard(n schema.NotificationMessage) Envelope {
	title, color := statusStyle(n.Status)

	var facts []Fact
	addFact := func(t, v string) {
		if v == "" {
			return
		}
		facts = append(facts, Fact{Title: t, Value: truncate(v, maxFactValueLen)})
	}
	addFact("Vendor", n.VendorName)
	addFact("Amount", n.Amount)
	addFact("Status", n.Status)
	addFact("Routed to", n.RecipientEmail)
	addFact("Transaction", n.TransactionID)
	addFact("Message", n.OriginalMessageID)

	env := Envelope{
		Type: "message",
		Attachments: []Attachment{{
			ContentType: adaptiveContentType,
			ContentURL:  nil,
			Content: Card{
				Type:    "AdaptiveCard",
				Version: cardVersion,
				Body: []CardElement{
					{Type: "TextBlock", Text: truncate(title, maxFactValueLen), Weight: "Bolder", Size: "Medium", Color: color, Wrap: true},
					{Type: "FactSet", Facts: facts},
				},
			},
		}},
	}
	return bounded(env)
}

// statusStyle picks the card headline and accent for a notification status.
func statusStyle(status string) (title, color string) {
	switch schema.NotificationStatus(status) {
	case schema.StatusProcessed:
		return "Invoice processed", "Good"
	case schema.StatusUnknownVendor:
		return "Invoice needs vendor registration", "Warning"
	case schema.StatusDuplicateSkipped:
		return "Duplicate invoice skipped", "Warning"
	default:
		return "Invoice processing failed", "Attention"
	}
}

// bounded drops trailing facts until the encoded envelope fits the cap.
// Values are already length-capped, so the loop always terminates with room
// to spare.
func bounded(env Envelope) Envelope {
	for {
		data, err := json.Marshal(env)
		if err != nil || len(data) < MaxPayloadBytes {
			return env
		}
		dropped := false
		body := env.Attachments[0].Content.Body
		for i := len(body) - 1; i >= 0; i-- {
			if n := len(body[i].Facts); n > 0 {
				body[i].Facts = body[i].Facts[:n-1]
				env.Attachments[0].Content.Body = body
				dropped = true
				break
			}
		}
		if !dropped {
			return env
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
