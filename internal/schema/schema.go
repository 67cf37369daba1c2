// Package schema defines the queue payload contracts shared by every
// pipeline stage: the message shapes, their status vocabularies, and the
// schema_version rules producers and consumers follow.
//
// Versioning: producers stamp the current Version on every payload.
// Consumers accept any "1.x" (unknown fields are ignored by encoding/json),
// treat a missing version as "1.0", and reject other majors so a future
// "2.0" migration can run dual-publish without silent misreads.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Version is stamped on every payload this build produces.
const Version = "1.0"

// acceptedMajor guards consumers against cross-major payloads.
const acceptedMajor = "1"

// Pipeline statuses. EnrichedInvoice carries the enrichment outcome;
// NotificationMessage and the transaction log carry terminal outcomes.
const (
	StatusEnriched         = "enriched"
	StatusUnknown          = "unknown"
	StatusReseller         = "reseller"
	StatusProcessed        = "processed"
	StatusDuplicateSkipped = "duplicate_skipped"
	StatusError            = "error"
	StatusLooped           = "looped"

	// StatusUnknownVendor is the chat-facing rendering of StatusUnknown.
	StatusUnknownVendor = "unknown_vendor"
)

// NotificationStatus maps a pipeline status onto the vocabulary chat
// notifications use: processed, unknown_vendor, duplicate_skipped, error.
// Reseller mail reads as processed; it was routed fine, just to a
// different desk.
func NotificationStatus(status string) string {
	switch status {
	case StatusEnriched, StatusReseller, StatusProcessed:
		return StatusProcessed
	case StatusUnknown, StatusUnknownVendor:
		return StatusUnknownVendor
	case StatusDuplicateSkipped:
		return StatusDuplicateSkipped
	default:
		return StatusError
	}
}

// Match methods, in precedence order.
const (
	MatchExact  = "exact"
	MatchFuzzy  = "fuzzy"
	MatchAI     = "ai"
	MatchDomain = "domain"
	MatchNone   = "none"
)

// BlobNone is the blob_url sentinel for mail that carried no attachment.
const BlobNone = "none"

// RawMail is the payload of the raw-mail queue: one observed invoice mail,
// attachment already persisted to blob storage.
type RawMail struct {
	SchemaVersion     string    `json:"schema_version"`
	ID                string    `json:"id"`
	OriginalMessageID string    `json:"original_message_id"`
	Sender            string    `json:"sender"`
	Subject           string    `json:"subject"`
	BlobURL           string    `json:"blob_url"`
	ReceivedAt        time.Time `json:"received_at"`

	// Pre-extracted invoice fields; empty when pre-extraction was skipped
	// or failed. The enricher re-extracts as needed.
	VendorName    string `json:"vendor_name,omitempty"`
	InvoiceAmount string `json:"invoice_amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	DueDate       string `json:"due_date,omitempty"`
	PaymentTerms  string `json:"payment_terms,omitempty"`
}

// EnrichedInvoice is the payload of the to-post queue: a RawMail resolved
// against the vendor master and assigned a routing recipient.
type EnrichedInvoice struct {
	SchemaVersion     string    `json:"schema_version"`
	ID                string    `json:"id"`
	OriginalMessageID string    `json:"original_message_id"`
	Sender            string    `json:"sender"`
	Subject           string    `json:"subject"`
	BlobURL           string    `json:"blob_url"`
	ReceivedAt        time.Time `json:"received_at"`

	VendorName         string `json:"vendor_name"`
	ExpenseDept        string `json:"expense_dept,omitempty"`
	GLCode             string `json:"gl_code,omitempty"`
	AllocationSchedule string `json:"allocation_schedule,omitempty"`
	BillingParty       string `json:"billing_party,omitempty"`
	Status             string `json:"status"`
	RecipientEmail     string `json:"recipient_email"`
	MatchConfidence    int    `json:"match_confidence"`
	MatchMethod        string `json:"match_method"`

	InvoiceAmount string `json:"invoice_amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	DueDate       string `json:"due_date,omitempty"`
	PaymentTerms  string `json:"payment_terms,omitempty"`

	// Set when a same-invoice candidate was found within the dedup window.
	DuplicateOfTransactionID string `json:"duplicate_of_transaction_id,omitempty"`
}

// NotificationMessage is the payload of the notify queue, consumed by the
// chat notifier.
type NotificationMessage struct {
	SchemaVersion     string `json:"schema_version"`
	ID                string `json:"id"`
	OriginalMessageID string `json:"original_message_id"`
	VendorName        string `json:"vendor_name"`
	Amount            string `json:"amount,omitempty"`
	Status            string `json:"status"`
	RecipientEmail    string `json:"recipient_email,omitempty"`
	TransactionID     string `json:"transaction_id,omitempty"`
}

// NotificationEnvelope is the payload of the notifications queue: the
// minimal record of one provider change notification, written by the
// webhook receiver and expanded by the notification worker.
type NotificationEnvelope struct {
	SchemaVersion  string    `json:"schema_version"`
	SubscriptionID string    `json:"subscription_id"`
	Resource       string    `json:"resource"`
	ChangeType     string    `json:"change_type"`
	Timestamp      time.Time `json:"timestamp"`
}

// CheckVersion validates a payload's schema_version against the accepted
// major. Empty means the producer predates stamping and is read as 1.0.
func CheckVersion(v string) error {
	if v == "" {
		return nil
	}
	major, _, found := strings.Cut(v, ".")
	if !found || major != acceptedMajor {
		return fmt.Errorf("unsupported schema_version %q (accept %s.x)", v, acceptedMajor)
	}
	return nil
}

// Validate checks the fields every downstream consumer relies on.
func (m *RawMail) Validate() error {
	if err := CheckVersion(m.SchemaVersion); err != nil {
		return err
	}
	if m.ID == "" {
		return fmt.Errorf("raw mail: missing id")
	}
	if m.OriginalMessageID == "" {
		return fmt.Errorf("raw mail %s: missing original_message_id", m.ID)
	}
	if m.Sender == "" {
		return fmt.Errorf("raw mail %s: missing sender", m.ID)
	}
	if m.ReceivedAt.IsZero() {
		return fmt.Errorf("raw mail %s: missing received_at", m.ID)
	}
	return nil
}

// Validate checks the fields the router relies on.
func (e *EnrichedInvoice) Validate() error {
	if err := CheckVersion(e.SchemaVersion); err != nil {
		return err
	}
	if e.ID == "" {
		return fmt.Errorf("enriched invoice: missing id")
	}
	if e.OriginalMessageID == "" {
		return fmt.Errorf("enriched invoice %s: missing original_message_id", e.ID)
	}
	if e.Status == "" {
		return fmt.Errorf("enriched invoice %s: missing status", e.ID)
	}
	if e.RecipientEmail == "" && e.Status != StatusDuplicateSkipped {
		return fmt.Errorf("enriched invoice %s: missing recipient_email", e.ID)
	}
	return nil
}

// Validate checks the fields the notifier relies on.
func (n *NotificationMessage) Validate() error {
	if err := CheckVersion(n.SchemaVersion); err != nil {
		return err
	}
	if n.ID == "" {
		return fmt.Errorf("notification: missing id")
	}
	if n.Status == "" {
		return fmt.Errorf("notification %s: missing status", n.ID)
	}
	return nil
}

// Validate checks the fields the notification worker relies on.
func (n *NotificationEnvelope) Validate() error {
	if err := CheckVersion(n.SchemaVersion); err != nil {
		return err
	}
	if n.SubscriptionID == "" {
		return fmt.Errorf("notification envelope: missing subscription_id")
	}
	if n.ChangeType == "" {
		return fmt.Errorf("notification envelope: missing change_type")
	}
	return nil
}

// DecodeRawMail parses and validates a raw-mail payload, failing closed on
// malformed input so the message advances toward the poison queue.
func DecodeRawMail(body []byte) (*RawMail, error) {
	var m RawMail
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode raw mail: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeEnrichedInvoice parses and validates a to-post payload.
func DecodeEnrichedInvoice(body []byte) (*EnrichedInvoice, error) {
	var e EnrichedInvoice
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode enriched invoice: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodeNotificationMessage parses and validates a notify payload.
func DecodeNotificationMessage(body []byte) (*NotificationMessage, error) {
	var n NotificationMessage
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification message: %w", err)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// DecodeNotificationEnvelope parses and validates a notifications payload.
func DecodeNotificationEnvelope(body []byte) (*NotificationEnvelope, error) {
	var n NotificationEnvelope
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification envelope: %w", err)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// Encode marshals any payload for enqueueing.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
