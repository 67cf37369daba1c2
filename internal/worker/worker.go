// Package worker contains the pipeline's long-running loops: the queue
// consumers (notification worker, enricher, router, notifier), the fallback
// timer poller, the subscription manager, and the daily summary snapshot.
//
// Every consumer follows the same lifecycle: Start spins goroutines under a
// cancelable context, Stop cancels and waits, Stats reports atomic counters.
// Message handlers return nil to consume a message and an error to leave it
// claimed, so redelivery advances the dequeue count toward the poison
// sibling.
package worker

import (
	"context"
	"fmt"

	"github.com/ignite/invoice-relay/internal/eventid"
	"github.com/ignite/invoice-relay/internal/queue"
	"github.com/ignite/invoice-relay/internal/schema"
	"github.com/ignite/invoice-relay/internal/storage"
)

// Outcome classifies the terminal result of one message. Transient failures
// are errors, not outcomes: they leave the message for redelivery.
type Outcome string

const (
	// OutcomeProcessed means the message advanced the pipeline.
	OutcomeProcessed Outcome = "processed"

	// OutcomeDuplicate means a dedup layer recognized the original message
	// as already handled.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeLooped means a loop guard refused the relay's own mail.
	OutcomeLooped Outcome = "looped"

	// OutcomeUnknown means the vendor could not be resolved; the invoice
	// still routes, to the registration mailbox.
	OutcomeUnknown Outcome = "unknown"

	// OutcomeSkipped means the message referenced nothing ingestible: read
	// mail, mail without a PDF, or mail deleted at the provider.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeError means a terminal failure was recorded.
	OutcomeError Outcome = "error"
)

// TransactionLog is the audit-log slice the workers write and consult.
// *storage.TransactionLog implements it.
type TransactionLog interface {
	Append(ctx context.Context, tx *storage.InvoiceTransaction) error
	WasProcessed(ctx context.Context, originalMessageID string) (bool, error)
	FindCandidateDuplicate(ctx context.Context, fingerprint string) (string, error)
}

// BlobReader is the attachment-fetch slice of the blob store.
type BlobReader interface {
	GetByURL(ctx context.Context, rawURL string) ([]byte, error)
}

// enqueueNotification publishes one chat notification. The status is mapped
// to the chat vocabulary here so every producer agrees with the card
// renderer.
func enqueueNotification(ctx context.Context, q queue.Queue, n *schema.NotificationMessage) error {
	n.SchemaVersion = schema.Version
	n.Status = schema.NotificationStatus(n.Status)
	if n.ID == "" {
		n.ID = eventid.New()
	}

	body, err := schema.Encode(n)
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", n.ID, err)
	}
	if _, err := q.Enqueue(ctx, queue.Notify, body); err != nil {
		return fmt.Errorf("enqueue notification %s: %w", n.ID, err)
	}
	return nil
}
