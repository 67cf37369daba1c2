// Package queue implements the storage-backed queue fabric the pipeline
// runs on: four logical queues with poison siblings, at-least-once delivery,
// visibility timeouts, pop receipts, and dequeue-count tracking.
//
// Delivery is approximately FIFO (insertion order) and nothing more;
// consumers must not depend on cross-message ordering. A message claimed
// past the dequeue ceiling is moved to its poison sibling instead of being
// delivered, and waits there for operator replay.
package queue

import (
	"context"
	"errors"
	"time"
)

// The pipeline's logical queues.
const (
	Notifications = "notifications"
	RawMail       = "raw-mail"
	ToPost        = "to-post"
	Notify        = "notify"
)

// PoisonSuffix names the dead-letter sibling of each queue.
const PoisonSuffix = "-poison"

// DefaultMaxDequeueCount is the system-wide dequeue ceiling: the fourth
// claim of a message parks it in the poison sibling.
const DefaultMaxDequeueCount = 3

// DefaultVisibility hides a claimed message for five minutes, which must
// exceed the slowest worker's 95th-percentile runtime.
const DefaultVisibility = 5 * time.Minute

// Names lists the main queues in pipeline order.
var Names = []string{Notifications, RawMail, ToPost, Notify}

// PoisonName returns the poison sibling for a queue.
func PoisonName(queue string) string {
	return queue + PoisonSuffix
}

// Message is one delivered queue message. The pop receipt proves the
// holder's claim: Delete and Extend require the receipt minted by the
// claiming dequeue, so a redelivered message invalidates stale holders.
type Message struct {
	ID           string
	Queue        string
	Body         []byte
	DequeueCount int
	InsertedAt   time.Time
	VisibleAt    time.Time
	PopReceipt   string
}

// Queue is the transport surface workers consume. The Postgres Store is
// the production implementation; tests substitute in-memory fakes.
type Queue interface {
	Enqueue(ctx context.Context, queue string, body []byte) (string, error)
	EnqueueDelayed(ctx context.Context, queue string, body []byte, delay time.Duration) (string, error)
	Dequeue(ctx context.Context, queue string, max int, visibility time.Duration) ([]Message, error)
	Delete(ctx context.Context, queue, id, popReceipt string) error
	Extend(ctx context.Context, queue, id, popReceipt string, visibility time.Duration) error
}

var (
	// ErrReceiptMismatch means the message was redelivered (or deleted) and
	// the caller's pop receipt no longer wins.
	ErrReceiptMismatch = errors.New("queue: pop receipt mismatch")

	// ErrNotFound means the referenced message does not exist.
	ErrNotFound = errors.New("queue: message not found")
)
