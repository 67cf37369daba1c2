package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the Postgres-backed queue fabric. All queues share one table;
// a claim is an UPDATE over a SKIP LOCKED selection so concurrent workers
// never receive the same message inside a visibility window.
type Store struct {
	db              *sql.DB
	maxDequeueCount int
}

// NewStore returns a Store with the given dequeue ceiling. A ceiling of
// zero or less falls back to DefaultMaxDequeueCount.
func NewStore(db *sql.DB, maxDequeueCount int) *Store {
	if maxDequeueCount <= 0 {
		maxDequeueCount = DefaultMaxDequeueCount
	}
	return &Store{db: db, maxDequeueCount: maxDequeueCount}
}

// Enqueue inserts a message visible immediately and returns its id.
func (s *Store) Enqueue(ctx context.Context, queue string, body []byte) (string, error) {
	return s.enqueue(ctx, queue, body, 0)
}

// EnqueueDelayed inserts a message that becomes visible after delay.
// The router uses this to push retryable chat failures back with backoff.
func (s *Store) EnqueueDelayed(ctx context.Context, queue string, body []byte, delay time.Duration) (string, error) {
	return s.enqueue(ctx, queue, body, delay)
}

func (s *Store) enqueue(ctx context.Context, queue string, body []byte, delay time.Duration) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_messages (id, queue, body, visible_at)
		VALUES ($1, $2, $3, NOW() + make_interval(secs => $4))`,
		id, queue, body, delay.Seconds())
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return id, nil
}

// Dequeue claims up to max visible messages from queue, hiding each for
// the visibility window and stamping a fresh pop receipt. Messages whose
// claim pushes them past the dequeue ceiling are moved to the poison
// sibling and not returned; no error is raised for them.
//
// Claiming and poisoning are separate atomic statements. If the process
// dies between them the over-limit message simply times out and is
// poisoned on its next claim.
func (s *Store) Dequeue(ctx context.Context, queue string, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if visibility <= 0 {
		visibility = DefaultVisibility
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH picked AS (
			SELECT id
			FROM queue_messages
			WHERE queue = $1 AND visible_at <= NOW()
			ORDER BY inserted_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_messages m
		SET dequeue_count = m.dequeue_count + 1,
		    visible_at    = NOW() + make_interval(secs => $3),
		    pop_receipt   = gen_random_uuid()::text
		FROM picked
		WHERE m.id = picked.id
		RETURNING m.id, m.body, m.dequeue_count, m.inserted_at, m.visible_at, m.pop_receipt`,
		queue, max, visibility.Seconds())
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	defer rows.Close()

	var deliverable []Message
	var poisoned []Message
	for rows.Next() {
		m := Message{Queue: queue}
		if err := rows.Scan(&m.ID, &m.Body, &m.DequeueCount, &m.InsertedAt, &m.VisibleAt, &m.PopReceipt); err != nil {
			return nil, fmt.Errorf("dequeue %s: scan: %w", queue, err)
		}
		if m.DequeueCount > s.maxDequeueCount {
			poisoned = append(poisoned, m)
			continue
		}
		deliverable = append(deliverable, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	rows.Close()

	for _, m := range poisoned {
		if err := s.poison(ctx, m); err != nil {
			return deliverable, err
		}
	}
	return deliverable, nil
}

// poison moves one over-limit message to the queue's poison sibling,
// preserving its body and dequeue count for operator inspection. The
// receipt guard keeps a racing re-claim from being clobbered.
func (s *Store) poison(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET queue       = $1,
		    visible_at  = NOW(),
		    pop_receipt = NULL,
		    poisoned_at = NOW()
		WHERE id = $2 AND pop_receipt = $3`,
		PoisonName(m.Queue), m.ID, m.PopReceipt)
	if err != nil {
		return fmt.Errorf("poison %s message %s: %w", m.Queue, m.ID, err)
	}
	return nil
}

// Delete removes a processed message. It fails with ErrReceiptMismatch
// when the receipt no longer matches, which means the visibility window
// lapsed and the message was redelivered or already deleted.
func (s *Store) Delete(ctx context.Context, queue, id, popReceipt string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_messages
		WHERE queue = $1 AND id = $2 AND pop_receipt = $3`,
		queue, id, popReceipt)
	if err != nil {
		return fmt.Errorf("delete %s message %s: %w", queue, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s message %s: %w", queue, id, err)
	}
	if n == 0 {
		return ErrReceiptMismatch
	}
	return nil
}

// Extend pushes the visibility window out for a message still being
// processed. Long-running workers heartbeat with this to keep their claim.
func (s *Store) Extend(ctx context.Context, queue, id, popReceipt string, visibility time.Duration) error {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET visible_at = NOW() + make_interval(secs => $1)
		WHERE queue = $2 AND id = $3 AND pop_receipt = $4`,
		visibility.Seconds(), queue, id, popReceipt)
	if err != nil {
		return fmt.Errorf("extend %s message %s: %w", queue, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend %s message %s: %w", queue, id, err)
	}
	if n == 0 {
		return ErrReceiptMismatch
	}
	return nil
}

// ApproximateCount reports how many messages sit in a queue, visible or
// claimed. The health endpoint and daily summary read queue depths here.
func (s *Store) ApproximateCount(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE queue = $1`, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", queue, err)
	}
	return n, nil
}

// Depths returns the message count of every non-empty queue, poison
// siblings included.
func (s *Store) Depths(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT queue, COUNT(*) FROM queue_messages GROUP BY queue`)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[string]int)
	for rows.Next() {
		var q string
		var n int
		if err := rows.Scan(&q, &n); err != nil {
			return nil, fmt.Errorf("queue depths: scan: %w", err)
		}
		depths[q] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	return depths, nil
}

// PoisonMessage is a dead-lettered message as shown to operators.
type PoisonMessage struct {
	ID           string    `json:"id"`
	Body         string    `json:"body"`
	DequeueCount int       `json:"dequeue_count"`
	InsertedAt   time.Time `json:"inserted_at"`
	PoisonedAt   time.Time `json:"poisoned_at"`
}

// PeekPoison lists up to limit messages from a queue's poison sibling
// without claiming them.
func (s *Store) PeekPoison(ctx context.Context, queue string, limit int) ([]PoisonMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body, dequeue_count, inserted_at, COALESCE(poisoned_at, inserted_at)
		FROM queue_messages
		WHERE queue = $1
		ORDER BY inserted_at ASC
		LIMIT $2`,
		PoisonName(queue), limit)
	if err != nil {
		return nil, fmt.Errorf("peek poison %s: %w", queue, err)
	}
	defer rows.Close()

	var out []PoisonMessage
	for rows.Next() {
		var m PoisonMessage
		if err := rows.Scan(&m.ID, &m.Body, &m.DequeueCount, &m.InsertedAt, &m.PoisonedAt); err != nil {
			return nil, fmt.Errorf("peek poison %s: scan: %w", queue, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("peek poison %s: %w", queue, err)
	}
	return out, nil
}

// ReplayPoison moves one dead-lettered message back onto its main queue
// with a reset dequeue count, making it visible immediately.
func (s *Store) ReplayPoison(ctx context.Context, queue, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET queue         = $1,
		    dequeue_count = 0,
		    visible_at    = NOW(),
		    pop_receipt   = NULL,
		    poisoned_at   = NULL
		WHERE queue = $2 AND id = $3`,
		queue, PoisonName(queue), id)
	if err != nil {
		return fmt.Errorf("replay poison %s message %s: %w", queue, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replay poison %s message %s: %w", queue, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
