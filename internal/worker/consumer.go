package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ignite/invoice-relay/internal/queue"
)

// budgetMargin is held back from the visibility timeout when bounding one
// message's processing, so a handler can never outlive its claim and
// double-deliver against itself.
const budgetMargin = time.Minute

// defaultBatch is how many messages one dequeue claims when config leaves
// the batch size unset.
const defaultBatch = 10

// defaultPollInterval is the sleep between empty dequeues when config
// leaves it unset.
const defaultPollInterval = 5 * time.Second

// consumer is the shared dequeue-dispatch-delete loop under every queue
// worker. Handlers return nil to consume the message; any error leaves it
// claimed until the visibility timeout expires and the fabric redelivers.
type consumer struct {
	queues       queue.Queue
	name         string
	batch        int
	visibility   time.Duration
	pollInterval time.Duration
}

func (c *consumer) defaults() {
	if c.batch <= 0 {
		c.batch = defaultBatch
	}
	if c.visibility <= 0 {
		c.visibility = queue.DefaultVisibility
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
}

// budget bounds one message's processing to comfortably fit inside the
// visibility window.
func (c *consumer) budget() time.Duration {
	if c.visibility > 2*budgetMargin {
		return c.visibility - budgetMargin
	}
	return c.visibility / 2
}

// run drains the queue until ctx is canceled. tag labels log lines.
func (c *consumer) run(ctx context.Context, tag string, handle func(context.Context, queue.Message) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.queues.Dequeue(ctx, c.name, c.batch, c.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[%s] dequeue from %s failed: %v", tag, c.name, err)
			c.sleep(ctx, time.Second)
			continue
		}
		if len(msgs) == 0 {
			c.sleep(ctx, c.pollInterval)
			continue
		}

		for _, msg := range msgs {
			if ctx.Err() != nil {
				return
			}
			mctx, cancel := context.WithTimeout(ctx, c.budget())
			err := handle(mctx, msg)
			cancel()
			if err != nil {
				log.Printf("[%s] message %s (attempt %d) failed: %v", tag, msg.ID, msg.DequeueCount, err)
				continue
			}
			if err := c.queues.Delete(ctx, c.name, msg.ID, msg.PopReceipt); err != nil && !errors.Is(err, queue.ErrNotFound) {
				// A receipt mismatch means the claim expired mid-handle and the
				// message will redeliver; the dedup layers absorb the replay.
				log.Printf("[%s] delete %s from %s failed: %v", tag, msg.ID, c.name, err)
			}
		}
	}
}

func (c *consumer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
