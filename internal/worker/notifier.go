package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ignite/invoice-relay/internal/chat"
	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/pkg/logger"
	"github.com/ignite/invoice-relay/internal/queue"
	"github.com/ignite/invoice-relay/internal/schema"
)

// ChatPoster delivers rendered cards. *chat.Poster implements it.
type ChatPoster interface {
	Post(ctx context.Context, env chat.Envelope) error
}

// Notifier consumes the notify queue and posts one chat card per pipeline
// outcome. Permanent webhook rejections drop the message; transient failures
// leave it for redelivery.
type Notifier struct {
	consumer consumer
	poster   ChatPoster

	totalPosted  int64
	totalDropped int64
	totalErrors  int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewNotifier builds the notify consumer.
func NewNotifier(queues queue.Queue, poster ChatPoster, cfg config.QueueConfig) *Notifier {
	c := consumer{
		queues:       queues,
		name:         queue.Notify,
		batch:        cfg.BatchSize,
		visibility:   cfg.Visibility(queue.Notify),
		pollInterval: cfg.PollInterval(),
	}
	c.defaults()
	return &Notifier{consumer: c, poster: poster}
}

// Start begins consuming.
func (n *Notifier) Start() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.mu.Unlock()

	log.Printf("[Notifier] Starting (queue=%s batch=%d)", n.consumer.name, n.consumer.batch)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.consumer.run(n.ctx, "Notifier", n.handle)
	}()
}

// Stop cancels the loop and waits for in-flight messages.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.cancel()
	n.mu.Unlock()

	n.wg.Wait()
	log.Printf("[Notifier] Stopped. posted=%d dropped=%d errors=%d",
		atomic.LoadInt64(&n.totalPosted),
		atomic.LoadInt64(&n.totalDropped),
		atomic.LoadInt64(&n.totalErrors))
}

// Stats returns current counters.
func (n *Notifier) Stats() map[string]int64 {
	return map[string]int64{
		"total_posted":  atomic.LoadInt64(&n.totalPosted),
		"total_dropped": atomic.LoadInt64(&n.totalDropped),
		"total_errors":  atomic.LoadInt64(&n.totalErrors),
	}
}

func (n *Notifier) handle(ctx context.Context, msg queue.Message) error {
	note, err := schema.DecodeNotificationMessage(msg.Body)
	if err != nil {
		atomic.AddInt64(&n.totalErrors, 1)
		return err
	}

	if err := n.poster.Post(ctx, chat.NewInvoiceCard(*note)); err != nil {
		if chat.IsPermanent(err) {
			// Retrying a rejected card reproduces the rejection; the
			// outcome it reports is already durable in the audit log.
			atomic.AddInt64(&n.totalDropped, 1)
			logger.Warn("chat card rejected, dropping",
				"id", note.ID, "status", note.Status, "error", err.Error())
			return nil
		}
		atomic.AddInt64(&n.totalErrors, 1)
		return fmt.Errorf("post chat card %s: %w", note.ID, err)
	}

	atomic.AddInt64(&n.totalPosted, 1)
	return nil
}
