package worker

import (
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/pkg/logger"
	"github.com/ignite/invoice-relay/internal/queue"
	"github.com/ignite/invoice-relay/internal/schema"
)

// Lifecycle change types the provider sends when a subscription needs
// attention rather than when mail arrives.
const (
	changeCreated        = "created"
	changeUpdated        = "updated"
	changeRemoved        = "subscriptionRemoved"
	changeReauthRequired = "reauthorizationRequired"
	changeMissed         = "missed"
)

// SubscriptionReconciler receives lifecycle events from the notification
// stream. *SubscriptionManager implements it.
type SubscriptionReconciler interface {
	Reconcile(ctx context.Context, changeType, subscriptionID string) error
}

// NotificationWorker consumes the notifications queue: change notifications
// become ingested mail, lifecycle events go to the subscription manager.
type NotificationWorker struct {
	consumer consumer
	ingestor *Ingestor
	subs     SubscriptionReconciler

	totalIngested  int64
	totalSkipped   int64
	totalLifecycle int64
	totalErrors    int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewNotificationWorker builds the notifications consumer.
func NewNotificationWorker(queues queue.Queue, ingestor *Ingestor, cfg config.QueueConfig) *NotificationWorker {
	c := consumer{
		queues:       queues,
		name:         queue.Notifications,
		batch:        cfg.BatchSize,
		visibility:   cfg.Visibility(queue.Notifications),
		pollInterval: cfg.PollInterval(),
	}
	c.defaults()
	return &NotificationWorker{consumer: c, ingestor: ingestor}
}

// SetSubscriptionReconciler wires lifecycle handling. Without it lifecycle
// events are logged and dropped; the manager's own schedule still heals.
func (w *NotificationWorker) SetSubscriptionReconciler(subs SubscriptionReconciler) {
	w.subs = subs
}

// Start begins consuming.
func (w *NotificationWorker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	log.Printf("[NotificationWorker] Starting (queue=%s batch=%d)", w.consumer.name, w.consumer.batch)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.consumer.run(w.ctx, "NotificationWorker", w.handleMessage)
	}()
}

// Stop cancels the loop and waits for in-flight messages.
func (w *NotificationWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	log.Printf("[NotificationWorker] Stopped. ingested=%d skipped=%d lifecycle=%d errors=%d",
		atomic.LoadInt64(&w.totalIngested),
		atomic.LoadInt64(&w.totalSkipped),
		atomic.LoadInt64(&w.totalLifecycle),
		atomic.LoadInt64(&w.totalErrors))
}

// Stats returns current counters.
func (w *NotificationWorker) Stats() map[string]int64 {
	return map[string]int64{
		"total_ingested":  atomic.LoadInt64(&w.totalIngested),
		"total_skipped":   atomic.LoadInt64(&w.totalSkipped),
		"total_lifecycle": atomic.LoadInt64(&w.totalLifecycle),
		"total_errors":    atomic.LoadInt64(&w.totalErrors),
	}
}

func (w *NotificationWorker) handleMessage(ctx context.Context, msg queue.Message) error {
	env, err := schema.DecodeNotificationEnvelope(msg.Body)
	if err != nil {
		// Malformed payloads can never succeed; the dequeue ceiling parks
		// them for operator inspection.
		atomic.AddInt64(&w.totalErrors, 1)
		return err
	}

	switch env.ChangeType {
	case changeCreated, changeUpdated:
		return w.ingest(ctx, env)
	case changeRemoved, changeReauthRequired, changeMissed:
		atomic.AddInt64(&w.totalLifecycle, 1)
		if w.subs == nil {
			logger.Warn("lifecycle event with no subscription manager wired",
				"change_type", env.ChangeType, "subscription_id", env.SubscriptionID)
			return nil
		}
		if err := w.subs.Reconcile(ctx, env.ChangeType, env.SubscriptionID); err != nil {
			atomic.AddInt64(&w.totalErrors, 1)
			return err
		}
		return nil
	default:
		logger.Warn("unhandled change type dropped", "change_type", env.ChangeType)
		atomic.AddInt64(&w.totalSkipped, 1)
		return nil
	}
}

func (w *NotificationWorker) ingest(ctx context.Context, env *schema.NotificationEnvelope) error {
	messageID := messageIDFromResource(env.Resource)
	if messageID == "" {
		logger.Warn("notification resource carries no message id", "resource", env.Resource)
		atomic.AddInt64(&w.totalSkipped, 1)
		return nil
	}

	outcome, err := w.ingestor.IngestByID(ctx, messageID)
	if err != nil {
		atomic.AddInt64(&w.totalErrors, 1)
		return err
	}
	if outcome == OutcomeProcessed {
		atomic.AddInt64(&w.totalIngested, 1)
	} else {
		atomic.AddInt64(&w.totalSkipped, 1)
	}
	return nil
}

// messageIDFromResource pulls the mail id out of a notification resource
// path like "Users/{user}/Messages/{id}". The webhook receiver may also have
// stored a bare message id, which passes through unchanged.
func messageIDFromResource(resource string) string {
	resource = strings.Trim(resource, "/")
	if resource == "" {
		return ""
	}
	segs := strings.Split(resource, "/")
	for i := 0; i < len(segs)-1; i++ {
		if strings.EqualFold(segs[i], "messages") {
			return segs[i+1]
		}
	}
	if len(segs) == 1 {
		return segs[0]
	}
	return ""
}
