package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/eventid"
	"github.com/ignite/invoice-relay/internal/mailing"
	"github.com/ignite/invoice-relay/internal/pkg/logger"
	"github.com/ignite/invoice-relay/internal/queue"
	"github.com/ignite/invoice-relay/internal/schema"
	"github.com/ignite/invoice-relay/internal/storage"
	"github.com/ignite/invoice-relay/internal/vendor"
)

// Router consumes to-post, sends the routed mail, and records the
// transaction. The processed marker written alongside the transaction row is
// the last dedup layer: whoever records it first owns the send.
type Router struct {
	consumer  consumer
	queues    queue.Queue
	txlog     TransactionLog
	blobs     BlobReader
	composer  *mailing.Composer
	sender    mailing.MailSender
	mailboxes config.MailboxConfig

	totalRouted     int64
	totalDuplicates int64
	totalLooped     int64
	totalRejected   int64
	totalErrors     int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewRouter builds the to-post consumer.
func NewRouter(queues queue.Queue, txlog TransactionLog, composer *mailing.Composer, sender mailing.MailSender, mailboxes config.MailboxConfig, cfg config.QueueConfig) *Router {
	c := consumer{
		queues:       queues,
		name:         queue.ToPost,
		batch:        cfg.BatchSize,
		visibility:   cfg.Visibility(queue.ToPost),
		pollInterval: cfg.PollInterval(),
	}
	c.defaults()
	return &Router{
		consumer:  c,
		queues:    queues,
		txlog:     txlog,
		composer:  composer,
		sender:    sender,
		mailboxes: mailboxes,
	}
}

// SetBlobReader wires attachment fetching. Without it routed mail goes out
// without the original document attached.
func (r *Router) SetBlobReader(blobs BlobReader) {
	r.blobs = blobs
}

// Start begins consuming.
func (r *Router) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	log.Printf("[Router] Starting (queue=%s batch=%d)", r.consumer.name, r.consumer.batch)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.consumer.run(r.ctx, "Router", r.handle)
	}()
}

// Stop cancels the loop and waits for in-flight messages.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	log.Printf("[Router] Stopped. routed=%d duplicates=%d looped=%d rejected=%d errors=%d",
		atomic.LoadInt64(&r.totalRouted),
		atomic.LoadInt64(&r.totalDuplicates),
		atomic.LoadInt64(&r.totalLooped),
		atomic.LoadInt64(&r.totalRejected),
		atomic.LoadInt64(&r.totalErrors))
}

// Stats returns current counters.
func (r *Router) Stats() map[string]int64 {
	return map[string]int64{
		"total_routed":     atomic.LoadInt64(&r.totalRouted),
		"total_duplicates": atomic.LoadInt64(&r.totalDuplicates),
		"total_looped":     atomic.LoadInt64(&r.totalLooped),
		"total_rejected":   atomic.LoadInt64(&r.totalRejected),
		"total_errors":     atomic.LoadInt64(&r.totalErrors),
	}
}

func (r *Router) handle(ctx context.Context, msg queue.Message) error {
	inv, err := schema.DecodeEnrichedInvoice(msg.Body)
	if err != nil {
		atomic.AddInt64(&r.totalErrors, 1)
		return err
	}

	// Parked payloads never reach to-post, but a payload that does arrive
	// with this status must not be sent.
	if inv.Status == schema.StatusDuplicateSkipped {
		atomic.AddInt64(&r.totalDuplicates, 1)
		return r.notify(ctx, inv, "", schema.StatusDuplicateSkipped)
	}

	// Loop guard on the outbound side: mailing the ingest mailbox would
	// feed the pipeline its own output.
	if r.mailboxes.IsIngestMailbox(inv.RecipientEmail) {
		atomic.AddInt64(&r.totalLooped, 1)
		return r.refuse(ctx, inv, schema.StatusLooped, "recipient is the ingest mailbox")
	}

	done, err := r.txlog.WasProcessed(ctx, inv.OriginalMessageID)
	if err != nil {
		atomic.AddInt64(&r.totalErrors, 1)
		return fmt.Errorf("dedup check %s: %w", inv.ID, err)
	}
	if done {
		atomic.AddInt64(&r.totalDuplicates, 1)
		logger.Info("invoice already routed, dropping",
			"id", inv.ID, "original_message_id", inv.OriginalMessageID)
		return r.notify(ctx, inv, "", schema.StatusDuplicateSkipped)
	}

	if !r.mailboxes.AllowedRecipient(inv.RecipientEmail) {
		atomic.AddInt64(&r.totalRejected, 1)
		return r.refuse(ctx, inv, schema.StatusError,
			fmt.Sprintf("recipient %s not in allowlist", inv.RecipientEmail))
	}

	var pdf []byte
	if r.blobs != nil && inv.BlobURL != "" && inv.BlobURL != schema.BlobNone {
		pdf, err = r.blobs.GetByURL(ctx, inv.BlobURL)
		if err != nil {
			atomic.AddInt64(&r.totalErrors, 1)
			return fmt.Errorf("fetch attachment for %s: %w", inv.ID, err)
		}
	}

	// The transaction id is minted before composing so the mail body can
	// reference the row that will record this send.
	txID := eventid.New()

	mail, err := r.composer.Compose(inv, txID, "", pdf)
	if err != nil {
		atomic.AddInt64(&r.totalErrors, 1)
		return fmt.Errorf("compose mail for %s: %w", inv.ID, err)
	}
	if err := r.sender.Send(ctx, mail); err != nil {
		atomic.AddInt64(&r.totalErrors, 1)
		return fmt.Errorf("send mail for %s: %w", inv.ID, err)
	}

	rowStatus := schema.StatusProcessed
	if inv.Status == schema.StatusUnknown {
		rowStatus = schema.StatusUnknown
	}
	tx := &storage.InvoiceTransaction{
		ID:                txID,
		OriginalMessageID: inv.OriginalMessageID,
		VendorKey:         vendor.NormalizeKey(inv.VendorName),
		VendorName:        inv.VendorName,
		Sender:            inv.Sender,
		Subject:           inv.Subject,
		Amount:            inv.InvoiceAmount,
		Currency:          inv.Currency,
		DueDate:           inv.DueDate,
		Status:            rowStatus,
		MatchMethod:       inv.MatchMethod,
		MatchConfidence:   inv.MatchConfidence,
		RecipientEmail:    inv.RecipientEmail,
		BlobURL:           inv.BlobURL,
		GLCode:            inv.GLCode,
		ExpenseDept:       inv.ExpenseDept,
		ReceivedAt:        inv.ReceivedAt,
		DuplicateOf:       inv.DuplicateOfTransactionID,
	}
	if err := r.txlog.Append(ctx, tx); err != nil {
		if errors.Is(err, storage.ErrAlreadyProcessed) {
			// A concurrent worker recorded first; our send was redundant.
			// Nothing to retry.
			atomic.AddInt64(&r.totalDuplicates, 1)
			logger.Warn("concurrent send detected, marker already written",
				"id", inv.ID, "original_message_id", inv.OriginalMessageID)
			return r.notify(ctx, inv, "", schema.StatusDuplicateSkipped)
		}
		// The mail went out but the record failed. Leave the message
		// claimed: redelivery either lands the record or parks the message
		// where an operator can see it. Never report success here.
		atomic.AddInt64(&r.totalErrors, 1)
		return fmt.Errorf("record transaction for %s: %w", inv.ID, err)
	}

	atomic.AddInt64(&r.totalRouted, 1)
	logger.Info("invoice routed",
		"id", inv.ID,
		"transaction_id", txID,
		"vendor", inv.VendorName,
		"status", inv.Status,
		"recipient", logger.RedactEmail(inv.RecipientEmail))

	// The send and its record are durable; a lost chat card is not worth a
	// redelivered message that would then read as a duplicate.
	if err := r.notify(ctx, inv, txID, inv.Status); err != nil {
		logger.Warn("notification enqueue failed after send", "id", inv.ID, "error", err.Error())
	}
	return nil
}

// refuse records a terminal row for mail that must not be sent and tells the
// chat channel. The queue message is consumed.
func (r *Router) refuse(ctx context.Context, inv *schema.EnrichedInvoice, status, detail string) error {
	logger.Warn("invoice refused at routing",
		"id", inv.ID,
		"status", status,
		"detail", detail,
		"recipient", logger.RedactEmail(inv.RecipientEmail))

	tx := &storage.InvoiceTransaction{
		OriginalMessageID: inv.OriginalMessageID,
		VendorKey:         vendor.NormalizeKey(inv.VendorName),
		VendorName:        inv.VendorName,
		Sender:            inv.Sender,
		Subject:           inv.Subject,
		Amount:            inv.InvoiceAmount,
		Currency:          inv.Currency,
		DueDate:           inv.DueDate,
		Status:            status,
		MatchMethod:       inv.MatchMethod,
		MatchConfidence:   inv.MatchConfidence,
		RecipientEmail:    inv.RecipientEmail,
		BlobURL:           inv.BlobURL,
		GLCode:            inv.GLCode,
		ExpenseDept:       inv.ExpenseDept,
		ReceivedAt:        inv.ReceivedAt,
		ErrorDetail:       detail,
	}
	if err := r.txlog.Append(ctx, tx); err != nil {
		return fmt.Errorf("record refusal for %s: %w", inv.ID, err)
	}
	return r.notify(ctx, inv, tx.ID, status)
}

func (r *Router) notify(ctx context.Context, inv *schema.EnrichedInvoice, txID, status string) error {
	return enqueueNotification(ctx, r.queues, &schema.NotificationMessage{
		OriginalMessageID: inv.OriginalMessageID,
		VendorName:        inv.VendorName,
		Amount:            inv.InvoiceAmount,
		Status:            status,
		RecipientEmail:    inv.RecipientEmail,
		TransactionID:     txID,
	})
}
