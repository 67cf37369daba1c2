package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/extract"
	"github.com/ignite/invoice-relay/internal/pkg/logger"
	"github.com/ignite/invoice-relay/internal/queue"
	"github.com/ignite/invoice-relay/internal/schema"
	"github.com/ignite/invoice-relay/internal/storage"
	"github.com/ignite/invoice-relay/internal/vendor"
)

// Enricher consumes raw-mail, resolves the vendor, assigns the routing
// recipient, and publishes enriched invoices to to-post.
type Enricher struct {
	consumer  consumer
	queues    queue.Queue
	matcher   *vendor.Matcher
	txlog     TransactionLog
	blobs     BlobReader
	mailboxes config.MailboxConfig

	// blockDuplicates switches the same-invoice window check from
	// annotate-and-forward to park-and-notify.
	blockDuplicates bool

	totalEnriched   int64
	totalUnknown    int64
	totalReseller   int64
	totalDuplicates int64
	totalErrors     int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewEnricher builds the raw-mail consumer.
func NewEnricher(queues queue.Queue, matcher *vendor.Matcher, txlog TransactionLog, mailboxes config.MailboxConfig, cfg config.QueueConfig) *Enricher {
	c := consumer{
		queues:       queues,
		name:         queue.RawMail,
		batch:        cfg.BatchSize,
		visibility:   cfg.Visibility(queue.RawMail),
		pollInterval: cfg.PollInterval(),
	}
	c.defaults()
	return &Enricher{
		consumer:  c,
		queues:    queues,
		matcher:   matcher,
		txlog:     txlog,
		mailboxes: mailboxes,
	}
}

// SetBlobReader wires attachment fetching for document-text extraction.
// Without it enrichment runs on sender and subject alone.
func (e *Enricher) SetBlobReader(blobs BlobReader) {
	e.blobs = blobs
}

// SetDuplicateBlock switches same-invoice candidates from annotated
// forwarding to parking. Default is annotate: a false positive that blocks
// a real invoice costs more than a duplicate reaching a human.
func (e *Enricher) SetDuplicateBlock(on bool) {
	e.blockDuplicates = on
}

// Start begins consuming.
func (e *Enricher) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	log.Printf("[Enricher] Starting (queue=%s batch=%d blockDuplicates=%v)",
		e.consumer.name, e.consumer.batch, e.blockDuplicates)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumer.run(e.ctx, "Enricher", e.handle)
	}()
}

// Stop cancels the loop and waits for in-flight messages.
func (e *Enricher) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	log.Printf("[Enricher] Stopped. enriched=%d unknown=%d reseller=%d duplicates=%d errors=%d",
		atomic.LoadInt64(&e.totalEnriched),
		atomic.LoadInt64(&e.totalUnknown),
		atomic.LoadInt64(&e.totalReseller),
		atomic.LoadInt64(&e.totalDuplicates),
		atomic.LoadInt64(&e.totalErrors))
}

// Stats returns current counters.
func (e *Enricher) Stats() map[string]int64 {
	return map[string]int64{
		"total_enriched":   atomic.LoadInt64(&e.totalEnriched),
		"total_unknown":    atomic.LoadInt64(&e.totalUnknown),
		"total_reseller":   atomic.LoadInt64(&e.totalReseller),
		"total_duplicates": atomic.LoadInt64(&e.totalDuplicates),
		"total_errors":     atomic.LoadInt64(&e.totalErrors),
	}
}

func (e *Enricher) handle(ctx context.Context, msg queue.Message) error {
	raw, err := schema.DecodeRawMail(msg.Body)
	if err != nil {
		atomic.AddInt64(&e.totalErrors, 1)
		return err
	}

	// Both ingestion paths can emit the same mail; whoever routed it first
	// has already written the processed marker.
	done, err := e.txlog.WasProcessed(ctx, raw.OriginalMessageID)
	if err != nil {
		atomic.AddInt64(&e.totalErrors, 1)
		return fmt.Errorf("dedup check %s: %w", raw.ID, err)
	}
	if done {
		atomic.AddInt64(&e.totalDuplicates, 1)
		logger.Info("raw mail already processed, dropping",
			"id", raw.ID, "original_message_id", raw.OriginalMessageID)
		return enqueueNotification(ctx, e.queues, &schema.NotificationMessage{
			OriginalMessageID: raw.OriginalMessageID,
			VendorName:        raw.VendorName,
			Amount:            raw.InvoiceAmount,
			Status:            schema.StatusDuplicateSkipped,
		})
	}

	fields, text := e.extractText(ctx, raw)

	hints := make([]string, 0, 4)
	if raw.VendorName != "" {
		hints = append(hints, raw.VendorName)
	}
	if fields.VendorName != "" {
		hints = append(hints, fields.VendorName)
	}
	if text != "" {
		hints = append(hints, extract.VendorCandidates(text)...)
	}

	res, err := e.matcher.Match(ctx, vendor.Input{
		Sender:  raw.Sender,
		Subject: raw.Subject,
		Text:    text,
		Hints:   hints,
	})
	if err != nil {
		atomic.AddInt64(&e.totalErrors, 1)
		return fmt.Errorf("match vendor for %s: %w", raw.ID, err)
	}

	inv := e.buildInvoice(raw, fields, res, hints)

	parked, err := e.checkDuplicateWindow(ctx, inv)
	if err != nil {
		atomic.AddInt64(&e.totalErrors, 1)
		return err
	}
	if parked {
		atomic.AddInt64(&e.totalDuplicates, 1)
		return nil
	}

	body, err := schema.Encode(inv)
	if err != nil {
		atomic.AddInt64(&e.totalErrors, 1)
		return err
	}
	if _, err := e.queues.Enqueue(ctx, queue.ToPost, body); err != nil {
		atomic.AddInt64(&e.totalErrors, 1)
		return fmt.Errorf("enqueue enriched invoice %s: %w", inv.ID, err)
	}

	switch inv.Status {
	case schema.StatusReseller:
		atomic.AddInt64(&e.totalReseller, 1)
	case schema.StatusUnknown:
		atomic.AddInt64(&e.totalUnknown, 1)
	default:
		atomic.AddInt64(&e.totalEnriched, 1)
	}

	logger.Info("invoice enriched",
		"id", inv.ID,
		"vendor", inv.VendorName,
		"status", inv.Status,
		"match_method", inv.MatchMethod,
		"match_confidence", inv.MatchConfidence,
		"recipient", logger.RedactEmail(inv.RecipientEmail))
	return nil
}

// extractText fetches the stored attachment and pulls text and fields out of
// it. Failures degrade: sender, subject, and any pre-extracted fields still
// carry the match.
func (e *Enricher) extractText(ctx context.Context, raw *schema.RawMail) (extract.Fields, string) {
	if e.blobs == nil || raw.BlobURL == "" || raw.BlobURL == schema.BlobNone {
		return extract.Fields{}, ""
	}
	data, err := e.blobs.GetByURL(ctx, raw.BlobURL)
	if err != nil {
		logger.Warn("attachment fetch failed, enriching without document text",
			"id", raw.ID, "error", err.Error())
		return extract.Fields{}, ""
	}
	return extract.FromPDF(data)
}

// buildInvoice assembles the to-post payload. Pre-extracted fields win over
// fresh extraction so the webhook path's work is never redone differently.
func (e *Enricher) buildInvoice(raw *schema.RawMail, fields extract.Fields, res *vendor.MatchResult, hints []string) *schema.EnrichedInvoice {
	inv := &schema.EnrichedInvoice{
		SchemaVersion:     schema.Version,
		ID:                raw.ID,
		OriginalMessageID: raw.OriginalMessageID,
		Sender:            raw.Sender,
		Subject:           raw.Subject,
		BlobURL:           raw.BlobURL,
		ReceivedAt:        raw.ReceivedAt,
		MatchConfidence:   res.Confidence,
		MatchMethod:       res.Method,
		InvoiceAmount:     firstNonEmpty(raw.InvoiceAmount, fields.Amount),
		Currency:          firstNonEmpty(raw.Currency, fields.Currency),
		DueDate:           firstNonEmpty(raw.DueDate, fields.DueDate),
		PaymentTerms:      firstNonEmpty(raw.PaymentTerms, fields.PaymentTerms),
	}

	switch {
	case res.Master != nil && res.Master.IsReseller():
		m := res.Master
		inv.Status = schema.StatusReseller
		inv.VendorName = m.VendorName
		inv.ExpenseDept = m.ExpenseDept
		inv.GLCode = m.GLCode
		inv.AllocationSchedule = m.AllocationSchedule
		inv.BillingParty = m.BillingParty
		inv.RecipientEmail = firstNonEmpty(e.mailboxes.ResellerEmailAddress, e.mailboxes.APEmailAddress)
	case res.Master != nil:
		m := res.Master
		inv.Status = schema.StatusEnriched
		inv.VendorName = m.VendorName
		inv.ExpenseDept = m.ExpenseDept
		inv.GLCode = m.GLCode
		inv.AllocationSchedule = m.AllocationSchedule
		inv.BillingParty = m.BillingParty
		inv.RecipientEmail = firstNonEmpty(m.RoutingEmail, e.mailboxes.APEmailAddress)
	default:
		// Unresolved vendors still route, to the registration desk, with
		// the best name we saw so a human can register it.
		inv.Status = schema.StatusUnknown
		if len(hints) > 0 {
			inv.VendorName = hints[0]
		}
		inv.RecipientEmail = firstNonEmpty(e.mailboxes.VendorRegistrationEmail, e.mailboxes.APEmailAddress)
	}
	return inv
}

// checkDuplicateWindow consults the fingerprint index for a same-invoice
// candidate. A hit annotates the payload, or parks it when blocking is on.
// The index is advisory: lookup failures never hold up the invoice.
func (e *Enricher) checkDuplicateWindow(ctx context.Context, inv *schema.EnrichedInvoice) (bool, error) {
	fp := storage.FingerprintInvoice(inv)
	prior, err := e.txlog.FindCandidateDuplicate(ctx, fp)
	if err != nil {
		logger.Warn("duplicate window check unavailable", "id", inv.ID, "error", err.Error())
		return false, nil
	}
	if prior == "" {
		return false, nil
	}

	if !e.blockDuplicates {
		inv.DuplicateOfTransactionID = prior
		logger.Info("same-invoice candidate annotated",
			"id", inv.ID, "vendor", inv.VendorName, "duplicate_of", prior)
		return false, nil
	}

	tx := &storage.InvoiceTransaction{
		OriginalMessageID: inv.OriginalMessageID,
		VendorKey:         vendor.NormalizeKey(inv.VendorName),
		VendorName:        inv.VendorName,
		Sender:            inv.Sender,
		Subject:           inv.Subject,
		Amount:            inv.InvoiceAmount,
		Currency:          inv.Currency,
		DueDate:           inv.DueDate,
		Status:            schema.StatusDuplicateSkipped,
		MatchMethod:       inv.MatchMethod,
		MatchConfidence:   inv.MatchConfidence,
		BlobURL:           inv.BlobURL,
		ReceivedAt:        inv.ReceivedAt,
		DuplicateOf:       prior,
	}
	if err := e.txlog.Append(ctx, tx); err != nil {
		return false, fmt.Errorf("append duplicate row for %s: %w", inv.ID, err)
	}

	logger.Info("same-invoice candidate parked",
		"id", inv.ID, "vendor", inv.VendorName, "duplicate_of", prior)

	return true, enqueueNotification(ctx, e.queues, &schema.NotificationMessage{
		OriginalMessageID: inv.OriginalMessageID,
		VendorName:        inv.VendorName,
		Amount:            inv.InvoiceAmount,
		Status:            schema.StatusDuplicateSkipped,
		TransactionID:     tx.ID,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
