package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/eventid"
	"github.com/ignite/invoice-relay/internal/extract"
	"github.com/ignite/invoice-relay/internal/graph"
	"github.com/ignite/invoice-relay/internal/pkg/logger"
	"github.com/ignite/invoice-relay/internal/queue"
	"github.com/ignite/invoice-relay/internal/schema"
	"github.com/ignite/invoice-relay/internal/storage"
)

// MailSource is the provider slice ingestion reads from. *graph.Client
// implements it.
type MailSource interface {
	GetMessage(ctx context.Context, mailbox, messageID string) (*graph.Message, error)
	FirstPDF(ctx context.Context, mailbox, messageID string) (string, []byte, error)
	MarkRead(ctx context.Context, mailbox, messageID string) error
}

// BlobWriter is the attachment-persist slice of the blob store.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Ingestor turns one provider mail item into a raw-mail queue message:
// loop guard, dedup check, attachment download, blob persistence, optional
// field pre-extraction, emit, mark read. Both ingestion paths (the
// webhook-driven notification worker and the fallback poller) run every
// mail through here, so they can never double-feed the pipeline.
type Ingestor struct {
	mail       MailSource
	blobs      BlobWriter
	txlog      TransactionLog
	queues     queue.Queue
	mailboxes  config.MailboxConfig
	preExtract bool
}

// NewIngestor builds the shared ingestion sequence.
func NewIngestor(mail MailSource, blobs BlobWriter, txlog TransactionLog, queues queue.Queue, mailboxes config.MailboxConfig) *Ingestor {
	return &Ingestor{
		mail:      mail,
		blobs:     blobs,
		txlog:     txlog,
		queues:    queues,
		mailboxes: mailboxes,
	}
}

// SetPreExtract enables invoice-field extraction at ingest time. The
// enricher re-extracts regardless, so this only trades ingest latency for
// enrichment latency.
func (i *Ingestor) SetPreExtract(on bool) {
	i.preExtract = on
}

// IngestByID fetches a mail item by provider id and ingests it. Mail that
// vanished between notification and fetch is a skip, not a failure.
func (i *Ingestor) IngestByID(ctx context.Context, messageID string) (Outcome, error) {
	msg, err := i.mail.GetMessage(ctx, i.mailboxes.IngestMailbox, messageID)
	if errors.Is(err, graph.ErrMessageNotFound) {
		logger.Debug("notified mail no longer exists", "original_message_id", messageID)
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeError, fmt.Errorf("fetch mail %s: %w", messageID, err)
	}
	return i.Ingest(ctx, msg)
}

// Ingest runs the guard-download-persist-emit-markread sequence for one
// mail item. The blob write strictly precedes the raw-mail emit: downstream
// consumers may dereference blob_url the moment the message is visible.
func (i *Ingestor) Ingest(ctx context.Context, msg *graph.Message) (Outcome, error) {
	if msg.IsRead {
		return OutcomeSkipped, nil
	}

	sender := msg.SenderAddress()
	if i.mailboxes.IsIngestMailbox(sender) {
		return i.recordLooped(ctx, msg)
	}

	done, err := i.txlog.WasProcessed(ctx, msg.ID)
	if err != nil {
		return OutcomeError, fmt.Errorf("dedup check for %s: %w", msg.ID, err)
	}
	if done {
		logger.Info("skipping already-processed mail",
			"original_message_id", msg.ID,
			"sender_domain", logger.SenderDomain(sender))
		i.markRead(ctx, msg.ID)
		return OutcomeDuplicate, nil
	}

	name, data, err := i.mail.FirstPDF(ctx, i.mailboxes.IngestMailbox, msg.ID)
	if errors.Is(err, graph.ErrNoPDFAttachment) {
		// Not an invoice candidate. Mark it read so the poller stops
		// re-fetching it every tick.
		logger.Debug("mail has no invoice attachment", "original_message_id", msg.ID)
		i.markRead(ctx, msg.ID)
		return OutcomeSkipped, nil
	}
	if errors.Is(err, graph.ErrMessageNotFound) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeError, fmt.Errorf("download attachment for %s: %w", msg.ID, err)
	}

	id := eventid.New()
	key := storage.BlobKey(msg.ReceivedDateTime, id)
	blobURL, err := i.blobs.Put(ctx, key, data, "application/pdf")
	if err != nil {
		return OutcomeError, fmt.Errorf("persist attachment for %s: %w", msg.ID, err)
	}

	raw := &schema.RawMail{
		SchemaVersion:     schema.Version,
		ID:                id,
		OriginalMessageID: msg.ID,
		Sender:            sender,
		Subject:           msg.Subject,
		BlobURL:           blobURL,
		ReceivedAt:        msg.ReceivedDateTime.UTC(),
	}
	if i.preExtract {
		// Extraction failures degrade to unset fields; the enricher fills
		// gaps from the persisted blob.
		fields, _ := extract.FromPDF(data)
		raw.VendorName = fields.VendorName
		raw.InvoiceAmount = fields.Amount
		raw.Currency = fields.Currency
		raw.DueDate = fields.DueDate
		raw.PaymentTerms = fields.PaymentTerms
	}

	body, err := schema.Encode(raw)
	if err != nil {
		return OutcomeError, fmt.Errorf("encode raw mail %s: %w", id, err)
	}
	if _, err := i.queues.Enqueue(ctx, queue.RawMail, body); err != nil {
		return OutcomeError, fmt.Errorf("enqueue raw mail %s: %w", id, err)
	}

	i.markRead(ctx, msg.ID)
	logger.Info("mail ingested",
		"id", id,
		"original_message_id", msg.ID,
		"sender_domain", logger.SenderDomain(sender),
		"attachment", name,
		"blob_url", blobURL)
	return OutcomeProcessed, nil
}

// recordLooped writes the audit row for mail the relay sent to itself and
// takes it out of circulation.
func (i *Ingestor) recordLooped(ctx context.Context, msg *graph.Message) (Outcome, error) {
	logger.Warn("looped mail refused at ingest", "original_message_id", msg.ID)

	tx := &storage.InvoiceTransaction{
		OriginalMessageID: msg.ID,
		Sender:            msg.SenderAddress(),
		Subject:           msg.Subject,
		Status:            schema.StatusLooped,
		ReceivedAt:        msg.ReceivedDateTime.UTC(),
	}
	if err := i.txlog.Append(ctx, tx); err != nil {
		return OutcomeError, fmt.Errorf("append looped row for %s: %w", msg.ID, err)
	}
	i.markRead(ctx, msg.ID)
	return OutcomeLooped, nil
}

// markRead is best effort: an unread flag left behind means redundant
// refetches, which the dedup layers absorb.
func (i *Ingestor) markRead(ctx context.Context, messageID string) {
	if err := i.mail.MarkRead(ctx, i.mailboxes.IngestMailbox, messageID); err != nil {
		logger.Warn("mark read failed", "original_message_id", messageID, "error", err.Error())
	}
}
