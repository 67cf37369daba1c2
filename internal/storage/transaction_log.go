package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ignite/invoice-relay/internal/eventid"
	"github.com/ignite/invoice-relay/internal/pkg/logger"
	"github.com/ignite/invoice-relay/internal/schema"
	"github.com/ignite/invoice-relay/internal/vendor"
)

// recordTTL is how long transaction rows and dedup markers live. After this
// window a reprocessed message is treated as new, which is the documented
// dedup horizon.
const recordTTL = 90 * 24 * time.Hour

// InvoiceTransaction is one audit row: every terminal outcome of an ingested
// message writes exactly one.
type InvoiceTransaction struct {
	ID                string    `dynamodbav:"ID" json:"id"`
	OriginalMessageID string    `dynamodbav:"OriginalMessageID" json:"original_message_id"`
	VendorKey         string    `dynamodbav:"VendorKey,omitempty" json:"vendor_key,omitempty"`
	VendorName        string    `dynamodbav:"VendorName,omitempty" json:"vendor_name,omitempty"`
	Sender            string    `dynamodbav:"Sender" json:"sender"`
	Subject           string    `dynamodbav:"Subject,omitempty" json:"subject,omitempty"`
	Amount            string    `dynamodbav:"Amount,omitempty" json:"amount,omitempty"`
	Currency          string    `dynamodbav:"Currency,omitempty" json:"currency,omitempty"`
	DueDate           string    `dynamodbav:"DueDate,omitempty" json:"due_date,omitempty"`
	Status            string    `dynamodbav:"TxStatus" json:"status"`
	MatchMethod       string    `dynamodbav:"MatchMethod,omitempty" json:"match_method,omitempty"`
	MatchConfidence   int       `dynamodbav:"MatchConfidence" json:"match_confidence"`
	RecipientEmail    string    `dynamodbav:"RecipientEmail,omitempty" json:"recipient_email,omitempty"`
	BlobURL           string    `dynamodbav:"BlobURL,omitempty" json:"blob_url,omitempty"`
	GLCode            string    `dynamodbav:"GLCode,omitempty" json:"gl_code,omitempty"`
	ExpenseDept       string    `dynamodbav:"ExpenseDept,omitempty" json:"expense_dept,omitempty"`
	ReceivedAt        time.Time `dynamodbav:"ReceivedAt" json:"received_at"`
	ProcessedAt       time.Time `dynamodbav:"ProcessedAt" json:"processed_at"`
	ErrorDetail       string    `dynamodbav:"ErrorDetail,omitempty" json:"error_detail,omitempty"`
	DuplicateOf       string    `dynamodbav:"DuplicateOf,omitempty" json:"duplicate_of,omitempty"`
}

type transactionItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	InvoiceTransaction
	TTL int64 `dynamodbav:"TTL"`
}

// processedMarker is the dedup pointer: its bare existence means the
// original message has produced an outbound mail.
type processedMarker struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	TransactionID string `dynamodbav:"TransactionID"`
	ProcessedAt   string `dynamodbav:"ProcessedAt"`
	TTL           int64  `dynamodbav:"TTL"`
}

// fingerprintItem locates the earliest transaction sharing an invoice
// fingerprint, for duplicate-candidate detection across distinct messages.
type fingerprintItem struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	TransactionID string `dynamodbav:"TransactionID"`
	TTL           int64  `dynamodbav:"TTL"`
}

// TransactionLog is the append-mostly invoice history in DynamoDB. Rows are
// partitioned by month so a month streams with one query.
type TransactionLog struct {
	db    *dynamodb.Client
	table string
}

func NewTransactionLog(clients *Clients, table string) *TransactionLog {
	return &TransactionLog{db: clients.DynamoDB, table: table}
}

func monthPartition(t time.Time) string {
	return "TX#" + t.UTC().Format("200601")
}

func markerPK(originalMessageID string) string {
	return "MSG#" + originalMessageID
}

// Fingerprint derives the duplicate-candidate key for an invoice: vendor
// key, lowercased sender, and invoice date hashed together. Deterministic,
// so the enricher and the router always agree.
func Fingerprint(vendorKey, sender, date string) string {
	h := sha256.Sum256([]byte(strings.ToLower(vendorKey) + "|" + strings.ToLower(sender) + "|" + date))
	return hex.EncodeToString(h[:16])
}

// FingerprintInvoice computes the fingerprint from an enriched payload,
// using the due date when extraction found one and the received day
// otherwise.
func FingerprintInvoice(inv *schema.EnrichedInvoice) string {
	date := inv.DueDate
	if date == "" {
		date = inv.ReceivedAt.UTC().Format("2006-01-02")
	}
	return Fingerprint(vendor.NormalizeKey(inv.VendorName), inv.Sender, date)
}

// Append writes one audit row. For processed rows the write is a
// transaction that also inserts the per-message dedup marker; if the marker
// already exists nothing is written and ErrAlreadyProcessed is returned, so
// a second sender for the same original message can never record success.
func (t *TransactionLog) Append(ctx context.Context, tx *InvoiceTransaction) error {
	if tx.ID == "" {
		tx.ID = eventid.New()
	}
	if tx.ProcessedAt.IsZero() {
		tx.ProcessedAt = time.Now().UTC()
	}
	ttl := tx.ProcessedAt.Add(recordTTL).Unix()

	rowAV, err := attributevalue.MarshalMap(transactionItem{
		PK:                 monthPartition(tx.ProcessedAt),
		SK:                 tx.ID,
		InvoiceTransaction: *tx,
		TTL:                ttl,
	})
	if err != nil {
		return fmt.Errorf("marshaling transaction: %w", err)
	}

	if tx.Status != schema.StatusProcessed {
		_, err = t.db.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(t.table),
			Item:      rowAV,
		})
		if err != nil {
			return fmt.Errorf("putting transaction to DynamoDB: %w", err)
		}
		return nil
	}

	markerAV, err := attributevalue.MarshalMap(processedMarker{
		PK:            markerPK(tx.OriginalMessageID),
		SK:            "PROCESSED",
		TransactionID: tx.ID,
		ProcessedAt:   tx.ProcessedAt.Format(time.RFC3339Nano),
		TTL:           ttl,
	})
	if err != nil {
		return fmt.Errorf("marshaling processed marker: %w", err)
	}

	_, err = t.db.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName: aws.String(t.table),
				Item:      rowAV,
			}},
			{Put: &types.Put{
				TableName:           aws.String(t.table),
				Item:                markerAV,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
					return ErrAlreadyProcessed
				}
			}
		}
		return fmt.Errorf("appending processed transaction: %w", err)
	}

	t.writeFingerprint(ctx, tx, ttl)
	return nil
}

// writeFingerprint records the first transaction per invoice fingerprint.
// Advisory only: losing it weakens duplicate-candidate detection, never
// correctness, so failures are logged and swallowed.
func (t *TransactionLog) writeFingerprint(ctx context.Context, tx *InvoiceTransaction, ttl int64) {
	date := tx.DueDate
	if date == "" {
		date = tx.ReceivedAt.UTC().Format("2006-01-02")
	}
	fp := Fingerprint(tx.VendorKey, tx.Sender, date)

	av, err := attributevalue.MarshalMap(fingerprintItem{
		PK:            "FP#" + fp,
		SK:            "CANDIDATE",
		TransactionID: tx.ID,
		TTL:           ttl,
	})
	if err != nil {
		logger.Warn("marshal fingerprint item failed", "error", err.Error())
		return
	}

	_, err = t.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(t.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return // earliest transaction keeps the fingerprint
		}
		logger.Warn("write fingerprint item failed", "transaction_id", tx.ID, "error", err.Error())
	}
}

// WasProcessed reports whether a processed marker exists for the original
// message. Markers past their TTL count as absent; DynamoDB expiry lags and
// the dedup window is a contract.
func (t *TransactionLog) WasProcessed(ctx context.Context, originalMessageID string) (bool, error) {
	result, err := t.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(t.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: markerPK(originalMessageID)},
			"SK": &types.AttributeValueMemberS{Value: "PROCESSED"},
		},
	})
	if err != nil {
		return false, fmt.Errorf("getting processed marker: %w", err)
	}
	if result.Item == nil {
		return false, nil
	}

	var marker processedMarker
	if err := attributevalue.UnmarshalMap(result.Item, &marker); err != nil {
		return false, fmt.Errorf("unmarshaling processed marker: %w", err)
	}
	if marker.TTL > 0 && marker.TTL < time.Now().Unix() {
		return false, nil
	}
	return true, nil
}

// FindCandidateDuplicate returns the transaction ID recorded for the
// fingerprint, or "" when this invoice shape has not been seen.
func (t *TransactionLog) FindCandidateDuplicate(ctx context.Context, fingerprint string) (string, error) {
	result, err := t.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(t.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "FP#" + fingerprint},
			"SK": &types.AttributeValueMemberS{Value: "CANDIDATE"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("getting fingerprint item: %w", err)
	}
	if result.Item == nil {
		return "", nil
	}

	var item fingerprintItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return "", fmt.Errorf("unmarshaling fingerprint item: %w", err)
	}
	if item.TTL > 0 && item.TTL < time.Now().Unix() {
		return "", nil
	}
	return item.TransactionID, nil
}

// Get fetches one transaction by ID. The month partition is recovered from
// the ID's embedded timestamp.
func (t *TransactionLog) Get(ctx context.Context, id string) (*InvoiceTransaction, error) {
	ts, err := eventid.Time(id)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction id %q: %w", id, err)
	}

	result, err := t.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(t.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: monthPartition(ts)},
			"SK": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting transaction from DynamoDB: %w", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var item transactionItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling transaction: %w", err)
	}
	return &item.InvoiceTransaction, nil
}

// MonthIterator streams one month's transactions in insertion (ID) order.
// It is finite and single-pass.
type MonthIterator struct {
	paginator *dynamodb.QueryPaginator
	buf       []InvoiceTransaction
	pos       int
	err       error
}

// StreamMonth returns an iterator over every transaction row in the month
// containing ts.
func (t *TransactionLog) StreamMonth(ctx context.Context, ts time.Time) *MonthIterator {
	paginator := dynamodb.NewQueryPaginator(t.db, &dynamodb.QueryInput{
		TableName:              aws.String(t.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: monthPartition(ts)},
		},
	})
	return &MonthIterator{paginator: paginator}
}

// Next advances the iterator. It returns false at the end of the month or
// on error; check Err afterwards.
func (it *MonthIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	it.pos++
	if it.pos <= len(it.buf) {
		return true
	}
	for it.paginator.HasMorePages() {
		page, err := it.paginator.NextPage(ctx)
		if err != nil {
			it.err = fmt.Errorf("querying transaction page: %w", err)
			return false
		}
		it.buf = it.buf[:0]
		for _, raw := range page.Items {
			var item transactionItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				continue
			}
			it.buf = append(it.buf, item.InvoiceTransaction)
		}
		if len(it.buf) > 0 {
			it.pos = 1
			return true
		}
	}
	return false
}

// Row returns the current transaction. Valid only after Next returned true.
func (it *MonthIterator) Row() *InvoiceTransaction {
	return &it.buf[it.pos-1]
}

// Err reports the first error the iterator hit.
func (it *MonthIterator) Err() error {
	return it.err
}

// StatusSummary counts transactions by status for one UTC day.
func (t *TransactionLog) StatusSummary(ctx context.Context, day time.Time) (map[string]int, error) {
	prefix := day.UTC().Format("2006-01-02")
	counts := make(map[string]int)

	paginator := dynamodb.NewQueryPaginator(t.db, &dynamodb.QueryInput{
		TableName:              aws.String(t.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		FilterExpression:       aws.String("begins_with(ProcessedAt, :day)"),
		ProjectionExpression:   aws.String("TxStatus"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":  &types.AttributeValueMemberS{Value: monthPartition(day)},
			":day": &types.AttributeValueMemberS{Value: prefix},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying status summary: %w", err)
		}
		for _, raw := range page.Items {
			var row struct {
				TxStatus string `dynamodbav:"TxStatus"`
			}
			if err := attributevalue.UnmarshalMap(raw, &row); err != nil {
				continue
			}
			if row.TxStatus != "" {
				counts[row.TxStatus]++
			}
		}
	}
	return counts, nil
}
