package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DailySummary is the once-a-day operational snapshot written to S3:
// transaction counts by status plus queue depths at snapshot time.
type DailySummary struct {
	Date        string           `json:"date"`
	Statuses    map[string]int   `json:"statuses"`
	QueueDepths map[string]int64 `json:"queue_depths,omitempty"`
	GeneratedAt time.Time        `json:"generated_at"`
}

func summaryKey(day time.Time) string {
	return fmt.Sprintf("summaries/%s.json", day.UTC().Format("2006/01/02"))
}

// SaveDailySummary writes the summary document for a day, overwriting any
// earlier snapshot of the same day.
func (b *BlobStore) SaveDailySummary(ctx context.Context, day time.Time, summary *DailySummary) error {
	jsonData, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}

	_, err = b.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(summaryKey(day)),
		Body:        bytes.NewReader(jsonData),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting summary to S3: %w", err)
	}
	return nil
}

// GetDailySummary reads one day's summary back.
func (b *BlobStore) GetDailySummary(ctx context.Context, day time.Time) (*DailySummary, error) {
	data, err := b.Get(ctx, summaryKey(day))
	if err != nil {
		return nil, err
	}
	var summary DailySummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("unmarshaling summary: %w", err)
	}
	return &summary, nil
}
