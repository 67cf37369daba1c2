package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BlobStore keeps invoice attachments in S3 under a date-partitioned layout
// so a day's documents list with one prefix.
type BlobStore struct {
	s3Client *s3.Client
	bucket   string
	region   string
}

func NewBlobStore(clients *Clients, bucket string) *BlobStore {
	return &BlobStore{s3Client: clients.S3, bucket: bucket, region: clients.Region}
}

// BlobKey builds the canonical object key for an attachment:
// YYYY/MM/DD/<event-id>.pdf, dated by when the mail was received.
func BlobKey(receivedAt time.Time, eventID string) string {
	return fmt.Sprintf("%s/%s.pdf", receivedAt.UTC().Format("2006/01/02"), eventID)
}

// URL renders the https form of an object key. This is what rides in the
// blob_url payload field.
func (b *BlobStore) URL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", b.bucket, b.region, key)
}

// KeyFromURL recovers the object key from a blob URL produced by URL, also
// accepting the s3://bucket/key form.
func (b *BlobStore) KeyFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing blob url: %w", err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", fmt.Errorf("blob url %q has no object key", raw)
	}
	return key, nil
}

// Put stores an attachment and returns its blob URL.
func (b *BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/pdf"
	}
	_, err := b.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("putting object to S3: %w", err)
	}
	return b.URL(key), nil
}

// Get fetches an object's bytes by key.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	return data, nil
}

// GetByURL fetches an object's bytes by its blob URL.
func (b *BlobStore) GetByURL(ctx context.Context, rawURL string) ([]byte, error) {
	key, err := b.KeyFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	return b.Get(ctx, key)
}
