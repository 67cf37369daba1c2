package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ignite/invoice-relay/internal/vendor"
)

// vendorPartition is the partition holding every vendor master row. Volume
// is a few hundred vendors, so one partition suffices; the normalized key
// leaves room to shard by leading character later without a data migration.
const vendorPartition = "VENDOR"

// vendorItem is the DynamoDB shape of a vendor master row.
type vendorItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	vendor.Master
}

// VendorStore persists vendor master rows. It satisfies vendor.Directory
// for the matcher's read path.
type VendorStore struct {
	db    *dynamodb.Client
	table string
}

func NewVendorStore(clients *Clients, table string) *VendorStore {
	return &VendorStore{db: clients.DynamoDB, table: table}
}

// Lookup fetches one vendor by normalized key. Returns (nil, nil) when no
// row has the key.
func (s *VendorStore) Lookup(ctx context.Context, key string) (*vendor.Master, error) {
	result, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: vendorPartition},
			"SK": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting vendor from DynamoDB: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var item vendorItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling vendor: %w", err)
	}
	return &item.Master, nil
}

// ListActive returns every vendor with the active flag set.
func (s *VendorStore) ListActive(ctx context.Context) ([]vendor.Master, error) {
	var out []vendor.Master
	var startKey map[string]types.AttributeValue
	for {
		result, err := s.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("PK = :pk"),
			FilterExpression:       aws.String("Active = :active"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: vendorPartition},
				":active": &types.AttributeValueMemberBOOL{Value: true},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying vendors from DynamoDB: %w", err)
		}
		for _, raw := range result.Items {
			var item vendorItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				continue
			}
			out = append(out, item.Master)
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		startKey = result.LastEvaluatedKey
	}
	return out, nil
}

// List returns every vendor row, active or not.
func (s *VendorStore) List(ctx context.Context) ([]vendor.Master, error) {
	result, err := s.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: vendorPartition},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying vendors from DynamoDB: %w", err)
	}

	var out []vendor.Master
	for _, raw := range result.Items {
		var item vendorItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		out = append(out, item.Master)
	}
	return out, nil
}

// Create inserts a new vendor. The key is derived from the vendor name when
// not supplied. Returns ErrConflict when the key is already taken.
func (s *VendorStore) Create(ctx context.Context, m *vendor.Master) error {
	if m.Key == "" {
		m.Key = vendor.NormalizeKey(m.VendorName)
	}
	if m.Key == "" {
		return fmt.Errorf("vendor name %q normalizes to an empty key", m.VendorName)
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	av, err := attributevalue.MarshalMap(vendorItem{PK: vendorPartition, SK: m.Key, Master: *m})
	if err != nil {
		return fmt.Errorf("marshaling vendor: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(SK)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrConflict
		}
		return fmt.Errorf("putting vendor to DynamoDB: %w", err)
	}
	return nil
}

// Update overwrites an existing vendor row. Returns ErrNotFound when the
// key does not exist yet.
func (s *VendorStore) Update(ctx context.Context, m *vendor.Master) error {
	if m.Key == "" {
		return fmt.Errorf("vendor key is required")
	}
	m.UpdatedAt = time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}

	av, err := attributevalue.MarshalMap(vendorItem{PK: vendorPartition, SK: m.Key, Master: *m})
	if err != nil {
		return fmt.Errorf("marshaling vendor: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(SK)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrNotFound
		}
		return fmt.Errorf("updating vendor in DynamoDB: %w", err)
	}
	return nil
}

// Deactivate clears the active flag so the vendor stops matching without
// losing its history.
func (s *VendorStore) Deactivate(ctx context.Context, key string) error {
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: vendorPartition},
			"SK": &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression:    aws.String("SET Active = :inactive, UpdatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(SK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inactive": &types.AttributeValueMemberBOOL{Value: false},
			":now":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrNotFound
		}
		return fmt.Errorf("deactivating vendor in DynamoDB: %w", err)
	}
	return nil
}
