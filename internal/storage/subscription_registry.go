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
)

const subscriptionPartition = "SUBSCRIPTION"

// Subscription is the registry's view of a change-notification subscription
// at the mail provider. At most one row is active; webhook validation reads
// it, the manager renews it.
type Subscription struct {
	ID              string    `dynamodbav:"ID" json:"id"`
	Resource        string    `dynamodbav:"Resource" json:"resource"`
	NotificationURL string    `dynamodbav:"NotificationURL" json:"notification_url"`
	ExpiresAt       time.Time `dynamodbav:"ExpiresAt" json:"expires_at"`
	IsActive        bool      `dynamodbav:"IsActive" json:"is_active"`
	CreatedAt       time.Time `dynamodbav:"CreatedAt" json:"created_at"`
	LastRenewedAt   time.Time `dynamodbav:"LastRenewedAt,omitempty" json:"last_renewed_at,omitempty"`
}

type subscriptionItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	Subscription
}

// SubscriptionRegistry persists subscription rows in the shared table under
// a single partition.
type SubscriptionRegistry struct {
	db    *dynamodb.Client
	table string
}

func NewSubscriptionRegistry(clients *Clients, table string) *SubscriptionRegistry {
	return &SubscriptionRegistry{db: clients.DynamoDB, table: table}
}

// Save upserts a subscription row.
func (r *SubscriptionRegistry) Save(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		return fmt.Errorf("subscription id is required")
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	av, err := attributevalue.MarshalMap(subscriptionItem{
		PK:           subscriptionPartition,
		SK:           sub.ID,
		Subscription: *sub,
	})
	if err != nil {
		return fmt.Errorf("marshaling subscription: %w", err)
	}

	_, err = r.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("saving subscription to DynamoDB: %w", err)
	}
	return nil
}

// List returns every registered subscription, active or not.
func (r *SubscriptionRegistry) List(ctx context.Context) ([]Subscription, error) {
	result, err := r.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: subscriptionPartition},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions from DynamoDB: %w", err)
	}

	var subs []Subscription
	for _, raw := range result.Items {
		var item subscriptionItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		subs = append(subs, item.Subscription)
	}
	return subs, nil
}

// GetActive returns the active subscription, or nil when none is active.
// With multiple actives (a conflict another instance is about to resolve)
// the latest expiry wins.
func (r *SubscriptionRegistry) GetActive(ctx context.Context) (*Subscription, error) {
	subs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	var active *Subscription
	for i := range subs {
		if !subs[i].IsActive {
			continue
		}
		if active == nil || subs[i].ExpiresAt.After(active.ExpiresAt) {
			active = &subs[i]
		}
	}
	return active, nil
}

// SetActive marks sub as the single active subscription and clears the flag
// on every other row.
func (r *SubscriptionRegistry) SetActive(ctx context.Context, sub *Subscription) error {
	subs, err := r.List(ctx)
	if err != nil {
		return err
	}

	sub.IsActive = true
	if err := r.Save(ctx, sub); err != nil {
		return err
	}

	for i := range subs {
		if subs[i].ID == sub.ID || !subs[i].IsActive {
			continue
		}
		subs[i].IsActive = false
		if err := r.Save(ctx, &subs[i]); err != nil {
			return fmt.Errorf("deactivating subscription %s: %w", subs[i].ID, err)
		}
	}
	return nil
}

// Deactivate clears the active flag on one subscription.
func (r *SubscriptionRegistry) Deactivate(ctx context.Context, id string) error {
	_, err := r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: subscriptionPartition},
			"SK": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:    aws.String("SET IsActive = :inactive"),
		ConditionExpression: aws.String("attribute_exists(SK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inactive": &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrNotFound
		}
		return fmt.Errorf("deactivating subscription in DynamoDB: %w", err)
	}
	return nil
}
