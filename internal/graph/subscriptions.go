package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// MaxSubscriptionMinutes is the provider ceiling for message subscriptions
// (~70 hours). Create and renew both pin expiry to this.
const MaxSubscriptionMinutes = 4230

// MaxExpiry returns the latest expiration the provider accepts, from now.
func MaxExpiry() time.Time {
	return time.Now().UTC().Add(MaxSubscriptionMinutes * time.Minute)
}

// NewMessageSubscription builds the create payload for new-mail
// notifications on a mailbox.
func NewMessageSubscription(mailbox, notificationURL, clientState string) Subscription {
	return Subscription{
		ChangeType:               "created",
		Resource:                 fmt.Sprintf("/users/%s/messages", mailbox),
		NotificationURL:          notificationURL,
		LifecycleNotificationURL: notificationURL + "/lifecycle",
		ClientState:              clientState,
		ExpirationDateTime:       MaxExpiry(),
	}
}

// CreateSubscription registers a change-notification subscription. The
// provider validates the notification URL synchronously before replying, so
// the webhook endpoint must already be serving the validation handshake.
func (c *Client) CreateSubscription(ctx context.Context, sub Subscription) (*Subscription, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/subscriptions", sub)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, statusError("create subscription", status, body)
	}

	var created Subscription
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("decode subscription response: %w", err)
	}
	return &created, nil
}

// RenewSubscription extends a subscription to the given expiry. A provider
// 404 surfaces as ErrSubscriptionNotFound so the caller can recreate.
func (c *Client) RenewSubscription(ctx context.Context, subscriptionID string, expiry time.Time) (*Subscription, error) {
	payload := map[string]string{
		"expirationDateTime": expiry.UTC().Format(time.RFC3339),
	}
	path := "/subscriptions/" + url.PathEscape(subscriptionID)

	body, status, err := c.do(ctx, http.MethodPatch, path, payload)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrSubscriptionNotFound
	default:
		return nil, statusError("renew subscription", status, body)
	}

	var renewed Subscription
	if err := json.Unmarshal(body, &renewed); err != nil {
		return nil, fmt.Errorf("decode renewal response: %w", err)
	}
	return &renewed, nil
}

// DeleteSubscription removes a subscription. Already-gone is success.
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	path := "/subscriptions/" + url.PathEscape(subscriptionID)

	body, status, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return statusError("delete subscription", status, body)
	}
}
