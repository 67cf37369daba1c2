package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/invoice-relay/internal/pkg/httputil"
	"github.com/ignite/invoice-relay/internal/pkg/logger"
	"github.com/ignite/invoice-relay/internal/queue"
	"github.com/ignite/invoice-relay/internal/schema"
)

// maxNotificationBody bounds the webhook body; provider batches are small.
const maxNotificationBody = 1 << 20

// changeNotification is one entry of the provider's change-notification
// batch. Lifecycle events arrive in the same shape with lifecycleEvent set.
type changeNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeType     string `json:"changeType"`
	ClientState    string `json:"clientState"`
	Resource       string `json:"resource"`
	LifecycleEvent string `json:"lifecycleEvent"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

type notificationBatch struct {
	Value []changeNotification `json:"value"`
}

// Webhook handles both provider modes on /webhook and /webhook/lifecycle.
//
// Validation mode: a validationToken in the query (or form body) is echoed
// verbatim as text/plain within the provider's deadline; nothing else
// happens on that path.
//
// Notification mode: each batch entry is verified against the shared
// clientState and enqueued as a NotificationEnvelope. Mismatched entries
// are dropped and logged, never surfaced to the caller. The reply is an
// empty 202 as soon as the batch is durably queued.
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	if token := validationToken(r); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, token)
		return
	}

	var batch notificationBatch
	if err := json.NewDecoder(io.LimitReader(r.Body, maxNotificationBody)).Decode(&batch); err != nil {
		httputil.BadRequest(w, "malformed notification payload")
		return
	}

	var failed int
	for _, n := range batch.Value {
		if subtle.ConstantTimeCompare([]byte(n.ClientState), []byte(h.clientState)) != 1 {
			logger.Warn("dropping notification with mismatched clientState",
				"subscription_id", n.SubscriptionID,
				"change_type", n.ChangeType)
			continue
		}

		env := schema.NotificationEnvelope{
			SchemaVersion:  schema.Version,
			SubscriptionID: n.SubscriptionID,
			Resource:       resourceID(n),
			ChangeType:     changeType(n),
			Timestamp:      time.Now().UTC(),
		}

		body, err := schema.Encode(env)
		if err != nil {
			logger.Error("encoding notification envelope", "error", err.Error())
			failed++
			continue
		}
		if _, err := h.queues.Enqueue(r.Context(), queue.Notifications, body); err != nil {
			logger.Error("enqueueing notification",
				"subscription_id", n.SubscriptionID,
				"error", err.Error())
			failed++
		}
	}

	// A failed enqueue means the notification is not durable yet; a 5xx
	// makes the provider redeliver, and dedup absorbs the replays.
	if failed > 0 {
		httputil.Error(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	httputil.Accepted(w)
}

// validationToken extracts the handshake token from the query or, for
// form-encoded posts, the body.
func validationToken(r *http.Request) string {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		return token
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return r.PostFormValue("validationToken")
	}
	return ""
}

// resourceID prefers the message id from resourceData; the raw resource
// path is the fallback and is parsed downstream.
func resourceID(n changeNotification) string {
	if n.ResourceData.ID != "" {
		return n.ResourceData.ID
	}
	return n.Resource
}

// changeType maps lifecycle entries onto the change-type field the
// subscription manager reconciles on.
func changeType(n changeNotification) string {
	if n.LifecycleEvent != "" {
		return n.LifecycleEvent
	}
	return n.ChangeType
}
