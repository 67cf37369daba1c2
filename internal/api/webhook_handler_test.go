package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/invoice-relay/internal/queue"
	"github.com/ignite/invoice-relay/internal/schema"
)

type enqueued struct {
	queue string
	body  []byte
}

type fakeQueue struct {
	messages []enqueued
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, q string, body []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.messages = append(f.messages, enqueued{queue: q, body: body})
	return fmt.Sprintf("msg-%d", len(f.messages)), nil
}

func (f *fakeQueue) EnqueueDelayed(ctx context.Context, q string, body []byte, _ time.Duration) (string, error) {
	return f.Enqueue(ctx, q, body)
}

func (f *fakeQueue) Dequeue(context.Context, string, int, time.Duration) ([]queue.Message, error) {
	return nil, nil
}

func (f *fakeQueue) Delete(context.Context, string, string, string) error { return nil }

func (f *fakeQueue) Extend(context.Context, string, string, string, time.Duration) error {
	return nil
}

func newWebhookRouter(fq *fakeQueue) http.Handler {
	h := NewHandlers(fq, "s3cret-state")
	return SetupRoutes(h, nil, "")
}

func TestWebhookValidationEcho(t *testing.T) {
	router := newWebhookRouter(&fakeQueue{})

	token := "abc 123&validate+me"
	target := "/webhook?validationToken=" + url.QueryEscape(token)
	req := httptest.NewRequest(http.MethodPost, target, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.Equal(t, token, rr.Body.String())
}

func TestWebhookValidationFormBody(t *testing.T) {
	router := newWebhookRouter(&fakeQueue{})

	form := url.Values{"validationToken": {"form-token-77"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "form-token-77", rr.Body.String())
}

func TestWebhookNotificationEnqueues(t *testing.T) {
	fq := &fakeQueue{}
	router := newWebhookRouter(fq)

	payload := `{"value":[{
		"subscriptionId":"sub-1",
		"changeType":"created",
		"clientState":"s3cret-state",
		"resource":"Users/u1/Messages/AAMkAG-m1",
		"resourceData":{"id":"AAMkAG-m1"}
	}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Empty(t, rr.Body.String())

	require.Len(t, fq.messages, 1)
	assert.Equal(t, queue.Notifications, fq.messages[0].queue)

	env, err := schema.DecodeNotificationEnvelope(fq.messages[0].body)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", env.SubscriptionID)
	assert.Equal(t, "AAMkAG-m1", env.Resource)
	assert.Equal(t, "created", env.ChangeType)
	assert.Equal(t, schema.Version, env.SchemaVersion)
	assert.WithinDuration(t, time.Now().UTC(), env.Timestamp, 10*time.Second)
}

func TestWebhookDropsMismatchedClientState(t *testing.T) {
	fq := &fakeQueue{}
	router := newWebhookRouter(fq)

	payload := `{"value":[{
		"subscriptionId":"sub-1",
		"changeType":"created",
		"clientState":"guessing",
		"resourceData":{"id":"m1"}
	}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	// Still a fast-ack; the forged entry is dropped, not advertised.
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Empty(t, fq.messages)
}

func TestWebhookLifecycleEvent(t *testing.T) {
	fq := &fakeQueue{}
	router := newWebhookRouter(fq)

	payload := `{"value":[{
		"subscriptionId":"sub-1",
		"lifecycleEvent":"subscriptionRemoved",
		"clientState":"s3cret-state"
	}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/lifecycle", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, fq.messages, 1)

	env, err := schema.DecodeNotificationEnvelope(fq.messages[0].body)
	require.NoError(t, err)
	assert.Equal(t, "subscriptionRemoved", env.ChangeType)
}

func TestWebhookMalformedPayload(t *testing.T) {
	router := newWebhookRouter(&fakeQueue{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhookEmptyBatch(t *testing.T) {
	fq := &fakeQueue{}
	router := newWebhookRouter(fq)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"value":[]}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Empty(t, fq.messages)
}

func TestWebhookEnqueueFailureSignalsRetry(t *testing.T) {
	fq := &fakeQueue{err: errors.New("pq: connection refused")}
	router := newWebhookRouter(fq)

	payload := `{"value":[{
		"subscriptionId":"sub-1",
		"changeType":"created",
		"clientState":"s3cret-state",
		"resourceData":{"id":"m1"}
	}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	// 5xx makes the provider redeliver; dedup absorbs the replay.
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
