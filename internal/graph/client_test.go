package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/ignite/invoice-relay/internal/pkg/breaker"
)

func newTestClient(srv *httptest.Server) *Client {
	return &Client{
		baseURL:  srv.URL,
		http:     srv.Client(),
		tokens:   oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		breakers: breaker.NewRegistry(breaker.Settings{}),
	}
}

func TestGetMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/users/ingest@example.com/messages/msg-1", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.URL.Query().Get("$select"))

		fmt.Fprint(w, `{
			"id": "msg-1",
			"subject": "Invoice from Acme",
			"from": {"emailAddress": {"name": "Acme Billing", "address": "billing@acme.com"}},
			"toRecipients": [{"emailAddress": {"address": "ingest@example.com"}}],
			"receivedDateTime": "2026-08-20T14:05:00Z",
			"isRead": false,
			"hasAttachments": true
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	msg, err := c.GetMessage(context.Background(), "ingest@example.com", "msg-1")
	require.NoError(t, err)

	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, "Invoice from Acme", msg.Subject)
	assert.Equal(t, "billing@acme.com", msg.SenderAddress())
	assert.Equal(t, time.Date(2026, 8, 20, 14, 5, 0, 0, time.UTC), msg.ReceivedDateTime)
	assert.False(t, msg.IsRead)
	assert.True(t, msg.HasAttachments)
}

func TestGetMessageNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"code": "ErrorItemNotFound"}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GetMessage(context.Background(), "ingest@example.com", "gone")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestListUnreadMessagesPaging(t *testing.T) {
	var srv *httptest.Server
	var firstQuery atomic.Value

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/ingest@example.com/mailFolders/inbox/messages":
			firstQuery.Store(r.URL.Query().Get("$filter"))
			fmt.Fprintf(w, `{
				"value": [{"id": "m1", "subject": "one"}, {"id": "m2", "subject": "two"}],
				"@odata.nextLink": %q
			}`, srv.URL+"/page2")
		case "/page2":
			fmt.Fprint(w, `{"value": [{"id": "m3", "subject": "three"}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	msgs, err := c.ListUnreadMessages(context.Background(), "ingest@example.com", 0)
	require.NoError(t, err)

	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m3", msgs[2].ID)
	assert.Equal(t, "isRead eq false", firstQuery.Load())
}

func TestListUnreadMessagesPageCap(t *testing.T) {
	var srv *httptest.Server
	var calls atomic.Int32

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		fmt.Fprintf(w, `{"value": [{"id": "m%d"}], "@odata.nextLink": %q}`, n, srv.URL+"/more")
	}))
	defer srv.Close()

	c := newTestClient(srv)
	msgs, err := c.ListUnreadMessages(context.Background(), "ingest@example.com", 2)
	require.NoError(t, err)

	assert.Len(t, msgs, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFirstPDF(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/ingest@example.com/messages/msg-1/attachments", r.URL.Path)
		fmt.Fprintf(w, `{"value": [
			{"@odata.type": "#microsoft.graph.fileAttachment", "id": "a1", "name": "logo.png", "contentType": "image/png", "contentBytes": "aWNvbg=="},
			{"@odata.type": "#microsoft.graph.fileAttachment", "id": "a2", "name": "invoice.pdf", "contentType": "application/pdf", "contentBytes": %q}
		]}`, content)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	name, data, err := c.FirstPDF(context.Background(), "ingest@example.com", "msg-1")
	require.NoError(t, err)

	assert.Equal(t, "invoice.pdf", name)
	assert.Equal(t, []byte("%PDF-1.4 fake"), data)
}

func TestFirstPDFFetchesLargeContent(t *testing.T) {
	raw := []byte("%PDF-1.4 large body")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/ingest@example.com/messages/msg-2/attachments":
			fmt.Fprint(w, `{"value": [
				{"@odata.type": "#microsoft.graph.fileAttachment", "id": "big", "name": "statement.pdf", "contentType": "application/pdf", "size": 4194304}
			]}`)
		case "/users/ingest@example.com/messages/msg-2/attachments/big/$value":
			w.Header().Set("Content-Type", "application/pdf")
			w.Write(raw)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	name, data, err := c.FirstPDF(context.Background(), "ingest@example.com", "msg-2")
	require.NoError(t, err)

	assert.Equal(t, "statement.pdf", name)
	assert.Equal(t, raw, data)
}

func TestFirstPDFNoAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value": [
			{"@odata.type": "#microsoft.graph.fileAttachment", "id": "a1", "name": "logo.png", "contentType": "image/png"}
		]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, _, err := c.FirstPDF(context.Background(), "ingest@example.com", "msg-3")
	assert.ErrorIs(t, err, ErrNoPDFAttachment)
}

func TestMarkRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/users/ingest@example.com/messages/msg-1", r.URL.Path)

		var body map[string]bool
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body["isRead"])

		fmt.Fprint(w, `{"id": "msg-1", "isRead": true}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	assert.NoError(t, c.MarkRead(context.Background(), "ingest@example.com", "msg-1"))
}

func TestSendMail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/users/ingest@example.com/sendMail", r.URL.Path)

		var req sendMailRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.SaveToSentItems)
		assert.Equal(t, "Invoice — Acme Inc — $1,234.00", req.Message.Subject)
		require.Len(t, req.Message.ToRecipients, 1)
		assert.Equal(t, "ap@example.com", req.Message.ToRecipients[0].EmailAddress.Address)
		require.Len(t, req.Message.Attachments, 1)
		assert.Equal(t, "#microsoft.graph.fileAttachment", req.Message.Attachments[0].ODataType)
		assert.Equal(t, "invoice.pdf", req.Message.Attachments[0].Name)

		data, err := base64.StdEncoding.DecodeString(req.Message.Attachments[0].ContentBytes)
		require.NoError(t, err)
		assert.Equal(t, []byte("%PDF-1.4"), data)

		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	msg := OutboundMessage{
		Subject:      "Invoice — Acme Inc — $1,234.00",
		Body:         MessageBody{ContentType: "Text", Content: "see attached"},
		ToRecipients: []Recipient{NewRecipient("ap@example.com")},
		Attachments:  []FileAttachment{NewFileAttachment("invoice.pdf", "application/pdf", []byte("%PDF-1.4"))},
	}
	assert.NoError(t, c.SendMail(context.Background(), "ingest@example.com", msg))
}

func TestSendMailRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error": {"code": "ErrorAccessDenied"}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.SendMail(context.Background(), "ingest@example.com", OutboundMessage{Subject: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send mail failed")
	assert.Contains(t, err.Error(), "403")
}

func TestCreateSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/subscriptions", r.URL.Path)

		var sub Subscription
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
		assert.Equal(t, "created", sub.ChangeType)
		assert.Equal(t, "/users/ingest@example.com/messages", sub.Resource)
		assert.Equal(t, "https://relay.example.com/webhook", sub.NotificationURL)
		assert.Equal(t, "https://relay.example.com/webhook/lifecycle", sub.LifecycleNotificationURL)
		assert.Equal(t, "secret-state", sub.ClientState)
		assert.WithinDuration(t, time.Now().Add(MaxSubscriptionMinutes*time.Minute), sub.ExpirationDateTime, 2*time.Minute)

		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id": "sub-1", "resource": %q, "expirationDateTime": %q}`,
			sub.Resource, sub.ExpirationDateTime.Format(time.RFC3339))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	sub := NewMessageSubscription("ingest@example.com", "https://relay.example.com/webhook", "secret-state")
	created, err := c.CreateSubscription(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, "sub-1", created.ID)
	assert.Equal(t, "/users/ingest@example.com/messages", created.Resource)
	assert.False(t, created.ExpirationDateTime.IsZero())
}

func TestRenewSubscription(t *testing.T) {
	expiry := time.Now().UTC().Add(MaxSubscriptionMinutes * time.Minute).Truncate(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/subscriptions/sub-1", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, expiry.Format(time.RFC3339), body["expirationDateTime"])

		fmt.Fprintf(w, `{"id": "sub-1", "expirationDateTime": %q}`, expiry.Format(time.RFC3339))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	renewed, err := c.RenewSubscription(context.Background(), "sub-1", expiry)
	require.NoError(t, err)
	assert.True(t, renewed.ExpirationDateTime.Equal(expiry))
}

func TestRenewSubscriptionGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"code": "ResourceNotFound"}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.RenewSubscription(context.Background(), "sub-gone", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestDeleteSubscription(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"deleted", http.StatusNoContent, false},
		{"already gone", http.StatusNotFound, false},
		{"rejected", http.StatusBadRequest, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := newTestClient(srv).DeleteSubscription(context.Background(), "sub-1")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServerErrorsTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	c.breakers = breaker.NewRegistry(breaker.Settings{FailureThreshold: 2})

	for i := 0; i < 2; i++ {
		_, err := c.GetMessage(context.Background(), "ingest@example.com", "msg-1")
		require.Error(t, err)
		assert.False(t, breaker.IsOpen(err))
	}

	_, err := c.GetMessage(context.Background(), "ingest@example.com", "msg-1")
	require.Error(t, err)
	assert.True(t, breaker.IsOpen(err))
	assert.Equal(t, int32(2), hits.Load(), "open breaker must not reach the server")
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	c.breakers = breaker.NewRegistry(breaker.Settings{FailureThreshold: 2})

	for i := 0; i < 4; i++ {
		err := c.MarkRead(context.Background(), "ingest@example.com", "msg-1")
		require.Error(t, err)
		assert.False(t, breaker.IsOpen(err))
	}
	assert.Equal(t, int32(4), hits.Load())
}
