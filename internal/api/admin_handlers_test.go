package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/invoice-relay/internal/pkg/breaker"
	"github.com/ignite/invoice-relay/internal/queue"
	"github.com/ignite/invoice-relay/internal/vendor"
)

const testAdminToken = "test-admin-token"

type fakeOps struct {
	depths    map[string]int
	poison    []queue.PoisonMessage
	replayed  []string
	replayErr error
}

func (f *fakeOps) Depths(context.Context) (map[string]int, error) {
	return f.depths, nil
}

func (f *fakeOps) PeekPoison(_ context.Context, q string, limit int) ([]queue.PoisonMessage, error) {
	return f.poison, nil
}

func (f *fakeOps) ReplayPoison(_ context.Context, q, id string) error {
	if f.replayErr != nil {
		return f.replayErr
	}
	f.replayed = append(f.replayed, q+"/"+id)
	return nil
}

type fakeTx struct {
	counts map[string]int
	day    time.Time
}

func (f *fakeTx) StatusSummary(_ context.Context, day time.Time) (map[string]int, error) {
	f.day = day
	return f.counts, nil
}

type fakeVendors struct {
	list    []vendor.Master
	created []*vendor.Master
}

func (f *fakeVendors) List(context.Context) ([]vendor.Master, error) {
	return f.list, nil
}

func (f *fakeVendors) Create(_ context.Context, m *vendor.Master) error {
	f.created = append(f.created, m)
	return nil
}

type countingDir struct {
	calls int
}

func (d *countingDir) Lookup(context.Context, string) (*vendor.Master, error) {
	return nil, nil
}

func (d *countingDir) ListActive(context.Context) ([]vendor.Master, error) {
	d.calls++
	return []vendor.Master{{Key: "globex", VendorName: "Globex Corp", Active: true}}, nil
}

func adminGet(router http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func adminPost(router http.Handler, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestAdminAuth(t *testing.T) {
	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	h.SetQueueOperator(&fakeOps{depths: map[string]int{"raw-mail": 1}})
	router := SetupRoutes(h, nil, testAdminToken)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"valid token", testAdminToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := adminGet(router, "/admin/queues", tt.token)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	router := SetupRoutes(h, nil, "")

	rr := adminGet(router, "/admin/queues", "anything")
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestQueueDepths(t *testing.T) {
	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	h.SetQueueOperator(&fakeOps{depths: map[string]int{
		"raw-mail":        4,
		"raw-mail-poison": 1,
		"to-post":         0,
	}})
	router := SetupRoutes(h, nil, testAdminToken)

	rr := adminGet(router, "/admin/queues", testAdminToken)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Queues map[string]int `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Queues["raw-mail"])
	assert.Equal(t, 1, resp.Queues["raw-mail-poison"])
}

func TestPeekPoison(t *testing.T) {
	ops := &fakeOps{poison: []queue.PoisonMessage{
		{ID: "m1", Body: `{"id":"x"}`, DequeueCount: 3},
	}}
	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	h.SetQueueOperator(ops)
	router := SetupRoutes(h, nil, testAdminToken)

	rr := adminGet(router, "/admin/poison/raw-mail", testAdminToken)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Queue    string                `json:"queue"`
		Count    int                   `json:"count"`
		Messages []queue.PoisonMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "raw-mail-poison", resp.Queue)
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "m1", resp.Messages[0].ID)
}

func TestPeekPoisonRejectsUnknownQueue(t *testing.T) {
	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	h.SetQueueOperator(&fakeOps{})
	router := SetupRoutes(h, nil, testAdminToken)

	rr := adminGet(router, "/admin/poison/bogus", testAdminToken)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReplayPoison(t *testing.T) {
	ops := &fakeOps{}
	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	h.SetQueueOperator(ops)
	router := SetupRoutes(h, nil, testAdminToken)

	rr := adminPost(router, "/admin/poison/to-post/replay", testAdminToken, `{"id":"m42"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"to-post/m42"}, ops.replayed)
}

func TestReplayPoisonRequiresID(t *testing.T) {
	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	h.SetQueueOperator(&fakeOps{})
	router := SetupRoutes(h, nil, testAdminToken)

	rr := adminPost(router, "/admin/poison/to-post/replay", testAdminToken, `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReplayPoisonNotFound(t *testing.T) {
	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	h.SetQueueOperator(&fakeOps{replayErr: queue.ErrNotFound})
	router := SetupRoutes(h, nil, testAdminToken)

	rr := adminPost(router, "/admin/poison/to-post/replay", testAdminToken, `{"id":"gone"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusSummary(t *testing.T) {
	tx := &fakeTx{counts: map[string]int{"processed": 12, "unknown": 2, "error": 1}}
	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	h.SetTransactionLog(tx)
	router := SetupRoutes(h, nil, testAdminToken)

	rr := adminGet(router, "/admin/status?day=2026-08-24", testAdminToken)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Day    string         `json:"day"`
		Counts map[string]int `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "2026-08-24", resp.Day)
	assert.Equal(t, 12, resp.Counts["processed"])
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), tx.day)
}

func TestStatusSummaryRejectsBadDay(t *testing.T) {
	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	h.SetTransactionLog(&fakeTx{})
	router := SetupRoutes(h, nil, testAdminToken)

	rr := adminGet(router, "/admin/status?day=yesterday", testAdminToken)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBreakerStates(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Settings{})
	require.NoError(t, reg.Do("graph", func() error { return nil }))

	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	h.SetBreakers(reg)
	router := SetupRoutes(h, nil, testAdminToken)

	rr := adminGet(router, "/admin/breakers", testAdminToken)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Breakers map[string]string `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "closed", resp.Breakers["graph"])
}

func TestListVendors(t *testing.T) {
	fv := &fakeVendors{list: []vendor.Master{
		{Key: "globex", VendorName: "Globex Corp", Active: true},
		{Key: "initech", VendorName: "Initech", Active: false},
	}}
	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	h.SetVendorStore(fv, nil)
	router := SetupRoutes(h, nil, testAdminToken)

	rr := adminGet(router, "/admin/vendors", testAdminToken)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Count   int             `json:"count"`
		Vendors []vendor.Master `json:"vendors"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestCreateVendor(t *testing.T) {
	fv := &fakeVendors{}
	dir := &countingDir{}
	cache := vendor.NewCachedDirectory(dir, time.Hour)

	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	h.SetVendorStore(fv, cache)
	router := SetupRoutes(h, nil, testAdminToken)

	// Prime the cache so invalidation is observable.
	_, err := cache.ListActive(context.Background())
	require.NoError(t, err)
	_, err = cache.ListActive(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, dir.calls)

	body := `{"vendor_name":"Acme Holdings Inc","routing_email":"acme-ap@ignite.example","gl_code":"6100"}`
	rr := adminPost(router, "/admin/vendors", testAdminToken, body)
	require.Equal(t, http.StatusCreated, rr.Code)

	require.Len(t, fv.created, 1)
	created := fv.created[0]
	assert.Equal(t, vendor.NormalizeKey("Acme Holdings Inc"), created.Key)
	assert.Equal(t, "Acme Holdings Inc", created.VendorName)
	assert.Equal(t, "acme-ap@ignite.example", created.RoutingEmail)
	assert.True(t, created.Active)
	assert.False(t, created.CreatedAt.IsZero())

	// The cached directory must refetch after the write.
	_, err = cache.ListActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, dir.calls)
}

func TestCreateVendorRequiresName(t *testing.T) {
	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	h.SetVendorStore(&fakeVendors{}, nil)
	router := SetupRoutes(h, nil, testAdminToken)

	rr := adminPost(router, "/admin/vendors", testAdminToken, `{"routing_email":"x@y.example"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminUnconfiguredDependencies(t *testing.T) {
	h := NewHandlers(&fakeQueue{}, "s3cret-state")
	router := SetupRoutes(h, nil, testAdminToken)

	for _, path := range []string{"/admin/queues", "/admin/status", "/admin/breakers", "/admin/vendors"} {
		rr := adminGet(router, path, testAdminToken)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, path)
	}
}
