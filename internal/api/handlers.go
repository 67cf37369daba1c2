// Package api is the HTTP surface of the relay: the provider webhook
// receiver, the health probe, and the bearer-guarded operator endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ignite/invoice-relay/internal/pkg/breaker"
	"github.com/ignite/invoice-relay/internal/queue"
	"github.com/ignite/invoice-relay/internal/vendor"
)

// QueueOperator is the admin-side queue surface: depth inspection and
// poison management. *queue.Store implements it.
type QueueOperator interface {
	Depths(ctx context.Context) (map[string]int, error)
	PeekPoison(ctx context.Context, queue string, limit int) ([]queue.PoisonMessage, error)
	ReplayPoison(ctx context.Context, queue, id string) error
}

// TransactionReader is the transaction-log slice the status endpoint needs.
type TransactionReader interface {
	StatusSummary(ctx context.Context, day time.Time) (map[string]int, error)
}

// VendorAdmin is the vendor-master slice the operator endpoints need.
type VendorAdmin interface {
	List(ctx context.Context) ([]vendor.Master, error)
	Create(ctx context.Context, m *vendor.Master) error
}

// Handlers carries the HTTP handlers' dependencies. The webhook path needs
// only the queue and the shared clientState secret; operator endpoints are
// wired through the setters and degrade to 503 when absent.
type Handlers struct {
	queues      queue.Queue
	clientState string

	ops      QueueOperator
	tx       TransactionReader
	vendors  VendorAdmin
	cache    *vendor.CachedDirectory
	breakers *breaker.Registry
}

// NewHandlers creates the handler set for the webhook receiver.
func NewHandlers(queues queue.Queue, clientState string) *Handlers {
	return &Handlers{
		queues:      queues,
		clientState: clientState,
	}
}

// SetQueueOperator wires the admin queue surface.
func (h *Handlers) SetQueueOperator(ops QueueOperator) {
	h.ops = ops
}

// SetTransactionLog wires the status summary source.
func (h *Handlers) SetTransactionLog(tx TransactionReader) {
	h.tx = tx
}

// SetVendorStore wires the vendor master. cache may be nil; when present it
// is invalidated after writes so matchers see new vendors promptly.
func (h *Handlers) SetVendorStore(vendors VendorAdmin, cache *vendor.CachedDirectory) {
	h.vendors = vendors
	h.cache = cache
}

// SetBreakers wires the circuit-breaker registry for the states endpoint.
func (h *Handlers) SetBreakers(breakers *breaker.Registry) {
	h.breakers = breakers
}

// Health is the liveness probe. No I/O on this path.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "invoice-relay",
		"timestamp": time.Now().UTC(),
	})
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
