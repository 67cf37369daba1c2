package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/invoice-relay/internal/pkg/logger"
	"github.com/ignite/invoice-relay/internal/queue"
	"github.com/ignite/invoice-relay/internal/vendor"
)

// requireAdmin guards the operator endpoints with a bearer token. An empty
// configured token disables the whole admin surface.
func requireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				respondError(w, http.StatusForbidden, "admin API disabled")
				return
			}
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// QueueDepths reports approximate depths for every queue and poison sibling.
func (h *Handlers) QueueDepths(w http.ResponseWriter, r *http.Request) {
	if h.ops == nil {
		respondError(w, http.StatusServiceUnavailable, "queue store not configured")
		return
	}
	depths, err := h.ops.Depths(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"queues": depths})
}

// PeekPoison lists dead-lettered messages on a queue's poison sibling.
func (h *Handlers) PeekPoison(w http.ResponseWriter, r *http.Request) {
	if h.ops == nil {
		respondError(w, http.StatusServiceUnavailable, "queue store not configured")
		return
	}
	name := chi.URLParam(r, "queue")
	if !isQueueName(name) {
		respondError(w, http.StatusBadRequest, "unknown queue "+name)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	messages, err := h.ops.PeekPoison(r.Context(), name, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"queue":    queue.PoisonName(name),
		"count":    len(messages),
		"messages": messages,
	})
}

// ReplayPoison moves one dead-lettered message back onto its main queue.
func (h *Handlers) ReplayPoison(w http.ResponseWriter, r *http.Request) {
	if h.ops == nil {
		respondError(w, http.StatusServiceUnavailable, "queue store not configured")
		return
	}
	name := chi.URLParam(r, "queue")
	if !isQueueName(name) {
		respondError(w, http.StatusBadRequest, "unknown queue "+name)
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		respondError(w, http.StatusBadRequest, "body must carry the message id")
		return
	}

	if err := h.ops.ReplayPoison(r.Context(), name, req.ID); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			respondError(w, http.StatusNotFound, "no such poison message")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Info("poison message replayed", "queue", name, "id", req.ID)
	respondJSON(w, http.StatusOK, map[string]string{"replayed": req.ID, "queue": name})
}

// StatusSummary reports the transaction status breakdown for one day,
// default today.
func (h *Handlers) StatusSummary(w http.ResponseWriter, r *http.Request) {
	if h.tx == nil {
		respondError(w, http.StatusServiceUnavailable, "transaction log not configured")
		return
	}

	day := time.Now().UTC()
	if v := r.URL.Query().Get("day"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	counts, err := h.tx.StatusSummary(r.Context(), day)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"day":    day.Format("2006-01-02"),
		"counts": counts,
	})
}

// BreakerStates reports every circuit breaker's current state.
func (h *Handlers) BreakerStates(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		respondError(w, http.StatusServiceUnavailable, "breakers not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"breakers": h.breakers.States()})
}

// ListVendors returns the full vendor master.
func (h *Handlers) ListVendors(w http.ResponseWriter, r *http.Request) {
	if h.vendors == nil {
		respondError(w, http.StatusServiceUnavailable, "vendor store not configured")
		return
	}
	vendors, err := h.vendors.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(vendors),
		"vendors": vendors,
	})
}

// CreateVendor registers a vendor master row. The vendor key derives from
// the name, so reads and matches agree on it.
func (h *Handlers) CreateVendor(w http.ResponseWriter, r *http.Request) {
	if h.vendors == nil {
		respondError(w, http.StatusServiceUnavailable, "vendor store not configured")
		return
	}

	var m vendor.Master
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		respondError(w, http.StatusBadRequest, "malformed vendor payload")
		return
	}
	if strings.TrimSpace(m.VendorName) == "" {
		respondError(w, http.StatusBadRequest, "vendor_name is required")
		return
	}

	m.Key = vendor.NormalizeKey(m.VendorName)
	if m.Key == "" {
		respondError(w, http.StatusBadRequest, "vendor_name normalizes to nothing")
		return
	}
	m.Active = true
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	if err := h.vendors.Create(r.Context(), &m); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.cache != nil {
		h.cache.Invalidate()
	}

	logger.Info("vendor registered", "vendor_key", m.Key)
	respondJSON(w, http.StatusCreated, m)
}

func isQueueName(name string) bool {
	for _, q := range queue.Names {
		if q == name {
			return true
		}
	}
	return false
}
