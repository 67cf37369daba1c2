package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/graph"
	"github.com/ignite/invoice-relay/internal/pkg/logger"
	"github.com/ignite/invoice-relay/internal/storage"
)

// SubscriptionAPI is the provider slice the manager drives. *graph.Client
// implements it.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, sub graph.Subscription) (*graph.Subscription, error)
	RenewSubscription(ctx context.Context, subscriptionID string, expiry time.Time) (*graph.Subscription, error)
}

// SubscriptionStore is the registry slice the manager persists through.
// *storage.SubscriptionRegistry implements it.
type SubscriptionStore interface {
	GetActive(ctx context.Context) (*storage.Subscription, error)
	SetActive(ctx context.Context, sub *storage.Subscription) error
	Deactivate(ctx context.Context, id string) error
}

// Locker serializes subscription maintenance across replicas.
// distlock.DistLock implements it.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// SubscriptionManager keeps exactly one change-notification subscription
// alive for the ingest mailbox: it creates one when none exists, renews
// inside the expiry threshold, and recreates when the provider reports the
// subscription gone.
type SubscriptionManager struct {
	api      SubscriptionAPI
	registry SubscriptionStore
	lock     Locker

	mailbox        string
	webhookURL     string
	clientState    string
	interval       time.Duration
	renewThreshold time.Duration

	totalCreated int64
	totalRenewed int64
	totalErrors  int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewSubscriptionManager builds the manager. lock may be nil in
// single-replica deployments; the registry still converges on one active row.
func NewSubscriptionManager(api SubscriptionAPI, registry SubscriptionStore, lock Locker, cfg config.GraphConfig, mailbox string) *SubscriptionManager {
	interval := cfg.ManagerInterval()
	if interval <= 0 {
		interval = 144 * time.Hour
	}
	renewThreshold := cfg.RenewThreshold()
	if renewThreshold <= 0 {
		renewThreshold = 48 * time.Hour
	}
	return &SubscriptionManager{
		api:            api,
		registry:       registry,
		lock:           lock,
		mailbox:        mailbox,
		webhookURL:     cfg.WebhookURL,
		clientState:    cfg.ClientState,
		interval:       interval,
		renewThreshold: renewThreshold,
	}
}

// Start launches the maintenance loop.
func (m *SubscriptionManager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	log.Printf("[SubscriptionManager] Starting (mailbox=%s interval=%v renewThreshold=%v)",
		logger.RedactEmail(m.mailbox), m.interval, m.renewThreshold)

	m.wg.Add(1)
	go m.run()
}

// Stop halts the loop and waits for an in-flight tick.
func (m *SubscriptionManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	log.Printf("[SubscriptionManager] Stopped. created=%d renewed=%d errors=%d",
		atomic.LoadInt64(&m.totalCreated),
		atomic.LoadInt64(&m.totalRenewed),
		atomic.LoadInt64(&m.totalErrors))
}

// Stats returns current counters.
func (m *SubscriptionManager) Stats() map[string]int64 {
	return map[string]int64{
		"total_created": atomic.LoadInt64(&m.totalCreated),
		"total_renewed": atomic.LoadInt64(&m.totalRenewed),
		"total_errors":  atomic.LoadInt64(&m.totalErrors),
	}
}

func (m *SubscriptionManager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Converge immediately so a fresh deployment subscribes without
	// waiting out the first interval.
	m.tick()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *SubscriptionManager) tick() {
	if err := m.withLock(m.ctx, m.Ensure); err != nil {
		atomic.AddInt64(&m.totalErrors, 1)
		log.Printf("[SubscriptionManager] maintenance failed: %v", err)
	}
}

// withLock runs fn while holding the cross-replica lock. Not acquiring it is
// success: the holder is doing the same work.
func (m *SubscriptionManager) withLock(ctx context.Context, fn func(context.Context) error) error {
	if m.lock == nil {
		return fn(ctx)
	}
	ok, err := m.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire subscription lock: %w", err)
	}
	if !ok {
		logger.Debug("subscription lock held elsewhere, skipping tick")
		return nil
	}
	defer func() {
		if err := m.lock.Release(ctx); err != nil {
			logger.Warn("subscription lock release failed", "error", err.Error())
		}
	}()
	return fn(ctx)
}

// Ensure converges on one live subscription: none registered creates,
// close-to-expiry renews, gone-at-provider recreates.
func (m *SubscriptionManager) Ensure(ctx context.Context) error {
	active, err := m.registry.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("load active subscription: %w", err)
	}
	if active == nil {
		return m.create(ctx)
	}
	if time.Until(active.ExpiresAt) >= m.renewThreshold {
		logger.Debug("subscription healthy",
			"subscription_id", active.ID, "expires_at", active.ExpiresAt.Format(time.RFC3339))
		return nil
	}
	return m.renew(ctx, active)
}

func (m *SubscriptionManager) renew(ctx context.Context, active *storage.Subscription) error {
	renewed, err := m.api.RenewSubscription(ctx, active.ID, graph.MaxExpiry())
	if errors.Is(err, graph.ErrSubscriptionNotFound) {
		logger.Warn("subscription gone at provider, recreating", "subscription_id", active.ID)
		if derr := m.registry.Deactivate(ctx, active.ID); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			return fmt.Errorf("deactivate stale subscription %s: %w", active.ID, derr)
		}
		return m.create(ctx)
	}
	if err != nil {
		return fmt.Errorf("renew subscription %s: %w", active.ID, err)
	}

	active.ExpiresAt = renewed.ExpirationDateTime
	active.LastRenewedAt = time.Now().UTC()
	if err := m.registry.SetActive(ctx, active); err != nil {
		return fmt.Errorf("record renewal for %s: %w", active.ID, err)
	}

	atomic.AddInt64(&m.totalRenewed, 1)
	logger.Info("subscription renewed",
		"subscription_id", active.ID, "expires_at", active.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (m *SubscriptionManager) create(ctx context.Context) error {
	sub := graph.NewMessageSubscription(m.mailbox, m.webhookURL, m.clientState)
	created, err := m.api.CreateSubscription(ctx, sub)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}

	row := &storage.Subscription{
		ID:              created.ID,
		Resource:        created.Resource,
		NotificationURL: m.webhookURL,
		ExpiresAt:       created.ExpirationDateTime,
		CreatedAt:       time.Now().UTC(),
	}
	if err := m.registry.SetActive(ctx, row); err != nil {
		return fmt.Errorf("record subscription %s: %w", created.ID, err)
	}

	atomic.AddInt64(&m.totalCreated, 1)
	logger.Info("subscription created",
		"subscription_id", created.ID, "expires_at", created.ExpirationDateTime.Format(time.RFC3339))
	return nil
}

// Reconcile reacts to a lifecycle event from the notification stream. It
// runs under the same lock as the timer so the two paths cannot race.
func (m *SubscriptionManager) Reconcile(ctx context.Context, changeType, subscriptionID string) error {
	switch changeType {
	case changeRemoved:
		return m.withLock(ctx, func(ctx context.Context) error {
			if err := m.registry.Deactivate(ctx, subscriptionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("deactivate removed subscription %s: %w", subscriptionID, err)
			}
			return m.Ensure(ctx)
		})
	case changeReauthRequired:
		// Renewal re-runs the provider's auth validation, which is the
		// remedy this event asks for.
		return m.withLock(ctx, func(ctx context.Context) error {
			active, err := m.registry.GetActive(ctx)
			if err != nil {
				return fmt.Errorf("load active subscription: %w", err)
			}
			if active == nil {
				return m.create(ctx)
			}
			return m.renew(ctx, active)
		})
	case changeMissed:
		// Missed notifications are data loss on the push path only; the
		// timer poller sweeps the mailbox regardless.
		logger.Info("provider reported missed notifications", "subscription_id", subscriptionID)
		return nil
	default:
		logger.Warn("unhandled lifecycle event", "change_type", changeType)
		return nil
	}
}
