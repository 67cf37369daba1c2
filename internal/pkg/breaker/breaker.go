// Package breaker provides a registry of named circuit breakers, one per
// external dependency (mail provider, LLM, chat webhook, blob storage).
// Each dependency trips independently: an LLM outage must not block mail
// sends, and vice versa.
package breaker

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Defaults for every breaker in the registry: a breaker opens after 5
// consecutive failures, refuses calls for 60s, then admits a single
// half-open probe.
const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 60 * time.Second
	defaultHalfOpenProbes   = 1
)

// Settings tunes breakers created by a Registry. Zero values fall back to
// the defaults above.
type Settings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Registry lazily creates and caches one breaker per dependency name.
// Safe for concurrent use; shared process-wide from the composition root.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings Settings
}

// NewRegistry creates a breaker registry with the given settings.
func NewRegistry(s Settings) *Registry {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = DefaultOpenTimeout
	}
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: s,
	}
}

// Get returns the breaker for a dependency, creating it on first use.
func (r *Registry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}

	threshold := r.settings.FailureThreshold
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: defaultHalfOpenProbes,
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[Breaker] %s: %s -> %s", name, from.String(), to.String())
		},
	})
	r.breakers[name] = cb
	return cb
}

// Do runs fn under the named breaker. An open breaker fails fast with
// gobreaker.ErrOpenState; callers classify that as transient (IsOpen).
func (r *Registry) Do(name string, fn func() error) error {
	_, err := r.Get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// IsOpen reports whether err came from a breaker refusing the call rather
// than from the dependency itself.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// States returns the current state of every breaker, for status surfaces.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State().String()
	}
	return out
}
