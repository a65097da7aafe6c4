// Package endpoint provides engine.EndpointProvider implementations: an
// in-memory switchable provider for single-instance deployments and a
// Redis-backed registry so multiple instances observe the same active
// tenant. Providers are consulted fresh on every connection creation and
// never cached by the pool.
package endpoint

import (
	"context"
	"errors"
	"sync"

	"github.com/sensegrid/enginepool/engine"
	"github.com/sensegrid/enginepool/metrics"
)

// ErrNoActiveEndpoint is returned when no endpoint has been selected yet.
var ErrNoActiveEndpoint = errors.New("no active endpoint selected")

// Static holds the active endpoint in memory. Switch replaces it at
// runtime; only connections created afterwards use the new endpoint.
type Static struct {
	mu  sync.RWMutex
	ep  engine.Endpoint
	set bool
}

// NewStatic creates a provider pre-selected to ep.
func NewStatic(ep engine.Endpoint) *Static {
	return &Static{ep: ep, set: ep.URL != ""}
}

// Current returns the active endpoint.
func (s *Static) Current(_ context.Context) (engine.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		metrics.EndpointLookupsTotal.WithLabelValues("static", "missing").Inc()
		return engine.Endpoint{}, ErrNoActiveEndpoint
	}
	metrics.EndpointLookupsTotal.WithLabelValues("static", "ok").Inc()
	return s.ep, nil
}

// Switch selects a new active endpoint.
func (s *Static) Switch(ep engine.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ep = ep
	s.set = true
}
