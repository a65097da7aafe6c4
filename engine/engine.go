// Package engine defines the contracts between the session pool and the
// remote analytics engine it fronts: the authenticated session transport,
// the document handle derived from it, the factory that opens sessions, and
// the provider of the currently active endpoint/credential pair.
package engine

import (
	"context"
	"time"
)

// EventType identifies a lifecycle signal emitted by a session's transport.
type EventType string

const (
	// EventClosed means the remote side closed the session.
	EventClosed EventType = "closed"
	// EventSuspended means the engine parked the session; it can be resumed
	// in place and is not a failure.
	EventSuspended EventType = "suspended"
	// EventError means the transport failed.
	EventError EventType = "error"
)

// Event is a lifecycle notification delivered on Session.Events.
type Event struct {
	Type EventType
	Err  error
}

// Endpoint describes one remote engine deployment and the credential used
// against it.
type Endpoint struct {
	URL         string `yaml:"url" json:"url"`
	Credential  string `yaml:"credential" json:"credential"`
	DisplayName string `yaml:"display_name" json:"display_name"`
}

// EndpointProvider resolves the currently selected endpoint. The pool
// consults it on every new-connection creation, never caching the result,
// so a runtime tenant switch affects all subsequently created sessions.
type EndpointProvider interface {
	Current(ctx context.Context) (Endpoint, error)
}

// DocumentInfo is the metadata snapshot of an open document. Fetching it is
// cheap and side-effect free, which is why the pool uses it as the liveness
// probe.
type DocumentInfo struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Modified time.Time `json:"modified"`
}

// DocumentHandle is the stateful proxy for one open analytic workspace.
// Callers run their engine operations through it; the pool only ever calls
// Metadata.
type DocumentHandle interface {
	// ResourceID returns the logical resource this handle serves.
	ResourceID() string
	// Metadata fetches the document's current metadata.
	Metadata(ctx context.Context) (DocumentInfo, error)
	// Invoke performs an arbitrary engine call against this document.
	// params is marshalled as the request payload; result, when non-nil,
	// receives the unmarshalled response.
	Invoke(ctx context.Context, method string, params, result any) error
}

// Session is the authenticated bidirectional transport underlying a
// document handle. A session is exclusively owned by one pooled connection.
type Session interface {
	// ID returns the session's unique identifier.
	ID() string
	// OpenDocument derives the document handle for the session's resource.
	OpenDocument(ctx context.Context) (DocumentHandle, error)
	// Resume reattaches a suspended session in place.
	Resume(ctx context.Context) error
	// Events delivers lifecycle notifications. The channel is closed when
	// the session terminates.
	Events() <-chan Event
	// Close tears the transport down. Safe to call more than once.
	Close() error
}

// SessionFactory opens authenticated sessions. Opening is expensive
// (authentication handshake plus protocol negotiation), which is what the
// pool exists to amortize.
type SessionFactory interface {
	Open(ctx context.Context, resourceID string, ep Endpoint) (Session, error)
}
