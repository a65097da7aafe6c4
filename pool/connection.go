package pool

import (
	"sync"
	"time"

	"github.com/sensegrid/enginepool/engine"
)

// Conn is one pooled connection: an exclusively owned session, the document
// handle derived from it, and the bookkeeping the pool needs to decide
// reuse, eviction and repair.
type Conn struct {
	id         uint64
	resourceID string
	session    engine.Session
	handle     engine.DocumentHandle

	mu         sync.Mutex
	inUse      bool
	removed    bool
	createdAt  time.Time
	lastUsedAt time.Time

	// stop is closed exactly once when the connection is removed; it owns
	// the connection's health loop and lifecycle watcher.
	stop     chan struct{}
	stopOnce sync.Once
}

func newConn(id uint64, resourceID string, session engine.Session, handle engine.DocumentHandle) *Conn {
	now := time.Now()
	return &Conn{
		id:         id,
		resourceID: resourceID,
		session:    session,
		handle:     handle,
		createdAt:  now,
		lastUsedAt: now,
		stop:       make(chan struct{}),
	}
}

// ID returns the pool-local connection identifier.
func (c *Conn) ID() uint64 { return c.id }

// ResourceID returns the logical resource this connection serves.
func (c *Conn) ResourceID() string { return c.resourceID }

// tryAcquire atomically claims the connection for a caller if it is idle,
// not removed, and not idle-expired. Returns true when claimed.
func (c *Conn) tryAcquire(ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse || c.removed {
		return false
	}
	if time.Since(c.lastUsedAt) >= ttl {
		return false
	}
	c.inUse = true
	c.lastUsedAt = time.Now()
	return true
}

// markAcquired transitions a freshly created connection to in-use.
func (c *Conn) markAcquired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inUse = true
	c.lastUsedAt = time.Now()
}

// markIdle returns the connection to the idle state.
func (c *Conn) markIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inUse = false
	c.lastUsedAt = time.Now()
}

// markRemoved flags the terminal state. Returns false if already removed,
// so removal side effects run exactly once.
func (c *Conn) markRemoved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return false
	}
	c.removed = true
	return true
}

// InUse reports whether a caller currently holds the connection.
func (c *Conn) InUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

// expired reports whether the connection is idle and past the TTL.
// An idle age equal to the TTL counts as expired.
func (c *Conn) expired(ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.inUse && !c.removed && time.Since(c.lastUsedAt) >= ttl
}

// age returns how long ago the connection was created.
func (c *Conn) age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.createdAt)
}

// shutdown releases the connection's background tasks. Idempotent.
func (c *Conn) shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}
