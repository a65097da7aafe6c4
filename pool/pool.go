// Package pool implements the persistent-session connection pool fronting a
// remote, stateful analytics engine. Opening a session is expensive
// (authentication handshake plus protocol negotiation), so the pool keeps
// sessions warm per logical resource, reuses idle non-expired entries,
// sweeps idle-expired ones, verifies liveness continuously, and repairs
// broken connections transparently.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sensegrid/enginepool/engine"
	"github.com/sensegrid/enginepool/metrics"
)

// ErrPoolClosed is returned for any acquisition after Close.
var ErrPoolClosed = errors.New("session pool is closed")

// Pool is the orchestrator callers see. Construct it once with New and pass
// it by reference to every consumer.
type Pool struct {
	cfg       Config
	factory   engine.SessionFactory
	endpoints engine.EndpointProvider
	logger    *zap.Logger

	mu     sync.Mutex
	conns  map[string][]*Conn // resourceID → insertion-ordered connections
	closed bool

	nextID atomic.Uint64

	totalRequests atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64

	// baseCtx is cancelled on Close; it parents every background task the
	// pool owns, including detached repair attempts.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New creates a session pool and starts its background sweeper. factory and
// endpoints are required; a nil logger disables logging.
func New(cfg Config, factory engine.SessionFactory, endpoints engine.EndpointProvider, logger *zap.Logger) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("pool: session factory is required")
	}
	if endpoints == nil {
		return nil, errors.New("pool: endpoint provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("pool config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		factory:    factory,
		endpoints:  endpoints,
		logger:     logger,
		conns:      make(map[string][]*Conn),
		baseCtx:    ctx,
		baseCancel: cancel,
	}

	p.wg.Add(1)
	go p.sweeper()

	logger.Info("session pool started",
		zap.Duration("idle_ttl", cfg.IdleTTL),
		zap.Duration("health_check_interval", cfg.HealthCheckInterval),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Int("max_reconnect_attempts", cfg.MaxReconnectAttempts))

	return p, nil
}

// Lease is one acquisition of a pooled connection. Release must be called
// exactly once on every exit path; it is bound to the specific connection
// and is the only way a caller can hand it back.
type Lease struct {
	pool *Pool
	conn *Conn
	once sync.Once
}

// Handle returns the document handle callers operate on.
func (l *Lease) Handle() engine.DocumentHandle { return l.conn.handle }

// ResourceID returns the logical resource this lease serves.
func (l *Lease) ResourceID() string { return l.conn.resourceID }

// Release returns the connection to the pool. Extra calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.conn.markIdle()
		l.pool.updateGauges(l.conn.resourceID)
	})
}

// Get returns a lease on an idle, non-expired connection for resourceID,
// creating one when none qualifies. The active endpoint is resolved at
// creation time, so a runtime endpoint switch affects new connections.
// Get never blocks waiting for an in-use connection to free up.
func (p *Pool) Get(ctx context.Context, resourceID string) (*Lease, error) {
	p.totalRequests.Add(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for _, c := range p.conns[resourceID] {
		if c.tryAcquire(p.cfg.IdleTTL) {
			p.mu.Unlock()
			p.cacheHits.Add(1)
			metrics.AcquiresTotal.WithLabelValues(resourceID, "hit").Inc()
			p.updateGauges(resourceID)
			p.logger.Debug("session reused",
				zap.String("resource_id", resourceID),
				zap.Uint64("conn_id", c.id))
			return &Lease{pool: p, conn: c}, nil
		}
	}
	pooled := len(p.conns[resourceID])
	p.mu.Unlock()

	p.cacheMisses.Add(1)
	metrics.AcquiresTotal.WithLabelValues(resourceID, "miss").Inc()

	if pooled >= p.cfg.SoftMaxPerResource {
		// Soft cap only: creation proceeds so callers are never blocked.
		metrics.SoftCapExceededTotal.WithLabelValues(resourceID).Inc()
		p.logger.Warn("per-resource soft cap exceeded",
			zap.String("resource_id", resourceID),
			zap.Int("pooled", pooled),
			zap.Int("soft_cap", p.cfg.SoftMaxPerResource))
	}

	c, err := p.createConn(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	c.markAcquired()
	if err := p.register(c); err != nil {
		c.shutdown()
		_ = c.session.Close()
		return nil, err
	}
	return &Lease{pool: p, conn: c}, nil
}

// Do acquires a connection, runs op against its handle inside a guaranteed
// release scope, and recovers transparently from transport faults: the
// resource's connections are force-evicted, one awaited reconnect loop runs,
// and the whole cycle retries up to MaxOperationAttempts. Application
// faults, and transport faults past the budget, propagate unchanged.
func (p *Pool) Do(ctx context.Context, resourceID string, op func(context.Context, engine.DocumentHandle) error) error {
	for attempt := 1; ; attempt++ {
		lease, err := p.Get(ctx, resourceID)
		if err != nil {
			return err
		}
		err = runReleased(ctx, lease, op)
		if err == nil {
			return nil
		}
		if !engine.IsTransportFault(err) || attempt >= p.cfg.MaxOperationAttempts {
			return err
		}

		p.logger.Warn("transport fault, evicting resource and reconnecting",
			zap.String("resource_id", resourceID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		p.evictResource(resourceID, "transport fault")
		if _, rerr := p.reconnect(ctx, resourceID); rerr != nil {
			return rerr
		}
	}
}

// runReleased keeps the release on the defer stack so it also runs when op
// panics.
func runReleased(ctx context.Context, lease *Lease, op func(context.Context, engine.DocumentHandle) error) error {
	defer lease.Release()
	return op(ctx, lease.Handle())
}

// WarmUp pre-creates connections for the given resources ahead of demand.
// Best effort: one failing resource does not abort the others, and no error
// is ever returned. The count of successfully warmed resources is returned.
func (p *Pool) WarmUp(ctx context.Context, resourceIDs []string) int {
	sem := semaphore.NewWeighted(int64(p.cfg.WarmUpConcurrency))
	var warmed atomic.Int64
	var wg sync.WaitGroup

	for _, id := range resourceIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				metrics.WarmUpTotal.WithLabelValues("cancelled").Inc()
				return
			}
			defer sem.Release(1)

			lease, err := p.Get(ctx, id)
			if err != nil {
				metrics.WarmUpTotal.WithLabelValues("error").Inc()
				p.logger.Warn("warm-up failed",
					zap.String("resource_id", id), zap.Error(err))
				return
			}
			lease.Release()
			metrics.WarmUpTotal.WithLabelValues("ok").Inc()
			warmed.Add(1)
		}(id)
	}
	wg.Wait()

	p.logger.Info("warm-up complete",
		zap.Int("requested", len(resourceIDs)),
		zap.Int64("warmed", warmed.Load()))
	return int(warmed.Load())
}

// Close stops the sweeper, every health loop, lifecycle watcher and pending
// repair task, closes every session best-effort, and clears pool state.
// Idempotent.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		var all []*Conn
		for _, list := range p.conns {
			all = append(all, list...)
		}
		p.conns = make(map[string][]*Conn)
		p.mu.Unlock()

		p.baseCancel()

		for _, c := range all {
			c.markRemoved()
			c.shutdown()
			if err := c.session.Close(); err != nil {
				p.logger.Debug("session close error during shutdown",
					zap.Uint64("conn_id", c.id), zap.Error(err))
			}
			metrics.SessionsClosed.WithLabelValues(c.resourceID, "shutdown").Inc()
			p.updateGauges(c.resourceID)
		}

		p.wg.Wait()

		p.logger.Info("session pool closed",
			zap.Int("sessions_closed", len(all)),
			zap.Int64("total_requests", p.totalRequests.Load()),
			zap.Int64("cache_hits", p.cacheHits.Load()))
	})
	return nil
}

// createConn opens a session for resourceID against the endpoint that is
// active right now and derives its document handle.
func (p *Pool) createConn(ctx context.Context, resourceID string) (*Conn, error) {
	ep, err := p.endpoints.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving active endpoint: %w", err)
	}

	start := time.Now()
	sess, err := p.factory.Open(ctx, resourceID, ep)
	if err != nil {
		return nil, fmt.Errorf("opening session for %s: %w", resourceID, err)
	}

	handle, err := sess.OpenDocument(ctx)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("opening document for %s: %w", resourceID, err)
	}

	c := newConn(p.nextID.Add(1), resourceID, sess, handle)
	metrics.SessionOpenDuration.WithLabelValues(resourceID).Observe(time.Since(start).Seconds())
	p.logger.Debug("session created",
		zap.String("resource_id", resourceID),
		zap.Uint64("conn_id", c.id),
		zap.String("endpoint", ep.DisplayName),
		zap.Duration("open_duration", time.Since(start)))
	return c, nil
}

// register appends the connection to the pool and starts its lifecycle
// watcher and health loop.
func (p *Pool) register(c *Conn) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.conns[c.resourceID] = append(p.conns[c.resourceID], c)
	p.mu.Unlock()

	p.wg.Add(2)
	go p.watchLifecycle(c)
	go p.monitorHealth(c)

	p.updateGauges(c.resourceID)
	return nil
}

// removeConn takes the connection out of the pool, stops its background
// tasks and closes its session. A connection is removed at most once; the
// return value reports whether this call performed the removal.
func (p *Pool) removeConn(c *Conn, reason string) bool {
	if !c.markRemoved() {
		return false
	}

	p.mu.Lock()
	list := p.conns[c.resourceID]
	for i, cc := range list {
		if cc == c {
			p.conns[c.resourceID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	// Prune empty entries to bound map growth.
	if len(p.conns[c.resourceID]) == 0 {
		delete(p.conns, c.resourceID)
	}
	p.mu.Unlock()

	c.shutdown()
	if err := c.session.Close(); err != nil {
		p.logger.Debug("session close error",
			zap.Uint64("conn_id", c.id), zap.Error(err))
	}

	metrics.SessionsClosed.WithLabelValues(c.resourceID, reason).Inc()
	p.updateGauges(c.resourceID)
	p.logger.Debug("session removed",
		zap.String("resource_id", c.resourceID),
		zap.Uint64("conn_id", c.id),
		zap.String("reason", reason))
	return true
}

// evictResource force-removes every connection pooled for resourceID.
func (p *Pool) evictResource(resourceID, reason string) {
	p.mu.Lock()
	victims := append([]*Conn(nil), p.conns[resourceID]...)
	p.mu.Unlock()

	for _, c := range victims {
		p.removeConn(c, reason)
	}
}

// watchLifecycle consumes the session's lifecycle events. Closed and error
// deregister the connection immediately, whoever may be holding it. A
// suspension is not a failure: the session is resumed in place and the
// connection stays registered.
func (p *Pool) watchLifecycle(c *Conn) {
	defer p.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case <-p.baseCtx.Done():
			return
		case ev, ok := <-c.session.Events():
			if !ok {
				p.removeConn(c, "event stream ended")
				return
			}
			switch ev.Type {
			case engine.EventClosed:
				p.removeConn(c, "closed by remote")
				return
			case engine.EventError:
				p.logger.Warn("session transport error",
					zap.String("resource_id", c.resourceID),
					zap.Uint64("conn_id", c.id),
					zap.Error(ev.Err))
				p.removeConn(c, "transport error")
				return
			case engine.EventSuspended:
				rctx, cancel := context.WithTimeout(p.baseCtx, p.cfg.ResumeTimeout)
				err := c.session.Resume(rctx)
				cancel()
				if err != nil {
					// Leave the connection registered; a dead session is
					// caught by the next health probe.
					p.logger.Warn("resume after suspension failed",
						zap.String("resource_id", c.resourceID),
						zap.Uint64("conn_id", c.id),
						zap.Error(err))
				} else {
					p.logger.Info("session resumed after suspension",
						zap.String("resource_id", c.resourceID),
						zap.Uint64("conn_id", c.id))
				}
			}
		}
	}
}

// updateGauges refreshes the per-resource Prometheus gauges.
func (p *Pool) updateGauges(resourceID string) {
	p.mu.Lock()
	active, idle := 0, 0
	for _, c := range p.conns[resourceID] {
		if c.InUse() {
			active++
		} else {
			idle++
		}
	}
	p.mu.Unlock()

	metrics.SessionsActive.WithLabelValues(resourceID).Set(float64(active))
	metrics.SessionsIdle.WithLabelValues(resourceID).Set(float64(idle))
}
