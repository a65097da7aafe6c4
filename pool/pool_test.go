package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sensegrid/enginepool/endpoint"
	"github.com/sensegrid/enginepool/engine"
)

// fakeHandle is an in-memory document handle with an injectable probe
// failure.
type fakeHandle struct {
	resourceID string

	mu          sync.Mutex
	metadataErr error
	invocations int
}

func (h *fakeHandle) ResourceID() string { return h.resourceID }

func (h *fakeHandle) Metadata(context.Context) (engine.DocumentInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.metadataErr != nil {
		return engine.DocumentInfo{}, h.metadataErr
	}
	return engine.DocumentInfo{ID: h.resourceID, Title: "doc-" + h.resourceID}, nil
}

func (h *fakeHandle) Invoke(_ context.Context, _ string, _, _ any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invocations++
	return nil
}

func (h *fakeHandle) failProbes(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadataErr = err
}

type fakeSession struct {
	id     string
	handle *fakeHandle
	events chan engine.Event

	resumes atomic.Int32
	closed  atomic.Bool
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) OpenDocument(context.Context) (engine.DocumentHandle, error) {
	return s.handle, nil
}

func (s *fakeSession) Resume(context.Context) error {
	s.resumes.Add(1)
	return nil
}

func (s *fakeSession) Events() <-chan engine.Event { return s.events }

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeFactory opens fake sessions and records every open, including the
// endpoint it was given. Open failures are injectable per resource.
type fakeFactory struct {
	mu        sync.Mutex
	opens     int
	failures  map[string]int // remaining Open failures per resource; -1 fails forever
	endpoints []engine.Endpoint
	sessions  []*fakeSession
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{failures: make(map[string]int)}
}

func (f *fakeFactory) Open(_ context.Context, resourceID string, ep engine.Endpoint) (engine.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.endpoints = append(f.endpoints, ep)

	if n := f.failures[resourceID]; n != 0 {
		if n > 0 {
			f.failures[resourceID]--
		}
		return nil, &engine.TransportError{Op: "dial", Err: errors.New("connection refused")}
	}

	s := &fakeSession{
		id:     fmt.Sprintf("sess-%d", f.opens),
		handle: &fakeHandle{resourceID: resourceID},
		events: make(chan engine.Event, 4),
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeFactory) failOpens(resourceID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[resourceID] = n
}

func (f *fakeFactory) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

func (f *fakeFactory) lastEndpoint() engine.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoints[len(f.endpoints)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.MaxReconnectAttempts = 2
	cfg.SweepInterval = time.Hour
	cfg.HealthCheckInterval = time.Hour
	return cfg
}

func newTestPool(t *testing.T, cfg Config, factory *fakeFactory) *Pool {
	t.Helper()
	provider := endpoint.NewStatic(engine.Endpoint{
		URL:         "wss://engine-a.example.com",
		Credential:  "token-a",
		DisplayName: "engine-a",
	})
	p, err := New(cfg, factory, provider, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestNewRequiresCollaborators(t *testing.T) {
	provider := endpoint.NewStatic(engine.Endpoint{URL: "wss://x"})

	_, err := New(testConfig(), nil, provider, nil)
	require.Error(t, err)

	_, err = New(testConfig(), newFakeFactory(), nil, nil)
	require.Error(t, err)
}

func TestGetReusesIdleSession(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease.Release()

	lease2, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease2.Release()

	assert.Equal(t, 1, factory.openCount())

	s := p.Stats()
	assert.Equal(t, int64(2), s.TotalRequests)
	assert.Equal(t, int64(1), s.CacheHits)
	assert.Equal(t, int64(1), s.CacheMisses)
}

func TestGetInUseSessionNotShared(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)

	// First lease is still held, so a second caller gets a new session.
	lease2, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)

	assert.Equal(t, 2, factory.openCount())
	lease.Release()
	lease2.Release()
}

func TestGetExpiredSessionCreatesNew(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := testConfig()
	cfg.IdleTTL = 30 * time.Millisecond
	factory := newFakeFactory()
	p := newTestPool(t, cfg, factory)
	defer p.Close()

	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease.Release()

	time.Sleep(60 * time.Millisecond)

	lease2, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease2.Release()

	assert.Equal(t, 2, factory.openCount())
}

func TestSweeperEvictsExpired(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := testConfig()
	cfg.IdleTTL = 20 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	factory := newFakeFactory()
	p := newTestPool(t, cfg, factory)
	defer p.Close()

	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease.Release()

	require.Eventually(t, func() bool {
		return p.Stats().TotalConnections == 0
	}, time.Second, 5*time.Millisecond)

	assert.True(t, factory.session(0).closed.Load())
}

func TestDistinctResourcesGetDistinctSessions(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	la, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lb, err := p.Get(context.Background(), "inventory")
	require.NoError(t, err)

	assert.Equal(t, 2, factory.openCount())
	assert.Equal(t, "sales", la.ResourceID())
	assert.Equal(t, "inventory", lb.ResourceID())

	la.Release()
	lb.Release()

	s := p.Stats()
	assert.Equal(t, map[string]int{"sales": 1, "inventory": 1}, s.PerResource)
}

func TestHitRate(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	assert.Zero(t, p.HitRate())

	for i := 0; i < 5; i++ {
		lease, err := p.Get(context.Background(), "sales")
		require.NoError(t, err)
		lease.Release()
	}

	s := p.Stats()
	assert.Equal(t, int64(4), s.CacheHits)
	assert.Equal(t, int64(1), s.CacheMisses)
	assert.InDelta(t, 0.8, p.HitRate(), 1e-9)
}

func TestDoubleReleaseDoesNotShareSession(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease.Release()
	lease.Release()

	l1, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	l2, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)

	// The duplicate release must not have made one session claimable twice.
	assert.Equal(t, 2, factory.openCount())
	l1.Release()
	l2.Release()
}

func TestSoftCapCreatesAnyway(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := testConfig()
	cfg.SoftMaxPerResource = 1
	factory := newFakeFactory()
	p := newTestPool(t, cfg, factory)
	defer p.Close()

	l1, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	l2, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)

	// The cap is advisory: the second caller was not blocked or refused.
	assert.Equal(t, 2, factory.openCount())
	assert.Equal(t, 2, p.Stats().PerResource["sales"])

	l1.Release()
	l2.Release()
}

func TestDoRunsOperation(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	var got string
	err := p.Do(context.Background(), "sales", func(_ context.Context, h engine.DocumentHandle) error {
		got = h.ResourceID()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "sales", got)

	// The session went back to the pool.
	s := p.Stats()
	assert.Equal(t, 1, s.IdleConnections)
	assert.Zero(t, s.ActiveConnections)
}

func TestDoReleasesOnPanic(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	require.Panics(t, func() {
		_ = p.Do(context.Background(), "sales", func(context.Context, engine.DocumentHandle) error {
			panic("operation blew up")
		})
	})

	// The session must be idle again, not leaked in the in-use state.
	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	assert.Equal(t, 1, factory.openCount())
	lease.Release()
}

func TestDoRecoversFromTransportFault(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	calls := 0
	err := p.Do(context.Background(), "sales", func(context.Context, engine.DocumentHandle) error {
		calls++
		if calls == 1 {
			return &engine.TransportError{Op: "invoke", Err: errors.New("socket closed")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// Initial session plus the reconnect replacement.
	assert.Equal(t, 2, factory.openCount())
	assert.True(t, factory.session(0).closed.Load())
}

func TestDoRecognizesBareTransportPhrases(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	calls := 0
	err := p.Do(context.Background(), "sales", func(context.Context, engine.DocumentHandle) error {
		calls++
		if calls == 1 {
			return errors.New("write tcp: broken pipe")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoPropagatesApplicationFault(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	appErr := errors.New("invalid expression: unknown field [margin]")
	err := p.Do(context.Background(), "sales", func(context.Context, engine.DocumentHandle) error {
		return appErr
	})
	require.ErrorIs(t, err, appErr)

	// No retry and no eviction happened.
	assert.Equal(t, 1, factory.openCount())
	assert.False(t, factory.session(0).closed.Load())
}

func TestDoGivesUpAfterOperationBudget(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := testConfig()
	cfg.MaxOperationAttempts = 2
	factory := newFakeFactory()
	p := newTestPool(t, cfg, factory)
	defer p.Close()

	calls := 0
	faulty := &engine.TransportError{Op: "invoke", Err: errors.New("connection reset")}
	err := p.Do(context.Background(), "sales", func(context.Context, engine.DocumentHandle) error {
		calls++
		return faulty
	})
	require.ErrorIs(t, err, faulty)
	assert.Equal(t, 2, calls)
}

func TestDoReturnsReconnectExhausted(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease.Release()

	// Every reopen attempt fails from now on.
	factory.failOpens("sales", -1)

	err = p.Do(context.Background(), "sales", func(context.Context, engine.DocumentHandle) error {
		return &engine.TransportError{Op: "invoke", Err: errors.New("link failure")}
	})

	var exhausted *engine.ReconnectExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "sales", exhausted.ResourceID)
	assert.Equal(t, 2, exhausted.Attempts)
}

func TestWarmUpIsBestEffort(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	factory.failOpens("inventory", -1)
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	warmed := p.WarmUp(context.Background(), []string{"sales", "inventory", "finance"})
	assert.Equal(t, 2, warmed)

	s := p.Stats()
	assert.Equal(t, 2, s.TotalConnections)
	assert.Equal(t, 2, s.IdleConnections)

	// Warmed sessions are reused by subsequent callers.
	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, int64(1), p.Stats().CacheHits)
}

func TestRemoteCloseDeregisters(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease.Release()

	factory.session(0).events <- engine.Event{Type: engine.EventClosed}

	require.Eventually(t, func() bool {
		return p.Stats().TotalConnections == 0
	}, time.Second, 5*time.Millisecond)
	assert.True(t, factory.session(0).closed.Load())

	// Next caller transparently gets a fresh session.
	lease2, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease2.Release()
	assert.Equal(t, 2, factory.openCount())
}

func TestTransportErrorEventDeregisters(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease.Release()

	factory.session(0).events <- engine.Event{
		Type: engine.EventError,
		Err:  &engine.TransportError{Op: "read", Err: errors.New("connection reset")},
	}

	require.Eventually(t, func() bool {
		return p.Stats().TotalConnections == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSuspensionResumedInPlace(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease.Release()

	sess := factory.session(0)
	sess.events <- engine.Event{Type: engine.EventSuspended}

	require.Eventually(t, func() bool {
		return sess.resumes.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// The connection stayed pooled and is reused.
	assert.Equal(t, 1, p.Stats().TotalConnections)
	lease2, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease2.Release()
	assert.Equal(t, 1, factory.openCount())
}

func TestHealthProbeFailureTriggersRepair(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := testConfig()
	cfg.HealthCheckInterval = 10 * time.Millisecond
	factory := newFakeFactory()
	p := newTestPool(t, cfg, factory)
	defer p.Close()

	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease.Release()

	factory.session(0).handle.failProbes(errors.New("socket closed"))

	// The dead session is removed and a detached repair produces a warm
	// replacement.
	require.Eventually(t, func() bool {
		return factory.session(0).closed.Load() && factory.openCount() == 2
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.TotalConnections == 1 && s.IdleConnections == 1
	}, time.Second, 5*time.Millisecond)
}

func TestProbeSkippedWhileInUse(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := testConfig()
	cfg.HealthCheckInterval = 10 * time.Millisecond
	factory := newFakeFactory()
	p := newTestPool(t, cfg, factory)
	defer p.Close()

	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)

	// Probes would fail, but the connection is held the whole time.
	factory.session(0).handle.failProbes(errors.New("socket closed"))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, p.Stats().TotalConnections)
	assert.False(t, factory.session(0).closed.Load())
	lease.Release()
}

func TestEndpointSwitchAffectsOnlyNewSessions(t *testing.T) {
	defer leaktest.Check(t)()

	provider := endpoint.NewStatic(engine.Endpoint{
		URL: "wss://engine-a.example.com", DisplayName: "engine-a",
	})
	factory := newFakeFactory()
	p, err := New(testConfig(), factory, provider, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	lease, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, "engine-a", factory.lastEndpoint().DisplayName)

	provider.Switch(engine.Endpoint{
		URL: "wss://engine-b.example.com", DisplayName: "engine-b",
	})

	// Existing pooled session is still served as-is.
	lease2, err := p.Get(context.Background(), "sales")
	require.NoError(t, err)
	lease2.Release()
	assert.Equal(t, 1, factory.openCount())

	// A new connection resolves the switched endpoint.
	lease3, err := p.Get(context.Background(), "inventory")
	require.NoError(t, err)
	lease3.Release()
	assert.Equal(t, "engine-b", factory.lastEndpoint().DisplayName)
}

func TestCloseShutsEverythingDown(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)

	for _, id := range []string{"sales", "inventory"} {
		lease, err := p.Get(context.Background(), id)
		require.NoError(t, err)
		lease.Release()
	}

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	for i := 0; i < 2; i++ {
		assert.True(t, factory.session(i).closed.Load(), "session %d not closed", i)
	}

	_, err := p.Get(context.Background(), "sales")
	require.ErrorIs(t, err, ErrPoolClosed)

	assert.Zero(t, p.Stats().TotalConnections)
}

func TestConcurrentGetRelease(t *testing.T) {
	defer leaktest.Check(t)()

	factory := newFakeFactory()
	p := newTestPool(t, testConfig(), factory)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("resource-%d", i%2)
			for j := 0; j < 25; j++ {
				lease, err := p.Get(context.Background(), id)
				if err != nil {
					t.Error(err)
					return
				}
				lease.Release()
			}
		}(i)
	}
	wg.Wait()

	s := p.Stats()
	assert.Equal(t, int64(200), s.TotalRequests)
	assert.Equal(t, s.TotalRequests, s.CacheHits+s.CacheMisses)
	assert.Zero(t, s.ActiveConnections)
}
