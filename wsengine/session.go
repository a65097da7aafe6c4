package wsengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sensegrid/enginepool/engine"
)

// rpcEnvelope is the wire format in both directions. Requests carry id,
// method and params; responses carry the same id with result or error;
// notifications carry a method with id 0.
type rpcEnvelope struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// rpcError is an application-level failure reported by the engine. It is
// deliberately not a transport fault.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

type helloParams struct {
	SessionID string `json:"sessionId"`
	Client    string `json:"client"`
	Resource  string `json:"resource"`
}

type helloResult struct {
	Version string `json:"version"`
}

type resumeParams struct {
	SessionID string `json:"sessionId"`
}

type openDocParams struct {
	Resource string `json:"resource"`
}

type openDocResult struct {
	Handle string `json:"handle"`
	Title  string `json:"title"`
}

type docParams struct {
	Handle string `json:"handle"`
}

var errSessionClosed = errors.New("session closed")

// session implements engine.Session over one WebSocket connection.
type session struct {
	id           string
	resourceID   string
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *zap.Logger

	nextID  atomic.Uint64
	writeMu sync.Mutex

	mu           sync.Mutex
	pending      map[uint64]chan rpcEnvelope
	eventsClosed bool

	events    chan engine.Event
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *session) ID() string { return s.id }

func (s *session) Events() <-chan engine.Event { return s.events }

// OpenDocument derives the document handle for the session's resource.
func (s *session) OpenDocument(ctx context.Context) (engine.DocumentHandle, error) {
	var res openDocResult
	if err := s.call(ctx, methodOpenDoc, openDocParams{Resource: s.resourceID}, &res); err != nil {
		return nil, err
	}
	return &document{session: s, handleID: res.Handle}, nil
}

// Resume reattaches a suspended session in place.
func (s *session) Resume(ctx context.Context) error {
	return s.call(ctx, methodResume, resumeParams{SessionID: s.id}, nil)
}

// Close sends a close frame best-effort and tears the socket down.
// Safe to call more than once.
func (s *session) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
		time.Now().Add(s.writeTimeout))
	s.writeMu.Unlock()

	// No lifecycle event: the owner initiated this close.
	s.terminate(engine.Event{}, errSessionClosed)
	return nil
}

// call sends one request and waits for its correlated response. Write and
// connection-level failures are transport faults; engine error responses
// are returned as application faults.
func (s *session) call(ctx context.Context, method string, params, result any) error {
	select {
	case <-s.done:
		return &engine.TransportError{Op: method, Err: s.closeErr}
	default:
	}

	id := s.nextID.Add(1)
	reply := make(chan rpcEnvelope, 1)

	s.mu.Lock()
	s.pending[id] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding %s params: %w", method, err)
	}

	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	err = s.conn.WriteJSON(rpcEnvelope{ID: id, Method: method, Params: raw})
	s.writeMu.Unlock()
	if err != nil {
		return &engine.TransportError{Op: "write " + method, Err: err}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &engine.TransportError{Op: method, Err: s.closeErr}
	case env := <-reply:
		if env.Error != nil {
			return env.Error
		}
		if result != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	}
}

// readLoop routes responses to pending calls and translates engine
// notifications and transport failures into lifecycle events.
func (s *session) readLoop() {
	for {
		var env rpcEnvelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.terminate(engine.Event{Type: engine.EventClosed}, err)
			} else {
				s.terminate(engine.Event{
					Type: engine.EventError,
					Err:  &engine.TransportError{Op: "read", Err: err},
				}, err)
			}
			return
		}

		if env.ID != 0 {
			s.mu.Lock()
			reply, ok := s.pending[env.ID]
			s.mu.Unlock()
			if ok {
				reply <- env
			} else {
				s.logger.Debug("response without pending call",
					zap.Uint64("request_id", env.ID))
			}
			continue
		}

		switch env.Method {
		case notifySuspended:
			s.emit(engine.Event{Type: engine.EventSuspended})
		default:
			s.logger.Debug("unhandled engine notification",
				zap.String("method", env.Method))
		}
	}
}

// terminate ends the session exactly once: pending calls fail, the optional
// final lifecycle event is emitted, the event stream closes, and the socket
// is torn down.
func (s *session) terminate(final engine.Event, cause error) {
	s.closeOnce.Do(func() {
		s.closeErr = cause
		close(s.done)
		if final.Type != "" {
			s.emit(final)
		}
		s.mu.Lock()
		s.eventsClosed = true
		s.mu.Unlock()
		close(s.events)
		_ = s.conn.Close()
	})
}

// emit delivers a lifecycle event without ever blocking the read loop. The
// mutex serializes sends against the channel close in terminate.
func (s *session) emit(ev engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("lifecycle event dropped, consumer too slow",
			zap.String("event", string(ev.Type)))
	}
}

// document implements engine.DocumentHandle against its owning session.
type document struct {
	session  *session
	handleID string
}

func (d *document) ResourceID() string { return d.session.resourceID }

// Metadata fetches the document's metadata; the pool uses this as its
// liveness probe.
func (d *document) Metadata(ctx context.Context) (engine.DocumentInfo, error) {
	var info engine.DocumentInfo
	err := d.session.call(ctx, methodMetadata, docParams{Handle: d.handleID}, &info)
	return info, err
}

// Invoke performs an arbitrary engine call against this document. params of
// nil sends the bare handle reference.
func (d *document) Invoke(ctx context.Context, method string, params, result any) error {
	if params == nil {
		params = docParams{Handle: d.handleID}
	}
	return d.session.call(ctx, method, params, result)
}
