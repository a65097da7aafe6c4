// Package wsengine implements engine.SessionFactory over a WebSocket
// transport. One session is one authenticated socket against the remote
// analytics engine; requests and responses are correlated JSON envelopes,
// and engine notifications are translated into lifecycle events the pool
// consumes.
package wsengine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sensegrid/enginepool/engine"
)

// Engine protocol methods.
const (
	methodHello    = "session.hello"
	methodResume   = "session.resume"
	methodOpenDoc  = "document.open"
	methodMetadata = "document.metadata"

	notifySuspended = "session.suspended"
)

// FactoryConfig tunes the WebSocket factory.
type FactoryConfig struct {
	// HandshakeTimeout bounds the WebSocket upgrade plus protocol
	// negotiation. Defaults to 30s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// ClientName is reported to the engine during negotiation.
	ClientName string `yaml:"client_name"`
	// WriteTimeout bounds individual frame writes. Defaults to 10s.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (c *FactoryConfig) applyDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ClientName == "" {
		c.ClientName = "enginepool"
	}
}

// Factory opens WebSocket sessions. Safe for concurrent use.
type Factory struct {
	cfg    FactoryConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewFactory creates a WebSocket session factory. A nil logger disables
// logging.
func NewFactory(cfg FactoryConfig, logger *zap.Logger) *Factory {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: logger,
	}
}

// Open dials the endpoint, authenticates with its credential, and
// negotiates the session protocol. Dial and negotiation failures are
// transport faults.
func (f *Factory) Open(ctx context.Context, resourceID string, ep engine.Endpoint) (engine.Session, error) {
	u, err := sessionURL(ep.URL, resourceID)
	if err != nil {
		return nil, fmt.Errorf("building session url: %w", err)
	}

	header := http.Header{}
	if ep.Credential != "" {
		header.Set("Authorization", "Bearer "+ep.Credential)
	}
	header.Set("X-Client-Name", f.cfg.ClientName)

	conn, resp, err := f.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, &engine.TransportError{
				Op:  fmt.Sprintf("dial %s (status %d)", u, resp.StatusCode),
				Err: err,
			}
		}
		return nil, &engine.TransportError{Op: "dial " + u, Err: err}
	}

	s := &session{
		id:           uuid.NewString(),
		resourceID:   resourceID,
		conn:         conn,
		writeTimeout: f.cfg.WriteTimeout,
		logger: f.logger.With(
			zap.String("resource_id", resourceID),
			zap.String("endpoint", ep.DisplayName)),
		pending: make(map[uint64]chan rpcEnvelope),
		events:  make(chan engine.Event, 8),
		done:    make(chan struct{}),
	}
	go s.readLoop()

	hctx, cancel := context.WithTimeout(ctx, f.cfg.HandshakeTimeout)
	defer cancel()

	var negotiated helloResult
	err = s.call(hctx, methodHello, helloParams{
		SessionID: s.id,
		Client:    f.cfg.ClientName,
		Resource:  resourceID,
	}, &negotiated)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("engine handshake for %s: %w", resourceID, err)
	}

	s.logger.Debug("session negotiated",
		zap.String("session_id", s.id),
		zap.String("engine_version", negotiated.Version))
	return s, nil
}

// sessionURL joins the endpoint base URL with the per-resource session path.
func sessionURL(base, resourceID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return u.JoinPath("resources", url.PathEscape(resourceID)).String(), nil
}
