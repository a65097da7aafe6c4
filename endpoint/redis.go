package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sensegrid/enginepool/engine"
	"github.com/sensegrid/enginepool/metrics"
)

// Redis key and channel layout. One registry serves many pool instances;
// whoever switches the endpoint publishes so watchers can react.
const (
	defaultEndpointKey     = "enginepool:endpoint:active"
	defaultEndpointChannel = "enginepool:endpoint:switched"
)

// RedisOptions configures the Redis-backed endpoint registry.
type RedisOptions struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Key holds the active endpoint as JSON. Channel carries switch
	// notifications. Both have working defaults.
	Key     string `yaml:"key"`
	Channel string `yaml:"channel"`
}

func (o *RedisOptions) applyDefaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 3 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.Key == "" {
		o.Key = defaultEndpointKey
	}
	if o.Channel == "" {
		o.Channel = defaultEndpointChannel
	}
}

// Redis reads the active endpoint from a shared Redis key so every pool
// instance resolves the same engine. Switch writes the key and publishes
// a notification; Watch subscribes to those notifications.
type Redis struct {
	client redis.UniversalClient
	opts   RedisOptions
	logger *zap.Logger

	subMu       sync.Mutex
	subscribers []*redis.PubSub

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRedis connects to the registry and verifies reachability. A nil
// logger disables logging.
func NewRedis(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*Redis, error) {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("endpoint registry ping: %w", err)
	}
	logger.Info("endpoint registry connected", zap.String("addr", opts.Addr))

	return &Redis{
		client: client,
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Current fetches the active endpoint from the registry.
func (r *Redis) Current(ctx context.Context) (engine.Endpoint, error) {
	raw, err := r.client.Get(ctx, r.opts.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.EndpointLookupsTotal.WithLabelValues("redis", "missing").Inc()
		return engine.Endpoint{}, ErrNoActiveEndpoint
	}
	if err != nil {
		metrics.EndpointLookupsTotal.WithLabelValues("redis", "error").Inc()
		return engine.Endpoint{}, fmt.Errorf("endpoint registry get: %w", err)
	}

	var ep engine.Endpoint
	if err := json.Unmarshal(raw, &ep); err != nil {
		metrics.EndpointLookupsTotal.WithLabelValues("redis", "error").Inc()
		return engine.Endpoint{}, fmt.Errorf("decoding registry endpoint: %w", err)
	}
	metrics.EndpointLookupsTotal.WithLabelValues("redis", "ok").Inc()
	return ep, nil
}

// Switch stores ep as the active endpoint and notifies watchers. The key
// never expires; a switch is durable until the next one.
func (r *Redis) Switch(ctx context.Context, ep engine.Endpoint) error {
	raw, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("encoding registry endpoint: %w", err)
	}
	if err := r.client.Set(ctx, r.opts.Key, raw, 0).Err(); err != nil {
		return fmt.Errorf("endpoint registry set: %w", err)
	}
	if err := r.client.Publish(ctx, r.opts.Channel, ep.DisplayName).Err(); err != nil {
		r.logger.Warn("endpoint switch notification failed", zap.Error(err))
	}
	r.logger.Info("endpoint switched",
		zap.String("endpoint", ep.DisplayName),
		zap.String("url", ep.URL))
	return nil
}

// Watch returns a channel carrying the display name of each newly
// activated endpoint. The channel closes when the provider closes.
// Slow consumers miss notifications rather than stall the watcher.
func (r *Redis) Watch(ctx context.Context) (<-chan string, error) {
	sub := r.client.Subscribe(ctx, r.opts.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("endpoint registry subscribe: %w", err)
	}

	r.subMu.Lock()
	r.subscribers = append(r.subscribers, sub)
	r.subMu.Unlock()

	notifyCh := make(chan string, 16)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(notifyCh)

		ch := sub.Channel()
		for {
			select {
			case <-r.stopCh:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case notifyCh <- msg.Payload:
				default:
				}
			}
		}
	}()

	return notifyCh, nil
}

// Close stops watchers and releases the Redis client.
func (r *Redis) Close() error {
	close(r.stopCh)

	r.subMu.Lock()
	for _, sub := range r.subscribers {
		_ = sub.Close()
	}
	r.subscribers = nil
	r.subMu.Unlock()

	r.wg.Wait()
	return r.client.Close()
}
