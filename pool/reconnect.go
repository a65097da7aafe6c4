package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sensegrid/enginepool/engine"
	"github.com/sensegrid/enginepool/metrics"
)

// reconnect is the bounded backoff loop that re-creates a connection for
// resourceID. Attempt n sleeps ReconnectBaseDelay * 2^(n-1) before dialing.
// On success the connection is registered idle and returned; once the
// attempt budget is spent, *engine.ReconnectExhaustedError is returned.
//
// Two call sites exist: Do's awaited path, where the error propagates to the
// caller, and the health monitor's detached repair, where it is only logged.
func (p *Pool) reconnect(ctx context.Context, resourceID string) (*Conn, error) {
	for attempt := 1; attempt <= p.cfg.MaxReconnectAttempts; attempt++ {
		delay := p.cfg.ReconnectBaseDelay * time.Duration(1<<(attempt-1))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-p.baseCtx.Done():
			timer.Stop()
			return nil, ErrPoolClosed
		}

		c, err := p.createConn(ctx, resourceID)
		if err != nil {
			metrics.ReconnectAttemptsTotal.WithLabelValues(resourceID, "failed").Inc()
			p.logger.Warn("reconnect attempt failed",
				zap.String("resource_id", resourceID),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.cfg.MaxReconnectAttempts),
				zap.Error(err))
			continue
		}

		if err := p.register(c); err != nil {
			c.shutdown()
			_ = c.session.Close()
			return nil, err
		}

		metrics.ReconnectAttemptsTotal.WithLabelValues(resourceID, "ok").Inc()
		p.logger.Info("reconnected",
			zap.String("resource_id", resourceID),
			zap.Uint64("conn_id", c.id),
			zap.Int("attempt", attempt))
		return c, nil
	}

	metrics.ReconnectAttemptsTotal.WithLabelValues(resourceID, "exhausted").Inc()
	return nil, &engine.ReconnectExhaustedError{
		ResourceID: resourceID,
		Attempts:   p.cfg.MaxReconnectAttempts,
	}
}
