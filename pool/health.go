package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sensegrid/enginepool/metrics"
)

// monitorHealth runs one connection's fixed-interval liveness probe: a
// cheap, idempotent metadata fetch against the document handle. A failed
// probe deregisters the connection and spawns a detached repair so a warm
// replacement is ready before the next caller arrives. Probes are skipped
// while a caller holds the connection, so the pool never races an operation
// against caller traffic on the same handle.
func (p *Pool) monitorHealth(c *Conn) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-p.baseCtx.Done():
			return
		case <-ticker.C:
			if c.InUse() {
				continue
			}

			ctx, cancel := context.WithTimeout(p.baseCtx, p.cfg.ProbeTimeout)
			_, err := c.handle.Metadata(ctx)
			cancel()

			if err == nil {
				metrics.HealthProbesTotal.WithLabelValues(c.resourceID, "ok").Inc()
				continue
			}

			metrics.HealthProbesTotal.WithLabelValues(c.resourceID, "failed").Inc()
			p.logger.Warn("health probe failed",
				zap.String("resource_id", c.resourceID),
				zap.Uint64("conn_id", c.id),
				zap.Error(err))

			// The failure is never surfaced to a caller: remove silently
			// and repair in the background.
			if p.removeConn(c, "health probe failed") {
				p.spawnRepair(c.resourceID)
			}
			return
		}
	}
}

// spawnRepair starts a detached reconnect attempt for resourceID. The task
// is tracked by the pool's WaitGroup and parented to baseCtx, so Close joins
// or cancels it deterministically; its outcome is only logged.
func (p *Pool) spawnRepair(resourceID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		c, err := p.reconnect(p.baseCtx, resourceID)
		if err != nil {
			p.logger.Warn("background repair failed",
				zap.String("resource_id", resourceID),
				zap.Error(err))
			return
		}
		p.logger.Info("background repair produced warm session",
			zap.String("resource_id", resourceID),
			zap.Uint64("conn_id", c.id))
	}()
}
