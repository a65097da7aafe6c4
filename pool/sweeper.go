package pool

import (
	"time"

	"go.uber.org/zap"

	"github.com/sensegrid/enginepool/metrics"
)

// sweeper periodically reclaims idle-expired connections.
func (p *Pool) sweeper() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.baseCtx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep partitions every resource's connections into idle-expired versus
// keep, and removes the expired ones. removeConn prunes resource entries
// that end up empty.
func (p *Pool) sweep() {
	p.mu.Lock()
	var expired []*Conn
	for _, list := range p.conns {
		for _, c := range list {
			if c.expired(p.cfg.IdleTTL) {
				expired = append(expired, c)
			}
		}
	}
	p.mu.Unlock()

	for _, c := range expired {
		if p.removeConn(c, "idle ttl") {
			metrics.SweepEvictionsTotal.WithLabelValues(c.resourceID).Inc()
		}
	}

	if len(expired) > 0 {
		p.logger.Debug("sweep evicted idle sessions",
			zap.Int("evicted", len(expired)))
	}
}
