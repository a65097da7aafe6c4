package pool

import "time"

// Stats is a read-only snapshot of the pool.
type Stats struct {
	// Lifetime counters, reset only by re-creating the pool.
	TotalRequests int64
	CacheHits     int64
	CacheMisses   int64

	TotalConnections  int
	ActiveConnections int
	IdleConnections   int

	// PerResource maps resource id to its pooled connection count.
	PerResource map[string]int

	// MeanConnectionAge is the average age of all pooled connections.
	MeanConnectionAge time.Duration
}

// Stats returns a snapshot of the pool's state and lifetime counters.
func (p *Pool) Stats() Stats {
	s := Stats{
		TotalRequests: p.totalRequests.Load(),
		CacheHits:     p.cacheHits.Load(),
		CacheMisses:   p.cacheMisses.Load(),
		PerResource:   make(map[string]int),
	}

	p.mu.Lock()
	var ageSum time.Duration
	for id, list := range p.conns {
		s.PerResource[id] = len(list)
		for _, c := range list {
			s.TotalConnections++
			if c.InUse() {
				s.ActiveConnections++
			} else {
				s.IdleConnections++
			}
			ageSum += c.age()
		}
	}
	p.mu.Unlock()

	if s.TotalConnections > 0 {
		s.MeanConnectionAge = ageSum / time.Duration(s.TotalConnections)
	}
	return s
}

// HitRate returns cacheHits / totalRequests, or 0 before the first request.
func (p *Pool) HitRate() float64 {
	total := p.totalRequests.Load()
	if total == 0 {
		return 0
	}
	return float64(p.cacheHits.Load()) / float64(total)
}
