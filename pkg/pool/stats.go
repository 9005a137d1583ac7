package pool

import (
	"sync/atomic"
	"time"
)

// counters holds the raw pool counters. All fields are manipulated with
// atomics; derived values are computed in Statistics.
type counters struct {
	created       int64
	acquired      int64
	released      int64
	timedOut      int64
	errors        int64
	queries       int64
	totalWaitNano int64
}

// Statistics is a point-in-time snapshot of pool counters and derived
// gauges.
type Statistics struct {
	// Raw counters.
	Created       int64         `json:"created"`
	Acquired      int64         `json:"acquired"`
	Released      int64         `json:"released"`
	TimedOut      int64         `json:"timed_out"`
	Errors        int64         `json:"errors"`
	Queries       int64         `json:"queries"`
	TotalWaitTime time.Duration `json:"total_wait_time"`

	// Derived gauges.
	TotalConnections  int           `json:"total_connections"`
	ActiveConnections int           `json:"active_connections"`
	IdleConnections   int           `json:"idle_connections"`
	WaitingRequests   int           `json:"waiting_requests"`
	AverageWaitTime   time.Duration `json:"average_wait_time"`
	Utilization       float64       `json:"utilization_percent"`
}

// Status is a lighter snapshot for health endpoints.
type Status struct {
	Closed  bool `json:"closed"`
	Size    int  `json:"size"`
	Min     int  `json:"min"`
	Max     int  `json:"max"`
	Active  int  `json:"active"`
	Idle    int  `json:"idle"`
	Waiting int  `json:"waiting"`
}

// Statistics returns the current pool counters plus derived gauges.
// Counters advance atomically outside the pool mutex, so the snapshot is a
// monitoring view, not a linearizable cut across fields. Utilization is
// active connections over the configured maximum, as a percentage.
func (p *Pool) Statistics() Statistics {
	stats := Statistics{
		Created:       atomic.LoadInt64(&p.stats.created),
		Acquired:      atomic.LoadInt64(&p.stats.acquired),
		Released:      atomic.LoadInt64(&p.stats.released),
		TimedOut:      atomic.LoadInt64(&p.stats.timedOut),
		Errors:        atomic.LoadInt64(&p.stats.errors),
		Queries:       atomic.LoadInt64(&p.stats.queries),
		TotalWaitTime: time.Duration(atomic.LoadInt64(&p.stats.totalWaitNano)),
	}

	p.mu.Lock()
	stats.TotalConnections = len(p.conns)
	for _, c := range p.conns {
		switch c.state {
		case StateActive:
			stats.ActiveConnections++
		case StateIdle:
			stats.IdleConnections++
		}
	}
	stats.WaitingRequests = p.waiters.len()
	p.mu.Unlock()

	if stats.Acquired > 0 {
		stats.AverageWaitTime = stats.TotalWaitTime / time.Duration(stats.Acquired)
	}
	if p.cfg.Max > 0 {
		stats.Utilization = float64(stats.ActiveConnections) / float64(p.cfg.Max) * 100.0
	}

	return stats
}

// Status returns a light snapshot of the pool's shape.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Closed:  p.closed,
		Size:    len(p.conns),
		Min:     p.cfg.Min,
		Max:     p.cfg.Max,
		Waiting: p.waiters.len(),
	}
	for _, c := range p.conns {
		switch c.state {
		case StateActive:
			st.Active++
		case StateIdle:
			st.Idle++
		}
	}
	return st
}
