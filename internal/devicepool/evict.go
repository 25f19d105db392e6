package devicepool

import (
	"context"
	"log"
	"time"
)

// StartEviction starts the idle eviction sweep. It stops when ctx is done or the pool shuts
// down.
func (p *Pool) StartEviction(ctx context.Context) {
	p.startLoop(ctx, "idle eviction", p.opts.EvictionInterval, func() { p.evictIdle() })
}

// evictable reports whether e can be dropped: nothing queued or running, no polls, no
// connect in flight, and no activity for longer than idle. Caller holds e.mu.
func (e *entry) evictable(now time.Time, idle time.Duration) bool {
	if len(e.queue) > 0 || e.draining || len(e.polls) > 0 || e.state == StateConnecting {
		return false
	}
	last := e.lastTouchedAt
	if e.lastSuccessAt.After(last) {
		last = e.lastSuccessAt
	}
	return now.Sub(last) > idle
}

// evictIdle removes idle entries and closes their sessions. It returns how many were evicted.
func (p *Pool) evictIdle() int {
	now := p.now()
	var victims []*entry

	p.mu.Lock()
	for key, e := range p.entries {
		e.mu.Lock()
		if e.evictable(now, p.opts.IdleTimeout) {
			e.closed = true
			delete(p.entries, key)
			victims = append(victims, e)
		}
		e.mu.Unlock()
	}
	if len(victims) > 0 {
		for route, key := range p.routes {
			if _, ok := p.entries[key]; !ok {
				delete(p.routes, route)
			}
		}
	}
	p.mu.Unlock()

	for _, e := range victims {
		e.mu.Lock()
		sess := e.session
		e.mu.Unlock()
		if sess != nil {
			e.discardSession(sess, "idle eviction")
		}
		p.metrics.evictions.Inc()
		p.emit(e.key, EventEvicted, "idle")
		log.Printf("Router pool entry evicted: %s", e.key)
	}
	return len(victims)
}
