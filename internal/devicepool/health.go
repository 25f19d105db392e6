// health.go implements out-of-band liveness checks for connected routers.
//
// Every HealthInterval the monitor runs the probe command on each connected entry with at
// most HealthConcurrency probes in flight. Probes bypass the entry's command queue. An entry
// that is busy running a command is skipped for that round since the command itself proves
// or disproves liveness. A failed probe drops the session the same way a failed command does.

package devicepool

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"
)

// StartHealthMonitor starts the background health loop. It stops when ctx is done or the
// pool shuts down.
func (p *Pool) StartHealthMonitor(ctx context.Context) {
	p.startLoop(ctx, "health monitor", p.opts.HealthInterval, p.checkAll)
}

// checkAll probes every connected entry and waits for the round to finish.
func (p *Pool) checkAll() {
	var targets []*entry
	for _, e := range p.snapshot() {
		e.mu.Lock()
		if e.state == StateConnected && e.session != nil {
			targets = append(targets, e)
		}
		e.mu.Unlock()
	}
	if len(targets) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(p.opts.HealthConcurrency)
	for _, e := range targets {
		g.Go(func() error {
			p.safely("health probe", func() { p.probe(e) })
			return nil
		})
	}
	_ = g.Wait()
}

// probe runs the probe command on e's session unless a command holds it.
func (p *Pool) probe(e *entry) {
	if !e.execMu.TryLock() {
		return
	}
	defer e.execMu.Unlock()

	e.mu.Lock()
	sess := e.session
	connected := e.state == StateConnected
	e.mu.Unlock()
	if !connected || sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.HealthTimeout)
	defer cancel()
	_, err := sess.Run(ctx, p.opts.ProbeCommand, nil)
	if err != nil && p.isEmptyReply(err) {
		err = nil
	}
	p.metrics.recordHealth(err)

	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		log.Printf("Router health check failed for %s: %v", e.key, err)
		p.observe(err)
		p.emit(e.key, EventHealthCheckFailed, err.Error())
		e.discardSession(sess, "health check failed")
		e.recordFailure()
		return
	}

	e.mu.Lock()
	e.lastHealthAt = p.now()
	e.mu.Unlock()
}
