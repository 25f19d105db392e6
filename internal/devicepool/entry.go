package devicepool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// entry is the pool record for one (tenant, host, port). mu guards every field below it;
// execMu is held while a command or probe is running on the session so the two never
// overlap. Lock order is Pool.mu before entry.mu; execMu is never taken while holding mu.
type entry struct {
	key  Key
	pool *Pool

	connectGroup singleflight.Group
	execMu       sync.Mutex

	mu            sync.Mutex
	cfg           DeviceConfig
	session       Session
	unsubscribe   func()
	state         ConnectionState
	failureCount  int
	backoff       time.Duration
	nextAttemptAt time.Time
	lastSuccessAt time.Time
	lastTouchedAt time.Time
	lastHealthAt  time.Time
	queue         []*request
	draining      bool
	dns           dnsEntry
	polls         map[string]*Poll
	closed        bool
}

func newEntry(p *Pool, key Key, cfg DeviceConfig) *entry {
	return &entry{
		key:           key,
		pool:          p,
		cfg:           cfg,
		backoff:       p.opts.BackoffBase,
		lastTouchedAt: p.now(),
		polls:         make(map[string]*Poll),
	}
}

func (e *entry) commandError(kind error, path string, attempts int, err error) *CommandError {
	if kind == nil {
		kind = ErrTransient
	}
	return &CommandError{
		Kind:     kind,
		TenantID: e.key.TenantID,
		Host:     e.key.Host,
		Port:     e.key.Port,
		Path:     path,
		Attempts: attempts,
		Err:      err,
	}
}

// enqueue appends req to the queue and starts the drain goroutine if none is running.
func (e *entry) enqueue(req *request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errEntryEvicted
	}
	if len(e.queue) >= e.pool.opts.QueueLimit {
		return ErrQueueFull
	}
	e.queue = append(e.queue, req)
	e.lastTouchedAt = e.pool.now()
	if !e.draining {
		e.draining = true
		e.pool.wg.Add(1)
		go e.drain()
	}
	return nil
}

// drain executes queued requests one at a time until the queue is empty.
func (e *entry) drain() {
	defer e.pool.wg.Done()
	for {
		e.mu.Lock()
		if len(e.queue) == 0 || e.closed {
			e.draining = false
			e.mu.Unlock()
			return
		}
		req := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		req.done <- e.run(req)

		if spacing := e.pool.opts.CommandSpacing; spacing > 0 {
			t := time.NewTimer(spacing)
			select {
			case <-t.C:
			case <-e.pool.ctx.Done():
				t.Stop()
			}
		}
	}
}

func (e *entry) run(req *request) (res result) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic running %s on %s: %v", req.path, e.key, r)
			log.Printf("Router %v", err)
			e.pool.observe(err)
			res = result{err: e.commandError(ErrTransient, req.path, 0, err)}
		}
	}()
	rows, err := e.pool.execute(e, req)
	return result{rows: rows, err: err}
}

// ensureConnected returns the live session, joining an in-flight connect if there is one.
// ctx only bounds the wait; the shared attempt runs under the pool's lifetime.
func (e *entry) ensureConnected(ctx context.Context) (Session, error) {
	e.mu.Lock()
	if e.state == StateConnected && e.session != nil {
		s := e.session
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	ch := e.connectGroup.DoChan("connect", func() (any, error) {
		return e.connect()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *entry) connect() (Session, error) {
	p := e.pool

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if e.state == StateConnected && e.session != nil {
		s := e.session
		e.mu.Unlock()
		return s, nil
	}
	e.state = StateConnecting
	cfg := e.cfg
	wait := e.nextAttemptAt.Sub(p.now())
	e.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-p.ctx.Done():
			t.Stop()
			e.setState(StateDisconnected)
			return nil, ErrPoolClosed
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = p.opts.ConnectTimeout
	}
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	sess, err := e.dial(ctx, cfg)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && KindOf(err) == nil {
			err = fmt.Errorf("%w after %s: %w", ErrConnectTimeout, timeout, err)
		}
		e.connectFailed(err)
		return nil, err
	}

	// The probe confirms the router answers; a slow router still counts as connected. It
	// gets a command's budget, not a health check's, since an expired Run kills the session.
	probeCtx, cancelProbe := context.WithTimeout(p.ctx, p.opts.CommandTimeout)
	_, perr := sess.Run(probeCtx, p.opts.ProbeCommand, nil)
	probeExpired := probeCtx.Err() != nil
	cancelProbe()
	probeOK := perr == nil || p.isEmptyReply(perr)
	if !probeOK && probeExpired {
		_ = sess.Close()
		if p.ctx.Err() != nil {
			e.setState(StateDisconnected)
			return nil, ErrPoolClosed
		}
		err = fmt.Errorf("%w: identity probe got no reply within %s: %w",
			ErrConnectTimeout, p.opts.CommandTimeout, perr)
		e.connectFailed(err)
		return nil, err
	}
	if !probeOK {
		log.Printf("Router identity probe failed for %s: %v", e.key, perr)
	}

	unsubscribe := sess.Subscribe(&sessionWatcher{entry: e, session: sess})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		unsubscribe()
		_ = sess.Close()
		return nil, ErrPoolClosed
	}
	e.session = sess
	e.unsubscribe = unsubscribe
	e.state = StateConnected
	e.failureCount = 0
	e.backoff = p.opts.BackoffBase
	e.nextAttemptAt = time.Time{}
	if probeOK {
		e.lastSuccessAt = p.now()
	}
	e.mu.Unlock()

	p.metrics.recordConnect(nil)
	p.emit(e.key, EventConnected, "")
	log.Printf("Router connected: %s", e.key)
	return sess, nil
}

func (e *entry) dial(ctx context.Context, cfg DeviceConfig) (Session, error) {
	ip, err := e.resolveAddr(ctx, cfg.Host)
	if err != nil {
		return nil, err
	}
	return e.pool.opts.Dialer.Dial(ctx, net.JoinHostPort(ip, strconv.Itoa(cfg.Port)), cfg)
}

func (e *entry) connectFailed(err error) {
	p := e.pool
	e.mu.Lock()
	e.state = StateDisconnected
	n, backoff := e.bumpFailureLocked()
	e.mu.Unlock()

	p.metrics.recordConnect(err)
	typ := EventConnectFailed
	if errors.Is(err, ErrAuthFailure) {
		typ = EventAuthFailed
	}
	p.emit(e.key, typ, err.Error())
	log.Printf("Router connect failed for %s (failure %d, next attempt in %s): %v", e.key, n, backoff, err)
}

// bumpFailureLocked records one failure and schedules the next connect window.
func (e *entry) bumpFailureLocked() (int, time.Duration) {
	p := e.pool
	e.failureCount++
	e.backoff = backoffAfter(p.opts.BackoffBase, p.opts.BackoffMax, e.failureCount)
	e.nextAttemptAt = p.now().Add(e.backoff)
	return e.failureCount, e.backoff
}

func (e *entry) recordFailure() {
	e.mu.Lock()
	e.bumpFailureLocked()
	e.mu.Unlock()
}

func (e *entry) recordSuccess() {
	e.mu.Lock()
	e.failureCount = 0
	e.backoff = e.pool.opts.BackoffBase
	e.nextAttemptAt = time.Time{}
	e.lastSuccessAt = e.pool.now()
	e.mu.Unlock()
}

func (e *entry) setState(s ConnectionState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// sessionLost handles an asynchronous error or close reported by s.
func (e *entry) sessionLost(s Session, reason string) {
	e.discardSession(s, reason)
}

// discardSession closes s and marks the entry disconnected if s is still the entry's
// session. Calls for sessions the entry no longer owns are ignored, so each session is
// closed exactly once.
func (e *entry) discardSession(s Session, reason string) {
	e.mu.Lock()
	if s == nil || e.session != s {
		e.mu.Unlock()
		return
	}
	e.session = nil
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	if e.state == StateConnected {
		e.state = StateDisconnected
	}
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if err := s.Close(); err != nil {
		log.Printf("Router session close for %s: %v", e.key, err)
	}
	e.pool.emit(e.key, EventDisconnected, reason)
	log.Printf("Router disconnected: %s (reason: %s)", e.key, reason)
}

// reset installs cfg and clears DNS and backoff state. It returns the session the caller
// must discard.
func (e *entry) reset(cfg DeviceConfig) Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.dns = dnsEntry{}
	e.failureCount = 0
	e.backoff = e.pool.opts.BackoffBase
	e.nextAttemptAt = time.Time{}
	e.lastTouchedAt = e.pool.now()
	return e.session
}

// shutdown closes the entry for good: queued requests fail with ErrPoolClosed and the
// session is closed. It reports whether a session was closed.
func (e *entry) shutdown() bool {
	e.mu.Lock()
	e.closed = true
	queued := e.queue
	e.queue = nil
	sess := e.session
	e.mu.Unlock()

	for _, req := range queued {
		req.done <- result{err: e.commandError(ErrPoolClosed, req.path, 0, nil)}
	}
	if sess == nil {
		return false
	}
	e.discardSession(sess, "pool shutdown")
	return true
}

func (e *entry) takePolls() []*Poll {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Poll, 0, len(e.polls))
	for name, poll := range e.polls {
		out = append(out, poll)
		delete(e.polls, name)
	}
	return out
}
