package devicepool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Pool is the registry of router connections. Create one with New, install a ConfigLoader,
// and share the pointer with every caller. The zero value is not usable.
type Pool struct {
	opts    Options
	metrics *poolMetrics
	events  *eventLog
	now     func() time.Time

	hooksMu sync.RWMutex
	loader  ConfigLoader
	audit   AuditFunc

	mu      sync.Mutex
	entries map[Key]*entry
	routes  map[string]Key // tenant+selector -> entry key
	closed  bool

	resolveGroup singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool. Options.Dialer is required.
func New(opts Options) (*Pool, error) {
	if opts.Dialer == nil {
		return nil, errors.New("devicepool: dialer is required")
	}
	opts.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:    opts,
		events:  newEventLog(),
		now:     time.Now,
		entries: make(map[Key]*entry),
		routes:  make(map[string]Key),
		ctx:     ctx,
		cancel:  cancel,
	}
	m, err := newPoolMetrics(p)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}
	p.metrics = m
	return p, nil
}

// SetConfigLoader installs the function used to resolve router configuration for new
// entries. It must be called before the first command.
func (p *Pool) SetConfigLoader(fn ConfigLoader) {
	p.hooksMu.Lock()
	p.loader = fn
	p.hooksMu.Unlock()
}

// SetAuditLogger installs the audit sink. Nil disables auditing.
func (p *Pool) SetAuditLogger(fn AuditFunc) {
	p.hooksMu.Lock()
	p.audit = fn
	p.hooksMu.Unlock()
}

func (p *Pool) configLoader() ConfigLoader {
	p.hooksMu.RLock()
	defer p.hooksMu.RUnlock()
	return p.loader
}

func (p *Pool) auditSink() AuditFunc {
	p.hooksMu.RLock()
	defer p.hooksMu.RUnlock()
	return p.audit
}

func (p *Pool) observe(err error) {
	if p.opts.Observer != nil && err != nil {
		p.opts.Observer.Observe(err)
	}
}

// SendCommand runs one command against the router selected by opts and returns its reply
// rows. Commands for the same router run one at a time in call order.
//
// ctx bounds how long the caller waits. A command already handed to the router is not
// abandoned when ctx ends; it runs to completion inside the pool. A deadline yields an
// ErrCommandTimeout CommandError; a cancellation yields an error wrapping context.Canceled
// and no pool kind.
func (p *Pool) SendCommand(ctx context.Context, path string, args []string, opts CommandOptions) ([]Row, error) {
	if opts.TenantID == "" {
		return nil, &CommandError{Kind: ErrConfigNotFound, Path: path, Err: errors.New("tenant id is required")}
	}
	req := p.newRequest(path, args, opts)

	var e *entry
	for {
		var err error
		e, err = p.resolveEntry(ctx, opts.TenantID, opts.Selector)
		if err != nil {
			return nil, resolveError(err, opts.TenantID, path)
		}
		err = e.enqueue(req)
		if errors.Is(err, errEntryEvicted) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrQueueFull) {
				p.metrics.queueRejections.Inc()
			}
			return nil, e.commandError(KindOf(err), path, 0, err)
		}
		break
	}

	select {
	case res := <-req.done:
		return res.rows, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, e.commandError(ErrCommandTimeout, path, 0, ctx.Err())
		}
		// The caller gave up; the command still runs in order on the entry.
		return nil, fmt.Errorf("router command %s on %s abandoned: %w", path, e.key, ctx.Err())
	}
}

func resolveError(err error, tenantID, path string) error {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce
	}
	kind := KindOf(err)
	if kind == nil {
		kind = ErrTransient
	}
	return &CommandError{Kind: kind, TenantID: tenantID, Path: path, Err: err}
}

// resolveEntry returns the entry for tenantID and sel, creating it on first use. The config
// loader runs once per new route; concurrent first calls share one load.
func (p *Pool) resolveEntry(ctx context.Context, tenantID string, sel Selector) (*entry, error) {
	route := routeKey(tenantID, sel)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if key, ok := p.routes[route]; ok {
		if e, ok := p.entries[key]; ok {
			p.mu.Unlock()
			return e, nil
		}
		delete(p.routes, route)
	}
	p.mu.Unlock()

	v, err, _ := p.resolveGroup.Do(route, func() (any, error) {
		return p.loadConfig(ctx, tenantID, sel)
	})
	if err != nil {
		return nil, err
	}
	cfg := *v.(*DeviceConfig)
	key := Key{TenantID: tenantID, Host: cfg.Host, Port: cfg.Port}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	e, ok := p.entries[key]
	if !ok {
		e = newEntry(p, key, cfg)
		p.entries[key] = e
		log.Printf("Router pool entry created for %s", key)
	}
	p.routes[route] = key
	return e, nil
}

func (p *Pool) loadConfig(ctx context.Context, tenantID string, sel Selector) (*DeviceConfig, error) {
	loader := p.configLoader()
	if loader == nil {
		return nil, fmt.Errorf("%w: no config loader installed", ErrConfigNotFound)
	}
	cfg, err := loader(ctx, tenantID, sel)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load router config for tenant %s: %w", tenantID, err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w for tenant %s", ErrConfigNotFound, tenantID)
	}
	c := *cfg
	c.normalize()
	if c.Host == "" {
		return nil, fmt.Errorf("%w: empty host for tenant %s", ErrConfigNotFound, tenantID)
	}
	return &c, nil
}

// ForceReconnect re-resolves configuration for tenantID and sel, drops the current session
// and backoff state, and connects again. Used after credential rotation.
func (p *Pool) ForceReconnect(ctx context.Context, tenantID string, sel Selector) error {
	route := routeKey(tenantID, sel)
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}

	cfg, err := p.loadConfig(ctx, tenantID, sel)
	if err != nil {
		return resolveError(err, tenantID, "")
	}
	key := Key{TenantID: tenantID, Host: cfg.Host, Port: cfg.Port}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	e, ok := p.entries[key]
	if !ok {
		e = newEntry(p, key, *cfg)
		p.entries[key] = e
	}
	if stale := p.dropTenantRoutesLocked(tenantID, route); stale > 0 {
		log.Printf("Router routes invalidated for tenant %s: %d", tenantID, stale)
	}
	p.routes[route] = key
	p.mu.Unlock()

	// Wait for any command in flight so it is not torn down mid-write.
	e.execMu.Lock()
	sess := e.reset(*cfg)
	e.execMu.Unlock()
	if sess != nil {
		e.discardSession(sess, "forced reconnect")
	}
	p.emit(key, EventReconnectForced, "configuration reloaded")
	log.Printf("Router reconnect forced for %s", key)

	if _, err := e.ensureConnected(ctx); err != nil {
		return resolveError(err, tenantID, "")
	}
	return nil
}

// ForgetRoutes drops tenantID's cached selector resolutions. Entries and their sessions are
// left alone; the next command for each selector consults the config loader again.
func (p *Pool) ForgetRoutes(tenantID string) {
	p.mu.Lock()
	n := p.dropTenantRoutesLocked(tenantID, "")
	p.mu.Unlock()
	if n > 0 {
		log.Printf("Router routes invalidated for tenant %s: %d", tenantID, n)
	}
}

// dropTenantRoutesLocked forgets every cached selector of tenantID except keep, so each
// re-resolves through the config loader. A reconnect may follow a host change, and any of
// those routes could still name the old key.
func (p *Pool) dropTenantRoutesLocked(tenantID, keep string) int {
	prefix := tenantID + "\x00"
	n := 0
	for route := range p.routes {
		if route != keep && strings.HasPrefix(route, prefix) {
			delete(p.routes, route)
			n++
		}
	}
	return n
}

// DisconnectAll drops every live session without touching queues or polls. The next command
// on each entry reconnects.
func (p *Pool) DisconnectAll(reason string) {
	for _, e := range p.snapshot() {
		e.mu.Lock()
		sess := e.session
		e.mu.Unlock()
		if sess != nil {
			e.discardSession(sess, reason)
		}
	}
	log.Printf("All router sessions dropped (reason: %s)", reason)
}

// Shutdown stops background loops and polls, fails queued commands with ErrPoolClosed,
// closes every session and waits for pool goroutines until ctx expires. It is safe to call
// more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	if !already {
		p.cancel()
		for _, e := range entries {
			for _, poll := range e.takePolls() {
				poll.stop()
			}
		}
		sessions := 0
		for _, e := range entries {
			if e.shutdown() {
				sessions++
			}
		}
		log.Printf("Router pool shut down (%d entries, %d sessions closed)", len(entries), sessions)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for pool goroutines: %w", ctx.Err())
	}
}

func (p *Pool) snapshot() []*entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out
}

// counts returns the number of entries and how many of them are connected.
func (p *Pool) counts() (total, connected int) {
	for _, e := range p.snapshot() {
		total++
		e.mu.Lock()
		if e.state == StateConnected {
			connected++
		}
		e.mu.Unlock()
	}
	return total, connected
}

// startLoop runs fn every interval until ctx or the pool is done.
func (p *Pool) startLoop(ctx context.Context, name string, interval time.Duration, fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.safely(name, fn)
			}
		}
	}()
	log.Printf("Router %s started (interval: %s)", name, interval)
}

// safely runs fn, turning a panic into an observed error.
func (p *Pool) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in %s: %v", name, r)
			log.Printf("Router %v", err)
			p.observe(err)
		}
	}()
	fn()
}
