package devicepool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDevice is a scripted router shared by every session dialed from it.
type fakeDevice struct {
	mu        sync.Mutex
	dials     int
	dialCfgs  []DeviceConfig
	dialAddrs []string
	dialErr   func(cfg DeviceConfig) error
	dialGate  chan struct{}
	handler   func(ctx context.Context, path string, args []string) ([]Row, error)
	calls     []string
	callArgs  [][]string
	active    int
	maxActive int
	sessions  []*fakeSession
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{}
}

func (d *fakeDevice) Dial(ctx context.Context, addr string, cfg DeviceConfig) (Session, error) {
	d.mu.Lock()
	d.dials++
	d.dialCfgs = append(d.dialCfgs, cfg)
	d.dialAddrs = append(d.dialAddrs, addr)
	gate := d.dialGate
	dialErr := d.dialErr
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		if err := dialErr(cfg); err != nil {
			return nil, err
		}
	}
	s := &fakeSession{dev: d, listeners: make(map[int]SessionListener)}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDevice) setHandler(h func(ctx context.Context, path string, args []string) ([]Row, error)) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

func (d *fakeDevice) setDialErr(f func(cfg DeviceConfig) error) {
	d.mu.Lock()
	d.dialErr = f
	d.mu.Unlock()
}

func (d *fakeDevice) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// commands returns the non-probe paths the device has seen, in order.
func (d *fakeDevice) commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.calls {
		if c != DefaultProbeCommand {
			out = append(out, c)
		}
	}
	return out
}

func (d *fakeDevice) countCalls(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == path {
			n++
		}
	}
	return n
}

func (d *fakeDevice) lastSession() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

type fakeSession struct {
	dev *fakeDevice

	mu        sync.Mutex
	closed    bool
	closes    int
	listeners map[int]SessionListener
	nextID    int
}

func (s *fakeSession) Run(ctx context.Context, path string, args []string) ([]Row, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.New("connection closed")
	}

	d := s.dev
	d.mu.Lock()
	d.calls = append(d.calls, path)
	d.callArgs = append(d.callArgs, args)
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	h := d.handler
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	if h == nil {
		return []Row{{"name": "router-" + path}}, nil
	}
	rows, err := h(ctx, path, args)
	if ctx.Err() != nil {
		// Like a real API connection, a command abandoned on deadline takes the session down.
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}
	return rows, err
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closes++
	return nil
}

func (s *fakeSession) Subscribe(l SessionListener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSession) listenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// dropFromPeer simulates the router closing the connection.
func (s *fakeSession) dropFromPeer() {
	s.mu.Lock()
	s.closed = true
	ls := make([]SessionListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l.OnClose()
	}
}

type fakeResolver struct {
	lookups atomic.Int32
	addrs   []string
}

func (r *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r.lookups.Add(1)
	return r.addrs, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	mu   sync.Mutex
	errs []error
}

func (o *recordingObserver) Observe(err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.errs)
}

// staticLoader returns one router per tenant at host:8728, with the tenant as user name.
func staticLoader(host string) ConfigLoader {
	return func(ctx context.Context, tenantID string, sel Selector) (*DeviceConfig, error) {
		return &DeviceConfig{Host: host, User: tenantID, Password: "pw"}, nil
	}
}

// newTestPool builds a pool with fast timings over dev. mutate may adjust options.
func newTestPool(t *testing.T, dev *fakeDevice, mutate func(*Options)) *Pool {
	t.Helper()
	opts := Options{
		Dialer:           dev,
		CommandSpacing:   -1,
		ConnectTimeout:   time.Second,
		CommandTimeout:   time.Second,
		BackoffBase:      time.Millisecond,
		BackoffMax:       8 * time.Millisecond,
		HealthTimeout:    time.Second,
		HealthInterval:   time.Hour,
		EvictionInterval: time.Hour,
		IdleTimeout:      time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	p.SetConfigLoader(staticLoader("10.0.0.1"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func mustEntry(t *testing.T, p *Pool, tenantID string) *entry {
	t.Helper()
	e, err := p.resolveEntry(context.Background(), tenantID, Selector{})
	require.NoError(t, err)
	return e
}

func statusFor(p *Pool, tenantID string) (Status, bool) {
	for _, s := range p.GetStatus() {
		if s.TenantID == tenantID {
			return s, true
		}
	}
	return Status{}, false
}
