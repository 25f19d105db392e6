package devicepool

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Row is one reply sentence from a router, attribute name to value.
type Row map[string]string

// DeviceConfig holds the connection parameters for one router, as returned by a
// ConfigLoader.
type DeviceConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool
	// Timeout bounds dialing and login. Zero uses Options.ConnectTimeout.
	Timeout time.Duration
}

// Default RouterOS API ports.
const (
	DefaultAPIPort    = 8728
	DefaultAPITLSPort = 8729
)

func (c *DeviceConfig) normalize() {
	c.Host = strings.TrimSpace(c.Host)
	if c.Port <= 0 {
		if c.TLS {
			c.Port = DefaultAPITLSPort
		} else {
			c.Port = DefaultAPIPort
		}
	}
}

// Selector tells the ConfigLoader which router to pick when a tenant has more than one.
// The pool does not interpret it.
type Selector struct {
	ID   string
	Name string
	Host string
	Port int
}

func routeKey(tenantID string, sel Selector) string {
	return strings.Join([]string{tenantID, sel.ID, sel.Name, sel.Host, strconv.Itoa(sel.Port)}, "\x00")
}

// ConfigLoader resolves router configuration for a tenant. It returns (nil, nil) or an error
// wrapping ErrConfigNotFound when nothing matches.
type ConfigLoader func(ctx context.Context, tenantID string, sel Selector) (*DeviceConfig, error)

// Key identifies a pool entry.
type Key struct {
	TenantID string `json:"tenant_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

func (k Key) String() string {
	return k.TenantID + "@" + net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// SessionListener receives asynchronous failure notifications from a Session.
type SessionListener interface {
	OnError(err error)
	OnClose()
}

// Session is one authenticated connection to a router.
//
// Run must honor ctx: when ctx expires the session tears the command down (closing itself
// if the protocol cannot abandon a command) and returns an error wrapping ctx.Err().
// Listeners are invoked from the session's own goroutine, never from inside Close.
type Session interface {
	Run(ctx context.Context, path string, args []string) ([]Row, error)
	Close() error
	Subscribe(l SessionListener) (unsubscribe func())
}

// Dialer opens sessions. addr is the resolved "ip:port"; cfg.Host stays available for TLS
// server name verification. Authentication failures should wrap ErrAuthFailure.
type Dialer interface {
	Dial(ctx context.Context, addr string, cfg DeviceConfig) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr string, cfg DeviceConfig) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, addr string, cfg DeviceConfig) (Session, error) {
	return f(ctx, addr, cfg)
}

// ConnectionState is the connection state of a pool entry.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// sessionWatcher forwards one session's failure events to its entry. The entry ignores
// events from sessions it no longer owns.
type sessionWatcher struct {
	entry   *entry
	session Session
}

func (w *sessionWatcher) OnError(err error) {
	w.entry.sessionLost(w.session, fmt.Sprintf("session error: %v", err))
}

func (w *sessionWatcher) OnClose() {
	w.entry.sessionLost(w.session, "session closed by peer")
}
