package devicepool

import (
	"context"
	"net"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Defaults applied by New for zero-valued Options fields.
const (
	DefaultQueueLimit          = 50
	DefaultRetries             = 3
	DefaultCommandSpacing      = 50 * time.Millisecond
	DefaultConnectTimeout      = 15 * time.Second
	DefaultCommandTimeout      = 12 * time.Second
	DefaultHeavyCommandTimeout = 60 * time.Second
	DefaultHeavyCommandRetries = 5
	DefaultBackoffBase         = 1 * time.Second
	DefaultBackoffMax          = 30 * time.Second
	DefaultHealthInterval      = 30 * time.Second
	DefaultHealthTimeout       = 5 * time.Second
	DefaultHealthConcurrency   = 4
	DefaultIdleTimeout         = 10 * time.Minute
	DefaultEvictionInterval    = 1 * time.Minute
	DefaultDNSTTL              = 5 * time.Minute

	// DefaultProbeCommand is the cheap identity query used after login and by the health
	// monitor.
	DefaultProbeCommand = "/system/identity/print"
)

// DefaultEmptyReplyMarkers are reply words some RouterOS client versions surface as errors
// when a print simply matched nothing.
var DefaultEmptyReplyMarkers = []string{"!empty"}

// DefaultHeavyCommands are print commands that can return thousands of rows on busy routers.
var DefaultHeavyCommands = []string{
	"/ppp/secret/print",
	"/ip/hotspot/active/print",
	"/queue/simple/print",
}

// DefaultAuthErrorPattern matches login rejections from RouterOS and its client libraries.
var DefaultAuthErrorPattern = regexp.MustCompile(`(?i)username|password|authentication|login failure|invalid user|cannot log in`)

// ErrorObserver is notified of every failed attempt and every recovered panic in pool
// goroutines. It must not block.
type ErrorObserver interface {
	Observe(err error)
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Options configures a Pool.
type Options struct {
	Dialer   Dialer
	Resolver Resolver

	// QueueLimit bounds the pending commands per entry.
	QueueLimit int
	// Retries is the number of attempts per command, including the first.
	Retries int
	// CommandSpacing is the pause between consecutive commands on one entry. Negative
	// disables spacing.
	CommandSpacing time.Duration

	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	HeavyCommands       []string
	HeavyCommandTimeout time.Duration
	HeavyCommandRetries int

	BackoffBase time.Duration
	BackoffMax  time.Duration

	HealthInterval    time.Duration
	HealthTimeout     time.Duration
	HealthConcurrency int

	IdleTimeout      time.Duration
	EvictionInterval time.Duration

	DNSTTL time.Duration

	ProbeCommand      string
	EmptyReplyMarkers []string
	AuthErrorPattern  *regexp.Regexp

	Observer ErrorObserver

	// Registerer receives the pool's Prometheus collectors. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

func (o *Options) defaults() {
	if o.Resolver == nil {
		o.Resolver = net.DefaultResolver
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = DefaultQueueLimit
	}
	if o.Retries <= 0 {
		o.Retries = DefaultRetries
	}
	if o.CommandSpacing == 0 {
		o.CommandSpacing = DefaultCommandSpacing
	} else if o.CommandSpacing < 0 {
		o.CommandSpacing = 0
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.HeavyCommands == nil {
		o.HeavyCommands = DefaultHeavyCommands
	}
	if o.HeavyCommandTimeout <= 0 {
		o.HeavyCommandTimeout = DefaultHeavyCommandTimeout
	}
	if o.HeavyCommandRetries <= 0 {
		o.HeavyCommandRetries = DefaultHeavyCommandRetries
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = DefaultBackoffMax
		if o.BackoffMax < o.BackoffBase {
			o.BackoffMax = o.BackoffBase
		}
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = DefaultHealthTimeout
	}
	if o.HealthConcurrency <= 0 {
		o.HealthConcurrency = DefaultHealthConcurrency
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.EvictionInterval <= 0 {
		o.EvictionInterval = DefaultEvictionInterval
	}
	if o.DNSTTL <= 0 {
		o.DNSTTL = DefaultDNSTTL
	}
	if o.ProbeCommand == "" {
		o.ProbeCommand = DefaultProbeCommand
	}
	if o.EmptyReplyMarkers == nil {
		o.EmptyReplyMarkers = DefaultEmptyReplyMarkers
	}
	if o.AuthErrorPattern == nil {
		o.AuthErrorPattern = DefaultAuthErrorPattern
	}
}

// backoffAfter returns min(base * 2^failures, max).
func backoffAfter(base, max time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	return d
}
