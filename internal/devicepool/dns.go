package devicepool

import (
	"context"
	"fmt"
	"net"
	"time"
)

type dnsEntry struct {
	ip        string
	expiresAt time.Time
}

// resolveAddr returns an IP for host. Literal addresses are returned as is; names are looked
// up at most once per DNSTTL and refreshed lazily on the first connect after expiry.
func (e *entry) resolveAddr(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	p := e.pool
	now := p.now()

	e.mu.Lock()
	if e.dns.ip != "" && now.Before(e.dns.expiresAt) {
		ip := e.dns.ip
		e.mu.Unlock()
		return ip, nil
	}
	e.mu.Unlock()

	addrs, err := p.opts.Resolver.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolve %s: no addresses", host)
	}
	ip := addrs[0]
	for _, a := range addrs {
		if parsed := net.ParseIP(a); parsed != nil && parsed.To4() != nil {
			ip = a
			break
		}
	}

	e.mu.Lock()
	e.dns = dnsEntry{ip: ip, expiresAt: now.Add(p.opts.DNSTTL)}
	e.mu.Unlock()
	return ip, nil
}
