package devicepool

import (
	"sort"
	"time"
)

// Status is a read-only snapshot of one pool entry.
type Status struct {
	TenantID     string     `json:"tenant_id"`
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	Connected    bool       `json:"connected"`
	State        string     `json:"state"`
	LastOKAt     *time.Time `json:"last_ok_at,omitempty"`
	LastHealthAt *time.Time `json:"last_health_at,omitempty"`
	FailureCount int        `json:"failure_count"`
	BackoffMS    int64      `json:"backoff_ms"`
	QueueLength  int        `json:"queue_length"`
	Draining     bool       `json:"draining"`
	ActivePolls  []string   `json:"active_polls"`

	Backoff time.Duration `json:"-"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (e *entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	polls := make([]string, 0, len(e.polls))
	for name := range e.polls {
		polls = append(polls, name)
	}
	sort.Strings(polls)
	return Status{
		TenantID:     e.key.TenantID,
		Host:         e.key.Host,
		Port:         e.key.Port,
		Connected:    e.state == StateConnected && e.session != nil,
		State:        e.state.String(),
		LastOKAt:     optionalTime(e.lastSuccessAt),
		LastHealthAt: optionalTime(e.lastHealthAt),
		FailureCount: e.failureCount,
		BackoffMS:    e.backoff.Milliseconds(),
		QueueLength:  len(e.queue),
		Draining:     e.draining,
		ActivePolls:  polls,
		Backoff:      e.backoff,
	}
}

// GetStatus returns a snapshot of every entry ordered by tenant, host and port.
func (p *Pool) GetStatus() []Status {
	entries := p.snapshot()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.status())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.Port < b.Port
	})
	return out
}
