package devicepool

import (
	"log"
	"time"

	"github.com/ispbill/routerd/internal/logutil"
)

// Audit record kinds.
const (
	AuditKindExec    = "routeros.exec"
	AuditKindConnect = "routeros.connect"
)

// AuditRecord describes one command attempt. Args are already redacted.
type AuditRecord struct {
	RequestID  string
	TenantID   string
	Host       string
	Port       int
	Kind       string
	Command    string
	Args       []string
	WordsCount int
	OK         bool
	Latency    time.Duration
	Error      string
	Attempt    int
	At         time.Time
}

// AuditFunc receives audit records. It runs on its own goroutine; a panic is recovered and
// logged.
type AuditFunc func(AuditRecord)

func (p *Pool) auditAttempt(e *entry, req *request, kind string, attempt int, latency time.Duration, err error) {
	fn := p.auditSink()
	if fn == nil {
		return
	}
	rec := AuditRecord{
		RequestID:  req.id,
		TenantID:   e.key.TenantID,
		Host:       e.key.Host,
		Port:       e.key.Port,
		Kind:       kind,
		Command:    req.path,
		Args:       logutil.RedactWords(req.args),
		WordsCount: len(req.args),
		OK:         err == nil,
		Latency:    latency,
		Attempt:    attempt,
		At:         p.now(),
	}
	if err != nil {
		rec.Error = logutil.SanitizeForLog(err.Error())
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Router audit sink panic: %v", r)
			}
		}()
		fn(rec)
	}()
}
