package devicepool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// CommandOptions selects the target router and tunes one SendCommand call.
type CommandOptions struct {
	TenantID string
	Selector Selector
	// Timeout overrides the per-attempt command deadline.
	Timeout time.Duration
	// Retries overrides the number of attempts.
	Retries int
}

type request struct {
	id      string
	path    string
	args    []string
	timeout time.Duration
	retries int
	heavy   bool
	done    chan result
}

type result struct {
	rows []Row
	err  error
}

func (p *Pool) newRequest(path string, args []string, opts CommandOptions) *request {
	req := &request{
		id:      uuid.NewString(),
		path:    path,
		args:    append([]string(nil), args...),
		timeout: p.opts.CommandTimeout,
		retries: p.opts.Retries,
		done:    make(chan result, 1),
	}
	if p.isHeavy(path) {
		req.heavy = true
		req.timeout = p.opts.HeavyCommandTimeout
		req.retries = p.opts.HeavyCommandRetries
	}
	if opts.Timeout > 0 {
		req.timeout = opts.Timeout
	}
	if opts.Retries > 0 {
		req.retries = opts.Retries
	}
	return req
}

func (p *Pool) isHeavy(path string) bool {
	for _, h := range p.opts.HeavyCommands {
		if h == path {
			return true
		}
	}
	return false
}

// execute runs req against e with retries. It is only called from e's drain goroutine.
func (p *Pool) execute(e *entry, req *request) ([]Row, error) {
	var (
		lastErr  error
		lastKind error
		attempts int
	)
	for attempt := 1; attempt <= req.retries; attempt++ {
		if p.ctx.Err() != nil {
			lastKind, lastErr = ErrPoolClosed, nil
			break
		}
		attempts = attempt

		sess, err := e.ensureConnected(p.ctx)
		if err != nil {
			kind := p.classify(err)
			if p.ctx.Err() != nil {
				kind = ErrPoolClosed
			}
			lastKind, lastErr = kind, err
			p.metrics.recordAttempt(kind, req.heavy, 0)
			p.auditAttempt(e, req, AuditKindConnect, attempt, 0, err)
			p.observe(err)
			if !retryable(kind) {
				break
			}
			continue
		}

		start := time.Now()
		rows, err := e.exec(sess, req.path, req.args, req.timeout)
		latency := time.Since(start)
		if err != nil && p.isEmptyReply(err) {
			rows, err = nil, nil
		}
		if err == nil {
			if rows == nil {
				rows = []Row{}
			}
			e.recordSuccess()
			p.metrics.recordAttempt(nil, req.heavy, latency)
			p.auditAttempt(e, req, AuditKindExec, attempt, latency, nil)
			return rows, nil
		}

		kind := p.classify(err)
		lastKind, lastErr = kind, err
		p.metrics.recordAttempt(kind, req.heavy, latency)
		p.auditAttempt(e, req, AuditKindExec, attempt, latency, err)

		switch kind {
		case ErrDeviceRejected:
			// The router answered, so the session is fine.
			e.mu.Lock()
			e.lastSuccessAt = p.now()
			e.mu.Unlock()
		case ErrAuthFailure:
			e.discardSession(sess, "authentication rejected")
			e.recordFailure()
			p.emit(e.key, EventAuthFailed, err.Error())
		default:
			p.observe(err)
			e.discardSession(sess, fmt.Sprintf("%s: %v", kindLabel(kind), err))
			e.recordFailure()
		}
		if !retryable(kind) {
			break
		}
		if attempt < req.retries {
			log.Printf("Router command %s on %s failed (attempt %d/%d), retrying: %v",
				req.path, e.key, attempt, req.retries, err)
		}
	}
	return nil, e.commandError(lastKind, req.path, attempts, lastErr)
}

// exec runs one command on sess under timeout, holding execMu so health probes stay out.
func (e *entry) exec(sess Session, path string, args []string, timeout time.Duration) ([]Row, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	ctx, cancel := context.WithTimeout(e.pool.ctx, timeout)
	defer cancel()
	rows, err := sess.Run(ctx, path, args)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && KindOf(err) == nil {
		err = fmt.Errorf("%w after %s: %w", ErrCommandTimeout, timeout, err)
	}
	return rows, err
}
