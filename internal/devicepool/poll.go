package devicepool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PollHandler receives the outcome of each poll run. It is called from the poll goroutine.
type PollHandler func(rows []Row, err error)

// Poll is a named recurring command registered against one pool entry. An entry with an
// active poll is never evicted.
type Poll struct {
	Name string
	Key  Key

	entry  *entry
	cancel context.CancelFunc
	once   sync.Once
}

// Stop cancels the poll and unregisters it. It does not wait for a run in progress and is
// safe to call more than once.
func (pl *Poll) Stop() {
	pl.entry.removePoll(pl)
	pl.stop()
}

func (pl *Poll) stop() {
	pl.once.Do(pl.cancel)
}

// SchedulePoll runs path with args against the router selected by tenantID and sel every
// interval, starting after stagger. Each run goes through the entry's command queue. A
// second poll with the same name on the same entry fails with ErrDuplicatePoll.
func (p *Pool) SchedulePoll(tenantID string, sel Selector, name, path string, args []string,
	interval, stagger time.Duration, handler PollHandler) (*Poll, error) {
	if name == "" {
		return nil, errors.New("poll name is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("poll %q: interval must be positive", name)
	}
	if tenantID == "" {
		return nil, &CommandError{Kind: ErrConfigNotFound, Path: path, Err: errors.New("tenant id is required")}
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.ConnectTimeout)
	defer cancel()

	for {
		e, err := p.resolveEntry(ctx, tenantID, sel)
		if err != nil {
			return nil, resolveError(err, tenantID, path)
		}
		pollCtx, pollCancel := context.WithCancel(p.ctx)
		poll := &Poll{Name: name, Key: e.key, entry: e, cancel: pollCancel}
		run := func() {
			p.runPoll(pollCtx, e, path, args, interval, stagger, handler)
		}
		err = e.addPoll(poll, run)
		if err == nil {
			return poll, nil
		}
		pollCancel()
		if errors.Is(err, errEntryEvicted) {
			continue
		}
		return nil, fmt.Errorf("poll %q on %s: %w", name, e.key, err)
	}
}

// addPoll registers poll and starts run on a pool goroutine.
func (e *entry) addPoll(poll *Poll, run func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errEntryEvicted
	}
	if _, ok := e.polls[poll.Name]; ok {
		return ErrDuplicatePoll
	}
	e.polls[poll.Name] = poll
	e.lastTouchedAt = e.pool.now()
	e.pool.wg.Add(1)
	go func() {
		defer e.pool.wg.Done()
		run()
	}()
	return nil
}

func (e *entry) removePoll(poll *Poll) {
	e.mu.Lock()
	if e.polls[poll.Name] == poll {
		delete(e.polls, poll.Name)
	}
	e.mu.Unlock()
}

func (p *Pool) runPoll(ctx context.Context, e *entry, path string, args []string,
	interval, stagger time.Duration, handler PollHandler) {
	if stagger > 0 {
		t := time.NewTimer(stagger)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.pollOnce(ctx, e, path, args, handler)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) pollOnce(ctx context.Context, e *entry, path string, args []string, handler PollHandler) {
	if ctx.Err() != nil {
		return
	}
	req := p.newRequest(path, args, CommandOptions{TenantID: e.key.TenantID})
	if err := e.enqueue(req); err != nil {
		if errors.Is(err, errEntryEvicted) {
			return
		}
		if errors.Is(err, ErrQueueFull) {
			p.metrics.queueRejections.Inc()
		}
		p.deliver(handler, nil, e.commandError(KindOf(err), path, 0, err))
		return
	}
	select {
	case res := <-req.done:
		p.deliver(handler, res.rows, res.err)
	case <-ctx.Done():
	}
}

func (p *Pool) deliver(handler PollHandler, rows []Row, err error) {
	if handler == nil {
		return
	}
	p.safely("poll handler", func() { handler(rows, err) })
}
