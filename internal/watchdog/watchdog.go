// Package watchdog escalates repeated router protocol desynchronization into a process
// restart.
//
// A Watchdog counts errors whose message matches known desync signatures (and recovered
// panics) in a sliding window. When the count exceeds the threshold it trips once: the
// Tripped channel closes and Err reports the reason. The watchdog never exits the process
// itself; main observes Tripped, drops every router session and shuts down with a non-zero
// status so the supervisor restarts it.
package watchdog

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/ispbill/routerd/internal/devicepool"
)

// DefaultPattern matches errors that mean the API reply stream can no longer be trusted.
var DefaultPattern = regexp.MustCompile(`(?i)unknown\s*reply|unknown routeros reply word|protocol desync|invalid word length|panic`)

// Watchdog implements devicepool.ErrorObserver.
type Watchdog struct {
	threshold int
	window    time.Duration
	pattern   *regexp.Regexp

	mu      sync.Mutex
	hits    []time.Time
	err     error
	tripped chan struct{}

	// Clock function for testing.
	nowFunc func() time.Time
}

var _ devicepool.ErrorObserver = (*Watchdog)(nil)

// New creates a watchdog that trips when more than threshold matching errors are observed
// within window. A nil pattern uses DefaultPattern.
func New(threshold int, window time.Duration, pattern *regexp.Regexp) *Watchdog {
	if threshold <= 0 {
		threshold = 1
	}
	if pattern == nil {
		pattern = DefaultPattern
	}
	return &Watchdog{
		threshold: threshold,
		window:    window,
		pattern:   pattern,
		tripped:   make(chan struct{}),
		nowFunc:   time.Now,
	}
}

// Matches reports whether err counts toward the threshold.
func (w *Watchdog) Matches(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, devicepool.ErrCatastrophicDesync) {
		return true
	}
	return w.pattern.MatchString(err.Error())
}

// Observe records err if it matches. It never blocks.
func (w *Watchdog) Observe(err error) {
	if !w.Matches(err) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}

	now := w.nowFunc()
	cutoff := now.Add(-w.window)
	recent := w.hits[:0]
	for _, t := range w.hits {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	w.hits = append(recent, now)

	if len(w.hits) > w.threshold {
		w.err = fmt.Errorf("%w: %d errors within %s, last: %v",
			devicepool.ErrCatastrophicDesync, len(w.hits), w.window, err)
		close(w.tripped)
		log.Printf("Watchdog tripped: %v", w.err)
	}
}

// Tripped is closed when the threshold is exceeded.
func (w *Watchdog) Tripped() <-chan struct{} {
	return w.tripped
}

// Err returns the trip reason, or nil.
func (w *Watchdog) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Count returns the number of matching errors in the current window.
func (w *Watchdog) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.nowFunc().Add(-w.window)
	n := 0
	for _, t := range w.hits {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
