package watchdog

import (
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ispbill/routerd/internal/devicepool"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWatchdog(threshold int, window time.Duration) (*Watchdog, *testClock) {
	w := New(threshold, window, nil)
	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	w.nowFunc = clock.now
	return w, clock
}

func isTripped(w *Watchdog) bool {
	select {
	case <-w.Tripped():
		return true
	default:
		return false
	}
}

func TestTripsWhenThresholdExceeded(t *testing.T) {
	w, _ := newTestWatchdog(3, time.Minute)
	desync := errors.New("routeros: unknown RouterOS reply word: !empty")

	for i := 0; i < 3; i++ {
		w.Observe(desync)
	}
	assert.False(t, isTripped(w), "reaching the threshold is not exceeding it")
	assert.NoError(t, w.Err())

	w.Observe(desync)
	require.True(t, isTripped(w))
	require.ErrorIs(t, w.Err(), devicepool.ErrCatastrophicDesync)
	assert.Contains(t, w.Err().Error(), "4 errors")

	// Further errors after the trip are ignored.
	w.Observe(desync)
	assert.Contains(t, w.Err().Error(), "4 errors")
}

func TestWindowSlides(t *testing.T) {
	w, clock := newTestWatchdog(2, time.Minute)
	desync := errors.New("unknown reply")

	w.Observe(desync)
	w.Observe(desync)
	clock.advance(61 * time.Second)
	assert.Equal(t, 0, w.Count())

	w.Observe(desync)
	w.Observe(desync)
	assert.False(t, isTripped(w))
	assert.Equal(t, 2, w.Count())
}

func TestIgnoresOrdinaryErrors(t *testing.T) {
	w, _ := newTestWatchdog(1, time.Minute)
	for i := 0; i < 10; i++ {
		w.Observe(errors.New("dial tcp 10.0.0.1:8728: connection refused"))
		w.Observe(nil)
	}
	assert.False(t, isTripped(w))
	assert.Equal(t, 0, w.Count())
}

func TestMatches(t *testing.T) {
	w := New(5, time.Minute, nil)
	assert.True(t, w.Matches(fmt.Errorf("wrap: %w", devicepool.ErrCatastrophicDesync)))
	assert.True(t, w.Matches(errors.New("panic running /ppp/active/print on isp-1@10.0.0.1:8728: boom")))
	assert.True(t, w.Matches(errors.New("UNKNOWNREPLY")))
	assert.False(t, w.Matches(errors.New("router command timed out")))

	custom := New(5, time.Minute, regexp.MustCompile(`garbled`))
	assert.True(t, custom.Matches(errors.New("garbled sentence")))
	assert.False(t, custom.Matches(errors.New("unknown reply")))
}
