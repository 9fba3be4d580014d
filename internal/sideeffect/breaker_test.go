package sideeffect

import (
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/caseflow/internal/config"
)

// fakeClock lets tests move a breaker through its timeouts without sleeping.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg config.CircuitBreakerConfig, clock *fakeClock) *Breaker {
	b := NewBreaker(cfg, nil)
	b.now = clock.now
	b.windowStart = clock.now()
	return b
}

func TestBreaker_startsClosed(t *testing.T) {
	b := NewBreaker(config.CircuitBreakerConfig{}, nil)

	if s := b.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestBreaker_opensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3}, clock)

	b.Failure()
	b.Failure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}

	b.Failure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() error = %v, want ErrBreakerOpen", err)
	}
}

func TestBreaker_successResetsFailureCount(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3}, clock)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()

	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestBreaker_halfOpenAfterTimeout(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second}, clock)

	b.Failure()
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state = %v, want open", s)
	}

	clock.advance(2 * time.Second)
	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after timeout = %v, want half-open", s)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() in half-open = %v, want nil", err)
	}
}

func TestBreaker_halfOpenClosesAfterSuccesses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second}, clock)

	b.Failure()
	clock.advance(2 * time.Second)
	_ = b.Allow()

	b.Success()
	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 success = %v, want half-open", s)
	}
	b.Success()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 successes = %v, want closed", s)
	}
}

func TestBreaker_halfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second}, clock)

	b.Failure()
	clock.advance(2 * time.Second)
	_ = b.Allow()
	b.Failure()

	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestBreaker_errorRateTrips(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	}, clock)

	// Alternate so consecutive failures never reach the threshold.
	for i := 0; i < 4; i++ {
		b.Success()
		b.Failure()
	}
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state with 8 samples = %v, want closed", s)
	}
	b.Success()
	b.Failure()

	if s := b.State(); s != BreakerOpen {
		t.Errorf("state at 50%% error rate = %v, want open", s)
	}
}

func TestBreaker_errorRateWindowTumbles(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	}, clock)

	for i := 0; i < 4; i++ {
		b.Success()
		b.Failure()
	}
	clock.advance(2 * time.Minute)
	b.Success()
	b.Failure()

	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after window reset = %v, want closed", s)
	}
}

func TestBreaker_onChangeNotified(t *testing.T) {
	var seen []BreakerState
	b := NewBreaker(config.CircuitBreakerConfig{FailureThreshold: 1}, func(s BreakerState) {
		seen = append(seen, s)
	})

	b.Failure()
	b.Failure()

	if len(seen) != 1 || seen[0] != BreakerOpen {
		t.Errorf("state changes = %v, want [open]", seen)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerHalfOpen:  "half-open",
		BreakerOpen:      "open",
		BreakerState(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("BreakerState(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
