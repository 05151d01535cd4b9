package service

import (
	"math"
	"sync"
	"time"

	"github.com/target/stockroom/internal/clock"
)

// Default reconnect policy for channel subscriptions.
const (
	DefaultRetryBase        = 3 * time.Second
	DefaultRetryGrowth      = 1.8
	DefaultRetryCap         = 30 * time.Second
	DefaultRetryMaxAttempts = 5
)

// RetryPolicy describes capped exponential backoff. Attempt n (zero based)
// waits min(Base * Growth^n, Cap). A non-positive Cap disables the cap.
type RetryPolicy struct {
	Base        time.Duration
	Growth      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the channel reconnect defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        DefaultRetryBase,
		Growth:      DefaultRetryGrowth,
		Cap:         DefaultRetryCap,
		MaxAttempts: DefaultRetryMaxAttempts,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Growth < 1 {
		p.Growth = d.Growth
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Delay returns the wait before retry number attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(p.Base) * math.Pow(p.Growth, float64(attempt))
	if p.Cap > 0 && raw >= float64(p.Cap) {
		return p.Cap
	}
	if raw >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Round(raw))
}

// RetryState tracks the attempts of one retrying resource and its pending timer.
type RetryState struct {
	mu      sync.Mutex
	attempt int
	timer   clock.Timer
}

// Attempt returns how many retries have fired since the last reset.
func (s *RetryState) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Reset clears the attempt count and stops any pending retry.
func (s *RetryState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
	s.stopLocked()
}

func (s *RetryState) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// RetrySchedulerOptions groups dependencies for RetryScheduler.
type RetrySchedulerOptions struct {
	Policy RetryPolicy
	Clock  clock.Clock
}

// RetryScheduler arms at most one retry timer per RetryState.
type RetryScheduler struct {
	policy RetryPolicy
	clock  clock.Clock
}

// NewRetryScheduler constructs a RetryScheduler. Zero policy fields take the defaults.
func NewRetryScheduler(opts RetrySchedulerOptions) *RetryScheduler {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &RetryScheduler{policy: opts.Policy.withDefaults(), clock: clk}
}

// Exhausted reports whether state has used every allowed attempt.
func (r *RetryScheduler) Exhausted(state *RetryState) bool {
	return state.Attempt() >= r.policy.MaxAttempts
}

// ScheduleRetry arms a retry for state, replacing any pending one, and returns the
// delay. It reports false without arming when attempts are exhausted. When
// the timer fires the attempt count is incremented before onFire runs.
func (r *RetryScheduler) ScheduleRetry(state *RetryState, onFire func()) (time.Duration, bool) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.attempt >= r.policy.MaxAttempts {
		return 0, false
	}
	state.stopLocked()

	delay := r.policy.Delay(state.attempt)
	var t clock.Timer
	t = r.clock.AfterFunc(delay, func() {
		state.mu.Lock()
		if state.timer != t {
			// Replaced or cancelled after the clock had already picked it.
			state.mu.Unlock()
			return
		}
		state.timer = nil
		state.attempt++
		state.mu.Unlock()
		onFire()
	})
	state.timer = t
	return delay, true
}

// Cancel stops the pending retry of state, if any, keeping the attempt count.
func (r *RetryScheduler) Cancel(state *RetryState) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.stopLocked()
}
