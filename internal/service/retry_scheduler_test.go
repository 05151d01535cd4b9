package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/stockroom/internal/clock"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 3000 * time.Millisecond},
		{attempt: 1, want: 5400 * time.Millisecond},
		{attempt: 2, want: 9720 * time.Millisecond},
		{attempt: 3, want: 17496 * time.Millisecond},
		{attempt: 4, want: 30 * time.Second},
		{attempt: 40, want: 30 * time.Second},
		{attempt: -1, want: 3000 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_DelayNeverExceedsCapAndIsMonotonic(t *testing.T) {
	policies := []RetryPolicy{
		DefaultRetryPolicy(),
		{Base: time.Millisecond, Growth: 2, Cap: time.Second, MaxAttempts: 50},
		{Base: 250 * time.Millisecond, Growth: 1, Cap: 100 * time.Millisecond, MaxAttempts: 3},
	}
	for _, p := range policies {
		prev := time.Duration(0)
		for n := 0; n < 64; n++ {
			d := p.Delay(n)
			assert.LessOrEqual(t, d, p.Cap)
			assert.GreaterOrEqual(t, d, prev)
			prev = d
		}
	}
}

func TestRetryPolicy_UncappedWhenCapNotPositive(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Growth: 2, MaxAttempts: 10}
	assert.Equal(t, 8*time.Second, p.Delay(3))
}

func TestRetryScheduler_ThreeFailuresThenStillSchedules(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	r := NewRetryScheduler(RetrySchedulerOptions{Clock: fake})
	state := &RetryState{}

	var delays []time.Duration
	fires := 0
	for i := 0; i < 3; i++ {
		d, ok := r.ScheduleRetry(state, func() { fires++ })
		require.True(t, ok)
		delays = append(delays, d)
		fake.Advance(d)
	}

	assert.Equal(t, []time.Duration{3000 * time.Millisecond, 5400 * time.Millisecond, 9720 * time.Millisecond}, delays)
	assert.Equal(t, 3, fires)
	assert.Equal(t, 3, state.Attempt())

	d, ok := r.ScheduleRetry(state, func() { fires++ })
	assert.True(t, ok, "fourth failure must still schedule a retry")
	assert.Equal(t, 17496*time.Millisecond, d)
	assert.Equal(t, []time.Duration{d}, fake.Pending())
}

func TestRetryScheduler_ExhaustedAfterMaxAttempts(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	r := NewRetryScheduler(RetrySchedulerOptions{
		Policy: RetryPolicy{Base: time.Second, Growth: 2, Cap: time.Minute, MaxAttempts: 2},
		Clock:  fake,
	})
	state := &RetryState{}

	for i := 0; i < 2; i++ {
		d, ok := r.ScheduleRetry(state, func() {})
		require.True(t, ok)
		fake.Advance(d)
	}
	assert.True(t, r.Exhausted(state))

	_, ok := r.ScheduleRetry(state, func() { t.Fatal("must not fire") })
	assert.False(t, ok)
	assert.Empty(t, fake.Pending())
}

func TestRetryScheduler_ScheduleReplacesPendingTimer(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	r := NewRetryScheduler(RetrySchedulerOptions{Clock: fake})
	state := &RetryState{}

	first, second := 0, 0
	_, _ = r.ScheduleRetry(state, func() { first++ })
	_, _ = r.ScheduleRetry(state, func() { second++ })
	assert.Len(t, fake.Pending(), 1)

	fake.Advance(time.Minute)
	assert.Zero(t, first)
	assert.Equal(t, 1, second)
}

func TestRetryScheduler_CancelAndReset(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	r := NewRetryScheduler(RetrySchedulerOptions{Clock: fake})
	state := &RetryState{}

	d, _ := r.ScheduleRetry(state, func() {})
	fake.Advance(d)
	_, _ = r.ScheduleRetry(state, func() { t.Fatal("cancelled retry fired") })
	r.Cancel(state)
	fake.Advance(time.Minute)
	assert.Equal(t, 1, state.Attempt())

	state.Reset()
	assert.Zero(t, state.Attempt())
}
