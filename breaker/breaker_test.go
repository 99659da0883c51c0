package breaker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/pipewarden/breaker"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock, threshold int, cooldown time.Duration) *breaker.Breaker {
	return breaker.New(breaker.Config{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
	}, breaker.WithClock(clock.Now))
}

func tripBreaker(t *testing.T, b *breaker.Breaker, failures int) {
	t.Helper()
	for i := 0; i < failures; i++ {
		v := b.Precheck()
		require.True(t, v.Allowed)
		b.Record(breaker.OutcomeTransient)
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 5, time.Minute)

	// Four failures: still closed.
	tripBreaker(t, b, 4)
	assert.Equal(t, breaker.StateClosed, b.State())

	// Fifth consecutive failure opens it.
	tripBreaker(t, b, 1)
	assert.Equal(t, breaker.StateOpen, b.State())

	// Sixth call is denied with no attempt.
	v := b.Precheck()
	assert.False(t, v.Allowed)
	assert.Equal(t, breaker.StateOpen, v.State)
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 3, time.Minute)

	tripBreaker(t, b, 2)
	assert.Equal(t, 2, b.ConsecutiveFailures())

	v := b.Precheck()
	require.True(t, v.Allowed)
	b.Record(breaker.OutcomeSuccess)
	assert.Equal(t, 0, b.ConsecutiveFailures())

	// Two more failures don't open it: the streak restarted.
	tripBreaker(t, b, 2)
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestBreaker_PermanentFailureNeverCounts(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 3, time.Minute)

	tripBreaker(t, b, 2)

	// A client-side failure neither increments nor resets the streak.
	v := b.Precheck()
	require.True(t, v.Allowed)
	b.Record(breaker.OutcomePermanent)
	assert.Equal(t, 2, b.ConsecutiveFailures())
	assert.Equal(t, breaker.StateClosed, b.State())

	// The streak continues where it left off.
	tripBreaker(t, b, 1)
	assert.Equal(t, breaker.StateOpen, b.State())
}

func TestBreaker_CooldownIsLazy(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1, time.Minute)

	tripBreaker(t, b, 1)
	require.Equal(t, breaker.StateOpen, b.State())

	// Just short of the cooldown: still denied.
	clock.Advance(59 * time.Second)
	assert.False(t, b.Precheck().Allowed)

	// At the cooldown boundary the next check transitions to half-open.
	clock.Advance(time.Second)
	v := b.Precheck()
	assert.True(t, v.Allowed)
	assert.Equal(t, breaker.StateHalfOpen, v.State)
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1, time.Minute)

	tripBreaker(t, b, 1)
	clock.Advance(time.Minute)

	// First caller claims the probe slot.
	probe := b.Precheck()
	require.True(t, probe.Allowed)

	// Everyone else is denied while the probe is outstanding.
	for i := 0; i < 5; i++ {
		v := b.Precheck()
		assert.False(t, v.Allowed)
		assert.Equal(t, breaker.StateHalfOpen, v.State)
	}

	// Probe succeeds: closed, streak reset, traffic flows.
	b.Record(breaker.OutcomeSuccess)
	assert.Equal(t, breaker.StateClosed, b.State())
	assert.Equal(t, 0, b.ConsecutiveFailures())
	assert.True(t, b.Precheck().Allowed)
}

func TestBreaker_FailedProbeReopensWithFreshCooldown(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1, time.Minute)

	tripBreaker(t, b, 1)
	clock.Advance(time.Minute)

	probe := b.Precheck()
	require.True(t, probe.Allowed)
	b.Record(breaker.OutcomeTransient)
	require.Equal(t, breaker.StateOpen, b.State())

	// The original cooldown has long passed, but opened_at was refreshed by
	// the failed probe: still denied.
	clock.Advance(30 * time.Second)
	assert.False(t, b.Precheck().Allowed)

	clock.Advance(30 * time.Second)
	assert.True(t, b.Precheck().Allowed)
}

func TestBreaker_PermanentProbeReleasesSlot(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1, time.Minute)

	tripBreaker(t, b, 1)
	clock.Advance(time.Minute)

	probe := b.Precheck()
	require.True(t, probe.Allowed)

	// A client-side probe result leaves the breaker half-open but frees the
	// slot for the next caller.
	b.Record(breaker.OutcomePermanent)
	assert.Equal(t, breaker.StateHalfOpen, b.State())

	next := b.Precheck()
	assert.True(t, next.Allowed)
	assert.Equal(t, breaker.StateHalfOpen, next.State)
}

func TestBreaker_AbandonedProbeReleasesSlot(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1, time.Minute)

	tripBreaker(t, b, 1)
	clock.Advance(time.Minute)

	probe := b.Precheck()
	require.True(t, probe.Allowed)

	// A cancelled probe says nothing about the dependency; the next caller
	// gets the slot.
	b.Record(breaker.OutcomeAbandoned)
	assert.Equal(t, breaker.StateHalfOpen, b.State())
	assert.True(t, b.Precheck().Allowed)
}

func TestBreaker_AbandonedNeverCountsWhileClosed(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 2, time.Minute)

	require.True(t, b.Precheck().Allowed)
	b.Record(breaker.OutcomeTransient)
	require.True(t, b.Precheck().Allowed)
	b.Record(breaker.OutcomeAbandoned)

	assert.Equal(t, 1, b.ConsecutiveFailures())
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestBreaker_ConcurrentProbeClaim(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1, time.Minute)

	tripBreaker(t, b, 1)
	clock.Advance(time.Minute)

	const workers = 32
	var admitted sync.Map
	var wg sync.WaitGroup
	var count int64
	var mu sync.Mutex

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(id int) {
			defer wg.Done()
			if b.Precheck().Allowed {
				admitted.Store(id, true)
				mu.Lock()
				count++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), count, "exactly one concurrent caller may probe")
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	var mu sync.Mutex

	b := breaker.New(breaker.Config{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		OnStateChange: func(from, to breaker.State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	}, breaker.WithClock(clock.Now))

	tripBreaker(t, b, 1)
	clock.Advance(time.Minute)
	v := b.Precheck()
	require.True(t, v.Allowed)
	b.Record(breaker.OutcomeSuccess)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"closed->open",
		"open->half_open",
		"half_open->closed",
	}, transitions)
}

func TestBreaker_DefaultsApplied(t *testing.T) {
	b := breaker.New(breaker.Config{})
	assert.Equal(t, breaker.StateClosed, b.State())

	// Default threshold is 5.
	tripBreaker(t, b, 4)
	assert.Equal(t, breaker.StateClosed, b.State())
	tripBreaker(t, b, 1)
	assert.Equal(t, breaker.StateOpen, b.State())
}
