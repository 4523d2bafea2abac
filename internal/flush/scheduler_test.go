// ABOUTME: Tests for the flush scheduler state machine using a manual clock
// ABOUTME: Covers coalescing, the max-delay bound, failure restore and pending reschedule

package flush

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// armed returns timers that have not been stopped.
func (c *fakeClock) armed() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[len(c.timers)-1]
}

// fire runs the single armed timer as if it elapsed.
func (c *fakeClock) fire(t *testing.T) {
	t.Helper()
	armed := c.armed()
	require.Len(t, armed, 1, "exactly one timer should be armed")
	armed[0].stopped = true
	armed[0].fn()
}

func newTestScheduler(fn Func) (*Scheduler, *fakeClock) {
	clock := newFakeClock()
	s := NewScheduler(fn, Options{
		Debounce:  50 * time.Millisecond,
		MaxDelay:  time.Second,
		AfterFunc: clock.AfterFunc,
		Now:       clock.Now,
	})
	return s, clock
}

func TestScheduler_CoalescesBurst(t *testing.T) {
	var calls atomic.Int32
	s, clock := newTestScheduler(func(context.Context) (int, error) {
		calls.Add(1)
		return 10, nil
	})

	for i := 0; i < 100; i++ {
		s.MarkDirty(1)
		clock.Advance(time.Millisecond)
	}
	assert.Equal(t, Scheduled, s.State())
	assert.Equal(t, int64(100), s.Dirty())
	assert.Len(t, clock.armed(), 1)

	clock.fire(t)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(0), s.Dirty())
	assert.Equal(t, Idle, s.State())
	assert.Empty(t, clock.armed())
}

func TestScheduler_MaxDelayBoundsSustainedWrites(t *testing.T) {
	s, clock := newTestScheduler(func(context.Context) (int, error) { return 0, nil })

	start := clock.Now()
	for i := 0; i < 40; i++ {
		s.MarkDirty(1)
		tm := clock.last()
		limit := start.Add(time.Second)
		if clock.Now().After(limit) {
			limit = clock.Now()
		}
		deadline := clock.Now().Add(tm.delay)
		assert.False(t, deadline.After(limit),
			"flush at %s exceeds max delay", deadline.Sub(start))
		clock.Advance(40 * time.Millisecond)
	}

	// Past the window the timer fires immediately.
	assert.Equal(t, time.Duration(0), clock.last().delay)
}

func TestScheduler_FlushWithNothingDirty(t *testing.T) {
	var calls atomic.Int32
	s, _ := newTestScheduler(func(context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	})

	require.NoError(t, s.Flush(context.Background()))
	assert.Zero(t, calls.Load())
	assert.Equal(t, Idle, s.State())
}

func TestScheduler_FailureRestoresDirtyAndRetries(t *testing.T) {
	fail := true
	s, clock := newTestScheduler(func(context.Context) (int, error) {
		if fail {
			return 0, errors.New("disk full")
		}
		return 1, nil
	})

	s.MarkDirty(3)
	clock.Advance(2 * time.Second)
	clock.fire(t)

	assert.Equal(t, int64(3), s.Dirty())
	assert.Equal(t, Scheduled, s.State())
	assert.Equal(t, 50*time.Millisecond, clock.last().delay, "retry waits a full debounce")

	fail = false
	clock.fire(t)
	assert.Equal(t, int64(0), s.Dirty())
	assert.Equal(t, Idle, s.State())
}

func TestScheduler_RetryNotStarvedBySustainedWrites(t *testing.T) {
	var calls atomic.Int32
	fail := true
	s, clock := newTestScheduler(func(context.Context) (int, error) {
		calls.Add(1)
		if fail {
			return 0, errors.New("disk full")
		}
		return 1, nil
	})

	s.MarkDirty(1)
	clock.Advance(time.Second)
	clock.fire(t)
	require.Equal(t, int32(1), calls.Load())
	fail = false

	// Writes every 10ms must not keep pushing the retry out.
	failedAt := clock.Now()
	flushedAt := time.Time{}
	for i := 0; i < 500 && flushedAt.IsZero(); i++ {
		s.MarkDirty(1)
		if d := clock.last().delay; d < 10*time.Millisecond {
			clock.Advance(d)
			clock.fire(t)
			flushedAt = clock.Now()
		} else {
			clock.Advance(10 * time.Millisecond)
		}
	}

	require.False(t, flushedAt.IsZero(), "retry never fired under sustained writes")
	assert.LessOrEqual(t, flushedAt.Sub(failedAt), time.Second+50*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(0), s.Dirty())
}

func TestScheduler_ExplicitFlushReturnsError(t *testing.T) {
	boom := errors.New("boom")
	s, _ := newTestScheduler(func(context.Context) (int, error) { return 0, boom })

	s.MarkDirty(1)
	err := s.Flush(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), s.Dirty())
}

func TestScheduler_MutationsDuringFlushReschedule(t *testing.T) {
	var s *Scheduler
	var states []State
	var once sync.Once
	s, clock := newTestScheduler(func(context.Context) (int, error) {
		once.Do(func() {
			states = append(states, s.State())
			s.MarkDirty(2)
			states = append(states, s.State())
		})
		return 1, nil
	})

	s.MarkDirty(1)
	clock.fire(t)

	assert.Equal(t, []State{Flushing, FlushingPending}, states)
	assert.Equal(t, Scheduled, s.State())
	assert.Equal(t, int64(2), s.Dirty())

	clock.fire(t)
	assert.Equal(t, int64(0), s.Dirty())
	assert.Equal(t, Idle, s.State())
}

func TestScheduler_StaleTimerIgnored(t *testing.T) {
	var calls atomic.Int32
	s, clock := newTestScheduler(func(context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	})

	s.MarkDirty(1)
	first := clock.last()
	s.MarkDirty(1)

	assert.True(t, first.stopped)
	first.fn()
	assert.Zero(t, calls.Load())
}

func TestScheduler_CloseFlushesAndStopsScheduling(t *testing.T) {
	var calls atomic.Int32
	s, clock := newTestScheduler(func(context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	})

	s.MarkDirty(5)
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, clock.armed())

	s.MarkDirty(1)
	assert.Empty(t, clock.armed())
	assert.Equal(t, Idle, s.State())
}

func TestScheduler_RealTimer(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(func(context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	}, Options{Debounce: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})

	for i := 0; i < 5; i++ {
		s.MarkDirty(1)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 && s.Dirty() == 0 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, Idle, s.State())
}

func TestPassthrough(t *testing.T) {
	var p Passthrough
	p.MarkDirty(3)
	assert.Equal(t, int64(3), p.Dirty())
	require.NoError(t, p.Flush(context.Background()))
	assert.Zero(t, p.Dirty())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "flushing+pending", FlushingPending.String())
	assert.Equal(t, "idle", Idle.String())
}
