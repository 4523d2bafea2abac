// ABOUTME: Debounced flush scheduler coalescing bursts of mutations into one snapshot write
// ABOUTME: Explicit state machine: idle, scheduled, flushing, flushing+pending

package flush

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/2389/coven-chatstore/internal/metrics"
)

// Defaults used when Options leave timing unset.
const (
	DefaultDebounce = 250 * time.Millisecond
	DefaultMaxDelay = 2 * time.Second
)

// State is the scheduler's position in its flush cycle.
type State int

const (
	Idle            State = iota // nothing dirty, no timer armed
	Scheduled                    // timer armed
	Flushing                     // flush in flight
	FlushingPending              // flush in flight and more mutations arrived
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Flushing:
		return "flushing"
	case FlushingPending:
		return "flushing+pending"
	default:
		return "unknown"
	}
}

// Func exports and durably writes the current state, returning bytes written.
type Func func(ctx context.Context) (int, error)

// Timer is the subset of *time.Timer the scheduler uses.
type Timer interface {
	Stop() bool
}

// AfterFunc arms a one-shot timer. time.AfterFunc is the default.
type AfterFunc func(d time.Duration, f func()) Timer

// Flusher is what mutating store operations report to.
type Flusher interface {
	MarkDirty(n int)
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
	Dirty() int64
}

// Options configures a Scheduler.
type Options struct {
	Debounce  time.Duration
	MaxDelay  time.Duration
	AfterFunc AfterFunc
	Now       func() time.Time
	Logger    *slog.Logger
}

// Scheduler debounces flushes: every mutation re-arms a single timer for
// min(Debounce, time left until MaxDelay since the first unflushed mutation).
type Scheduler struct {
	fn        Func
	debounce  time.Duration
	maxDelay  time.Duration
	afterFunc AfterFunc
	now       func() time.Time
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	dirty       int64
	windowStart time.Time
	timer       Timer
	gen         uint64
	retryAt     time.Time // earliest retry after a failed flush
	closed      bool
	done        chan struct{} // closed when the in-flight flush finishes
}

// NewScheduler returns an idle scheduler that calls fn to flush.
func NewScheduler(fn Func, opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxDelay < opts.Debounce {
		opts.MaxDelay = opts.Debounce
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Scheduler{
		fn:        fn,
		debounce:  opts.Debounce,
		maxDelay:  opts.MaxDelay,
		afterFunc: opts.AfterFunc,
		now:       opts.Now,
		logger:    opts.Logger.With("component", "flush"),
	}
}

// MarkDirty records n applied mutations and schedules a flush.
func (s *Scheduler) MarkDirty(n int) {
	if n <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirty += int64(n)
	metrics.DirtyMutations.Set(float64(s.dirty))
	if s.windowStart.IsZero() {
		s.windowStart = s.now()
	}
	s.scheduleLocked()
}

// Schedule (re)arms the flush timer if there is anything to flush.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty > 0 {
		s.scheduleLocked()
	}
}

func (s *Scheduler) scheduleLocked() {
	if s.closed {
		return
	}

	switch s.state {
	case Flushing:
		s.state = FlushingPending
		return
	case FlushingPending:
		return
	}

	now := s.now()
	delay := min(s.debounce, max(s.maxDelay-now.Sub(s.windowStart), 0))
	if !s.retryAt.IsZero() {
		delay = max(delay, s.retryAt.Sub(now))
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.afterFunc(delay, func() { s.fire(gen) })
	s.state = Scheduled
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	stale := gen != s.gen || s.state != Scheduled
	s.mu.Unlock()
	if stale {
		return
	}
	// Failures are logged and retried by the next cycle.
	_ = s.Flush(context.Background())
}

// Flush writes a snapshot now if anything is dirty. It waits for an in-flight
// flush first. On failure the dirty count is restored and a retry is scheduled.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	for s.state == Flushing || s.state == FlushingPending {
		done := s.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.gen++
	}

	if s.dirty == 0 {
		s.state = Idle
		s.windowStart = time.Time{}
		s.mu.Unlock()
		return nil
	}

	n := s.dirty
	window := s.windowStart
	s.dirty = 0
	s.windowStart = time.Time{}
	s.state = Flushing
	s.done = make(chan struct{})
	s.mu.Unlock()

	start := s.now()
	written, err := s.fn(ctx)
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.state == FlushingPending
	s.state = Idle
	close(s.done)

	if err != nil {
		s.dirty += n
		if s.windowStart.IsZero() || window.Before(s.windowStart) {
			s.windowStart = window
		}
		s.retryAt = s.now().Add(s.debounce)
		metrics.FlushTotal.WithLabelValues(metrics.Fail).Inc()
		s.logger.Error("flush failed; will retry", "mutations", n, "error", err)
	} else {
		s.retryAt = time.Time{}
		metrics.FlushTotal.WithLabelValues(metrics.Ok).Inc()
		metrics.FlushDurationSeconds.Observe(elapsed.Seconds())
		metrics.SnapshotBytes.Set(float64(written))
		s.logger.Debug("flushed snapshot",
			"mutations", n,
			"size", humanize.Bytes(uint64(written)),
			"elapsed", elapsed)
	}
	metrics.DirtyMutations.Set(float64(s.dirty))

	if pending || s.dirty > 0 {
		s.scheduleLocked()
	}
	return err
}

// Close stops scheduling and performs a final flush.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.gen++
	}
	if s.state == Scheduled {
		s.state = Idle
	}
	s.mu.Unlock()

	return s.Flush(ctx)
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dirty returns mutations not yet covered by a successful flush.
func (s *Scheduler) Dirty() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Passthrough is the Flusher for engines that persist on their own: it only
// counts mutations and never writes anything.
type Passthrough struct {
	mu    sync.Mutex
	dirty int64
}

func (p *Passthrough) MarkDirty(n int) {
	p.mu.Lock()
	p.dirty += int64(n)
	p.mu.Unlock()
}

func (p *Passthrough) Flush(ctx context.Context) error {
	p.mu.Lock()
	p.dirty = 0
	p.mu.Unlock()
	return nil
}

func (p *Passthrough) Close(ctx context.Context) error { return p.Flush(ctx) }

func (p *Passthrough) Dirty() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

var (
	_ Flusher = (*Scheduler)(nil)
	_ Flusher = (*Passthrough)(nil)
)
