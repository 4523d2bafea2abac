// Package flush decides when an in-memory database is written out.
//
// Scheduler is a state machine (Idle, Scheduled, Flushing, FlushingPending).
// Each mutation re-arms one timer for min(Debounce, MaxDelay minus the age of
// the oldest unflushed mutation), so bursts collapse into one write and no
// mutation waits longer than MaxDelay. A failed flush restores the dirty
// count and retries no sooner than Debounce later.
//
// Passthrough counts mutations for engines that persist on their own.
package flush
