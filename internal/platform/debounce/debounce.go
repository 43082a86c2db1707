// Package debounce delays work until input goes quiet and tags each issued
// request with a sequence number so that late responses can be recognised.
package debounce

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDelay is the input-quiescence interval used for catalog search.
const DefaultDelay = 300 * time.Millisecond

// Debouncer runs only the last function passed to Trigger, once no further
// Trigger call has arrived for the configured delay.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	stopped bool
}

// New creates a Debouncer. A non-positive delay falls back to DefaultDelay.
func New(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Debouncer{delay: delay}
}

// Delay returns the quiescence interval.
func (d *Debouncer) Delay() time.Duration { return d.delay }

// Trigger schedules fn, replacing any call still waiting for the delay.
// It reports false once the debouncer has been stopped.
func (d *Debouncer) Trigger(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, fn)
	return true
}

// Cancel drops any pending call. Later Trigger calls still schedule work.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Stop drops any pending call and refuses further triggers. Calls already
// running are not interrupted.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Sequencer issues monotonically increasing sequence numbers. A response is
// current only while its number is the latest one issued.
type Sequencer struct {
	latest atomic.Uint64
}

// Next issues a new sequence number.
func (s *Sequencer) Next() uint64 { return s.latest.Add(1) }

// Latest returns the most recently issued number, or 0.
func (s *Sequencer) Latest() uint64 { return s.latest.Load() }

// IsLatest reports whether seq is the most recently issued number.
func (s *Sequencer) IsLatest(seq uint64) bool { return seq != 0 && seq == s.latest.Load() }
