// Package scheduler runs the periodic reset of the daily reveal counter.
package scheduler

import (
	"context"
	"sync"
	"time"

	"coupon-finder/internal/logger"
)

// DefaultInterval is the length of the usage window.
const DefaultInterval = 24 * time.Hour

// disabledRecheck caps how long a due reset waits while the scheduler is
// switched off before the switch is read again.
const disabledRecheck = time.Minute

// Resetter zeroes the usage counter and reports when it last did so. The
// reset time must survive restarts for the schedule to survive them.
type Resetter interface {
	ResetDailyCount(ctx context.Context, trigger string)
	LastDailyReset() time.Time
}

// Option configures New.
type Option func(*DailyReset)

// WithEnabled makes every due reset ask fn first. While fn reports false
// the reset is held back and retried later.
func WithEnabled(fn func() bool) Option {
	return func(d *DailyReset) { d.enabled = fn }
}

// DailyReset resets the counter once an interval has passed since the last
// recorded reset. The deadline is recomputed from Resetter on every wakeup,
// so restarts and resets made elsewhere move it.
type DailyReset struct {
	target   Resetter
	interval time.Duration
	enabled  func() bool

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// New creates a stopped scheduler. A non-positive interval means
// DefaultInterval.
func New(target Resetter, interval time.Duration, opts ...Option) *DailyReset {
	if interval <= 0 {
		interval = DefaultInterval
	}
	d := &DailyReset{
		target:   target,
		interval: interval,
		enabled:  func() bool { return true },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the timer goroutine. A reset that fell due while the
// process was down runs right away. Calling Start twice is a no-op.
func (d *DailyReset) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop != nil {
		return
	}
	d.stop = make(chan struct{})
	d.stopped = make(chan struct{})

	wait := d.untilDue(time.Now())
	go d.run(wait, d.stop, d.stopped)

	logger.Info("daily reset scheduler started",
		logger.Duration("interval", d.interval),
		logger.Duration("next_reset_in", wait))
}

func (d *DailyReset) run(wait time.Duration, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			timer.Reset(d.tick(time.Now()))
		case <-stop:
			return
		}
	}
}

// tick resets the counter if it is due and returns the delay until the
// next check.
func (d *DailyReset) tick(now time.Time) time.Duration {
	if wait := d.untilDue(now); wait > 0 {
		return wait
	}
	if !d.enabled() {
		logger.Debug("daily reset due but disabled")
		return min(d.interval, disabledRecheck)
	}
	d.target.ResetDailyCount(context.Background(), "scheduler")
	return d.interval
}

// untilDue is the time left in the current window. An unknown last reset is
// due now. A last reset in the future (clock moved back) waits one interval.
func (d *DailyReset) untilDue(now time.Time) time.Duration {
	last := d.target.LastDailyReset()
	if last.IsZero() {
		return 0
	}
	wait := last.Add(d.interval).Sub(now)
	if wait < 0 {
		return 0
	}
	return min(wait, d.interval)
}

// Stop halts the timer and waits for the goroutine to exit.
func (d *DailyReset) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop == nil {
		return
	}
	close(d.stop)
	<-d.stopped
	d.stop = nil
	d.stopped = nil
}
