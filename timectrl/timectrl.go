package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock gives read access to simulation time so the scheduler and engine
// do not depend on a concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d of
	// simulation time has passed.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime paces ticks by the wall clock.
	RealTime Mode = iota
	// Accelerated advances tick after tick without waiting. The pace is set
	// by how quickly listeners return, which for the sync loop is the
	// simulator's step latency.
	Accelerated
)

type timer struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives simulation time and notifies registered listeners.
type TimeController struct {
	mu          sync.RWMutex
	startTime   time.Time
	tick        time.Duration
	mode        Mode
	currentTime time.Time

	listeners []func(time.Time)
	timers    []timer
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		startTime:   start,
		tick:        tick,
		mode:        mode,
		currentTime: start,
	}
}

// StartTime returns the simulation epoch.
func (tc *TimeController) StartTime() time.Time { return tc.startTime }

// Tick returns the step between advances.
func (tc *TimeController) Tick() time.Duration { return tc.tick }

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves simulation time to t and fires any timers that became due.
// Listeners are not notified.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	due := tc.dueTimersLocked(t)
	tc.mu.Unlock()
	fire(due, t)
}

// After returns a channel that receives the simulation time once d has
// elapsed. A non-positive d fires immediately.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if d <= 0 {
		ch <- tc.currentTime
		return ch
	}
	tc.timers = append(tc.timers, timer{at: tc.currentTime.Add(d), ch: ch})
	return ch
}

func (tc *TimeController) dueTimersLocked(now time.Time) []timer {
	var due []timer
	kept := tc.timers[:0]
	for _, t := range tc.timers {
		if t.at.After(now) {
			kept = append(kept, t)
			continue
		}
		due = append(due, t)
	}
	tc.timers = kept
	return due
}

func fire(due []timer, now time.Time) {
	for _, t := range due {
		t.ch <- now
	}
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Run advances time by Tick until duration has elapsed (zero means no
// limit) or ctx is done. It blocks and returns ctx.Err() when cancelled.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) error {
	tc.mu.Lock()
	simTime := tc.currentTime
	tc.mu.Unlock()

	var ticker *time.Ticker
	if tc.mode == RealTime {
		ticker = time.NewTicker(tc.tick)
		defer ticker.Stop()
	}

	elapsed := time.Duration(0)
	for duration <= 0 || elapsed < duration {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		simTime = simTime.Add(tc.tick)
		elapsed += tc.tick

		tc.mu.Lock()
		tc.currentTime = simTime
		due := tc.dueTimersLocked(simTime)
		listeners := append([]func(time.Time){}, tc.listeners...)
		tc.mu.Unlock()

		fire(due, simTime)
		for _, fn := range listeners {
			fn(simTime)
		}
	}
	return nil
}

// Start runs the controller in a separate goroutine. The returned channel is
// closed when Run returns.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tc.Run(ctx, duration)
	}()
	return done
}
