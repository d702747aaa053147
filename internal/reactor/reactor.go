// Package reactor provides the event loop driving a guide session.
//
// Device callbacks (frame ready, rapid star data) are posted onto the loop and
// delayed work (re-exposure after a calibration pulse settles) is registered
// as a timer. Everything runs on a single dispatch goroutine, so guide logic
// never runs concurrently with itself.
package reactor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrReactorRunning is returned by Run when the dispatch loop already runs.
var ErrReactorRunning = errors.New("reactor: already running")

// Task is a scheduled callback that can be cancelled before it fires.
type Task interface {
	// Stop prevents the callback from firing. It returns false when the
	// callback already fired or was already stopped.
	Stop() bool
}

// Loop is the scheduling surface used by the guide session.
type Loop interface {
	// Post queues fn to run on the loop as soon as possible.
	Post(fn func())
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Task
}

// Timer is a callback registered with a Reactor.
type Timer struct {
	r        *Reactor
	id       uint64
	waketime time.Duration
	fn       func()
	done     bool
}

// Stop unregisters the timer.
func (t *Timer) Stop() bool {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.r.removeLocked(t)
	return true
}

// Waketime returns the timer's wake time relative to the reactor start.
func (t *Timer) Waketime() time.Duration {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	return t.waketime
}

// Reactor manages posted callbacks and timers on one dispatch goroutine.
type Reactor struct {
	mu     sync.Mutex
	queue  []func()
	timers []*Timer
	nextID uint64
	wake   chan struct{}

	running   atomic.Bool
	startTime time.Time
}

// New creates a new Reactor. Call Run to start dispatching.
func New() *Reactor {
	return &Reactor{
		wake:      make(chan struct{}, 1),
		startTime: time.Now(),
	}
}

// Monotonic returns the time elapsed since the reactor was created.
func (r *Reactor) Monotonic() time.Duration {
	return time.Since(r.startTime)
}

// Post queues fn. Safe to call from any goroutine, including the loop itself.
func (r *Reactor) Post(fn func()) {
	r.mu.Lock()
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
	r.signal()
}

// AfterFunc registers fn to run after d.
func (r *Reactor) AfterFunc(d time.Duration, fn func()) Task {
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	r.nextID++
	t := &Timer{
		r:        r,
		id:       r.nextID,
		waketime: r.Monotonic() + d,
		fn:       fn,
	}
	r.timers = append(r.timers, t)
	r.mu.Unlock()
	r.signal()
	return t
}

// Pending returns the number of armed timers.
func (r *Reactor) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Run dispatches callbacks until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	if r.running.Swap(true) {
		return ErrReactorRunning
	}
	defer r.running.Store(false)

	for {
		r.processQueue()
		delay, armed := r.checkTimers()

		var timer *time.Timer
		var timeout <-chan time.Time
		if armed {
			timer = time.NewTimer(delay)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-r.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (r *Reactor) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// processQueue runs every posted callback, including the ones posted while
// draining.
func (r *Reactor) processQueue() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

// checkTimers fires due timers in wake order and returns the delay until the
// next one.
func (r *Reactor) checkTimers() (time.Duration, bool) {
	now := r.Monotonic()

	r.mu.Lock()
	var due []*Timer
	keep := r.timers[:0]
	for _, t := range r.timers {
		if t.waketime <= now {
			t.done = true
			due = append(due, t)
		} else {
			keep = append(keep, t)
		}
	}
	r.timers = keep
	r.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].waketime == due[j].waketime {
			return due[i].id < due[j].id
		}
		return due[i].waketime < due[j].waketime
	})
	for _, t := range due {
		t.fn()
	}
	if len(due) > 0 {
		r.processQueue()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.timers) == 0 {
		return 0, false
	}
	next := r.timers[0].waketime
	for _, t := range r.timers[1:] {
		if t.waketime < next {
			next = t.waketime
		}
	}
	delay := next - r.Monotonic()
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

func (r *Reactor) removeLocked(timer *Timer) {
	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
}
