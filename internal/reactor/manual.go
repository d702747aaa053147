package reactor

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Loop driven by hand. Nothing runs until Drain or Advance is
// called, which makes timer-driven behavior deterministic in tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	queue  []func()
	timers []*manualTimer
	nextID uint64
}

type manualTimer struct {
	m        *Manual
	id       uint64
	waketime time.Duration
	fn       func()
	done     bool
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, o := range t.m.timers {
		if o == t {
			t.m.timers = append(t.m.timers[:i], t.m.timers[i+1:]...)
			break
		}
	}
	return true
}

// NewManual creates a manual loop at time zero.
func NewManual() *Manual {
	return &Manual{}
}

// Post queues fn until the next Drain.
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

// AfterFunc arms fn to fire once the manual clock reaches now+d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Task {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &manualTimer{m: m, id: m.nextID, waketime: m.now + d, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Now returns the manual clock.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// NextWake returns the wake time of the earliest armed timer.
func (m *Manual) NextWake() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return 0, false
	}
	next := m.timers[0].waketime
	for _, t := range m.timers[1:] {
		if t.waketime < next {
			next = t.waketime
		}
	}
	return next, true
}

// Drain runs posted callbacks until the queue is empty and returns how many
// ran.
func (m *Manual) Drain() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return n
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
		n++
	}
}

// Advance moves the clock forward by d, firing due timers in wake order and
// draining posted callbacks after each one.
func (m *Manual) Advance(d time.Duration) {
	m.Drain()

	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.mu.Lock()
		sort.SliceStable(m.timers, func(i, j int) bool {
			if m.timers[i].waketime == m.timers[j].waketime {
				return m.timers[i].id < m.timers[j].id
			}
			return m.timers[i].waketime < m.timers[j].waketime
		})
		if len(m.timers) == 0 || m.timers[0].waketime > target {
			m.now = target
			m.mu.Unlock()
			m.Drain()
			return
		}
		t := m.timers[0]
		m.timers = m.timers[1:]
		t.done = true
		if t.waketime > m.now {
			m.now = t.waketime
		}
		m.mu.Unlock()

		t.fn()
		m.Drain()
	}
}
