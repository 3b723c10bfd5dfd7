package eventloop

import (
	"slices"
	"sync"
	"time"
)

// Manual is an Executor driven by the caller with a virtual clock. Nothing
// runs until Drain or Advance is called.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	queue  []func()
	timers []*manualTimer
	seq    int
}

type manualTimer struct {
	m       *Manual
	at      time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, fn)
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Elapsed is the virtual time advanced so far.
func (m *Manual) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending reports how many timers are armed.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Drain runs queued tasks, including those they post, until the queue is
// empty. It returns the number of tasks run.
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

// Advance moves the clock forward by d, firing due timers in deadline order
// and draining the queue after each.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()
	m.Drain()
	for {
		m.mu.Lock()
		t := m.nextDueLocked(target)
		if t == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		t.fired = true
		m.now = t.at
		m.mu.Unlock()
		t.fn()
		m.Drain()
	}
}

// RunUntilIdle fires every armed timer, however far away, until no work is
// left.
func (m *Manual) RunUntilIdle() {
	for {
		m.Drain()
		m.mu.Lock()
		t := m.nextDueLocked(-1)
		m.mu.Unlock()
		if t == nil {
			return
		}
		m.Advance(t.at - m.Elapsed())
	}
}

// nextDueLocked returns the earliest armed timer due at or before target. A
// negative target matches any timer.
func (m *Manual) nextDueLocked(target time.Duration) *manualTimer {
	m.timers = slices.DeleteFunc(m.timers, func(t *manualTimer) bool { return t.stopped || t.fired })
	var next *manualTimer
	for _, t := range m.timers {
		if target >= 0 && t.at > target {
			continue
		}
		if next == nil || t.at < next.at || (t.at == next.at && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

var _ Executor = (*Manual)(nil)
