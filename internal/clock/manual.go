package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a controllable clock for deterministic tests. Time only moves
// when Advance or Set is called; due channels and callbacks fire from there.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	owner   *Manual
	seq     uint64
	at      time.Time
	ch      chan time.Time
	fn      func()
	stopped bool
	fired   bool
}

// NewManual constructs a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that receives once the clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.schedule(d, ch, nil)
	return ch
}

// AfterFunc runs f (on the goroutine calling Advance) once the clock
// advances by d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	return m.schedule(d, nil, f)
}

// Sleep blocks until the clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

func (m *Manual) schedule(d time.Duration, ch chan time.Time, fn func()) *manualTimer {
	m.mu.Lock()
	m.seq++
	t := &manualTimer{owner: m, seq: m.seq, at: m.now.Add(d), ch: ch, fn: fn}
	if d <= 0 {
		now := m.now
		t.fired = true
		m.mu.Unlock()
		t.fire(now)
		return t
	}
	m.timers = append(m.timers, t)
	m.mu.Unlock()
	return t
}

// Advance moves time forward by d and fires every timer that became due, in
// deadline order.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	return m.Set(target)
}

// Set moves the clock to t (never backwards) and fires due timers.
func (m *Manual) Set(t time.Time) time.Time {
	m.mu.Lock()
	if t.After(m.now) {
		m.now = t.UTC()
	}
	now := m.now
	var due []*manualTimer
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.stopped {
			continue
		}
		if timer.at.After(now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.fired = true
		due = append(due, timer)
	}
	m.timers = remaining
	m.mu.Unlock()
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	for _, timer := range due {
		timer.fire(now)
	}
	return now
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (t *manualTimer) fire(now time.Time) {
	if t.ch != nil {
		t.ch <- now
	}
	if t.fn != nil {
		t.fn()
	}
}

func (t *manualTimer) Stop() bool {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	for i, timer := range m.timers {
		if timer == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			break
		}
	}
	return true
}
