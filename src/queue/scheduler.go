package queue

import (
	"sort"
	"time"
)

// ManualScheduler is a Scheduler driven explicitly by the caller. Nothing
// runs until Advance is called, which makes drain ordering deterministic.
type ManualScheduler struct {
	now   time.Duration
	seq   int
	steps []*manualStep
}

type manualStep struct {
	at        time.Duration
	seq       int
	fn        func()
	cancelled bool
}

func (m *ManualScheduler) Schedule(d time.Duration, fn func()) func() {
	m.seq++
	s := &manualStep{at: m.now + d, seq: m.seq, fn: fn}
	m.steps = append(m.steps, s)
	return func() { s.cancelled = true }
}

// Advance moves the clock forward, running every step that comes due in order
func (m *ManualScheduler) Advance(d time.Duration) {
	target := m.now + d
	for {
		sort.Slice(m.steps, func(i, j int) bool {
			if m.steps[i].at == m.steps[j].at {
				return m.steps[i].seq < m.steps[j].seq
			}
			return m.steps[i].at < m.steps[j].at
		})
		if len(m.steps) == 0 || m.steps[0].at > target {
			break
		}
		s := m.steps[0]
		m.steps = m.steps[1:]
		m.now = s.at
		if !s.cancelled {
			s.fn()
		}
	}
	m.now = target
}

// Pending returns the number of live scheduled steps
func (m *ManualScheduler) Pending() int {
	n := 0
	for _, s := range m.steps {
		if !s.cancelled {
			n++
		}
	}
	return n
}
