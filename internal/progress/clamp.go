package progress

import (
	"sync"
	"time"
)

// MaxRunningPercent is the highest value reported before the batch finishes.
const MaxRunningPercent = 99.0

// ClampPercent bounds raw to [last, MaxRunningPercent]. A last value above
// the ceiling wins, so the result never decreases.
func ClampPercent(raw, last float64) float64 {
	p := raw
	if p > MaxRunningPercent {
		p = MaxRunningPercent
	}
	if p < last {
		p = last
	}
	if p < 0 {
		p = 0
	}
	return p
}

// Report is one observer-facing progress value.
type Report struct {
	Percent float64
	ETA     time.Duration
	Done    bool
}

// Monotonic remembers the last reported percent for one run.
type Monotonic struct {
	mu       sync.Mutex
	last     float64
	finished bool
}

// Next clamps an estimate against everything reported so far. Once Finish
// has been called it keeps returning 100.
func (m *Monotonic) Next(e Estimate) Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return Report{Percent: 100, Done: true}
	}
	m.last = ClampPercent(e.Percent, m.last)
	return Report{Percent: m.last, ETA: e.Remaining}
}

func (m *Monotonic) Finish() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = true
	m.last = 100
	return Report{Percent: 100, Done: true}
}

func (m *Monotonic) Last() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
