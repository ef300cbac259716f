package progress

import "sync"

// DefaultSmoothing weights the previous value at 0.7 and the new sample at 0.3.
const DefaultSmoothing = 0.3

// EMA is an exponential moving average that is safe for concurrent use.
// The first sample seeds the average directly.
type EMA struct {
	mu     sync.Mutex
	alpha  float64
	value  float64
	seeded bool
}

func NewEMA(alpha float64) *EMA {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultSmoothing
	}
	return &EMA{alpha: alpha}
}

// Add folds sample into the average and returns the new value. Non-positive
// samples are ignored so a stalled read doesn't drag the rate to zero.
func (e *EMA) Add(sample float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sample <= 0 {
		return e.value
	}
	if !e.seeded {
		e.value = sample
		e.seeded = true
		return e.value
	}
	e.value = (1-e.alpha)*e.value + e.alpha*sample
	return e.value
}

// Value returns the current average and whether any sample was seen.
func (e *EMA) Value() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.seeded
}
