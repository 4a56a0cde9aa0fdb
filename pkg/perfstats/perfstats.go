// Package perfstats accumulates timing samples for stages and accelerator jobs
package perfstats

import (
	"sync/atomic"
	"time"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
	a.Max = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
	a.Max = max(a.Max, v)
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// MovingAverage is an exponential moving average that can be updated from any goroutine
type MovingAverage struct {
	v atomic.Int64
}

// Update folds 'value' into the average.
// We don't bother about strict correctness here, with CompareAndSwap,
// because this is just sampled stats, and it's OK to miss one or two samples.
func (m *MovingAverage) Update(value int64) {
	if m.v.Load() == 0 {
		m.v.Store(value)
	} else {
		m.v.Store((m.v.Load()*63 + value) >> 6)
	}
}

func (m *MovingAverage) Load() int64 {
	return m.v.Load()
}

// Duration interprets the average as nanoseconds
func (m *MovingAverage) Duration() time.Duration {
	return time.Duration(m.v.Load())
}
