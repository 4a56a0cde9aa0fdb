package log

import (
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"golang.org/x/time/rate"
)

// DefaultThrottleInterval is how often a per-frame message may repeat
const DefaultThrottleInterval = 15 * time.Second

// Throttle emits at most one message per interval, and counts the messages that it swallows.
// Per-frame failures can happen at 30 FPS, and we don't want to drown the log in them.
type Throttle struct {
	Log        logs.Log
	sometimes  rate.Sometimes
	suppressed atomic.Int64
}

func NewThrottle(log logs.Log, interval time.Duration) *Throttle {
	return &Throttle{
		Log:       log,
		sometimes: rate.Sometimes{First: 1, Interval: interval},
	}
}

func (t *Throttle) do(f func(suppressed int64)) {
	ran := false
	t.sometimes.Do(func() {
		ran = true
		f(t.suppressed.Swap(0))
	})
	if !ran {
		t.suppressed.Add(1)
	}
}

func (t *Throttle) Warnf(format string, a ...interface{}) {
	t.do(func(suppressed int64) {
		if suppressed != 0 {
			t.Log.Warnf(format+" (%v similar messages suppressed)", append(a, suppressed)...)
		} else {
			t.Log.Warnf(format, a...)
		}
	})
}

func (t *Throttle) Errorf(format string, a ...interface{}) {
	t.do(func(suppressed int64) {
		if suppressed != 0 {
			t.Log.Errorf(format+" (%v similar messages suppressed)", append(a, suppressed)...)
		} else {
			t.Log.Errorf(format, a...)
		}
	})
}
