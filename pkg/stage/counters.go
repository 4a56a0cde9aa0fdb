package stage

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Names of the extra counters that the built-in stages keep
const (
	CounterCrops         = "crops"
	CounterDetections    = "detections"
	CounterLandmarks     = "landmarks"
	CounterTensors       = "tensors"
	CounterSubFrames     = "sub frames"
	CounterStaleFrames   = "stale sub frames"
	CounterSkippedMerges = "skipped merges"
	CounterBytes         = "bytes"
	CounterPackets       = "packets"
	CounterTracks        = "tracks"
)

// Counters are the debug counters of one stage
type Counters struct {
	Input            atomic.Int64
	Output           atomic.Int64
	Dropped          atomic.Int64
	AvailableBuffers atomic.Int64
	FailedAcquire    atomic.Int64

	mu    sync.Mutex
	extra map[string]*atomic.Int64
	order []string
}

// Extra returns the named extra counter, creating it on first use
func (c *Counters) Extra(name string) *atomic.Int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.extra == nil {
		c.extra = map[string]*atomic.Int64{}
	}
	v := c.extra[name]
	if v == nil {
		v = &atomic.Int64{}
		c.extra[name] = v
		c.order = append(c.order, name)
	}
	return v
}

// ExtraValue returns the value of an extra counter, or zero if it doesn't exist
func (c *Counters) ExtraValue(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v := c.extra[name]; v != nil {
		return v.Load()
	}
	return 0
}

func (c *Counters) String() string {
	s := &strings.Builder{}
	fmt.Fprintf(s, "input %v, output %v, dropped %v, available buffers %v, failed acquire %v",
		c.Input.Load(), c.Output.Load(), c.Dropped.Load(), c.AvailableBuffers.Load(), c.FailedAcquire.Load())
	c.mu.Lock()
	for _, name := range c.order {
		fmt.Fprintf(s, ", %v %v", name, c.extra[name].Load())
	}
	c.mu.Unlock()
	return s.String()
}

// Print writes one line of counters, prefixed by the stage name
func (c *Counters) Print(w io.Writer, stageName string) (int, error) {
	return fmt.Fprintf(w, "%-20v %v\n", stageName, c.String())
}
