// Package aggregator merges the detections of sub-frames (crops or tiles) back into the frame
// that they were cut from.
//
// The aggregator has two inputs. The main inlet carries the full frames, and the sub inlet
// carries the processed sub-frames. Sub-frames are paired with their main frame either by count
// (the first N sub-frames belong to the current main frame), or in sync mode, by capture timestamp.
package aggregator

import (
	"time"

	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/queue"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
)

const (
	DefaultIOUThreshold    = 0.3
	DefaultBorderThreshold = 0.1
)

type Config struct {
	MainInlet       string        // Name of the upstream that sends full frames
	SubInlet        string        // Name of the upstream that sends sub-frames
	MainQueueSize   int           // Zero for the stage default
	SubQueueSize    int           // Zero for the stage default
	MainLeaky       bool          // Evict old main frames instead of blocking the producer
	SubLeaky        bool          // Evict old sub-frames instead of blocking the producer
	Blocking        bool          // Wait for all expected sub-frames. If false, merge only when all of them are already queued. Sync pairing ignores this.
	StaticSubFrames int           // If >= 0, the number of sub-frames per main frame. If negative, read CroppingExpectation metadata.
	MultiScale      bool          // Trim detections on internal tile edges, and run NMS after merging
	Sync            bool          // Pair a single sub-frame with its main frame by capture timestamp
	IOUThreshold    float32       // NMS threshold
	BorderThreshold float32       // Distance from an internal tile edge, in tile coordinates, inside which detections are removed
	Timeout         time.Duration // Sync wait timeout. Zero waits forever. The first sync wait always waits forever.
}

func DefaultConfig() Config {
	return Config{
		Blocking:        true,
		StaticSubFrames: -1,
		IOUThreshold:    DefaultIOUThreshold,
		BorderThreshold: DefaultBorderThreshold,
	}
}

type Aggregator struct {
	*stage.ConnectedStage
	cfg       Config
	main      *queue.Queue
	sub       *queue.Queue
	firstSync bool
}

func New(log logs.Log, name string, cfg Config) *Aggregator {
	a := &Aggregator{
		cfg:       cfg,
		firstSync: true,
	}
	a.ConnectedStage = stage.New(log, name, a, stage.Options{})
	return a
}

func policy(leaky bool) queue.Policy {
	if leaky {
		return queue.Leaky
	}
	return queue.Blocking
}

// AddQueue accepts only the two configured inlets
func (a *Aggregator) AddQueue(name string) {
	switch name {
	case a.cfg.MainInlet:
		a.AddQueueWith(name, a.cfg.MainQueueSize, policy(a.cfg.MainLeaky))
	case a.cfg.SubInlet:
		a.AddQueueWith(name, a.cfg.SubQueueSize, policy(a.cfg.SubLeaky))
	default:
		a.Log.Errorf("Unexpected inlet '%v'. Expected '%v' or '%v'", name, a.cfg.MainInlet, a.cfg.SubInlet)
	}
}

func (a *Aggregator) Init() error {
	if a.cfg.MainInlet == "" || a.cfg.SubInlet == "" || a.cfg.MainInlet == a.cfg.SubInlet {
		return stage.Errorf(stage.ConfigurationError, "Main inlet '%v' and sub inlet '%v' must be distinct and non-empty", a.cfg.MainInlet, a.cfg.SubInlet)
	}
	a.main = a.Queue(a.cfg.MainInlet)
	a.sub = a.Queue(a.cfg.SubInlet)
	if a.main == nil || a.sub == nil {
		return stage.Errorf(stage.ConfigurationError, "Inlets '%v' and '%v' must both be connected", a.cfg.MainInlet, a.cfg.SubInlet)
	}
	a.firstSync = true
	return nil
}

func (a *Aggregator) Deinit() error {
	return nil
}

// Loop reads only from the main inlet. Sub-frames are pulled from the sub inlet as each main frame requires.
func (a *Aggregator) Loop() {
	for {
		buf := a.main.Pop()
		if buf == nil {
			return
		}
		if err := a.Process(buf); err != nil {
			a.DropFrame(buf, err)
		}
	}
}

// Process merges the sub-frames that belong to 'buf', and forwards it
func (a *Aggregator) Process(buf *frame.Buffer) error {
	expected := a.cfg.StaticSubFrames
	if expected < 0 {
		n, ok := buf.TakeCroppingExpectation()
		if !ok {
			a.Log.Debugf("Frame %v has no cropping expectation, forwarding it unmerged", buf.ID)
		}
		expected = n
	}
	if expected <= 0 {
		a.StampAndSend(buf)
		return nil
	}

	var subs []*frame.Buffer
	if a.cfg.Sync && expected == 1 {
		subs = a.collectSynced(buf)
	} else {
		var eos bool
		subs, eos = a.collectCounted(expected)
		if eos {
			// Shutting down while a merge was incomplete
			for _, s := range subs {
				s.Release()
			}
			buf.Release()
			return nil
		}
	}

	a.merge(buf, subs)
	a.StampAndSend(buf)
	return nil
}

// Returns the sub-frame whose capture time matches 'buf', or nothing
func (a *Aggregator) collectSynced(buf *frame.Buffer) []*frame.Buffer {
	for {
		timeout := a.cfg.Timeout
		if timeout <= 0 || a.firstSync {
			timeout = queue.NoTimeout
		}
		ts, ok := a.sub.CheckTimestamp(timeout)
		a.firstSync = false
		if !ok {
			return nil
		}
		if buf.CaptureTS > ts {
			// This sub-frame belongs to a main frame that we've already sent on
			if stale := a.sub.TryPop(); stale != nil {
				a.Counters().Extra(stage.CounterStaleFrames).Add(1)
				stale.Release()
			}
			continue
		}
		if buf.CaptureTS == ts {
			if s := a.sub.TryPop(); s != nil {
				return []*frame.Buffer{s}
			}
			return nil
		}
		// The sub-frame is newer, so there will never be a match for this main frame
		return nil
	}
}

// Returns 'n' sub-frames, or none in leaky mode if fewer than 'n' are queued.
// Returns eos=true if the sub inlet was flushed before 'n' sub-frames arrived.
func (a *Aggregator) collectCounted(n int) (subs []*frame.Buffer, eos bool) {
	if !a.cfg.Blocking {
		if a.sub.Size() < n {
			a.Counters().Extra(stage.CounterSkippedMerges).Add(1)
			return nil, false
		}
		for len(subs) < n {
			s := a.sub.TryPop()
			if s == nil {
				break
			}
			subs = append(subs, s)
		}
		return subs, false
	}
	for len(subs) < n {
		s := a.sub.Pop()
		if s == nil {
			return subs, true
		}
		subs = append(subs, s)
	}
	return subs, false
}

func (a *Aggregator) merge(buf *frame.Buffer, subs []*frame.Buffer) {
	for _, s := range subs {
		if a.cfg.MultiScale {
			s.ROI().TrimBorderDetections(a.cfg.BorderThreshold)
		}
		s.ROI().FlattenInto(buf.ROI())
		a.Counters().Extra(stage.CounterSubFrames).Add(1)
		s.Release()
	}
	if a.cfg.MultiScale && len(subs) != 0 {
		buf.ROI().NMS(a.cfg.IOUThreshold)
	}
}
