// Package tracker gives detections a stable identity from one frame to the next.
//
// The tracker also smooths over frames where the detector momentarily loses sight of
// everything: if a frame arrives with no detections, the detections of the last frame are
// re-attached to it, for up to Expiration frames.
package tracker

import (
	"math"

	"github.com/bmharper/flatbush-go"
	"github.com/bmharper/ringbuffer"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/idgen"
	"github.com/cyclopcam/camflow/pkg/nn"
	"github.com/cyclopcam/camflow/pkg/roi"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
)

type Config struct {
	Expiration   int // Re-attach the last detections to this many consecutive empty frames
	HistorySize  int // Number of positions to remember per track
	ForgetFrames int // Drop a track after this many frames without a sighting
}

func DefaultConfig() Config {
	return Config{
		Expiration:   3,
		HistorySize:  16,
		ForgetFrames: 30,
	}
}

// Track is a snapshot of one tracked object
type Track struct {
	ID        int64
	ClassID   int
	Label     string
	Box       nn.BBox
	Sightings int
	Travelled float32 // Distance between the oldest remembered position and the latest, in normalized coordinates
}

// A frame number and position where we saw an object
type sighting struct {
	frame int64
	box   nn.BBox
}

type track struct {
	id        int64
	classID   int
	label     string
	lastBox   nn.BBox
	lastFrame int64
	sightings int
	history   ringbuffer.RingP[sighting]
}

type Stage struct {
	*stage.ConnectedStage
	cfg Config

	// Owned by the worker goroutine
	ids        idgen.TrackIDs
	frame      int64
	tracks     []*track
	last       []*roi.Detection // Detections of the most recent frame that had any
	emptyCount int              // Consecutive frames without detections
}

func New(log logs.Log, name string, cfg Config) *Stage {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.ForgetFrames <= 0 {
		cfg.ForgetFrames = def.ForgetFrames
	}
	s := &Stage{cfg: cfg}
	s.ConnectedStage = stage.New(log, name, s, stage.Options{})
	return s
}

func (s *Stage) Init() error {
	s.frame = 0
	s.tracks = nil
	s.last = nil
	s.emptyCount = 0
	return nil
}

func (s *Stage) Deinit() error {
	return nil
}

func (s *Stage) Process(buf *frame.Buffer) error {
	s.frame++
	r := buf.ROI()
	dets := r.Detections()
	if len(dets) == 0 {
		s.emptyCount++
		if s.emptyCount <= s.cfg.Expiration {
			for _, d := range s.last {
				r.AddDetection(cloneDetection(d))
			}
		}
	} else {
		s.emptyCount = 0
		w, h := buf.Image.Width, buf.Image.Height
		if w <= 0 || h <= 0 {
			w, h = 1920, 1080
		}
		s.trackDetections(dets, w, h)
		s.last = s.last[:0]
		for _, d := range dets {
			s.last = append(s.last, cloneDetection(d))
		}
	}
	s.forget()
	s.Counters().Extra(stage.CounterTracks).Store(int64(len(s.tracks)))
	return nil
}

// Tracks returns the objects being tracked. It must not be called concurrently with Process.
func (s *Stage) Tracks() []Track {
	out := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, Track{
			ID:        t.id,
			ClassID:   t.classID,
			Label:     t.label,
			Box:       t.lastBox,
			Sightings: t.sightings,
			Travelled: t.travelled(),
		})
	}
	return out
}

// Matches the detections of the current frame to existing tracks, creates tracks for new objects,
// and sets the TrackID of every detection. Matching happens in pixel space on a frame of width x height.
func (s *Stage) trackDetections(dets []*roi.Detection, width, height int) {
	lastRects := make([]nn.Rect, len(s.tracks))
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(s.tracks))
	for i, t := range s.tracks {
		lastRects[i] = t.lastBox.ToRect(width, height)
		r := &lastRects[i]
		fb.Add(r.X, r.Y, r.X2(), r.Y2())
	}
	fb.Finish()

	rects := make([]nn.Rect, len(dets))
	for i, d := range dets {
		rects[i] = d.BBox.ToRect(width, height)
	}

	minSearchBuffer := int32(0.05 * float64(width))
	newToTracked := make([]int, len(dets))
	for i := range newToTracked {
		newToTracked[i] = -1
	}
	trackedHasMatch := make([]bool, len(s.tracks))

	// Finds the closest unmatched track of the same class. Boxes that don't overlap at all
	// fall back to the distance between their centers, because a slow detector sees
	// objects jump between frames.
	findClosest := func(i int, candidates []int) {
		bestJ := -1
		bestIOU := float32(0)
		bestDistance := float32(math.MaxFloat32)
		for _, j := range candidates {
			if trackedHasMatch[j] || s.tracks[j].classID != dets[i].ClassID {
				continue
			}
			iou := rects[i].IOU(lastRects[j])
			distance := rects[i].Center().Distance(lastRects[j].Center())
			if iou > bestIOU {
				bestIOU = iou
				bestJ = j
			} else if bestIOU == 0 && distance < bestDistance {
				bestDistance = distance
				bestJ = j
			}
		}
		if bestJ != -1 {
			trackedHasMatch[bestJ] = true
			newToTracked[i] = bestJ
		}
	}

	// Phase 1: tracks near each detection
	nearby := []int{}
	for i := range dets {
		r := rects[i]
		bx := max(minSearchBuffer, int32(0.8*float64(r.Width)))
		by := max(minSearchBuffer, int32(0.8*float64(r.Height)))
		nearby = fb.SearchFast(r.X-bx, r.Y-by, r.X2()+bx, r.Y2()+by, nearby[:0])
		findClosest(i, nearby)
	}

	// Phase 2: any remaining track, no matter how far
	unmatched := []int{}
	for j := range s.tracks {
		if !trackedHasMatch[j] {
			unmatched = append(unmatched, j)
		}
	}
	for i := range dets {
		if newToTracked[i] == -1 {
			findClosest(i, unmatched)
		}
	}

	for i, d := range dets {
		j := newToTracked[i]
		if j == -1 {
			j = len(s.tracks)
			t := &track{
				id:      s.ids.Next(),
				classID: d.ClassID,
				label:   d.Label,
				history: ringbuffer.NewRingP[sighting](nextPowerOf2(s.cfg.HistorySize)),
			}
			s.tracks = append(s.tracks, t)
			s.Log.Debugf("New track %v '%v' at %.3f,%.3f", t.id, t.label, d.BBox.XMin, d.BBox.YMin)
		}
		t := s.tracks[j]
		t.sightings++
		t.lastBox = d.BBox
		t.lastFrame = s.frame
		t.history.Add(sighting{frame: s.frame, box: d.BBox})
		d.TrackID = t.id
	}
}

// Drops tracks that haven't been seen for a while
func (s *Stage) forget() {
	keep := s.tracks[:0]
	for _, t := range s.tracks {
		if s.frame-t.lastFrame <= int64(s.cfg.ForgetFrames) {
			keep = append(keep, t)
		}
	}
	clear(s.tracks[len(keep):])
	s.tracks = keep
}

// Distance between the first and the most recent remembered position of a track,
// in normalized frame coordinates
func (t *track) travelled() float32 {
	if t.history.Len() < 2 {
		return 0
	}
	a := t.history.Peek(0).box
	b := t.history.Peek(t.history.Len() - 1).box
	dx := (b.XMin + b.Width/2) - (a.XMin + a.Width/2)
	dy := (b.YMin + b.Height/2) - (a.YMin + a.Height/2)
	return math32.Sqrt(dx*dx + dy*dy)
}

func cloneDetection(d *roi.Detection) *roi.Detection {
	c := *d
	c.Objects = append([]roi.Object(nil), d.Objects...)
	return &c
}

func nextPowerOf2(n int) int {
	return 1 << int(math.Ceil(math.Log2(float64(n))))
}
