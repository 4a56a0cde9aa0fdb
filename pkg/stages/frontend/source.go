package frontend

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/logs"
	"github.com/fogleman/gg"
)

// StreamInfo describes one output stream of a Source
type StreamInfo struct {
	ID     string  `json:"id"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
}

// Source produces frames on one or more named streams. Frames of different streams that were
// captured at the same instant carry the same capture timestamp.
type Source interface {
	OutputStreams() []StreamInfo
	// Subscribe sets the function that receives the frames of each stream. It must be called before Start.
	// The callee takes ownership of each frame.
	Subscribe(callbacks map[string]func(*frame.Buffer))
	Start() error
	Stop() error
}

// TestPatternObject is a bright rectangle that moves across the test pattern.
// Coordinates are normalized, and Speed is in frame widths per second.
type TestPatternObject struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Speed  float64 `json:"speed"`
}

type TestPatternConfig struct {
	Streams   []StreamInfo        `json:"streams"`
	Objects   []TestPatternObject `json:"objects"`
	FPS       float64             `json:"fps"`       // Rate of the fastest stream
	MaxFrames int                 `json:"maxFrames"` // Stop after this many frames. Zero for no limit.
}

// DefaultTestPattern has a main stream and a small stream, with a person and a car
func DefaultTestPattern() TestPatternConfig {
	return TestPatternConfig{
		Streams: []StreamInfo{
			{ID: "main", Width: 640, Height: 480},
			{ID: "small", Width: 320, Height: 240},
		},
		Objects: []TestPatternObject{
			{X: 0.1, Y: 0.3, Width: 0.08, Height: 0.3, Speed: 0.05},
			{X: 0.5, Y: 0.65, Width: 0.25, Height: 0.12, Speed: -0.03},
		},
		FPS: 15,
	}
}

// TestPattern is a Source that draws moving rectangles on a black background
type TestPattern struct {
	log logs.Log
	cfg TestPatternConfig

	mu        sync.Mutex
	callbacks map[string]func(*frame.Buffer)
	stop      chan struct{}
	done      chan struct{}
	frames    int
}

func NewTestPattern(log logs.Log, cfg TestPatternConfig) (*TestPattern, error) {
	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("Test pattern has no streams")
	}
	seen := map[string]bool{}
	for _, s := range cfg.Streams {
		if s.ID == "" || seen[s.ID] {
			return nil, fmt.Errorf("Stream IDs must be unique and non-empty")
		}
		if s.Width <= 0 || s.Height <= 0 {
			return nil, fmt.Errorf("Stream %v has invalid size %v x %v", s.ID, s.Width, s.Height)
		}
		seen[s.ID] = true
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultTestPattern().FPS
	}
	cfg.Streams = append([]StreamInfo(nil), cfg.Streams...)
	for i := range cfg.Streams {
		if cfg.Streams[i].FPS <= 0 {
			cfg.Streams[i].FPS = cfg.FPS
		}
	}
	return &TestPattern{
		log: log,
		cfg: cfg,
	}, nil
}

func (p *TestPattern) OutputStreams() []StreamInfo {
	return append([]StreamInfo(nil), p.cfg.Streams...)
}

func (p *TestPattern) Subscribe(callbacks map[string]func(*frame.Buffer)) {
	p.mu.Lock()
	p.callbacks = callbacks
	p.mu.Unlock()
}

func (p *TestPattern) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return fmt.Errorf("Test pattern already started")
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.frames = 0
	go p.run(p.stop, p.done)
	return nil
}

func (p *TestPattern) Stop() error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop = nil
	p.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// Frames returns the number of frames that have been produced, on the fastest stream
func (p *TestPattern) Frames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

func (p *TestPattern) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / p.cfg.FPS))
	defer ticker.Stop()
	start := time.Now()
	for tick := 0; p.cfg.MaxFrames == 0 || tick < p.cfg.MaxFrames; tick++ {
		// Every stream shares the capture time of this tick
		now := time.Since(start)
		ts := now.Nanoseconds() + 1
		for _, s := range p.cfg.Streams {
			// Slower streams skip ticks
			every := max(1, int(p.cfg.FPS/s.FPS+0.5))
			if tick%every != 0 {
				continue
			}
			p.mu.Lock()
			cb := p.callbacks[s.ID]
			p.mu.Unlock()
			if cb != nil {
				cb(p.draw(s, now, ts))
			}
		}
		p.mu.Lock()
		p.frames++
		p.mu.Unlock()
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
	<-stop
}

func (p *TestPattern) draw(s StreamInfo, elapsed time.Duration, ts int64) *frame.Buffer {
	img := frame.NewImage(s.Width, s.Height, frame.PixelFormatRGBA)
	plane := img.Planes[0]
	dc := gg.NewContextForRGBA(&image.RGBA{
		Pix:    plane.Data,
		Stride: plane.Stride,
		Rect:   image.Rect(0, 0, s.Width, s.Height),
	})
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	dc.SetRGB(1, 1, 1)
	w, h := float64(s.Width), float64(s.Height)
	for _, o := range p.cfg.Objects {
		x := o.X + o.Speed*elapsed.Seconds()
		// Wrap around, so that objects stay in view
		span := 1 - o.Width
		if span > 0 {
			x = x - span*float64(int(x/span))
			if x < 0 {
				x += span
			}
		}
		dc.DrawRectangle(x*w, o.Y*h, o.Width*w, o.Height*h)
		dc.Fill()
	}
	return frame.New(img, ts)
}
