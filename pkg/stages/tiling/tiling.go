// Package tiling cuts each frame into tiles of the model's input size, so that small objects
// in a high resolution frame are still large enough for the detector to find.
//
// The stage has two subscribers. The tiles go to the inference subscriber, each tagged with
// its position in the batch. The original frame goes to the aggregator subscriber, tagged with
// the number of tiles, so that the aggregator knows how many results to wait for.
package tiling

import (
	"errors"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/nn"
	"github.com/cyclopcam/camflow/pkg/nnaccel"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
)

// DefaultTiles are four overlapping quadrants, and the full frame
var DefaultTiles = []nn.BBox{
	{XMin: 0, YMin: 0, Width: 0.6, Height: 0.6},
	{XMin: 0.4, YMin: 0, Width: 0.6, Height: 0.6},
	{XMin: 0, YMin: 0.4, Width: 0.6, Height: 0.6},
	{XMin: 0.4, YMin: 0.4, Width: 0.6, Height: 0.6},
	nn.FullFrame,
}

type Config struct {
	Tiles                []nn.BBox        // Explicit tile layout. If empty, DefaultTiles, unless Auto is set.
	Auto                 bool             // Lay out tiles of the model size over each frame
	IncludeFullFrame     bool             // With Auto, also send the whole frame as the last tile
	ModelWidth           int              // Size of each tile sent to inference
	ModelHeight          int              //
	AggregatorSubscriber string           // Receives the original frame
	InferenceSubscriber  string           // Receives the tiles
	PoolSize             int              // Number of tile buffers
	PoolMode             nnaccel.PoolMode // What to do when the tile buffers run out
}

func DefaultConfig() Config {
	return Config{
		ModelWidth:  640,
		ModelHeight: 640,
		PoolSize:    20,
		PoolMode:    nnaccel.PoolBlocking,
	}
}

type Stage struct {
	*stage.ConnectedStage
	cfg  Config
	pool *nnaccel.Pool

	// Owned by the worker goroutine
	autoWidth  int
	autoHeight int
	autoTiles  []nn.BBox
}

func New(log logs.Log, name string, cfg Config) *Stage {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultConfig().PoolSize
	}
	if !cfg.Auto && len(cfg.Tiles) == 0 {
		cfg.Tiles = DefaultTiles
	}
	s := &Stage{cfg: cfg}
	s.ConnectedStage = stage.New(log, name, s, stage.Options{})
	return s
}

// Pool returns the tile buffer pool, which exists once the stage has started
func (s *Stage) Pool() *nnaccel.Pool {
	return s.pool
}

func (s *Stage) Init() error {
	if s.cfg.ModelWidth <= 0 || s.cfg.ModelHeight <= 0 {
		return stage.Errorf(stage.ConfigurationError, "Invalid tile size %v x %v", s.cfg.ModelWidth, s.cfg.ModelHeight)
	}
	for _, name := range []string{s.cfg.AggregatorSubscriber, s.cfg.InferenceSubscriber} {
		found := false
		for _, sub := range s.Subscribers() {
			found = found || sub.Name() == name
		}
		if !found {
			return stage.Errorf(stage.ConfigurationError, "No subscriber named '%v'", name)
		}
	}
	if s.cfg.AggregatorSubscriber == s.cfg.InferenceSubscriber {
		return stage.Errorf(stage.ConfigurationError, "Aggregator and inference subscribers must differ")
	}
	for _, t := range s.cfg.Tiles {
		if t.Width <= 0 || t.Height <= 0 || t.XMin < 0 || t.YMin < 0 || t.XMax() > 1.0001 || t.YMax() > 1.0001 {
			return stage.Errorf(stage.ConfigurationError, "Tile %+v is outside the frame", t)
		}
	}
	if len(s.cfg.Tiles) > s.cfg.PoolSize {
		s.Log.Warnf("Pool of %v is too small for %v tiles per frame", s.cfg.PoolSize, len(s.cfg.Tiles))
	}
	s.pool = nnaccel.NewPool(s.Name()+"/tiles", s.cfg.PoolSize, s.cfg.ModelWidth*s.cfg.ModelHeight*4)
	s.Counters().AvailableBuffers.Store(int64(s.cfg.PoolSize))
	s.autoTiles = nil
	return nil
}

func (s *Stage) Deinit() error {
	return nil
}

func (s *Stage) tiles(width, height int) []nn.BBox {
	if !s.cfg.Auto {
		return s.cfg.Tiles
	}
	if s.autoTiles == nil || s.autoWidth != width || s.autoHeight != height {
		s.autoTiles = nn.AutoTiles(width, height, s.cfg.ModelWidth, s.cfg.ModelHeight)
		if s.cfg.IncludeFullFrame && !(len(s.autoTiles) == 1 && s.autoTiles[0] == nn.FullFrame) {
			s.autoTiles = append(s.autoTiles, nn.FullFrame)
		}
		s.autoWidth, s.autoHeight = width, height
		s.Log.Infof("%v tiles for %v x %v frames", len(s.autoTiles), width, height)
	}
	return s.autoTiles
}

func (s *Stage) Process(buf *frame.Buffer) error {
	src, err := buf.Image.CImage()
	if err != nil || src.Format != cimg.PixelFormatRGBA {
		return stage.Errorf(stage.PipelineError, "Tiling needs an RGBA frame, not %v", buf.Image.Format)
	}
	tiles := s.tiles(src.Width, src.Height)

	// All tiles or none
	pool := s.pool
	mem := make([][]byte, 0, len(tiles))
	for range tiles {
		b, err := pool.Get(s.cfg.PoolMode, s.StopRequested())
		if err != nil {
			for _, m := range mem {
				pool.Release(m)
			}
			if errors.Is(err, nnaccel.ErrCancelled) {
				buf.Release()
				return stage.SkipForward
			}
			s.Counters().FailedAcquire.Add(1)
			if s.cfg.PoolMode == nnaccel.PoolDrop {
				s.Counters().Dropped.Add(1)
				buf.Release()
				return stage.SkipForward
			}
			return stage.Errorf(stage.BufferAllocationError, "Out of tile buffers: %w", err)
		}
		mem = append(mem, b)
	}
	s.Counters().AvailableBuffers.Store(int64(pool.Available()))

	mw, mh := s.cfg.ModelWidth, s.cfg.ModelHeight
	crops := make([]*frame.Buffer, len(tiles))
	for i, tile := range tiles {
		data := mem[i]
		dst := cimg.WrapImageStrided(mw, mh, cimg.PixelFormatRGBA, data, mw*4)
		s.cut(src, tile, dst)
		img := &frame.Image{
			Width:  mw,
			Height: mh,
			Format: frame.PixelFormatRGBA,
			Planes: []frame.Plane{{Data: data, Stride: mw * 4}},
		}
		crop := frame.NewSubBuffer(buf, img, tile)
		crop.AddMetadata(frame.BatchPositionMeta(i, len(tiles)))
		crop.OnRelease(func() {
			pool.Release(data)
			s.Counters().AvailableBuffers.Store(int64(pool.Available()))
		})
		crops[i] = crop
	}

	buf.AddMetadata(frame.CroppingExpectationMeta(len(tiles)))
	buf.AddTimestamp(s.Name())
	s.Counters().Output.Add(1)
	s.Counters().Extra(stage.CounterCrops).Add(int64(len(crops)))
	for _, c := range crops {
		c.AddTimestamp(s.Name())
		if err := s.SendToSubscriber(s.cfg.InferenceSubscriber, c); err != nil {
			s.Log.Errorf("%v", err)
		}
	}
	if err := s.SendToSubscriber(s.cfg.AggregatorSubscriber, buf); err != nil {
		s.Log.Errorf("%v", err)
	}
	return stage.SkipForward
}

// Scales the 'tile' region of 'src' into 'dst'
func (s *Stage) cut(src *cimg.Image, tile nn.BBox, dst *cimg.Image) {
	r := tile.ToRect(src.Width, src.Height)
	x1 := max(0, int(r.X))
	y1 := max(0, int(r.Y))
	x2 := min(src.Width, int(r.X2()))
	y2 := min(src.Height, int(r.Y2()))
	if x2-x1 == dst.Width && y2-y1 == dst.Height {
		dst.CopyImageRect(src, x1, y1, x2, y2, 0, 0)
		return
	}
	crop := cimg.NewImage(x2-x1, y2-y1, cimg.PixelFormatRGBA)
	crop.CopyImageRect(src, x1, y1, x2, y2, 0, 0)
	params := cimg.ResizeParams{CheapSRGBFilter: true}
	if crop.Width > dst.Width {
		params.Filter = cimg.ResizeFilterBox
	} else {
		params.Filter = cimg.ResizeFilterTriangle
	}
	cimg.Resize(crop, dst, &params)
}
