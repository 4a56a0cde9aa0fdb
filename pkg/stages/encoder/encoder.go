// Package encoder compresses raw frames to JPEG
package encoder

import (
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/roi"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
)

type Config struct {
	Quality     int  // JPEG quality, 1..100
	FullChroma  bool // 4:4:4 chroma sampling instead of 4:2:0
	KeepObjects bool // Copy the detections of the raw frame to the encoded frame
}

func DefaultConfig() Config {
	return Config{
		Quality:     85,
		KeepObjects: true,
	}
}

// Stage produces a new encoded buffer for every raw buffer. The encoded buffer carries
// Size metadata, which sinks need in order to know how much of the payload to send.
type Stage struct {
	*stage.ConnectedStage
	stage.NoInit
	cfg    Config
	params cimg.CompressParams
}

func New(log logs.Log, name string, cfg Config) *Stage {
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultConfig().Quality
	}
	sampling := cimg.Sampling420
	if cfg.FullChroma {
		sampling = cimg.Sampling444
	}
	s := &Stage{
		cfg:    cfg,
		params: cimg.MakeCompressParams(sampling, cfg.Quality, 0),
	}
	s.ConnectedStage = stage.New(log, name, s, stage.Options{})
	return s
}

func (s *Stage) Process(buf *frame.Buffer) error {
	img, err := buf.Image.CImage()
	if err != nil {
		return stage.Errorf(stage.PipelineError, "%w", err)
	}
	jpg, err := cimg.Compress(img, s.params)
	if err != nil {
		return stage.Errorf(stage.PipelineError, "JPEG compression failed: %w", err)
	}

	out := frame.New(frame.NewEncodedImage(buf.Image.Width, buf.Image.Height, jpg), buf.CaptureTS)
	for _, m := range buf.MetadataOfKind(frame.MetaTimestamp) {
		out.AddMetadata(m)
	}
	out.AddMetadata(frame.SizeMeta(len(jpg)))
	if s.cfg.KeepObjects {
		// Tensors refer to memory of the raw buffer, which is about to be released
		for _, o := range buf.ROI().Objects() {
			if o.Kind != roi.KindTensor {
				out.ROI().AddObject(o)
			}
		}
	}
	buf.Release()

	s.Counters().Extra(stage.CounterBytes).Add(int64(len(jpg)))
	s.StampAndSend(out)
	return stage.SkipForward
}
