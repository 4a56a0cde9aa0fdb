// Package postprocess turns the raw output tensors of a detection network into ROI detections
package postprocess

import (
	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/nn"
	"github.com/cyclopcam/camflow/pkg/roi"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
)

type Config struct {
	Tensor        string   // Name of the tensor to decode. If empty, every NMS-by-class tensor is decoded.
	MinConfidence float32  // Detections below this confidence are discarded
	Classes       []string // Class names. If empty, COCO class names are used.
	KeepTensors   bool     // Leave the tensors in the ROI after decoding
}

func DefaultConfig() Config {
	return Config{
		MinConfidence: nn.DefaultProbabilityThreshold,
	}
}

type Stage struct {
	*stage.ConnectedStage
	stage.NoInit
	cfg Config
}

func New(log logs.Log, name string, cfg Config) *Stage {
	if len(cfg.Classes) == 0 {
		cfg.Classes = nn.COCOClasses
	}
	s := &Stage{cfg: cfg}
	s.ConnectedStage = stage.New(log, name, s, stage.Options{})
	return s
}

func (s *Stage) Process(buf *frame.Buffer) error {
	r := buf.ROI()
	n := 0
	for _, t := range r.Tensors() {
		if t.Info.Format != nn.TensorFormatNMSByClass || (s.cfg.Tensor != "" && t.Name != s.cfg.Tensor) {
			continue
		}
		dets, err := nn.DecodeNMSByClass(t.Data, t.Info.NMS, s.cfg.MinConfidence)
		if err != nil {
			return stage.Errorf(stage.PipelineError, "Decoding tensor %v: %w", t.Name, err)
		}
		for _, d := range dets {
			r.AddDetection(&roi.Detection{
				Label:      nn.ClassName(s.cfg.Classes, d.Class),
				ClassID:    d.Class,
				Confidence: d.Confidence,
				BBox:       d.Box.Clip(),
			})
		}
		n += len(dets)
	}
	if !s.cfg.KeepTensors {
		r.ClearTensors()
	}
	s.Counters().Extra(stage.CounterDetections).Add(int64(n))
	return nil
}
