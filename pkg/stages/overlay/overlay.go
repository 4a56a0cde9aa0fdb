// Package overlay draws detections and landmarks onto RGBA frames
package overlay

import (
	"fmt"
	"image"

	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/nn"
	"github.com/cyclopcam/camflow/pkg/roi"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
	"github.com/fogleman/gg"
)

type Config struct {
	Skip           bool    // Count objects, but don't draw anything
	ShowConfidence bool    // Append the confidence to each label
	LineWidth      float64 // Width of box outlines, in pixels
}

func DefaultConfig() Config {
	return Config{
		ShowConfidence: true,
		LineWidth:      2,
	}
}

// Box colors, indexed by class id
var palette = [][3]float64{
	{1, 0.2, 0.2},
	{0.2, 1, 0.2},
	{0.3, 0.5, 1},
	{1, 1, 0.2},
	{1, 0.2, 1},
	{0.2, 1, 1},
}

type Stage struct {
	*stage.ConnectedStage
	stage.NoInit
	cfg Config
}

func New(log logs.Log, name string, cfg Config) *Stage {
	if cfg.LineWidth <= 0 {
		cfg.LineWidth = DefaultConfig().LineWidth
	}
	s := &Stage{cfg: cfg}
	s.ConnectedStage = stage.New(log, name, s, stage.Options{})
	return s
}

func (s *Stage) Process(buf *frame.Buffer) error {
	dets := buf.ROI().Detections()
	landmarks := 0
	for _, o := range buf.ROI().Objects() {
		if o.Kind == roi.KindLandmarks {
			landmarks++
		}
	}
	for _, d := range dets {
		for _, o := range d.Objects {
			if o.Kind == roi.KindLandmarks {
				landmarks++
			}
		}
	}
	s.Counters().Extra(stage.CounterDetections).Add(int64(len(dets)))
	s.Counters().Extra(stage.CounterLandmarks).Add(int64(landmarks))
	if s.cfg.Skip || (len(dets) == 0 && landmarks == 0) {
		return nil
	}

	rgba, err := asRGBA(buf.Image)
	if err != nil {
		return err
	}
	dc := gg.NewContextForRGBA(rgba)
	dc.SetLineWidth(s.cfg.LineWidth)
	w := float64(buf.Image.Width)
	h := float64(buf.Image.Height)

	for _, o := range buf.ROI().Objects() {
		if o.Kind == roi.KindLandmarks {
			drawLandmarks(dc, o.Landmarks, nn.FullFrame, w, h)
		}
	}
	for _, d := range dets {
		c := palette[max(d.ClassID, 0)%len(palette)]
		dc.SetRGB(c[0], c[1], c[2])
		b := d.BBox.Clip()
		x, y := float64(b.XMin)*w, float64(b.YMin)*h
		dc.DrawRectangle(x, y, float64(b.Width)*w, float64(b.Height)*h)
		dc.Stroke()

		label := d.Label
		if label == "" {
			label = fmt.Sprintf("class %v", d.ClassID)
		}
		if s.cfg.ShowConfidence {
			label = fmt.Sprintf("%v %.0f%%", label, d.Confidence*100)
		}
		if d.TrackID != 0 {
			label = fmt.Sprintf("%v #%v", label, d.TrackID)
		}
		dc.DrawString(label, x+2, max(y-3, 12))

		for _, o := range d.Objects {
			if o.Kind == roi.KindLandmarks {
				drawLandmarks(dc, o.Landmarks, d.BBox, w, h)
			}
		}
	}
	return nil
}

// Landmark points are relative to 'parent'
func drawLandmarks(dc *gg.Context, l *roi.Landmarks, parent nn.BBox, w, h float64) {
	dc.SetRGB(1, 1, 1)
	for _, p := range l.Points {
		if p.Confidence < l.Threshold {
			continue
		}
		x := float64(parent.XMin+p.X*parent.Width) * w
		y := float64(parent.YMin+p.Y*parent.Height) * h
		dc.DrawCircle(x, y, 3)
		dc.Fill()
	}
}

// Wraps the pixels of an RGBA frame, without copying
func asRGBA(img *frame.Image) (*image.RGBA, error) {
	if img.Format != frame.PixelFormatRGBA || len(img.Planes) != 1 {
		return nil, stage.Errorf(stage.PipelineError, "Overlay needs an RGBA frame, not %v", img.Format)
	}
	p := img.Planes[0]
	return &image.RGBA{
		Pix:    p.Data,
		Stride: p.Stride,
		Rect:   image.Rect(0, 0, img.Width, img.Height),
	}, nil
}
