package overlay

import (
	"testing"

	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/nn"
	"github.com/cyclopcam/camflow/pkg/roi"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func testFrame() *frame.Buffer {
	buf := frame.New(frame.NewImage(100, 100, frame.PixelFormatRGBA), 0)
	buf.ROI().AddDetection(&roi.Detection{
		Label:      "person",
		ClassID:    nn.COCOPerson,
		Confidence: 0.9,
		BBox:       nn.BBox{XMin: 0.2, YMin: 0.2, Width: 0.5, Height: 0.5},
		Objects: []roi.Object{
			roi.LandmarksObject(&roi.Landmarks{Points: []roi.Point{{X: 0.5, Y: 0.5, Confidence: 1}}}),
		},
	})
	return buf
}

func pixel(buf *frame.Buffer, x, y int) []byte {
	p := buf.Image.Planes[0]
	return p.Data[y*p.Stride+x*4 : y*p.Stride+x*4+4]
}

func TestDraw(t *testing.T) {
	s := New(logs.NewTestingLog(t), "overlay", DefaultConfig())
	buf := testFrame()
	require.NoError(t, s.Process(buf))

	// Left edge of the box
	require.NotEqual(t, []byte{0, 0, 0, 0}, pixel(buf, 20, 50))
	// Landmark at the center of the box
	require.Equal(t, byte(255), pixel(buf, 45, 45)[0])
	// Outside everything
	require.Equal(t, []byte{0, 0, 0, 0}, pixel(buf, 95, 95))

	require.Equal(t, int64(1), s.Counters().ExtraValue(stage.CounterDetections))
	require.Equal(t, int64(1), s.Counters().ExtraValue(stage.CounterLandmarks))
}

func TestSkip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Skip = true
	s := New(logs.NewTestingLog(t), "overlay", cfg)
	buf := testFrame()
	require.NoError(t, s.Process(buf))
	require.Equal(t, []byte{0, 0, 0, 0}, pixel(buf, 20, 50))
	require.Equal(t, int64(1), s.Counters().ExtraValue(stage.CounterDetections))
}

func TestNotRGBA(t *testing.T) {
	s := New(logs.NewTestingLog(t), "overlay", DefaultConfig())
	buf := frame.New(frame.NewImage(16, 16, frame.PixelFormatNV12), 0)
	buf.ROI().AddDetection(&roi.Detection{BBox: nn.FullFrame})
	require.ErrorIs(t, s.Process(buf), stage.ErrPipeline)
}
