package tracker

import (
	"testing"

	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/nn"
	"github.com/cyclopcam/camflow/pkg/roi"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func newFrame(dets ...*roi.Detection) *frame.Buffer {
	buf := frame.New(frame.NewImage(320, 240, frame.PixelFormatRGBA), 0)
	for _, d := range dets {
		buf.ROI().AddDetection(d)
	}
	return buf
}

func det(class int, x, y float32) *roi.Detection {
	return &roi.Detection{
		Label:      nn.ClassName(nn.COCOClasses, class),
		ClassID:    class,
		Confidence: 0.9,
		BBox:       nn.BBox{XMin: x, YMin: y, Width: 0.1, Height: 0.2},
	}
}

func newTracker(t *testing.T, cfg Config) *Stage {
	s := New(logs.NewTestingLog(t), "tracker", cfg)
	require.NoError(t, s.Init())
	return s
}

func TestStableIdentity(t *testing.T) {
	s := newTracker(t, DefaultConfig())

	f1 := newFrame(det(nn.COCOPerson, 0.1, 0.1), det(nn.COCOCar, 0.6, 0.5))
	require.NoError(t, s.Process(f1))
	d1 := f1.ROI().Detections()
	require.NotZero(t, d1[0].TrackID)
	require.NotZero(t, d1[1].TrackID)
	require.NotEqual(t, d1[0].TrackID, d1[1].TrackID)

	// Both objects move a little, and arrive in the opposite order
	f2 := newFrame(det(nn.COCOCar, 0.62, 0.5), det(nn.COCOPerson, 0.12, 0.11))
	require.NoError(t, s.Process(f2))
	d2 := f2.ROI().Detections()
	require.Equal(t, d1[1].TrackID, d2[0].TrackID)
	require.Equal(t, d1[0].TrackID, d2[1].TrackID)

	// A person that jumped far away is still matched, because there is nobody else
	f3 := newFrame(det(nn.COCOPerson, 0.8, 0.7))
	require.NoError(t, s.Process(f3))
	require.Equal(t, d1[0].TrackID, f3.ROI().Detections()[0].TrackID)

	tracks := s.Tracks()
	require.Len(t, tracks, 2)
	for _, tr := range tracks {
		if tr.ID == d1[0].TrackID {
			require.Equal(t, 3, tr.Sightings)
			require.Greater(t, tr.Travelled, float32(0.5))
		}
	}
	require.Equal(t, int64(2), s.Counters().ExtraValue(stage.CounterTracks))
}

func TestClassesDontMix(t *testing.T) {
	s := newTracker(t, DefaultConfig())
	f1 := newFrame(det(nn.COCOPerson, 0.3, 0.3))
	require.NoError(t, s.Process(f1))
	f2 := newFrame(det(nn.COCOCar, 0.3, 0.3))
	require.NoError(t, s.Process(f2))
	require.NotEqual(t, f1.ROI().Detections()[0].TrackID, f2.ROI().Detections()[0].TrackID)
}

func TestExpiration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Expiration = 2
	s := newTracker(t, cfg)

	f := newFrame(det(nn.COCOPerson, 0.3, 0.3))
	require.NoError(t, s.Process(f))
	id := f.ROI().Detections()[0].TrackID

	for i := 0; i < 2; i++ {
		empty := newFrame()
		require.NoError(t, s.Process(empty))
		dets := empty.ROI().Detections()
		require.Len(t, dets, 1)
		require.Equal(t, id, dets[0].TrackID)
		require.InDelta(t, 0.3, dets[0].BBox.XMin, 1e-6)
	}

	empty := newFrame()
	require.NoError(t, s.Process(empty))
	require.Len(t, empty.ROI().Detections(), 0)
}

func TestForget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Expiration = 0
	cfg.ForgetFrames = 2
	s := newTracker(t, cfg)
	require.NoError(t, s.Process(newFrame(det(nn.COCOPerson, 0.3, 0.3))))
	require.Len(t, s.Tracks(), 1)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Process(newFrame()))
	}
	require.Len(t, s.Tracks(), 0)
}
