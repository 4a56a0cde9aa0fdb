package frontend

import (
	"testing"
	"time"

	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/camflow/pkg/stage/stagetest"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestStreams(t *testing.T) {
	log := logs.NewTestingLog(t)
	cfg := DefaultTestPattern()
	cfg.FPS = 100
	cfg.MaxFrames = 3
	src, err := NewTestPattern(log, cfg)
	require.NoError(t, err)

	fe := New(log, "frontend", src)
	mainSink := stagetest.NewCollector(log, "main sink")
	smallSink := stagetest.NewCollector(log, "small sink")
	require.NoError(t, fe.SubscribeToStream("main", mainSink))
	require.NoError(t, fe.SubscribeToStream("small", smallSink))
	require.Error(t, fe.SubscribeToStream("bogus", mainSink))
	require.NotNil(t, mainSink.Queue("main"))
	require.NotNil(t, smallSink.Queue("small"))

	require.NoError(t, mainSink.Start())
	require.NoError(t, smallSink.Start())
	require.NoError(t, fe.Start())

	for i := 0; i < 3; i++ {
		m := mainSink.Next(t)
		s := smallSink.Next(t)
		require.Equal(t, 640, m.Image.Width)
		require.Equal(t, 320, s.Image.Width)
		// Frames captured together share their capture time
		require.Equal(t, m.CaptureTS, s.CaptureTS)
		require.NotZero(t, m.CaptureTS)
		ts, ok := m.LastTimestamp()
		require.True(t, ok)
		require.Equal(t, "frontend", ts.Stage)
		m.Release()
		s.Release()
	}
	mainSink.ExpectNone(t, 50*time.Millisecond)

	require.NoError(t, fe.Stop())
	require.NoError(t, mainSink.Stop())
	require.NoError(t, smallSink.Stop())
	require.Equal(t, int64(6), fe.Counters().Output.Load())
}

func TestPatternPixels(t *testing.T) {
	cfg := TestPatternConfig{
		Streams: []StreamInfo{{ID: "a", Width: 100, Height: 100}},
		Objects: []TestPatternObject{{X: 0.2, Y: 0.2, Width: 0.2, Height: 0.4}},
	}
	src, err := NewTestPattern(logs.NewTestingLog(t), cfg)
	require.NoError(t, err)
	buf := src.draw(cfg.Streams[0], 0, 1)
	pix := buf.Image.Planes[0].Data
	at := func(x, y int) byte { return pix[(y*100+x)*4] }
	require.Equal(t, byte(255), at(30, 40))
	require.Equal(t, byte(0), at(10, 10))
	require.Equal(t, byte(0), at(30, 70))
}

func TestConfigure(t *testing.T) {
	log := logs.NewTestingLog(t)
	one, err := NewTestPattern(log, TestPatternConfig{Streams: []StreamInfo{{ID: "a", Width: 8, Height: 8}}})
	require.NoError(t, err)
	other, err := NewTestPattern(log, TestPatternConfig{Streams: []StreamInfo{{ID: "b", Width: 8, Height: 8}}})
	require.NoError(t, err)

	fe := New(log, "frontend", one)
	sink := stagetest.NewCollector(log, "sink")
	fe.AddSubscriber(sink)
	require.Len(t, fe.StreamSubscribers("a"), 1)

	// The new source lacks a stream that has a subscriber
	require.ErrorIs(t, fe.Configure(other), stage.ErrConfiguration)
	again, err := NewTestPattern(log, TestPatternConfig{Streams: []StreamInfo{{ID: "a", Width: 16, Height: 16}}})
	require.NoError(t, err)
	require.NoError(t, fe.Configure(again))
	require.Equal(t, again, fe.Source())
}

func TestInvalidTestPattern(t *testing.T) {
	log := logs.NewTestingLog(t)
	_, err := NewTestPattern(log, TestPatternConfig{})
	require.Error(t, err)
	_, err = NewTestPattern(log, TestPatternConfig{Streams: []StreamInfo{{ID: "a", Width: 8, Height: 8}, {ID: "a", Width: 8, Height: 8}}})
	require.Error(t, err)
}

var _ Source = (*TestPattern)(nil)
var _ stage.Stage = (*Stage)(nil)
