package app

import (
	"net"
	"testing"
	"time"

	"github.com/cyclopcam/camflow/pkg/pipeline"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/camflow/pkg/stages/frontend"
	"github.com/cyclopcam/camflow/pkg/stages/infer"
	"github.com/cyclopcam/camflow/server/config"
	"github.com/cyclopcam/logs"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

// Returns a small, fast configuration that sends RTP to 'listener'
func testConfig(listener *net.UDPConn) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Source.Streams = []frontend.StreamInfo{
		{ID: "main", Width: 320, Height: 240},
		{ID: "small", Width: 160, Height: 120},
	}
	cfg.Source.FPS = 30
	cfg.Model.Width = 64
	cfg.Model.Height = 64
	cfg.UDP.Port = listener.LocalAddr().(*net.UDPAddr).Port
	return cfg
}

func listen(t *testing.T) *net.UDPConn {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Reads RTP packets until 'n' complete JPEG frames have arrived
func receiveFrames(t *testing.T, conn *net.UDPConn, n int) [][]byte {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	frames := [][]byte{}
	current := []byte{}
	var lastTS uint32
	raw := make([]byte, 65536)
	for len(frames) < n {
		size, _, err := conn.ReadFromUDP(raw)
		require.NoError(t, err)
		pkt := rtp.Packet{}
		require.NoError(t, pkt.Unmarshal(raw[:size]))
		require.Equal(t, uint8(96), pkt.PayloadType)
		if len(current) != 0 {
			require.Equal(t, lastTS, pkt.Timestamp, "All packets of a frame share a timestamp")
		}
		lastTS = pkt.Timestamp
		current = append(current, pkt.Payload...)
		if pkt.Marker {
			frames = append(frames, current)
			current = []byte{}
		}
	}
	return frames
}

func requireJPEG(t *testing.T, b []byte) {
	require.Greater(t, len(b), 4)
	require.Equal(t, []byte{0xFF, 0xD8}, b[:2])
	require.Equal(t, []byte{0xFF, 0xD9}, b[len(b)-2:])
}

func run(t *testing.T, cfg *config.Config, conn *net.UDPConn) *App {
	a, err := New(logs.NewTestingLog(t), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	for _, f := range receiveFrames(t, conn, 3) {
		requireJPEG(t, f)
	}
	require.NoError(t, a.Stop())
	a.Close()
	return a
}

func TestTiledPipeline(t *testing.T) {
	conn := listen(t)
	a := run(t, testConfig(conn), conn)

	require.NotNil(t, a.Tiling)
	crops := a.Tiling.Counters().Extra(stage.CounterCrops).Load()
	require.GreaterOrEqual(t, crops, int64(15))
	require.Equal(t, int64(0), crops%5, "Five tiles per frame")
	require.Greater(t, a.Aggregator.Counters().Extra(stage.CounterSubFrames).Load(), int64(0))
	require.Greater(t, a.Infer.Counters().Extra(stage.CounterTensors).Load(), int64(0))
	require.GreaterOrEqual(t, a.UDP.Counters().Extra(stage.CounterPackets).Load(), int64(3))
	require.Equal(t, stage.Stopped, a.Frontend.State())
}

func TestSyncPipeline(t *testing.T) {
	conn := listen(t)
	cfg := testConfig(conn)
	cfg.Tiling.Enabled = false
	cfg.Model.Width = 160
	cfg.Model.Height = 120
	a := run(t, cfg, conn)

	require.Nil(t, a.Tiling)
	require.Greater(t, a.Postprocess.Counters().Extra(stage.CounterDetections).Load(), int64(0))
	require.Greater(t, a.Tracker.Counters().Extra(stage.CounterTracks).Load(), int64(0))
	require.Greater(t, a.Overlay.Counters().Extra(stage.CounterDetections).Load(), int64(0))
}

func TestTopology(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.UDP.Enabled = false
	cfg.Tracker.Enabled = false
	cfg.Overlay.Enabled = false
	a, err := New(logs.NewTestingLog(t), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	names := []string{}
	for _, s := range a.Pipeline.Stages() {
		names = append(names, s.Name())
	}
	require.Equal(t, []string{EncoderName, AggregatorName, PostprocessName, InferName, TilingName, FrontendName}, names)
	require.Nil(t, a.UDP)
	require.Nil(t, a.Tracker)
	require.Nil(t, a.Overlay)
	require.Len(t, a.Frontend.StreamSubscribers("main"), 1)
	require.Contains(t, a.Summary(), "tiled")
	require.Contains(t, a.Summary(), "disabled")
}

func TestInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MainStream = "missing"
	_, err := New(logs.NewTestingLog(t), cfg, nil)
	require.ErrorIs(t, err, stage.ErrConfiguration)
}

func TestCloseAfterFailedStart(t *testing.T) {
	conn := listen(t)
	cfg := testConfig(conn)
	a, err := New(logs.NewTestingLog(t), cfg, nil)
	require.NoError(t, err)
	dev := a.ownDevice

	// A general stage with no device fails to start after the real inference stage has loaded its model
	broken := infer.New(a.Log, "broken", nil, infer.DefaultConfig())
	require.NoError(t, a.Pipeline.AddStage(broken, pipeline.General))
	require.ErrorIs(t, a.Start(), stage.ErrConfiguration)
	for _, s := range a.Pipeline.Stages() {
		require.NotEqual(t, stage.Running, s.State(), s.Name())
	}
	require.Equal(t, 1, dev.Models())

	a.Close()
	require.Equal(t, 0, dev.Models())
	require.Nil(t, a.ownDevice)
	a.Close()
}

func TestBuildRejectsPoolMode(t *testing.T) {
	for _, field := range []string{"inference", "tiling"} {
		cfg := config.DefaultConfig()
		if field == "inference" {
			cfg.Inference.PoolMode = "sometimes"
		} else {
			cfg.Tiling.PoolMode = "sometimes"
		}
		// Bypass Validate, which would catch this first
		a := &App{
			Log:      logs.NewTestingLog(t),
			Config:   cfg,
			Pipeline: pipeline.New(logs.NewTestingLog(t)),
		}
		err := a.build(BuiltinModel)
		require.ErrorIs(t, err, stage.ErrConfiguration)
		require.ErrorContains(t, err, field)
	}
}
