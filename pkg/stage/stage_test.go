package stage

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// collector keeps every buffer it receives
type collector struct {
	*ConnectedStage
	NoInit
	got chan *frame.Buffer
}

func newCollector(t *testing.T, name string) *collector {
	c := &collector{got: make(chan *frame.Buffer, 100)}
	c.ConnectedStage = New(logs.NewTestingLog(t), name, c, Options{})
	return c
}

func (c *collector) Process(buf *frame.Buffer) error {
	c.got <- buf
	return SkipForward
}

func (c *collector) receive(t *testing.T) *frame.Buffer {
	select {
	case b := <-c.got:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for buffer")
	}
	return nil
}

// doubler multiplies the capture timestamp by two, and fails on odd timestamps
type doubler struct {
	*ConnectedStage
	NoInit
}

func newDoubler(t *testing.T, name string) *doubler {
	d := &doubler{}
	d.ConnectedStage = New(logs.NewTestingLog(t), name, d, Options{})
	return d
}

func (d *doubler) Process(buf *frame.Buffer) error {
	if buf.CaptureTS%2 == 1 {
		return Errorf(PipelineError, "odd timestamp %v", buf.CaptureTS)
	}
	buf.CaptureTS *= 2
	return nil
}

type failingInit struct {
	*ConnectedStage
}

func (f *failingInit) Init() error                     { return errors.New("no such model") }
func (f *failingInit) Deinit() error                   { return nil }
func (f *failingInit) Process(buf *frame.Buffer) error { return nil }

func newBuf(ts int64, released *atomic.Int32) *frame.Buffer {
	b := frame.New(frame.NewImage(2, 2, frame.PixelFormatGRAY), ts)
	if released != nil {
		b.OnRelease(func() { released.Add(1) })
	}
	return b
}

func TestProcessAndForward(t *testing.T) {
	released := atomic.Int32{}
	d := newDoubler(t, "doubler")
	c := newCollector(t, "sink")
	d.AddQueue("src")
	d.AddSubscriber(c)
	require.NotNil(t, c.Queue("doubler"))

	require.NoError(t, c.Start())
	require.NoError(t, d.Start())
	require.Equal(t, Running, d.State())

	d.Push(newBuf(2, &released), "src")
	d.Push(newBuf(3, &released), "src") // dropped
	d.Push(newBuf(4, &released), "src")
	d.Push(newBuf(4, &released), "nowhere") // dropped

	require.Equal(t, int64(4), c.receive(t).CaptureTS)
	b := c.receive(t)
	require.Equal(t, int64(8), b.CaptureTS)
	ts, ok := b.LastTimestamp()
	require.True(t, ok)
	require.Equal(t, "doubler", ts.Stage)

	require.NoError(t, d.Stop())
	require.NoError(t, c.Stop())
	require.Equal(t, Stopped, d.State())

	require.Equal(t, int64(3), d.Counters().Input.Load())
	require.Equal(t, int64(2), d.Counters().Output.Load())
	require.Equal(t, int64(2), d.Counters().Dropped.Load())
	require.Equal(t, int32(2), released.Load())
}

func TestFanOut(t *testing.T) {
	released := atomic.Int32{}
	d := newDoubler(t, "doubler")
	c1 := newCollector(t, "sink1")
	c2 := newCollector(t, "sink2")
	d.AddQueue("src")
	d.AddSubscriber(c1)
	d.AddSubscriber(c2)
	require.NoError(t, c1.Start())
	require.NoError(t, c2.Start())
	require.NoError(t, d.Start())
	defer d.Stop()
	defer c1.Stop()
	defer c2.Stop()

	d.Push(newBuf(2, &released), "src")
	b1 := c1.receive(t)
	b2 := c2.receive(t)
	require.Same(t, b1, b2)
	require.Equal(t, 2, b1.Refs())
	b1.Release()
	require.Equal(t, int32(0), released.Load())
	b2.Release()
	require.Equal(t, int32(1), released.Load())
}

func TestSendToSubscriber(t *testing.T) {
	d := newDoubler(t, "router")
	c1 := newCollector(t, "a")
	c2 := newCollector(t, "b")
	d.AddSubscriber(c1)
	d.AddSubscriber(c2)
	require.NoError(t, c2.Start())
	defer c2.Stop()

	require.NoError(t, d.SendToSubscriber("b", newBuf(1, nil)))
	require.Equal(t, int64(1), c2.receive(t).CaptureTS)
	require.Equal(t, 0, c1.Queue("router").Size())

	released := atomic.Int32{}
	err := d.SendToSubscriber("c", newBuf(1, &released))
	require.ErrorIs(t, err, ErrConfiguration)
	require.Equal(t, int32(1), released.Load())
}

func TestNoSubscribersReleases(t *testing.T) {
	released := atomic.Int32{}
	d := newDoubler(t, "lonely")
	d.StampAndSend(newBuf(0, &released))
	require.Equal(t, int32(1), released.Load())
	require.Equal(t, int64(1), d.Counters().Output.Load())
}

func TestInitFailure(t *testing.T) {
	f := &failingInit{}
	f.ConnectedStage = New(logs.NewTestingLog(t), "broken", f, Options{})
	err := f.Start()
	require.Error(t, err)
	require.Equal(t, ConfigurationError, StatusOf(err))
	require.ErrorIs(t, err, ErrConfiguration)
	require.Contains(t, err.Error(), "no such model")
	require.Equal(t, Stopped, f.State())
	require.NoError(t, f.Stop())
}

func TestStopIdempotent(t *testing.T) {
	// Never started
	c := newCollector(t, "idle")
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	require.Equal(t, Stopped, c.State())

	// Stop while the worker is blocked in Pop, with buffers left over
	released := atomic.Int32{}
	d := newDoubler(t, "blocked")
	d.AddQueue("src")
	require.NoError(t, d.Start())
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	require.True(t, d.EOS())

	// Pushing into a stopped stage releases the buffer
	d.Push(newBuf(2, &released), "src")
	require.Equal(t, int32(1), released.Load())

	// Restart
	require.NoError(t, d.Start())
	require.Equal(t, Running, d.State())
	require.NoError(t, d.Stop())
}

// slowInit blocks in Init until 'release' is closed
type slowInit struct {
	*ConnectedStage
	entered chan struct{}
	release chan struct{}
}

func (s *slowInit) Init() error {
	close(s.entered)
	<-s.release
	return nil
}
func (s *slowInit) Deinit() error                   { return nil }
func (s *slowInit) Process(buf *frame.Buffer) error { return nil }

func TestStopDuringInit(t *testing.T) {
	s := &slowInit{entered: make(chan struct{}), release: make(chan struct{})}
	s.ConnectedStage = New(logs.NewTestingLog(t), "slow", s, Options{})
	s.AddQueue("src")

	started := make(chan error, 1)
	go func() { started <- s.Start() }()
	<-s.entered

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	time.Sleep(10 * time.Millisecond)
	close(s.release)

	require.NoError(t, <-started)
	require.NoError(t, <-stopped)
	require.Equal(t, Stopped, s.State())
}

func TestTopologyFixedAfterStart(t *testing.T) {
	d := newDoubler(t, "fixed")
	d.AddQueue("a")
	require.NoError(t, d.Start())
	d.AddQueue("b")
	require.Nil(t, d.Queue("b"))
	require.NoError(t, d.Stop())
}

func TestMultipleQueues(t *testing.T) {
	d := newDoubler(t, "merge")
	c := newCollector(t, "sink")
	d.AddQueue("a")
	d.AddQueue("b")
	d.AddSubscriber(c)
	require.NoError(t, c.Start())
	require.NoError(t, d.Start())
	defer c.Stop()

	d.Push(newBuf(2, nil), "a")
	d.Push(newBuf(10, nil), "b")
	d.Push(newBuf(4, nil), "a")
	seen := map[int64]bool{}
	for i := 0; i < 3; i++ {
		seen[c.receive(t).CaptureTS] = true
	}
	require.Equal(t, map[int64]bool{4: true, 20: true, 8: true}, seen)
	require.NoError(t, d.Stop())
}

func TestStatus(t *testing.T) {
	err := Errorf(HardwareError, "device %v gone", 0)
	require.ErrorIs(t, err, ErrHardware)
	require.NotErrorIs(t, err, ErrPipeline)
	require.Equal(t, HardwareError, StatusOf(err))
	require.Equal(t, Success, StatusOf(nil))
	require.Equal(t, PipelineError, StatusOf(errors.New("plain")))

	wrapped := withStage("infer", PipelineError, err)
	require.ErrorIs(t, wrapped, ErrHardware)
	require.Equal(t, "infer: HardwareError: device 0 gone", wrapped.Error())
	require.Equal(t, "BufferAllocationError", BufferAllocationError.String())

	// A status buried inside a plain wrapper survives
	outer := fmt.Errorf("loading model: %w", err)
	require.Equal(t, HardwareError, StatusOf(withStage("infer", ConfigurationError, outer)))
	require.Equal(t, ConfigurationError, StatusOf(withStage("infer", ConfigurationError, errors.New("x"))))
}

func TestCounters(t *testing.T) {
	c := Counters{}
	c.Input.Add(3)
	c.Extra(CounterSubFrames).Add(2)
	c.Extra(CounterSubFrames).Add(1)
	require.Equal(t, int64(3), c.ExtraValue(CounterSubFrames))
	require.Equal(t, int64(0), c.ExtraValue(CounterTensors))
	require.Equal(t, "input 3, output 0, dropped 0, available buffers 0, failed acquire 0, sub frames 3", c.String())
}
