// Package infer runs a neural network on an accelerator, asynchronously.
//
// Two limits bound the work in progress. The input queue bounds the number of frames waiting
// for this stage, and the job limit bounds the number of frames that have been handed to the
// accelerator and not yet completed. The accelerator completes jobs on its own goroutines,
// and the completion attaches the output tensors to the input frame and forwards it.
package infer

import (
	"errors"
	"sync"
	"time"

	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/nn"
	"github.com/cyclopcam/camflow/pkg/nnaccel"
	"github.com/cyclopcam/camflow/pkg/roi"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
)

const (
	DefaultReadyTimeout    = time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	ModelPath          string
	QueueSize          int
	PoolSize           int // Number of buffers per output tensor
	BatchSize          int
	JobLimit           int // Maximum number of jobs in flight on the accelerator
	SchedulerThreshold int
	SchedulerTimeout   time.Duration
	DynamicThreshold   bool // Set the scheduler threshold to the size of each incoming batch
	PoolMode           nnaccel.PoolMode
	ReadyTimeout       time.Duration
	ShutdownTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:          stage.DefaultQueueSize,
		PoolSize:           8,
		BatchSize:          1,
		JobLimit:           4,
		SchedulerThreshold: 4,
		SchedulerTimeout:   100 * time.Millisecond,
		PoolMode:           nnaccel.PoolBlocking,
		ReadyTimeout:       DefaultReadyTimeout,
		ShutdownTimeout:    DefaultShutdownTimeout,
	}
}

type Stage struct {
	*stage.ConnectedStage
	cfg    Config
	device nnaccel.Device

	// Established in Init, and constant while running
	model   nnaccel.Model
	input   nn.TensorInfo
	outputs []nn.TensorInfo
	pools   map[string]*nnaccel.Pool

	mu          sync.Mutex
	cond        *sync.Cond
	active      int  // Jobs in flight
	maxActive   int  // High water mark of 'active'
	interrupted bool // Stop has been requested
	threshold   int  // Current scheduler threshold
}

func New(log logs.Log, name string, device nnaccel.Device, cfg Config) *Stage {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.JobLimit <= 0 {
		cfg.JobLimit = def.JobLimit
	}
	if cfg.SchedulerThreshold <= 0 {
		cfg.SchedulerThreshold = def.SchedulerThreshold
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	s := &Stage{
		cfg:    cfg,
		device: device,
	}
	s.cond = sync.NewCond(&s.mu)
	s.ConnectedStage = stage.New(log, name, s, stage.Options{QueueSize: cfg.QueueSize})
	return s
}

// Model returns the loaded model, or nil if the stage has not been started
func (s *Stage) Model() nnaccel.Model {
	return s.model
}

// Outputs returns the output tensors of the model
func (s *Stage) Outputs() []nn.TensorInfo {
	return s.outputs
}

// InFlight returns the number of jobs that the accelerator has not yet completed
func (s *Stage) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Stage) Init() error {
	if s.device == nil {
		return stage.Errorf(stage.ConfigurationError, "No accelerator device")
	}
	setup := nnaccel.NewModelSetup()
	setup.BatchSize = s.cfg.BatchSize
	setup.SchedulerThreshold = s.cfg.SchedulerThreshold
	setup.SchedulerTimeout = s.cfg.SchedulerTimeout
	model, err := s.device.LoadModel(s.cfg.ModelPath, setup)
	if err != nil {
		return stage.Errorf(stage.HardwareError, "Failed to load model %v: %w", s.cfg.ModelPath, err)
	}
	if err := model.SetSchedulerThreshold(s.cfg.SchedulerThreshold); err != nil {
		model.Close()
		return stage.Errorf(stage.ConfigurationError, "%w", err)
	}
	if err := model.SetSchedulerTimeout(s.cfg.SchedulerTimeout); err != nil {
		model.Close()
		return stage.Errorf(stage.ConfigurationError, "%w", err)
	}

	s.model = model
	s.input = model.Input()
	s.outputs = append([]nn.TensorInfo(nil), model.Outputs()...)
	s.pools = map[string]*nnaccel.Pool{}
	for _, out := range s.outputs {
		size := out.FrameSize()
		if size <= 0 {
			model.Close()
			return stage.Errorf(stage.ConfigurationError, "Output %v has no size", out.Name)
		}
		s.pools[out.Name] = nnaccel.NewPool(out.Name, s.cfg.PoolSize, size)
	}
	s.Counters().AvailableBuffers.Store(int64(s.cfg.PoolSize))

	s.mu.Lock()
	s.active = 0
	s.maxActive = 0
	s.interrupted = false
	s.threshold = s.cfg.SchedulerThreshold
	s.mu.Unlock()

	s.Log.Infof("Model %v loaded: input %v x %v, %v outputs, job limit %v, pool %v (%v)",
		s.cfg.ModelPath, s.input.Width, s.input.Height, len(s.outputs), s.cfg.JobLimit, s.cfg.PoolSize, s.cfg.PoolMode)
	return nil
}

// Deinit waits for the last job to complete, and then closes the model
func (s *Stage) Deinit() error {
	if s.model == nil {
		return nil
	}
	var err error
	if left := s.waitIdle(s.cfg.ShutdownTimeout); left != 0 {
		err = stage.Errorf(stage.HardwareError, "%v jobs still in flight after %v", left, s.cfg.ShutdownTimeout)
	}
	s.model.Close()
	return err
}

// Interrupt wakes the worker if it is waiting for the job budget
func (s *Stage) Interrupt() {
	s.mu.Lock()
	s.interrupted = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Stage) Process(buf *frame.Buffer) error {
	pos, dynamic := buf.BatchPosition()
	dynamic = dynamic && s.cfg.DynamicThreshold && pos.Total > 0
	if dynamic && pos.Index == 0 {
		// A new batch must not overlap the previous one on the accelerator
		if !s.waitForBudget(1) {
			buf.Release()
			return stage.SkipForward
		}
	}

	if !s.waitForBudget(s.cfg.JobLimit) {
		buf.Release()
		return stage.SkipForward
	}

	// The job budget splits a batch into groups of at most JobLimit jobs, and the threshold
	// is set to the size of each group as it begins. Past the budget wait, the previous
	// group has already been taken by the scheduler.
	if dynamic && pos.Index%s.cfg.JobLimit == 0 {
		if err := s.setThreshold(groupSize(pos, s.cfg.JobLimit)); err != nil {
			return err
		}
	}

	img := buf.Image
	if img.Width != s.input.Width || img.Height != s.input.Height || img.Format != frame.PixelFormatRGBA {
		return stage.Errorf(stage.PipelineError, "Frame is %v x %v %v, but the model needs %v x %v RGBA",
			img.Width, img.Height, img.Format, s.input.Width, s.input.Height)
	}

	bindings := s.model.CreateBindings()
	bindings.Input = make([][]byte, len(img.Planes))
	for i, p := range img.Planes {
		bindings.Input[i] = p.Data
	}

	outs, err := s.acquireOutputs()
	if err != nil {
		if err == errSkip {
			buf.Release()
			return stage.SkipForward
		}
		return err
	}
	for name, b := range outs.bufs {
		bindings.Outputs[name] = b
	}

	if err := s.model.WaitForAsyncReady(s.cfg.ReadyTimeout); err != nil {
		outs.release()
		return stage.Errorf(stage.HardwareError, "Accelerator not ready: %w", err)
	}

	s.mu.Lock()
	s.active++
	s.maxActive = max(s.maxActive, s.active)
	s.mu.Unlock()

	_, err = s.model.RunAsync(bindings, func(info nnaccel.CompletionInfo) {
		s.complete(buf, outs, info)
	})
	if err != nil {
		s.jobDone()
		outs.release()
		return stage.Errorf(stage.HardwareError, "Failed to submit job: %w", err)
	}
	return stage.SkipForward
}

// Runs on an accelerator goroutine
func (s *Stage) complete(buf *frame.Buffer, outs *outputSet, info nnaccel.CompletionInfo) {
	s.jobDone()

	if info.Err != nil {
		outs.release()
		s.DropFrame(buf, stage.Errorf(stage.HardwareError, "Inference failed: %w", info.Err))
		return
	}
	if s.EOS() {
		outs.release()
		buf.Release()
		return
	}

	for _, out := range s.outputs {
		data := outs.bufs[out.Name]
		buf.AddMetadata(frame.TensorMeta(frame.Tensor{Name: out.Name, Data: data, Info: out}))
		buf.ROI().AddTensor(&roi.Tensor{Name: out.Name, Data: data, Info: out})
	}
	buf.OnRelease(outs.release)
	s.Counters().Extra(stage.CounterTensors).Add(int64(len(outs.bufs)))
	s.StampAndSend(buf)
}

// Used by acquireOutputs when the frame should be dropped without logging an error
var errSkip = errors.New("skip")

// outputSet is the output tensors of one job, along with the pools that own them.
// A restart creates new pools, so the buffers must go back to the pools they came from.
type outputSet struct {
	pools    map[string]*nnaccel.Pool
	bufs     map[string][]byte
	counters *stage.Counters
}

func (o *outputSet) release() {
	for name, b := range o.bufs {
		o.pools[name].Release(b)
	}
	clear(o.bufs)
	updateAvailable(o.pools, o.counters)
}

func updateAvailable(pools map[string]*nnaccel.Pool, counters *stage.Counters) {
	avail := -1
	for _, p := range pools {
		if avail < 0 || p.Available() < avail {
			avail = p.Available()
		}
	}
	counters.AvailableBuffers.Store(int64(max(avail, 0)))
}

func (s *Stage) acquireOutputs() (*outputSet, error) {
	outs := &outputSet{
		pools:    s.pools,
		bufs:     make(map[string][]byte, len(s.outputs)),
		counters: s.Counters(),
	}
	for _, out := range s.outputs {
		b, err := s.pools[out.Name].Get(s.cfg.PoolMode, s.StopRequested())
		if err != nil {
			outs.release()
			switch {
			case errors.Is(err, nnaccel.ErrCancelled):
				return nil, errSkip
			case s.cfg.PoolMode == nnaccel.PoolDrop:
				s.Counters().FailedAcquire.Add(1)
				s.Counters().Dropped.Add(1)
				return nil, errSkip
			}
			s.Counters().FailedAcquire.Add(1)
			return nil, stage.Errorf(stage.BufferAllocationError, "Tensor pool %v: %w", out.Name, err)
		}
		outs.bufs[out.Name] = b
	}
	updateAvailable(outs.pools, outs.counters)
	return outs, nil
}

// waitForBudget waits until fewer than 'limit' jobs are in flight.
// Returns false if Stop interrupted the wait.
func (s *Stage) waitForBudget(limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active >= limit && !s.interrupted {
		s.cond.Wait()
	}
	return !s.interrupted
}

func (s *Stage) jobDone() {
	s.mu.Lock()
	s.active--
	s.cond.Broadcast()
	s.mu.Unlock()
}

// waitIdle waits for all jobs to complete, and returns the number still in flight after 'timeout'
func (s *Stage) waitIdle(timeout time.Duration) int {
	expired := false
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		expired = true
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active > 0 && !expired {
		s.cond.Wait()
	}
	return s.active
}

// Returns the number of jobs in the group of 'limit' jobs that starts at pos.Index
func groupSize(pos frame.BatchPosition, limit int) int {
	return min(limit, pos.Total-pos.Index)
}

func (s *Stage) setThreshold(threshold int) error {
	if threshold <= 0 {
		return nil
	}
	s.mu.Lock()
	same := threshold == s.threshold
	s.mu.Unlock()
	if same {
		return nil
	}
	if err := s.model.SetSchedulerThreshold(threshold); err != nil {
		return stage.Errorf(stage.HardwareError, "%w", err)
	}
	s.mu.Lock()
	s.threshold = threshold
	s.mu.Unlock()
	s.Log.Debugf("Scheduler threshold is now %v", threshold)
	return nil
}
