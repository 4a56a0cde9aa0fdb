package nnaccel

import (
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/camflow/pkg/nn"
	"github.com/cyclopcam/camflow/pkg/perfstats"
	"github.com/cyclopcam/logs"
)

// Number of jobs that a soft model accepts before WaitForAsyncReady blocks
const softQueueDepth = 16

// InferFunc computes the outputs of a model for one input frame
type InferFunc func(input [][]byte, inputInfo nn.TensorInfo, outputs map[string][]byte, outputInfo []nn.TensorInfo) error

// SoftModelSpec describes a model that runs on the CPU
type SoftModelSpec struct {
	Config  nn.ModelConfig
	Infer   InferFunc
	Latency time.Duration // Simulated execution time of one batch
}

// SoftDevice is an accelerator implemented in software.
// It has the same asynchronous behaviour as a hardware device: jobs are queued, grouped
// into batches by a scheduler, and completed on the device's own goroutine.
type SoftDevice struct {
	Log logs.Log

	mu     sync.Mutex
	specs  map[string]SoftModelSpec
	models []*SoftModel
}

func NewSoftDevice(log logs.Log) *SoftDevice {
	return &SoftDevice{
		Log:   log,
		specs: map[string]SoftModelSpec{},
	}
}

// Register makes a model available under 'filename', without touching the filesystem
func (d *SoftDevice) Register(filename string, spec SoftModelSpec) {
	d.mu.Lock()
	d.specs[filename] = spec
	d.mu.Unlock()
}

// LoadModel loads a registered model, or else a JSON model config from disk.
// Models loaded from disk detect bright objects (see BrightObjectDetector).
func (d *SoftDevice) LoadModel(filename string, setup *ModelSetup) (Model, error) {
	d.mu.Lock()
	spec, ok := d.specs[filename]
	d.mu.Unlock()
	if !ok {
		config, err := nn.LoadModelConfig(filename)
		if err != nil {
			return nil, err
		}
		spec = SoftModelSpec{
			Config: *config,
			Infer:  BrightObjectDetector(0.5),
		}
	}
	if spec.Infer == nil {
		spec.Infer = EmptyInfer
	}
	if setup == nil {
		setup = NewModelSetup()
	}
	m := &SoftModel{
		log:       d.Log,
		spec:      spec,
		threshold: max(1, setup.SchedulerThreshold),
		timeout:   setup.SchedulerTimeout,
		jobs:      make(chan *softJob, softQueueDepth),
		quit:      make(chan struct{}),
		changed:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.scheduler()

	d.mu.Lock()
	d.models = append(d.models, m)
	d.mu.Unlock()
	d.Log.Infof("Loaded soft model %v (%v x %v, %v outputs)", filename, spec.Config.Width, spec.Config.Height, len(spec.Config.Outputs))
	return m, nil
}

// Models returns the number of models loaded since the device was last closed
func (d *SoftDevice) Models() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.models)
}

// Close closes all models
func (d *SoftDevice) Close() {
	d.mu.Lock()
	models := d.models
	d.models = nil
	d.mu.Unlock()
	for _, m := range models {
		m.Close()
	}
}

type softJob struct {
	bindings  *Bindings
	done      func(CompletionInfo)
	submitted time.Time
	finished  chan struct{}
}

func (j *softJob) Wait(wait time.Duration) bool {
	select {
	case <-j.finished:
		return true
	default:
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-j.finished:
		return true
	case <-t.C:
		return false
	}
}

// SoftModel is a model loaded on a SoftDevice
type SoftModel struct {
	log  logs.Log
	spec SoftModelSpec
	jobs chan *softJob
	quit chan struct{}
	wg   sync.WaitGroup

	mu        sync.Mutex
	changed   chan struct{}
	threshold int
	timeout   time.Duration
	pending   int
	closed    bool
	batches   int

	JobTime perfstats.MovingAverage // Nanoseconds between submission and completion
}

func (m *SoftModel) Input() nn.TensorInfo {
	return m.spec.Config.Input()
}

func (m *SoftModel) Outputs() []nn.TensorInfo {
	return m.spec.Config.Outputs
}

func (m *SoftModel) Config() *nn.ModelConfig {
	return &m.spec.Config
}

func (m *SoftModel) SetSchedulerThreshold(threshold int) error {
	if threshold < 1 {
		return fmt.Errorf("Invalid scheduler threshold %v", threshold)
	}
	m.mu.Lock()
	m.threshold = threshold
	m.mu.Unlock()
	return nil
}

func (m *SoftModel) SetSchedulerTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return fmt.Errorf("Invalid scheduler timeout %v", timeout)
	}
	m.mu.Lock()
	m.timeout = timeout
	m.mu.Unlock()
	return nil
}

// SchedulerThreshold returns the current scheduler threshold
func (m *SoftModel) SchedulerThreshold() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threshold
}

// Batches returns the number of batches that have run
func (m *SoftModel) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

func (m *SoftModel) CreateBindings() *Bindings {
	return &Bindings{
		Outputs: map[string][]byte{},
	}
}

// Must be called with the lock held
func (m *SoftModel) signal() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *SoftModel) WaitForAsyncReady(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.closed {
			return ErrClosed
		}
		if m.pending < softQueueDepth {
			return nil
		}
		ch := m.changed
		m.mu.Unlock()
		select {
		case <-ch:
			m.mu.Lock()
		case <-t.C:
			m.mu.Lock()
			return ErrTimeout
		}
	}
}

func (m *SoftModel) RunAsync(b *Bindings, done func(info CompletionInfo)) (AsyncJob, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.pending >= softQueueDepth {
		m.mu.Unlock()
		return nil, ErrNotReady
	}
	m.pending++
	job := &softJob{
		bindings:  b,
		done:      done,
		submitted: time.Now(),
		finished:  make(chan struct{}),
	}
	// Never blocks, because pending <= softQueueDepth
	m.jobs <- job
	m.mu.Unlock()
	return job, nil
}

// Close stops the scheduler. Jobs that have not yet run complete with ErrClosed.
func (m *SoftModel) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.quit)
	m.signal()
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *SoftModel) scheduler() {
	defer m.wg.Done()
	for {
		var first *softJob
		select {
		case first = <-m.jobs:
		case <-m.quit:
			m.abortQueued()
			return
		}

		m.mu.Lock()
		threshold := m.threshold
		timeout := m.timeout
		m.mu.Unlock()

		// Wait for the batch to fill up, or for the scheduler timeout
		batch := []*softJob{first}
		deadline := time.NewTimer(timeout)
	collect:
		for len(batch) < threshold {
			select {
			case j := <-m.jobs:
				batch = append(batch, j)
			case <-deadline.C:
				break collect
			case <-m.quit:
				break collect
			}
		}
		deadline.Stop()
		m.runBatch(batch)
	}
}

func (m *SoftModel) runBatch(batch []*softJob) {
	if m.spec.Latency != 0 {
		time.Sleep(m.spec.Latency)
	}
	m.mu.Lock()
	m.batches++
	m.mu.Unlock()
	input := m.Input()
	for _, j := range batch {
		err := m.spec.Infer(j.bindings.Input, input, j.bindings.Outputs, m.spec.Config.Outputs)
		m.complete(j, err)
	}
}

func (m *SoftModel) complete(j *softJob, err error) {
	m.mu.Lock()
	m.pending--
	m.signal()
	m.mu.Unlock()
	elapsed := time.Since(j.submitted)
	m.JobTime.Update(elapsed.Nanoseconds())
	j.done(CompletionInfo{Err: err, Duration: elapsed})
	close(j.finished)
}

func (m *SoftModel) abortQueued() {
	for {
		select {
		case j := <-m.jobs:
			m.complete(j, ErrClosed)
		default:
			return
		}
	}
}

// EmptyInfer produces outputs with no detections
func EmptyInfer(input [][]byte, inputInfo nn.TensorInfo, outputs map[string][]byte, outputInfo []nn.TensorInfo) error {
	for _, info := range outputInfo {
		out := outputs[info.Name]
		if info.Format == nn.TensorFormatNMSByClass {
			if _, err := nn.EncodeNMSByClass(nil, info.NMS, out); err != nil {
				return err
			}
		} else {
			clear(out)
		}
	}
	return nil
}
