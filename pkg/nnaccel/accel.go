// Package nnaccel is the boundary between the pipeline and a neural network accelerator.
//
// The accelerator runs jobs asynchronously. A job is submitted with RunAsync, and when it
// finishes, the accelerator invokes the job's completion function on a goroutine of its own.
package nnaccel

import (
	"errors"
	"time"

	"github.com/cyclopcam/camflow/pkg/nn"
)

var (
	ErrTimeout  = errors.New("Timeout waiting for accelerator")
	ErrClosed   = errors.New("Model is closed")
	ErrNotReady = errors.New("Accelerator is not ready for another job")
)

// ModelSetup configures a model when it is loaded
type ModelSetup struct {
	BatchSize          int
	SchedulerThreshold int           // Number of queued frames that triggers a batch
	SchedulerTimeout   time.Duration // A partial batch runs after this long
}

func NewModelSetup() *ModelSetup {
	return &ModelSetup{
		BatchSize:          1,
		SchedulerThreshold: 4,
		SchedulerTimeout:   100 * time.Millisecond,
	}
}

// Device is an accelerator that can load models
type Device interface {
	LoadModel(filename string, setup *ModelSetup) (Model, error)
	Close()
}

// Bindings are the memory of one job. The input planes and output buffers are used in place.
type Bindings struct {
	Input   [][]byte          // Planes of the input frame (eg Y and UV for NV12)
	Outputs map[string][]byte // One buffer per output tensor, keyed by tensor name
}

// CompletionInfo is passed to the completion function of a job
type CompletionInfo struct {
	Err      error
	Duration time.Duration // Time between submission and completion
}

// AsyncJob is a handle to a submitted job
type AsyncJob interface {
	// Returns true if the job finished within 'wait'
	Wait(wait time.Duration) bool
}

// Model is a network loaded onto a device
type Model interface {
	Input() nn.TensorInfo
	Outputs() []nn.TensorInfo
	Config() *nn.ModelConfig

	SetSchedulerThreshold(threshold int) error
	SetSchedulerTimeout(timeout time.Duration) error

	CreateBindings() *Bindings

	// WaitForAsyncReady waits until the device will accept another job
	WaitForAsyncReady(timeout time.Duration) error

	// RunAsync submits a job. 'done' runs on an accelerator goroutine when the job finishes.
	// If RunAsync returns an error, 'done' is never called.
	RunAsync(b *Bindings, done func(info CompletionInfo)) (AsyncJob, error)

	Close()
}
