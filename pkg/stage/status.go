package stage

import (
	"errors"
	"fmt"
)

// Status classifies the errors that stages report
type Status int

const (
	Success               Status = iota
	Uninitialized                // Stage used before it was initialized
	ConfigurationError           // Bad configuration
	HardwareError                // An accelerator call failed
	BufferAllocationError        // A buffer pool was exhausted under the fail-fast policy
	PipelineError                // Malformed buffer, such as missing required metadata
	DmaError                     // Zero-copy synchronization failure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case Uninitialized:
		return "Uninitialized"
	case ConfigurationError:
		return "ConfigurationError"
	case HardwareError:
		return "HardwareError"
	case BufferAllocationError:
		return "BufferAllocationError"
	case PipelineError:
		return "PipelineError"
	case DmaError:
		return "DmaError"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// StatusError is an error with a Status attached.
// errors.Is(err, ErrHardware) is true for any StatusError with Status == HardwareError.
type StatusError struct {
	Status Status
	Stage  string
	Err    error
}

var (
	ErrUninitialized    = &StatusError{Status: Uninitialized}
	ErrConfiguration    = &StatusError{Status: ConfigurationError}
	ErrHardware         = &StatusError{Status: HardwareError}
	ErrBufferAllocation = &StatusError{Status: BufferAllocationError}
	ErrPipeline         = &StatusError{Status: PipelineError}
	ErrDma              = &StatusError{Status: DmaError}
)

// SkipForward is returned by Processor.Process to say that the frame was handled successfully,
// but the stage has taken responsibility for forwarding (or releasing) it.
// It is not an error.
var SkipForward = errors.New("skip forward")

func (e *StatusError) Error() string {
	msg := e.Status.String()
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	return ok && t.Err == nil && t.Stage == "" && t.Status == e.Status
}

// Errorf creates a StatusError
func Errorf(status Status, format string, a ...any) error {
	return &StatusError{Status: status, Err: fmt.Errorf(format, a...)}
}

// StatusOf returns the Status of an error. Errors without a status are PipelineErrors.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return PipelineError
}

// withStage attaches the stage name to an error, defaulting its status
func withStage(name string, status Status, err error) error {
	if se, ok := err.(*StatusError); ok {
		if se.Stage != "" {
			return err
		}
		return &StatusError{Status: se.Status, Stage: name, Err: se.Err}
	}
	return &StatusError{Status: StatusOfOr(err, status), Stage: name, Err: err}
}

// StatusOfOr returns the Status of an error, or 'fallback' if the error doesn't carry one
func StatusOfOr(err error, fallback Status) Status {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return fallback
}
