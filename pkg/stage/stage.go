// Package stage defines the contract between pipeline stages, and ConnectedStage,
// which runs a Processor on its own goroutine behind a set of input queues.
package stage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/log"
	"github.com/cyclopcam/camflow/pkg/perfstats"
	"github.com/cyclopcam/camflow/pkg/queue"
	"github.com/cyclopcam/logs"
)

const DefaultQueueSize = 5
const DefaultStopTimeout = 15 * time.Second

// State is the lifecycle state of a stage: Created -> Initialized -> Running -> Draining -> Stopped
type State int32

const (
	Created State = iota
	Initialized
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Initialized:
		return "Initialized"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Stopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Stage is a node of the pipeline graph
type Stage interface {
	Name() string
	Start() error
	Stop() error
	State() State

	// Wiring. Topology is fixed once a stage has started.
	AddQueue(name string)
	AddSubscriber(sub Stage)

	// Push hands a buffer to this stage. 'source' names the input queue, which is the name
	// of the upstream stage (or stream). The stage takes ownership of the buffer.
	Push(buf *frame.Buffer, source string)

	Counters() *Counters
	Latency() time.Duration
}

// Processor is the part of a stage that a stage author writes
type Processor interface {
	Init() error
	// Process handles one buffer. On a nil return, the buffer is stamped and forwarded to all subscribers.
	// Return SkipForward if Process has forwarded or released the buffer itself.
	// Any other error drops the frame.
	Process(buf *frame.Buffer) error
	Deinit() error
}

// Looper is implemented by processors that need their own main loop instead of
// the default pop-process-forward loop. Loop must return once EOS() is true.
type Looper interface {
	Loop()
}

// Interrupter is implemented by processors that can be blocked somewhere other than
// in their input queues, so that Stop can wake them up.
type Interrupter interface {
	Interrupt()
}

// NoInit can be embedded by processors that have nothing to set up or tear down
type NoInit struct{}

func (NoInit) Init() error   { return nil }
func (NoInit) Deinit() error { return nil }

type Options struct {
	QueueSize   int           // Capacity of each input queue
	Leaky       bool          // Input queues evict their oldest buffer when full, instead of blocking the producer
	StopTimeout time.Duration // How long Stop waits for the worker goroutine
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	return o
}

// ConnectedStage implements Stage around a Processor.
// It owns one input queue per upstream, a list of subscribers, and one worker goroutine.
type ConnectedStage struct {
	Log logs.Log

	name   string
	proc   Processor
	opts   Options
	errLog *log.Throttle

	mu          sync.Mutex
	queues      []*queue.Queue
	subscribers []Stage
	latency     perfstats.TimeAccumulator
	stopping    chan struct{}
	initialized chan struct{} // Closed once Init has returned
	done        chan struct{}
	deinitErr   error

	state    atomic.Int32
	notify   chan struct{}
	counters Counters
	rr       int // round robin position over the input queues
}

// New creates a stage. 'proc' is usually the struct that embeds the returned ConnectedStage.
func New(logger logs.Log, name string, proc Processor, opts Options) *ConnectedStage {
	l := log.ForStage(logger, name)
	return &ConnectedStage{
		Log:      l,
		name:     name,
		proc:     proc,
		opts:     opts.withDefaults(),
		errLog:   log.NewThrottle(l, log.DefaultThrottleInterval),
		notify:   make(chan struct{}, 1),
		stopping: make(chan struct{}),
	}
}

func (s *ConnectedStage) Name() string {
	return s.name
}

func (s *ConnectedStage) State() State {
	return State(s.state.Load())
}

func (s *ConnectedStage) setState(st State) {
	s.state.Store(int32(st))
}

// EOS is true once Stop has been called
func (s *ConnectedStage) EOS() bool {
	return s.State() >= Draining
}

// StopRequested returns a channel that is closed when Stop is called
func (s *ConnectedStage) StopRequested() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *ConnectedStage) Counters() *Counters {
	return &s.counters
}

// Latency returns the average time between the previous stage's timestamp and this stage's timestamp
func (s *ConnectedStage) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency.Average()
}

// Must be called with the lock held
func (s *ConnectedStage) wiringAllowed() bool {
	st := s.State()
	if st != Created && st != Stopped {
		s.Log.Errorf("Topology can't change while the stage is %v", st)
		return false
	}
	return true
}

// AddQueue creates an input queue fed by the upstream called 'name'
func (s *ConnectedStage) AddQueue(name string) {
	policy := queue.Blocking
	if s.opts.Leaky {
		policy = queue.Leaky
	}
	s.AddQueueWith(name, s.opts.QueueSize, policy)
}

// AddQueueWith creates an input queue with its own size and policy
func (s *ConnectedStage) AddQueueWith(name string, size int, policy queue.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wiringAllowed() {
		return
	}
	for _, q := range s.queues {
		if q.Name() == name {
			return
		}
	}
	if size <= 0 {
		size = s.opts.QueueSize
	}
	q := queue.New(s.Log, name, size, policy)
	q.SetNotify(s.notify)
	q.SetDropCounter(&s.counters.Dropped)
	s.queues = append(s.queues, q)
}

// AddSubscriber makes 'sub' a downstream of this stage
func (s *ConnectedStage) AddSubscriber(sub Stage) {
	s.mu.Lock()
	if !s.wiringAllowed() {
		s.mu.Unlock()
		return
	}
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()
	sub.AddQueue(s.name)
}

// Queue returns the input queue fed by 'name', or nil
func (s *ConnectedStage) Queue(name string) *queue.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		if q.Name() == name {
			return q
		}
	}
	return nil
}

func (s *ConnectedStage) Queues() []*queue.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*queue.Queue(nil), s.queues...)
}

func (s *ConnectedStage) Subscribers() []Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Stage(nil), s.subscribers...)
}

func (s *ConnectedStage) Push(buf *frame.Buffer, source string) {
	q := s.Queue(source)
	if q == nil {
		s.errLog.Errorf("No input queue named '%v'", source)
		s.counters.Dropped.Add(1)
		buf.Release()
		return
	}
	s.counters.Input.Add(1)
	if !q.Push(buf) {
		s.counters.Dropped.Add(1)
	}
}

// Start runs Init on the worker goroutine, and returns its error.
// If Init succeeds, the worker goes on to run the processing loop.
func (s *ConnectedStage) Start() error {
	s.mu.Lock()
	st := s.State()
	if st != Created && st != Stopped {
		s.mu.Unlock()
		return &StatusError{Status: PipelineError, Stage: s.name, Err: fmt.Errorf("can't start from state %v", st)}
	}
	for _, q := range s.queues {
		q.Reopen()
	}
	s.setState(Created)
	s.stopping = make(chan struct{})
	s.initialized = make(chan struct{})
	s.done = make(chan struct{})
	s.deinitErr = nil
	initialized, done := s.initialized, s.done
	s.mu.Unlock()

	initResult := make(chan error, 1)
	go s.run(initResult, initialized, done)
	return <-initResult
}

func (s *ConnectedStage) run(initResult chan<- error, initialized, done chan struct{}) {
	defer close(done)
	if err := s.proc.Init(); err != nil {
		s.setState(Stopped)
		close(initialized)
		initResult <- withStage(s.name, ConfigurationError, err)
		return
	}
	s.mu.Lock()
	s.setState(Initialized)
	s.setState(Running)
	s.mu.Unlock()
	close(initialized)
	initResult <- nil

	if l, ok := s.proc.(Looper); ok {
		l.Loop()
	} else {
		s.defaultLoop()
	}

	if err := s.proc.Deinit(); err != nil {
		s.Log.Errorf("Deinit failed: %v", err)
		s.deinitErr = withStage(s.name, PipelineError, err)
	}
	s.setState(Stopped)
}

// Stop sets end-of-stream, flushes the input queues, and waits for the worker goroutine to exit.
// Buffers that are still queued are released. Stop is idempotent.
func (s *ConnectedStage) Stop() error {
	s.mu.Lock()
	done := s.done
	first := false
	switch s.State() {
	case Created:
		if done == nil {
			s.setState(Stopped)
			s.mu.Unlock()
			return nil
		}
		// Init is still running. Let it finish, then stop whatever it started.
		initialized := s.initialized
		s.mu.Unlock()
		<-initialized
		return s.Stop()
	case Initialized, Running:
		s.setState(Draining)
		close(s.stopping)
		first = true
	}
	queues := append([]*queue.Queue(nil), s.queues...)
	s.mu.Unlock()

	if done == nil {
		return nil
	}

	if first {
		for _, q := range queues {
			q.Flush()
		}
		if i, ok := s.proc.(Interrupter); ok {
			i.Interrupt()
		}
	}

	select {
	case <-done:
	case <-time.After(s.opts.StopTimeout):
		return &StatusError{Status: PipelineError, Stage: s.name, Err: fmt.Errorf("timed out after %v waiting for worker to exit", s.opts.StopTimeout)}
	}

	if !first {
		return nil
	}
	for _, q := range queues {
		for _, b := range q.Drain() {
			b.Release()
		}
	}
	return s.deinitErr
}

func (s *ConnectedStage) defaultLoop() {
	queues := s.Queues()
	for {
		buf := s.next(queues)
		if buf == nil {
			return
		}
		s.handleResult(buf, s.proc.Process(buf))
	}
}

// Returns the next input buffer, or nil at end of stream.
// With several inputs, the queues are visited round robin.
func (s *ConnectedStage) next(queues []*queue.Queue) *frame.Buffer {
	switch len(queues) {
	case 0:
		<-s.StopRequested()
		return nil
	case 1:
		return queues[0].Pop()
	}
	n := len(queues)
	for {
		allFlushed := true
		for i := 0; i < n; i++ {
			q := queues[(s.rr+i)%n]
			if b := q.TryPop(); b != nil {
				s.rr = (s.rr + i + 1) % n
				return b
			}
			if !q.IsFlushed() {
				allFlushed = false
			}
		}
		if allFlushed {
			return nil
		}
		<-s.notify
	}
}

func (s *ConnectedStage) handleResult(buf *frame.Buffer, err error) {
	switch {
	case err == nil:
		s.StampAndSend(buf)
	case errors.Is(err, SkipForward):
	default:
		s.DropFrame(buf, err)
	}
}

// DropFrame logs a per-frame error (rate limited), counts the drop, and releases the buffer
func (s *ConnectedStage) DropFrame(buf *frame.Buffer, err error) {
	s.counters.Dropped.Add(1)
	s.errLog.Errorf("Dropping frame %v: %v", buf.ID, err)
	buf.Release()
}

// StampAndSend adds this stage's timestamp to the buffer, records the stage latency,
// and forwards the buffer to all subscribers
func (s *ConnectedStage) StampAndSend(buf *frame.Buffer) {
	prev, hasPrev := buf.LastTimestamp()
	now := buf.AddTimestamp(s.name)
	if hasPrev {
		s.mu.Lock()
		s.latency.AddSample(now.Sub(prev.Time))
		s.mu.Unlock()
	}
	s.counters.Output.Add(1)
	s.SendToSubscribers(buf)
}

// SendToSubscribers hands the buffer to every subscriber. Ownership of the caller's reference
// passes to the subscribers. A stage without subscribers is the end of the line, so the buffer is released.
func (s *ConnectedStage) SendToSubscribers(buf *frame.Buffer) {
	subs := s.Subscribers()
	if len(subs) == 0 {
		buf.Release()
		return
	}
	buf.Retain(len(subs) - 1)
	for _, sub := range subs {
		sub.Push(buf, s.name)
	}
}

// SendToSubscriber hands the buffer to one named subscriber
func (s *ConnectedStage) SendToSubscriber(name string, buf *frame.Buffer) error {
	for _, sub := range s.Subscribers() {
		if sub.Name() == name {
			sub.Push(buf, s.name)
			return nil
		}
	}
	buf.Release()
	return &StatusError{Status: ConfigurationError, Stage: s.name, Err: fmt.Errorf("no subscriber named '%v'", name)}
}
