// Package frontend is the source stage of a pipeline. It wraps a Source, such as a camera's
// image signal processor, and routes each of the source's named streams to its own subscribers.
package frontend

import (
	"fmt"
	"sync"

	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
)

type Stage struct {
	*stage.ConnectedStage

	mu      sync.Mutex
	source  Source
	streams map[string][]stage.Stage // Stream ID -> subscribers
}

func New(log logs.Log, name string, source Source) *Stage {
	s := &Stage{
		source:  source,
		streams: map[string][]stage.Stage{},
	}
	s.ConnectedStage = stage.New(log, name, s, stage.Options{})
	return s
}

// Configure replaces the source. The stage must not be running.
func (s *Stage) Configure(source Source) error {
	switch s.State() {
	case stage.Created, stage.Stopped:
	default:
		return stage.Errorf(stage.PipelineError, "Can't reconfigure while %v", s.State())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.streams {
		if !hasStream(source, id) {
			return stage.Errorf(stage.ConfigurationError, "New source has no stream '%v', which has subscribers", id)
		}
	}
	s.source = source
	return nil
}

func (s *Stage) Source() Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

func hasStream(source Source, id string) bool {
	for _, st := range source.OutputStreams() {
		if st.ID == id {
			return true
		}
	}
	return false
}

// SubscribeToStream routes the frames of stream 'id' to 'sub'.
// The subscriber's input queue is named after the stream.
func (s *Stage) SubscribeToStream(id string, sub stage.Stage) error {
	switch s.State() {
	case stage.Created, stage.Stopped:
	default:
		return stage.Errorf(stage.PipelineError, "Topology can't change while %v", s.State())
	}
	s.mu.Lock()
	if s.source == nil || !hasStream(s.source, id) {
		s.mu.Unlock()
		return stage.Errorf(stage.ConfigurationError, "No stream named '%v'", id)
	}
	s.streams[id] = append(s.streams[id], sub)
	s.mu.Unlock()
	sub.AddQueue(id)
	return nil
}

// AddSubscriber subscribes 'sub' to the first stream of the source
func (s *Stage) AddSubscriber(sub stage.Stage) {
	src := s.Source()
	if src == nil || len(src.OutputStreams()) == 0 {
		s.Log.Errorf("Can't subscribe %v: there is no source", sub.Name())
		return
	}
	if err := s.SubscribeToStream(src.OutputStreams()[0].ID, sub); err != nil {
		s.Log.Errorf("Can't subscribe %v: %v", sub.Name(), err)
	}
}

// StreamSubscribers returns the subscribers of stream 'id'
func (s *Stage) StreamSubscribers(id string) []stage.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stage.Stage(nil), s.streams[id]...)
}

func (s *Stage) Init() error {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if src == nil {
		return stage.Errorf(stage.ConfigurationError, "No source")
	}
	callbacks := map[string]func(*frame.Buffer){}
	for _, st := range src.OutputStreams() {
		id := st.ID
		callbacks[id] = func(buf *frame.Buffer) {
			s.route(id, buf)
		}
	}
	src.Subscribe(callbacks)
	if err := src.Start(); err != nil {
		return stage.Errorf(stage.HardwareError, "Failed to start source: %w", err)
	}
	return nil
}

// Loop has nothing to read, because the source pushes frames in from its own goroutine
func (s *Stage) Loop() {
	<-s.StopRequested()
}

func (s *Stage) Deinit() error {
	if err := s.Source().Stop(); err != nil {
		return fmt.Errorf("Failed to stop source: %w", err)
	}
	return nil
}

func (s *Stage) Process(buf *frame.Buffer) error {
	return stage.Errorf(stage.PipelineError, "Frontend has no inputs")
}

// Runs on the source's goroutine
func (s *Stage) route(id string, buf *frame.Buffer) {
	s.Counters().Input.Add(1)
	if s.EOS() {
		buf.Release()
		return
	}
	subs := s.StreamSubscribers(id)
	if len(subs) == 0 {
		buf.Release()
		return
	}
	buf.AddTimestamp(s.Name())
	s.Counters().Output.Add(1)
	buf.Retain(len(subs) - 1)
	for _, sub := range subs {
		sub.Push(buf, id)
	}
}
