// Package pipeline owns a graph of stages, and starts and stops them in an order
// that can't deadlock: consumers are running before their producers start, and
// producers are stopped before their consumers.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
)

// Role classifies a stage for start/stop ordering
type Role int

const (
	General Role = iota
	Source
	Sink
)

func (r Role) String() string {
	switch r {
	case Source:
		return "source"
	case Sink:
		return "sink"
	}
	return "general"
}

type Pipeline struct {
	Log logs.Log

	mu      sync.Mutex
	all     []stage.Stage
	sources []stage.Stage
	general []stage.Stage
	sinks   []stage.Stage
}

func New(log logs.Log) *Pipeline {
	return &Pipeline{
		Log: log,
	}
}

// AddStage registers a stage. Stage names must be unique.
func (p *Pipeline) AddStage(s stage.Stage, role Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.all {
		if existing.Name() == s.Name() {
			return stage.Errorf(stage.ConfigurationError, "Duplicate stage name '%v'", s.Name())
		}
	}
	p.all = append(p.all, s)
	switch role {
	case Source:
		p.sources = append(p.sources, s)
	case Sink:
		p.sinks = append(p.sinks, s)
	default:
		p.general = append(p.general, s)
	}
	return nil
}

// StageByName returns the stage called 'name', or nil
func (p *Pipeline) StageByName(name string) stage.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.all {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// Stages returns all stages, in the order they were added
func (p *Pipeline) Stages() []stage.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stage.Stage(nil), p.all...)
}

func (p *Pipeline) startOrder() []stage.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	order := make([]stage.Stage, 0, len(p.all))
	order = append(order, p.sinks...)
	order = append(order, p.general...)
	order = append(order, p.sources...)
	return order
}

// Start starts sinks first, then general stages, then sources.
// If any stage fails to start, the stages that did start are stopped again (in reverse order),
// and the error is returned.
func (p *Pipeline) Start() error {
	order := p.startOrder()

	started := []stage.Stage{}
	for _, s := range order {
		p.Log.Debugf("Starting %v", s.Name())
		if err := s.Start(); err != nil {
			p.Log.Errorf("Failed to start %v: %v", s.Name(), err)
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(); stopErr != nil {
					p.Log.Errorf("Failed to stop %v: %v", started[i].Name(), stopErr)
				}
			}
			return fmt.Errorf("Failed to start pipeline: %w", err)
		}
		started = append(started, s)
	}

	p.Log.Infof("Pipeline started with %v stages", len(started))
	return nil
}

// Stop stops the stages in the exact reverse of the start order.
// Every stage is stopped, even if some fail. The errors are joined.
func (p *Pipeline) Stop() error {
	order := p.startOrder()
	slices.Reverse(order)

	var errs []error
	for _, s := range order {
		p.Log.Debugf("Stopping %v", s.Name())
		if err := s.Stop(); err != nil {
			p.Log.Errorf("Failed to stop %v: %v", s.Name(), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LatencyReport returns one line per stage with its average latency
func (p *Pipeline) LatencyReport() string {
	s := &strings.Builder{}
	for _, st := range p.Stages() {
		fmt.Fprintf(s, "%-20v %8.3f ms\n", st.Name(), float64(st.Latency().Microseconds())/1000)
	}
	return s.String()
}

// WriteCounters writes the debug counters of every stage
func (p *Pipeline) WriteCounters(w io.Writer) error {
	for _, st := range p.Stages() {
		if _, err := st.Counters().Print(w, st.Name()); err != nil {
			return err
		}
	}
	return nil
}
