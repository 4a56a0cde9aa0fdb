// Package stagetest provides stages that are useful when testing other stages
package stagetest

import (
	"testing"
	"time"

	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
)

// Collector is a sink that keeps every buffer it receives
type Collector struct {
	*stage.ConnectedStage
	stage.NoInit
	Received chan *frame.Buffer
}

func NewCollector(log logs.Log, name string) *Collector {
	c := &Collector{
		Received: make(chan *frame.Buffer, 1000),
	}
	c.ConnectedStage = stage.New(log, name, c, stage.Options{QueueSize: 100})
	return c
}

func (c *Collector) Process(buf *frame.Buffer) error {
	c.Received <- buf
	return stage.SkipForward
}

// Next waits for the next buffer, and fails the test if none arrives in time
func (c *Collector) Next(t testing.TB) *frame.Buffer {
	t.Helper()
	select {
	case b := <-c.Received:
		return b
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for a buffer at %v", c.Name())
	}
	return nil
}

// ExpectNone fails the test if a buffer arrives within 'wait'
func (c *Collector) ExpectNone(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case b := <-c.Received:
		t.Fatalf("Unexpected buffer %v at %v", b.ID, c.Name())
	case <-time.After(wait):
	}
}
