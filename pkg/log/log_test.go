package log

import (
	"fmt"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type captureLog struct {
	lines []string
}

func (c *captureLog) Close()                                    {}
func (c *captureLog) Debugf(format string, a ...interface{})    { c.add("D", format, a...) }
func (c *captureLog) Infof(format string, a ...interface{})     { c.add("I", format, a...) }
func (c *captureLog) Warnf(format string, a ...interface{})     { c.add("W", format, a...) }
func (c *captureLog) Errorf(format string, a ...interface{})    { c.add("E", format, a...) }
func (c *captureLog) Criticalf(format string, a ...interface{}) { c.add("C", format, a...) }

func (c *captureLog) add(level, format string, a ...interface{}) {
	c.lines = append(c.lines, level+" "+fmt.Sprintf(format, a...))
}

func TestPrefix(t *testing.T) {
	c := &captureLog{}
	l := ForStage(c, "aggregator")
	l.Infof("merged %v", 3)
	l.Errorf("oops")
	require.Equal(t, []string{"I aggregator: merged 3", "E aggregator: oops"}, c.lines)

	// Nested prefixes share the base log
	nested := Prefix(l, "[sync] ")
	nested.Warnf("late")
	require.Equal(t, "W aggregator: [sync] late", c.lines[len(c.lines)-1])
	require.Same(t, logs.Log(c), nested.base)
	nested.Close()
}

func TestThrottle(t *testing.T) {
	c := &captureLog{}
	th := NewThrottle(c, time.Hour)
	th.Warnf("dropped frame %v", 1)
	th.Warnf("dropped frame %v", 2)
	th.Errorf("dropped frame %v", 3)
	require.Equal(t, []string{"W dropped frame 1"}, c.lines)

	th = NewThrottle(c, time.Nanosecond)
	th.Warnf("a")
	time.Sleep(time.Millisecond)
	th.Warnf("b")
	require.Equal(t, "W b", c.lines[len(c.lines)-1])
}
