// Package log holds small decorators around logs.Log
package log

import (
	"github.com/cyclopcam/logs"
)

// Prefixed writes to a base log, with a fixed string in front of every message
type Prefixed struct {
	base   logs.Log
	prefix string
}

// ForStage returns a log whose messages begin with "<name>: "
func ForStage(base logs.Log, name string) *Prefixed {
	return Prefix(base, name+": ")
}

// Prefix returns a log whose messages begin with 'prefix', exactly as given.
// Prefixing a Prefixed log appends to its prefix.
func Prefix(base logs.Log, prefix string) *Prefixed {
	if p, ok := base.(*Prefixed); ok {
		return &Prefixed{base: p.base, prefix: p.prefix + prefix}
	}
	return &Prefixed{base: base, prefix: prefix}
}

// Close does nothing. The base log is shared, and is closed by its owner.
func (p *Prefixed) Close() {}

func (p *Prefixed) Debugf(format string, a ...any)    { p.base.Debugf(p.prefix+format, a...) }
func (p *Prefixed) Infof(format string, a ...any)     { p.base.Infof(p.prefix+format, a...) }
func (p *Prefixed) Warnf(format string, a ...any)     { p.base.Warnf(p.prefix+format, a...) }
func (p *Prefixed) Errorf(format string, a ...any)    { p.base.Errorf(p.prefix+format, a...) }
func (p *Prefixed) Criticalf(format string, a ...any) { p.base.Criticalf(p.prefix+format, a...) }
