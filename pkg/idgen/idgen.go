// Package idgen hands out identifiers that are unique within a process
package idgen

import "sync/atomic"

// BufferIDs issues 32-bit frame buffer IDs. After 2^32-1 the sequence wraps, skipping zero,
// which means "no ID".
type BufferIDs struct {
	last atomic.Uint32
}

func (g *BufferIDs) Next() uint32 {
	for {
		if id := g.last.Add(1); id != 0 {
			return id
		}
	}
}

// TrackIDs issues IDs for tracked objects: 1, 2, 3...
type TrackIDs struct {
	last atomic.Int64
}

func (g *TrackIDs) Next() int64 {
	return g.last.Add(1)
}

// Last returns the most recently issued ID, or zero if none has been issued
func (g *TrackIDs) Last() int64 {
	return g.last.Load()
}
