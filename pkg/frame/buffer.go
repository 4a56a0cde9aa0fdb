// Package frame defines the Buffer, the unit of work that flows between pipeline stages.
package frame

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/camflow/pkg/idgen"
	"github.com/cyclopcam/camflow/pkg/nn"
	"github.com/cyclopcam/camflow/pkg/roi"
)

var nextID idgen.BufferIDs

// Buffer is a frame (or a crop of a frame) together with everything that the pipeline has learned about it.
//
// A Buffer is reference counted. It starts life with one reference, owned by whoever created it.
// When a stage hands a buffer to N subscribers, it adds N-1 references, and each subscriber
// releases its reference when it is done. When the last reference is released, the release
// hooks run. This is how pooled tensor memory finds its way home.
type Buffer struct {
	ID        uint32
	Image     *Image
	CaptureTS int64 // Capture time from the ISP clock, in nanoseconds. Crops inherit the value of their parent.

	roi       *roi.ROI
	mu        sync.Mutex
	meta      []Metadata
	onRelease []func()
	refs      atomic.Int32
}

// New creates a buffer with a single reference, and a full-frame ROI
func New(img *Image, captureTS int64) *Buffer {
	b := &Buffer{
		ID:        nextID.Next(),
		Image:     img,
		CaptureTS: captureTS,
		roi:       roi.New(),
	}
	b.refs.Store(1)
	return b
}

// NewSubBuffer creates a crop of 'parent'. The crop's ROI records where it came from,
// so that detections found inside it can later be mapped back into the parent frame.
func NewSubBuffer(parent *Buffer, img *Image, scaling nn.BBox) *Buffer {
	b := New(img, parent.CaptureTS)
	b.roi.SetScalingBBox(scaling)
	return b
}

// ROI returns the root of the buffer's region tree
func (b *Buffer) ROI() *roi.ROI {
	return b.roi
}

// Retain adds n references
func (b *Buffer) Retain(n int) {
	if n > 0 {
		b.refs.Add(int32(n))
	}
}

// Release drops one reference. When the last reference is dropped, the release hooks run.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("frame: buffer released more times than it was retained")
	}
	b.mu.Lock()
	hooks := b.onRelease
	b.onRelease = nil
	b.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// Refs returns the current reference count
func (b *Buffer) Refs() int {
	return int(b.refs.Load())
}

// OnRelease registers a function that runs when the last reference is released
func (b *Buffer) OnRelease(f func()) {
	b.mu.Lock()
	b.onRelease = append(b.onRelease, f)
	b.mu.Unlock()
}

func (b *Buffer) AddMetadata(m Metadata) {
	b.mu.Lock()
	b.meta = append(b.meta, m)
	b.mu.Unlock()
}

// Metadata returns a copy of all metadata, in the order it was added
func (b *Buffer) Metadata() []Metadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Metadata(nil), b.meta...)
}

// MetadataOfKind returns all metadata of the given kind, in the order it was added
func (b *Buffer) MetadataOfKind(kind MetaKind) []Metadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []Metadata{}
	for _, m := range b.meta {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// FirstOfKind returns the first metadata of the given kind
func (b *Buffer) FirstOfKind(kind MetaKind) (Metadata, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.meta {
		if m.Kind == kind {
			return m, true
		}
	}
	return Metadata{}, false
}

// RemoveKind removes all metadata of the given kind, and returns the number removed
func (b *Buffer) RemoveKind(kind MetaKind) int {
	return b.RemoveMetadata(func(m *Metadata) bool { return m.Kind == kind })
}

// RemoveMetadata removes every entry for which 'remove' returns true
func (b *Buffer) RemoveMetadata(remove func(m *Metadata) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	keep := b.meta[:0]
	for i := range b.meta {
		if !remove(&b.meta[i]) {
			keep = append(keep, b.meta[i])
		}
	}
	n := len(b.meta) - len(keep)
	clear(b.meta[len(keep):])
	b.meta = keep
	return n
}

// CroppingExpectation returns the number of sub-frames that were cropped out of this buffer
func (b *Buffer) CroppingExpectation() (int, bool) {
	m, ok := b.FirstOfKind(MetaCroppingExpectation)
	return m.CroppingExpectation.Count, ok
}

// TakeCroppingExpectation reads and removes the cropping expectation
func (b *Buffer) TakeCroppingExpectation() (int, bool) {
	n, ok := b.CroppingExpectation()
	if ok {
		b.RemoveKind(MetaCroppingExpectation)
	}
	return n, ok
}

func (b *Buffer) BatchPosition() (BatchPosition, bool) {
	m, ok := b.FirstOfKind(MetaBatchPosition)
	return m.BatchPosition, ok
}

// Size returns the encoded payload size
func (b *Buffer) Size() (int, bool) {
	m, ok := b.FirstOfKind(MetaSize)
	return m.Size.Bytes, ok
}

func (b *Buffer) Tensors() []Tensor {
	all := b.MetadataOfKind(MetaTensor)
	out := make([]Tensor, len(all))
	for i, m := range all {
		out[i] = m.Tensor
	}
	return out
}

// AddTimestamp records the arrival of the buffer at 'stage'
func (b *Buffer) AddTimestamp(stage string) time.Time {
	now := time.Now()
	b.AddMetadata(TimestampMeta(stage, now))
	return now
}

// LastTimestamp returns the most recent stage timestamp
func (b *Buffer) LastTimestamp() (Timestamp, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.meta) - 1; i >= 0; i-- {
		if b.meta[i].Kind == MetaTimestamp {
			return b.meta[i].Timestamp, true
		}
	}
	return Timestamp{}, false
}
