// Package roi is the region-of-interest tree that travels with every frame.
// The root ROI covers the whole frame. Detections found inside it are themselves
// regions, and may carry nested objects such as landmarks or classifications,
// whose coordinates are relative to the detection that owns them.
package roi

import (
	"sync"

	"github.com/cyclopcam/camflow/pkg/nn"
)

// ObjectKind is the tag of the Object union
type ObjectKind int

const (
	KindDetection ObjectKind = iota
	KindLandmarks
	KindClassification
	KindTensor
)

func (k ObjectKind) String() string {
	switch k {
	case KindDetection:
		return "detection"
	case KindLandmarks:
		return "landmarks"
	case KindClassification:
		return "classification"
	case KindTensor:
		return "tensor"
	}
	return "unknown"
}

// Object is one child of an ROI. Exactly one of the pointers is populated, according to Kind.
type Object struct {
	Kind           ObjectKind
	Detection      *Detection
	Landmarks      *Landmarks
	Classification *Classification
	Tensor         *Tensor
}

// Detection is an object found by a detection network
type Detection struct {
	Label      string
	ClassID    int
	Confidence float32
	BBox       nn.BBox  // Relative to the ROI that owns this detection
	TrackID    int64    // Zero until a tracker assigns an identity
	Objects    []Object // Nested objects, relative to BBox
}

// Landmarks is a set of keypoints, such as the joints of a person
type Landmarks struct {
	Points    []Point
	Threshold float32
}

type Point struct {
	X          float32
	Y          float32
	Confidence float32
}

type Classification struct {
	Label      string
	ClassID    int
	Confidence float32
}

// Tensor is a raw inference output attached to an ROI.
// Data is owned by the frame buffer that the ROI belongs to.
type Tensor struct {
	Name string
	Data []byte
	Info nn.TensorInfo
}

func DetectionObject(d *Detection) Object {
	return Object{Kind: KindDetection, Detection: d}
}

func LandmarksObject(l *Landmarks) Object {
	return Object{Kind: KindLandmarks, Landmarks: l}
}

func ClassificationObject(c *Classification) Object {
	return Object{Kind: KindClassification, Classification: c}
}

func TensorObject(t *Tensor) Object {
	return Object{Kind: KindTensor, Tensor: t}
}

// ROI is the root of a frame's region tree.
// An ROI is shared between stages when a buffer fans out, so all access goes through its mutex.
type ROI struct {
	mu          sync.Mutex
	bbox        nn.BBox
	scalingBBox nn.BBox // Position of this frame inside the frame it was cropped from
	objects     []Object
}

// New creates an ROI that covers the whole frame
func New() *ROI {
	return &ROI{
		bbox:        nn.FullFrame,
		scalingBBox: nn.FullFrame,
	}
}

func (r *ROI) BBox() nn.BBox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bbox
}

func (r *ROI) SetBBox(b nn.BBox) {
	r.mu.Lock()
	r.bbox = b
	r.mu.Unlock()
}

func (r *ROI) ScalingBBox() nn.BBox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scalingBBox
}

func (r *ROI) SetScalingBBox(b nn.BBox) {
	r.mu.Lock()
	r.scalingBBox = b
	r.mu.Unlock()
}

func (r *ROI) AddObject(o Object) {
	r.mu.Lock()
	r.objects = append(r.objects, o)
	r.mu.Unlock()
}

func (r *ROI) AddDetection(d *Detection) {
	r.AddObject(DetectionObject(d))
}

func (r *ROI) AddTensor(t *Tensor) {
	r.AddObject(TensorObject(t))
}

// Objects returns a copy of the object list
func (r *ROI) Objects() []Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Object(nil), r.objects...)
}

// Returns the number of objects of the given kind
func (r *ROI) Count(kind ObjectKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.objects {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// Detections returns the top level detections, in insertion order
func (r *ROI) Detections() []*Detection {
	r.mu.Lock()
	defer r.mu.Unlock()
	dets := []*Detection{}
	for _, o := range r.objects {
		if o.Kind == KindDetection {
			dets = append(dets, o.Detection)
		}
	}
	return dets
}

// Tensors returns the tensors attached to this ROI
func (r *ROI) Tensors() []*Tensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	tensors := []*Tensor{}
	for _, o := range r.objects {
		if o.Kind == KindTensor {
			tensors = append(tensors, o.Tensor)
		}
	}
	return tensors
}

// Tensor returns the tensor with the given name, or nil
func (r *ROI) Tensor(name string) *Tensor {
	for _, t := range r.Tensors() {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// RemoveObjects removes every object for which 'remove' returns true, and returns the number removed
func (r *ROI) RemoveObjects(remove func(o *Object) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	keep := r.objects[:0]
	for i := range r.objects {
		if !remove(&r.objects[i]) {
			keep = append(keep, r.objects[i])
		}
	}
	n := len(r.objects) - len(keep)
	clear(r.objects[len(keep):])
	r.objects = keep
	return n
}

// RemoveDetections removes the detections for which 'remove' returns true
func (r *ROI) RemoveDetections(remove func(d *Detection) bool) int {
	return r.RemoveObjects(func(o *Object) bool {
		return o.Kind == KindDetection && remove(o.Detection)
	})
}

// RemoveDetection removes one specific detection
func (r *ROI) RemoveDetection(d *Detection) bool {
	return r.RemoveDetections(func(x *Detection) bool { return x == d }) != 0
}

func (r *ROI) ClearDetections() int {
	return r.RemoveObjects(func(o *Object) bool { return o.Kind == KindDetection })
}

func (r *ROI) ClearTensors() int {
	return r.RemoveObjects(func(o *Object) bool { return o.Kind == KindTensor })
}
