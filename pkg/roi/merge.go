package roi

import (
	"github.com/cyclopcam/camflow/pkg/nn"
)

// Tile edges within this distance of 0 or 1 are considered to be frame edges
const frameEdgeEpsilon = 1e-4

// TakeDetections removes all top level detections from the ROI and returns them
func (r *ROI) TakeDetections() []*Detection {
	r.mu.Lock()
	defer r.mu.Unlock()
	dets := []*Detection{}
	keep := r.objects[:0]
	for _, o := range r.objects {
		if o.Kind == KindDetection {
			dets = append(dets, o.Detection)
		} else {
			keep = append(keep, o)
		}
	}
	clear(r.objects[len(keep):])
	r.objects = keep
	return dets
}

// FlattenInto moves the detections of a sub-frame ROI into 'parent'.
// Each box is transformed from the sub-frame's [0,1] space into the parent's space,
// using the sub-frame's scaling bbox. Nested objects keep their coordinates, because
// they are relative to the detection that owns them.
// Returns the number of detections moved.
func (r *ROI) FlattenInto(parent *ROI) int {
	scaling := r.ScalingBBox()
	dets := r.TakeDetections()
	for _, d := range dets {
		d.BBox = d.BBox.Flatten(scaling)
		parent.AddDetection(d)
	}
	return len(dets)
}

// TrimBorderDetections removes detections of a tile that lie within 'threshold' of one of the
// tile's internal edges. Tile edges that coincide with the edge of the full frame are real
// boundaries, so detections that touch them are kept.
// Detection boxes are relative to the tile. Returns the number of detections removed.
func (r *ROI) TrimBorderDetections(threshold float32) int {
	tile := r.ScalingBBox()
	left := tile.XMin > frameEdgeEpsilon
	top := tile.YMin > frameEdgeEpsilon
	right := tile.XMax() < 1-frameEdgeEpsilon
	bottom := tile.YMax() < 1-frameEdgeEpsilon
	return r.RemoveDetections(func(d *Detection) bool {
		return (left && d.BBox.XMin < threshold) ||
			(right && 1-d.BBox.XMax() < threshold) ||
			(top && d.BBox.YMin < threshold) ||
			(bottom && 1-d.BBox.YMax() < threshold)
	})
}

// NMS runs class-aware non-maximum suppression over the top level detections.
// Returns the number of detections removed.
func (r *ROI) NMS(iouThreshold float32) int {
	dets := r.Detections()
	if len(dets) < 2 {
		return 0
	}
	raw := make([]nn.Detection, len(dets))
	for i, d := range dets {
		raw[i] = nn.Detection{Class: d.ClassID, Confidence: d.Confidence, Box: d.BBox}
	}
	keep := map[*Detection]bool{}
	for _, i := range nn.NMS(raw, iouThreshold) {
		keep[dets[i]] = true
	}
	return r.RemoveDetections(func(d *Detection) bool {
		return !keep[d]
	})
}
