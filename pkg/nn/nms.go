package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
)

// Resolution of the integer grid that normalized boxes are snapped to for the spatial index
const nmsGrid = 1 << 20

// NMS performs class-aware non-maximum suppression.
// Objects are visited in descending order of confidence, and any later object of the same class
// whose IoU with a retained object is >= iouThreshold is suppressed.
// Returns the indices of the retained objects, in descending order of confidence.
func NMS(input []Detection, iouThreshold float32) []int {
	if len(input) == 0 {
		return nil
	}
	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return input[order[a]].Confidence > input[order[b]].Confidence
	})
	rank := make([]int, len(input))
	for r, i := range order {
		rank[i] = r
	}

	// Create spatial index to avoid O(N^2) comparisons.
	// With a non-positive threshold, even disjoint boxes suppress each other, so the index can't help.
	useIndex := iouThreshold > 0
	fb := flatbush.NewFlatbush[int32]()
	if useIndex {
		fb.Reserve(len(input))
		for _, d := range input {
			fb.Add(gridFloor(d.Box.XMin), gridFloor(d.Box.YMin), gridCeil(d.Box.XMax()), gridCeil(d.Box.YMax()))
		}
		fb.Finish()
	}

	suppressed := make([]bool, len(input))
	retain := make([]int, 0, len(input))
	candidates := []int{}
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		retain = append(retain, i)
		a := &input[i]
		if useIndex {
			candidates = fb.SearchFast(gridFloor(a.Box.XMin), gridFloor(a.Box.YMin), gridCeil(a.Box.XMax()), gridCeil(a.Box.YMax()), candidates[:0])
		} else {
			candidates = candidates[:0]
			for j := range input {
				candidates = append(candidates, j)
			}
		}
		for _, j := range candidates {
			if j == i || suppressed[j] || rank[j] < rank[i] {
				continue
			}
			if input[j].Class != a.Class {
				continue
			}
			if a.Box.IOU(input[j].Box) >= iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return retain
}

func gridFloor(v float32) int32 {
	return int32(math32.Floor(v * nmsGrid))
}

func gridCeil(v float32) int32 {
	return int32(math32.Ceil(v * nmsGrid))
}
