package nn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// The NMS-by-class tensor is a sequence of float32 values. For each class in turn, there
// is a box count N, followed by N boxes of 5 values: ymin, xmin, ymax, xmax, score.
// Coordinates are normalized to the model input.

var ErrTensorTooSmall = errors.New("NMS tensor buffer too small")

// NMSByClassSize returns the maximum number of bytes that an NMS-by-class tensor can occupy
func NMSByClassSize(shape NMSShape) int {
	return shape.NumClasses * (1 + shape.MaxBoxesPerClass*5) * 4
}

// DecodeNMSByClass parses an NMS-by-class tensor
func DecodeNMSByClass(data []byte, shape NMSShape, minConfidence float32) ([]Detection, error) {
	dets := []Detection{}
	pos := 0
	next := func() (float32, error) {
		if pos+4 > len(data) {
			return 0, ErrTensorTooSmall
		}
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		return v, nil
	}
	for class := 0; class < shape.NumClasses; class++ {
		fcount, err := next()
		if err != nil {
			return nil, err
		}
		count := int(fcount)
		if count < 0 || count > shape.MaxBoxesPerClass {
			return nil, fmt.Errorf("NMS tensor has %v boxes for class %v, but the maximum is %v", count, class, shape.MaxBoxesPerClass)
		}
		for i := 0; i < count; i++ {
			var v [5]float32
			for k := range v {
				if v[k], err = next(); err != nil {
					return nil, err
				}
			}
			if v[4] < minConfidence {
				continue
			}
			dets = append(dets, Detection{
				Class:      class,
				Confidence: v[4],
				Box: BBox{
					XMin:   v[1],
					YMin:   v[0],
					Width:  v[3] - v[1],
					Height: v[2] - v[0],
				},
			})
		}
	}
	return dets, nil
}

// EncodeNMSByClass writes detections into 'out' in the NMS-by-class layout.
// Detections beyond MaxBoxesPerClass for a class are discarded.
// Returns the number of bytes written.
func EncodeNMSByClass(dets []Detection, shape NMSShape, out []byte) (int, error) {
	byClass := make([][]Detection, shape.NumClasses)
	for _, d := range dets {
		if d.Class < 0 || d.Class >= shape.NumClasses {
			return 0, fmt.Errorf("Detection class %v out of range [0, %v)", d.Class, shape.NumClasses)
		}
		if len(byClass[d.Class]) < shape.MaxBoxesPerClass {
			byClass[d.Class] = append(byClass[d.Class], d)
		}
	}
	pos := 0
	put := func(v float32) error {
		if pos+4 > len(out) {
			return ErrTensorTooSmall
		}
		binary.LittleEndian.PutUint32(out[pos:], math.Float32bits(v))
		pos += 4
		return nil
	}
	for _, list := range byClass {
		if err := put(float32(len(list))); err != nil {
			return 0, err
		}
		for _, d := range list {
			for _, v := range [5]float32{d.Box.YMin, d.Box.XMin, d.Box.YMax(), d.Box.XMax(), d.Confidence} {
				if err := put(v); err != nil {
					return 0, err
				}
			}
		}
	}
	return pos, nil
}
