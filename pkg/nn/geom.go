package nn

import (
	"github.com/chewxy/math32"
)

type Point struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

func (p Point) Distance(b Point) float32 {
	dx := float32(p.X - b.X)
	dy := float32(p.Y - b.Y)
	return math32.Sqrt(dx*dx + dy*dy)
}

// Rect is a pixel rectangle
type Rect struct {
	X      int32 `json:"x"`
	Y      int32 `json:"y"`
	Width  int32 `json:"width"`
	Height int32 `json:"height"`
}

func (r Rect) X2() int32 {
	return r.X + r.Width
}

func (r Rect) Y2() int32 {
	return r.Y + r.Height
}

func (r Rect) Area() int32 {
	return r.Width * r.Height
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X2(), b.X2())
	y2 := min(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

// Intersection over Union
func (r Rect) IOU(b Rect) float32 {
	intersection := r.Intersection(b).Area()
	union := r.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return float32(intersection) / float32(union)
}

func (r Rect) Center() Point {
	return Point{
		X: r.X + r.Width/2,
		Y: r.Y + r.Height/2,
	}
}

func (r *Rect) Offset(dx, dy int32) {
	r.X += dx
	r.Y += dy
}

// BBox is a bounding box in normalized coordinates, where the parent frame spans [0,1] on both axes.
type BBox struct {
	XMin   float32 `json:"xmin"`
	YMin   float32 `json:"ymin"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// The full frame
var FullFrame = BBox{XMin: 0, YMin: 0, Width: 1, Height: 1}

func (b BBox) XMax() float32 {
	return b.XMin + b.Width
}

func (b BBox) YMax() float32 {
	return b.YMin + b.Height
}

func (b BBox) Area() float32 {
	return b.Width * b.Height
}

// Intersection over Union.
// Overlap is clamped at zero, and a degenerate union yields zero.
func (b BBox) IOU(o BBox) float32 {
	w := max(0, min(b.XMax(), o.XMax())-max(b.XMin, o.XMin))
	h := max(0, min(b.YMax(), o.YMax())-max(b.YMin, o.YMin))
	overlap := w * h
	union := b.Area() + o.Area() - overlap
	if union <= 0 {
		return 0
	}
	return overlap / union
}

// Flatten maps a box that is relative to 'parent' into the coordinate space that 'parent' lives in.
func (b BBox) Flatten(parent BBox) BBox {
	return BBox{
		XMin:   parent.XMin + b.XMin*parent.Width,
		YMin:   parent.YMin + b.YMin*parent.Height,
		Width:  b.Width * parent.Width,
		Height: b.Height * parent.Height,
	}
}

// Clip the box to the unit square
func (b BBox) Clip() BBox {
	x1 := math32.Max(0, b.XMin)
	y1 := math32.Max(0, b.YMin)
	x2 := math32.Min(1, b.XMax())
	y2 := math32.Min(1, b.YMax())
	return BBox{
		XMin:   x1,
		YMin:   y1,
		Width:  math32.Max(0, x2-x1),
		Height: math32.Max(0, y2-y1),
	}
}

// ToRect converts the normalized box into pixels of an image of the given size
func (b BBox) ToRect(width, height int) Rect {
	x1 := int32(math32.Floor(b.XMin*float32(width) + 0.5))
	y1 := int32(math32.Floor(b.YMin*float32(height) + 0.5))
	x2 := int32(math32.Floor(b.XMax()*float32(width) + 0.5))
	y2 := int32(math32.Floor(b.YMax()*float32(height) + 0.5))
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// RectToBBox normalizes a pixel rectangle by the size of its image
func RectToBBox(r Rect, width, height int) BBox {
	return BBox{
		XMin:   float32(r.X) / float32(width),
		YMin:   float32(r.Y) / float32(height),
		Width:  float32(r.Width) / float32(width),
		Height: float32(r.Height) / float32(height),
	}
}
