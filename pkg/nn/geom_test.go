package nn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBBoxIOU(t *testing.T) {
	a := BBox{XMin: 0, YMin: 0, Width: 0.5, Height: 0.5}
	require.InDelta(t, 1.0, a.IOU(a), 1e-6)

	// Disjoint boxes have zero overlap, not a negative one
	b := BBox{XMin: 0.6, YMin: 0.6, Width: 0.2, Height: 0.2}
	require.Equal(t, float32(0), a.IOU(b))
	require.Equal(t, float32(0), b.IOU(a))

	// Half overlap: intersection 0.125, union 0.375
	c := BBox{XMin: 0.25, YMin: 0, Width: 0.5, Height: 0.5}
	require.InDelta(t, 1.0/3.0, a.IOU(c), 1e-6)
	require.InDelta(t, a.IOU(c), c.IOU(a), 1e-7)

	// Degenerate boxes
	z := BBox{XMin: 0.1, YMin: 0.1}
	require.Equal(t, float32(0), z.IOU(z))

	// Touching edges
	d := BBox{XMin: 0.5, YMin: 0, Width: 0.5, Height: 0.5}
	require.Equal(t, float32(0), a.IOU(d))
}

func TestBBoxFlatten(t *testing.T) {
	tile := BBox{XMin: 0.4, YMin: 0.4, Width: 0.6, Height: 0.6}
	inTile := BBox{XMin: 0.5, YMin: 0.25, Width: 0.1, Height: 0.2}
	f := inTile.Flatten(tile)
	require.InDelta(t, 0.7, f.XMin, 1e-6)
	require.InDelta(t, 0.55, f.YMin, 1e-6)
	require.InDelta(t, 0.06, f.Width, 1e-6)
	require.InDelta(t, 0.12, f.Height, 1e-6)

	// Flattening into the full frame is the identity
	require.Equal(t, inTile, inTile.Flatten(FullFrame))
}

func TestBBoxClipAndRect(t *testing.T) {
	b := BBox{XMin: -0.1, YMin: 0.5, Width: 0.3, Height: 0.7}
	c := b.Clip()
	require.InDelta(t, 0, c.XMin, 1e-6)
	require.InDelta(t, 0.2, c.Width, 1e-6)
	require.InDelta(t, 0.5, c.Height, 1e-6)

	r := BBox{XMin: 0.25, YMin: 0.5, Width: 0.5, Height: 0.25}.ToRect(640, 480)
	require.Equal(t, Rect{X: 160, Y: 240, Width: 320, Height: 120}, r)
	require.Equal(t, BBox{XMin: 0.25, YMin: 0.5, Width: 0.5, Height: 0.25}, RectToBBox(r, 640, 480))
}

func TestRectIOU(t *testing.T) {
	a := Rect{X: 0, Y: 0, Width: 10, Height: 10}
	b := Rect{X: 5, Y: 0, Width: 10, Height: 10}
	require.InDelta(t, 50.0/150.0, a.IOU(b), 1e-6)
	require.Equal(t, Point{X: 5, Y: 5}, a.Center())
	require.Equal(t, float32(5), a.Center().Distance(b.Center()))
	require.Equal(t, float32(0), Rect{}.IOU(Rect{}))
}
