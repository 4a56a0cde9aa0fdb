package frame

import (
	"testing"

	"github.com/cyclopcam/camflow/pkg/nn"
	"github.com/stretchr/testify/require"
)

func TestMetadata(t *testing.T) {
	b := New(NewImage(64, 48, PixelFormatNV12), 1234)
	require.Equal(t, 64*48+64*24, b.Image.Size())

	_, ok := b.CroppingExpectation()
	require.False(t, ok)

	b.AddMetadata(CroppingExpectationMeta(5))
	b.AddMetadata(BatchPositionMeta(0, 5))
	b.AddMetadata(TensorMeta(Tensor{Name: "a"}))
	b.AddMetadata(TensorMeta(Tensor{Name: "b"}))
	b.AddTimestamp("src")

	n, ok := b.CroppingExpectation()
	require.True(t, ok)
	require.Equal(t, 5, n)

	pos, ok := b.BatchPosition()
	require.True(t, ok)
	require.Equal(t, BatchPosition{Index: 0, Total: 5}, pos)

	tensors := b.Tensors()
	require.Len(t, tensors, 2)
	require.Equal(t, "a", tensors[0].Name)
	require.Equal(t, "b", tensors[1].Name)

	ts, ok := b.LastTimestamp()
	require.True(t, ok)
	require.Equal(t, "src", ts.Stage)

	// Taking the expectation removes it, so a downstream aggregator doesn't see it again
	n, ok = b.TakeCroppingExpectation()
	require.True(t, ok)
	require.Equal(t, 5, n)
	_, ok = b.CroppingExpectation()
	require.False(t, ok)

	require.Equal(t, 2, b.RemoveKind(MetaTensor))
	require.Len(t, b.Metadata(), 2)
	require.Equal(t, MetaBatchPosition, b.Metadata()[0].Kind)

	_, ok = b.Size()
	require.False(t, ok)
	b.AddMetadata(SizeMeta(99))
	size, _ := b.Size()
	require.Equal(t, 99, size)
}

func TestRefCount(t *testing.T) {
	b := New(NewImage(8, 8, PixelFormatRGBA), 0)
	released := 0
	b.OnRelease(func() { released++ })
	b.OnRelease(func() { released++ })
	b.Retain(2)
	require.Equal(t, 3, b.Refs())
	b.Release()
	b.Release()
	require.Equal(t, 0, released)
	b.Release()
	require.Equal(t, 2, released)
	require.Panics(t, func() { b.Release() })
}

func TestSubBuffer(t *testing.T) {
	parent := New(NewImage(100, 100, PixelFormatRGBA), 777)
	tile := nn.BBox{XMin: 0.5, YMin: 0, Width: 0.5, Height: 0.5}
	sub := NewSubBuffer(parent, NewImage(50, 50, PixelFormatRGBA), tile)
	require.NotEqual(t, parent.ID, sub.ID)
	require.Equal(t, int64(777), sub.CaptureTS)
	require.Equal(t, tile, sub.ROI().ScalingBBox())
	require.Equal(t, nn.FullFrame, parent.ROI().ScalingBBox())
}

func TestCImage(t *testing.T) {
	img := NewImage(10, 6, PixelFormatRGBA)
	c, err := img.CImage()
	require.NoError(t, err)
	require.Equal(t, 10, c.Width)
	require.Equal(t, 40, c.Stride)
	back, err := FromCImage(c)
	require.NoError(t, err)
	require.Equal(t, PixelFormatRGBA, back.Format)

	_, err = NewImage(10, 6, PixelFormatNV12).CImage()
	require.Error(t, err)
}
