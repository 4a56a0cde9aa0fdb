package frame

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
)

// PixelFormat of an Image
type PixelFormat int

const (
	PixelFormatNV12    PixelFormat = iota // Y plane followed by an interleaved UV plane at half resolution
	PixelFormatRGBA                       // Single plane, 4 bytes per pixel
	PixelFormatGRAY                       // Single plane, 1 byte per pixel
	PixelFormatEncoded                    // Compressed bitstream (eg JPEG) in a single plane
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatRGBA:
		return "RGBA"
	case PixelFormatGRAY:
		return "GRAY"
	case PixelFormatEncoded:
		return "Encoded"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// Plane is one plane of pixel data
type Plane struct {
	Data   []byte
	Stride int
}

// Image is the pixel payload of a Buffer
type Image struct {
	Width  int
	Height int
	Format PixelFormat
	Planes []Plane
}

// NewImage allocates an image with tightly packed planes
func NewImage(width, height int, format PixelFormat) *Image {
	img := &Image{
		Width:  width,
		Height: height,
		Format: format,
	}
	switch format {
	case PixelFormatNV12:
		img.Planes = []Plane{
			{Data: make([]byte, width*height), Stride: width},
			{Data: make([]byte, width*((height+1)/2)), Stride: width},
		}
	case PixelFormatRGBA:
		img.Planes = []Plane{{Data: make([]byte, width*height*4), Stride: width * 4}}
	case PixelFormatGRAY:
		img.Planes = []Plane{{Data: make([]byte, width*height), Stride: width}}
	}
	return img
}

// NewEncodedImage wraps a compressed bitstream
func NewEncodedImage(width, height int, data []byte) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Format: PixelFormatEncoded,
		Planes: []Plane{{Data: data, Stride: len(data)}},
	}
}

// Size returns the total number of payload bytes
func (img *Image) Size() int {
	n := 0
	for _, p := range img.Planes {
		n += len(p.Data)
	}
	return n
}

// CImage wraps the pixels of an RGBA or GRAY image, without copying them
func (img *Image) CImage() (*cimg.Image, error) {
	switch img.Format {
	case PixelFormatRGBA:
		return cimg.WrapImageStrided(img.Width, img.Height, cimg.PixelFormatRGBA, img.Planes[0].Data, img.Planes[0].Stride), nil
	case PixelFormatGRAY:
		return cimg.WrapImageStrided(img.Width, img.Height, cimg.PixelFormatGRAY, img.Planes[0].Data, img.Planes[0].Stride), nil
	}
	return nil, fmt.Errorf("Can't wrap %v image as a cimg.Image", img.Format)
}

// FromCImage wraps the pixels of a cimg.Image, without copying them
func FromCImage(c *cimg.Image) (*Image, error) {
	var format PixelFormat
	switch c.Format {
	case cimg.PixelFormatRGBA:
		format = PixelFormatRGBA
	case cimg.PixelFormatGRAY:
		format = PixelFormatGRAY
	default:
		return nil, fmt.Errorf("Unsupported cimg pixel format %v", c.Format)
	}
	return &Image{
		Width:  c.Width,
		Height: c.Height,
		Format: format,
		Planes: []Plane{{Data: c.Pixels, Stride: c.Stride}},
	}, nil
}
