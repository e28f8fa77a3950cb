// Package yuv converts camera frames between the planar YUV 420 888 layout that camera
// frameworks hand us, the NV21 byte layout, and RGB bitmaps.
package yuv

import (
	"errors"
	"fmt"
	"image"
)

var ErrInvalidImage = errors.New("invalid YUV 420 888 image")

// Plane is one of the three planes of a YUV 420 888 image.
// The Y plane is full resolution. The U and V planes are half resolution in both dimensions.
type Plane struct {
	Data        []byte
	RowStride   int // Bytes between the start of consecutive rows
	PixelStride int // Bytes between consecutive samples of the same row (1 for planar, 2 for semi-planar)
}

// Image describes a YUV 420 888 frame. Planes are in Y, U, V order.
// Crop is the region of the buffers that holds valid pixels. A zero Crop means the whole frame.
type Image struct {
	Width  int
	Height int
	Crop   image.Rectangle
	Planes [3]Plane
}

// Returns the crop rectangle, or the whole frame if no crop was specified
func (x *Image) CropRect() image.Rectangle {
	if x.Crop.Empty() {
		return image.Rect(0, 0, x.Width, x.Height)
	}
	return x.Crop
}

// Validate checks that the plane buffers are large enough to hold the crop
func (x *Image) Validate() error {
	crop := x.CropRect()
	if crop.Dx() <= 0 || crop.Dy() <= 0 {
		return fmt.Errorf("%w: empty crop %v", ErrInvalidImage, crop)
	}
	if crop.Min.X < 0 || crop.Min.Y < 0 || crop.Max.X > x.Width || crop.Max.Y > x.Height {
		return fmt.Errorf("%w: crop %v outside of %vx%v frame", ErrInvalidImage, crop, x.Width, x.Height)
	}
	for i, p := range x.Planes {
		if p.RowStride <= 0 || p.PixelStride <= 0 {
			return fmt.Errorf("%w: plane %v has row stride %v and pixel stride %v", ErrInvalidImage, i, p.RowStride, p.PixelStride)
		}
		r := crop
		if i != 0 {
			r = halfRect(crop)
		}
		if r.Dx() == 0 || r.Dy() == 0 {
			continue
		}
		// Compare by division, so that a huge stride or offset can't overflow
		lastRow := r.Max.Y - 1
		lastCol := r.Max.X - 1
		n := len(p.Data)
		if n == 0 || lastRow > (n-1)/p.RowStride || lastCol > (n-1-lastRow*p.RowStride)/p.PixelStride {
			return fmt.Errorf("%w: plane %v is %v bytes, which is too small for %v with row stride %v and pixel stride %v", ErrInvalidImage, i, n, r, p.RowStride, p.PixelStride)
		}
	}
	return nil
}

// NV21Size returns the number of bytes in an NV21 buffer of the given dimensions
func NV21Size(width, height int) int {
	return width * height * 3 / 2
}

// ToNV21 produces a freshly allocated NV21 buffer for the crop region.
// The Y plane comes first, followed by interleaved V/U pairs.
func (x *Image) ToNV21() ([]byte, error) {
	if err := x.Validate(); err != nil {
		return nil, err
	}
	crop := x.CropRect()
	width := crop.Dx()
	height := crop.Dy()
	pixelCount := width * height
	out := make([]byte, NV21Size(width, height))

	for i, plane := range x.Planes {
		var outOffset, outStride int
		switch i {
		case 0:
			outOffset = 0
			outStride = 1
		case 1:
			// U
			outOffset = pixelCount + 1
			outStride = 2
		case 2:
			// V
			outOffset = pixelCount
			outStride = 2
		}
		r := crop
		if i != 0 {
			r = halfRect(crop)
		}
		copyPlane(out, outOffset, outStride, plane, r)
	}
	return out, nil
}

// Chroma planes are subsampled by two in both dimensions
func halfRect(r image.Rectangle) image.Rectangle {
	left := r.Min.X / 2
	top := r.Min.Y / 2
	return image.Rect(left, top, left+r.Dx()/2, top+r.Dy()/2)
}

func copyPlane(out []byte, outOffset, outStride int, plane Plane, r image.Rectangle) {
	w := r.Dx()
	h := r.Dy()
	if w == 0 || h == 0 {
		return
	}
	rowStride := plane.RowStride
	pixelStride := plane.PixelStride
	buf := plane.Data
	pos := r.Min.Y*rowStride + r.Min.X*pixelStride

	for row := 0; row < h; row++ {
		if pixelStride == 1 && outStride == 1 {
			copy(out[outOffset:outOffset+w], buf[pos:pos+w])
			outOffset += w
		} else {
			for col := 0; col < w; col++ {
				out[outOffset] = buf[pos+col*pixelStride]
				outOffset += outStride
			}
		}
		pos += rowStride
	}
}

// FromPlanar wraps a tightly packed YUV420p frame (eg the output of a software video decoder)
// as a YUV 420 888 description. No pixels are copied.
func FromPlanar(width, height int, y, u, v []byte) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Planes: [3]Plane{
			{Data: y, RowStride: width, PixelStride: 1},
			{Data: u, RowStride: width / 2, PixelStride: 1},
			{Data: v, RowStride: width / 2, PixelStride: 1},
		},
	}
}

// FromNV21 wraps an NV21 buffer as a YUV 420 888 description, in the same way that camera
// frameworks expose semi-planar frames (U and V planes alias the interleaved chroma block).
func FromNV21(width, height int, nv21 []byte) (*Image, error) {
	if len(nv21) < NV21Size(width, height) {
		return nil, fmt.Errorf("%w: NV21 buffer is %v bytes, but %vx%v needs %v", ErrInvalidImage, len(nv21), width, height, NV21Size(width, height))
	}
	pixelCount := width * height
	return &Image{
		Width:  width,
		Height: height,
		Planes: [3]Plane{
			{Data: nv21[:pixelCount], RowStride: width, PixelStride: 1},
			{Data: nv21[pixelCount+1:], RowStride: width, PixelStride: 2},
			{Data: nv21[pixelCount:], RowStride: width, PixelStride: 2},
		},
	}, nil
}
