package yuv

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
)

// NV21ToRGB decodes an NV21 buffer into a new RGB bitmap.
// We use the full-range BT.601 (JFIF) coefficients, which is what the platform's
// NV21 -> JPEG -> bitmap path produces.
// Odd dimensions are accepted. The chroma block then covers floor(width/2) x floor(height/2)
// samples, which is what ToNV21 emits for an odd crop, and the last row or column of luma
// reuses the nearest chroma sample.
func NV21ToRGB(width, height int, nv21 []byte) (*cimg.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: NV21 dimensions must be positive, not %vx%v", ErrInvalidImage, width, height)
	}
	pixelCount := width * height
	cw := width / 2
	ch := height / 2
	cStride := cw * 2
	if len(nv21) < pixelCount+cStride*ch {
		return nil, fmt.Errorf("%w: NV21 buffer is %v bytes, but %vx%v needs %v", ErrInvalidImage, len(nv21), width, height, pixelCount+cStride*ch)
	}
	dst := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for y := 0; y < height; y++ {
		yRow := nv21[y*width:]
		var cRow []byte
		if cw != 0 && ch != 0 {
			cRow = nv21[pixelCount+min(y/2, ch-1)*cStride:]
		}
		out := dst.Pixels[y*dst.Stride:]
		for x := 0; x < width; x++ {
			u, v := byte(128), byte(128)
			if cRow != nil {
				cx := min(x/2, cw-1) * 2
				v, u = cRow[cx], cRow[cx+1]
			}
			r, g, b := yuvToRGB(yRow[x], u, v)
			out[x*3] = r
			out[x*3+1] = g
			out[x*3+2] = b
		}
	}
	return dst, nil
}

// ToRGB converts the frame to NV21 and then decodes it into an RGB bitmap
func (x *Image) ToRGB() (*cimg.Image, error) {
	nv21, err := x.ToNV21()
	if err != nil {
		return nil, err
	}
	crop := x.CropRect()
	return NV21ToRGB(crop.Dx(), crop.Dy(), nv21)
}

func yuvToRGB(y, u, v byte) (byte, byte, byte) {
	// Fixed point with 16 bits of fraction
	yy := int32(y) << 16
	cb := int32(u) - 128
	cr := int32(v) - 128
	r := (yy + 91881*cr + 1<<15) >> 16
	g := (yy - 22554*cb - 46802*cr + 1<<15) >> 16
	b := (yy + 116130*cb + 1<<15) >> 16
	return clamp8(r), clamp8(g), clamp8(b)
}

func clamp8(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// RGBToYUV420p converts a tightly packed RGB image into planar YUV420p.
// Width and height must be even.
func RGBToYUV420p(rgb []byte, width, height int) (y, u, v []byte) {
	y = make([]byte, width*height)
	u = make([]byte, width*height/4)
	v = make([]byte, width*height/4)
	for py := 0; py < height; py++ {
		for px := 0; px < width; px++ {
			i := (py*width + px) * 3
			r := int32(rgb[i])
			g := int32(rgb[i+1])
			b := int32(rgb[i+2])
			y[py*width+px] = clamp8((19595*r + 38470*g + 7471*b + 1<<15) >> 16)
		}
	}
	for py := 0; py < height/2; py++ {
		for px := 0; px < width/2; px++ {
			// Average the 2x2 block
			var r, g, b int32
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					i := ((py*2+dy)*width + px*2 + dx) * 3
					r += int32(rgb[i])
					g += int32(rgb[i+1])
					b += int32(rgb[i+2])
				}
			}
			r /= 4
			g /= 4
			b /= 4
			u[py*(width/2)+px] = clamp8(((-11059*r - 21709*g + 32768*b + 1<<15) >> 16) + 128)
			v[py*(width/2)+px] = clamp8(((32768*r - 27439*g - 5329*b + 1<<15) >> 16) + 128)
		}
	}
	return
}
