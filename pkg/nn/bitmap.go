package nn

import (
	"fmt"
	"image"
	"image/color"

	"github.com/bmharper/cimg/v2"
	"github.com/nfnt/resize"
)

// ToRGBA copies a cimg image (1, 3 or 4 channels) into a Go image
func ToRGBA(img *cimg.Image) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	nchan := img.NChan()
	for y := 0; y < img.Height; y++ {
		src := img.Pixels[y*img.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < img.Width; x++ {
			s := src[x*nchan:]
			d := dst[x*4 : x*4+4]
			switch nchan {
			case 1:
				d[0], d[1], d[2] = s[0], s[0], s[0]
			default:
				d[0], d[1], d[2] = s[0], s[1], s[2]
			}
			d[3] = 255
		}
	}
	return out
}

// FromImage copies any Go image into a 3 channel RGB cimg image
func FromImage(img image.Image) *cimg.Image {
	b := img.Bounds()
	out := cimg.NewImage(b.Dx(), b.Dy(), cimg.PixelFormatRGB)
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < out.Height; y++ {
			src := rgba.Pix[rgba.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := out.Pixels[y*out.Stride:]
			for x := 0; x < out.Width; x++ {
				dst[x*3] = src[x*4]
				dst[x*3+1] = src[x*4+1]
				dst[x*3+2] = src[x*4+2]
			}
		}
		return out
	}
	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := 0; y < out.Height; y++ {
			src := nrgba.Pix[nrgba.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := out.Pixels[y*out.Stride:]
			for x := 0; x < out.Width; x++ {
				dst[x*3] = src[x*4]
				dst[x*3+1] = src[x*4+1]
				dst[x*3+2] = src[x*4+2]
			}
		}
		return out
	}
	for y := 0; y < out.Height; y++ {
		dst := out.Pixels[y*out.Stride:]
		for x := 0; x < out.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			dst[x*3] = c.R
			dst[x*3+1] = c.G
			dst[x*3+2] = c.B
		}
	}
	return out
}

// ImageToTensor stretches the image to the model's input size, and produces an NHWC float32
// tensor with values in [0,1]. If grayscale is true, the tensor has a single channel
// (BT.601 luma), otherwise it has 3 channels in RGB order.
func ImageToTensor(img *cimg.Image, width, height int, grayscale bool) ([]float32, error) {
	if img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("Cannot build a tensor from an empty %vx%v image", img.Width, img.Height)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("Invalid model input size %vx%v", width, height)
	}
	src := image.Image(ToRGBA(img))
	if img.Width != width || img.Height != height {
		src = resize.Resize(uint(width), uint(height), src, resize.Bilinear)
	}
	rgba, ok := src.(*image.RGBA)
	if !ok {
		// resize preserves *image.RGBA, so this is not expected
		rgba = image.NewRGBA(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				rgba.Set(x, y, src.At(src.Bounds().Min.X+x, src.Bounds().Min.Y+y))
			}
		}
	}
	nchan := 3
	if grayscale {
		nchan = 1
	}
	out := make([]float32, width*height*nchan)
	i := 0
	for y := 0; y < height; y++ {
		row := rgba.Pix[rgba.PixOffset(rgba.Rect.Min.X, rgba.Rect.Min.Y+y):]
		for x := 0; x < width; x++ {
			r := float32(row[x*4]) / 255
			g := float32(row[x*4+1]) / 255
			b := float32(row[x*4+2]) / 255
			if grayscale {
				out[i] = 0.299*r + 0.587*g + 0.114*b
				i++
			} else {
				out[i] = r
				out[i+1] = g
				out[i+2] = b
				i += 3
			}
		}
	}
	return out, nil
}
