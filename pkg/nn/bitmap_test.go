package nn

import (
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/stretchr/testify/require"
)

func TestImageToTensor(t *testing.T) {
	img := cimg.NewImage(4, 4, cimg.PixelFormatRGB)
	for i := 0; i < 16; i++ {
		img.Pixels[i*3] = 255
		img.Pixels[i*3+1] = 0
		img.Pixels[i*3+2] = 51
	}
	// No resize
	tensor, err := ImageToTensor(img, 4, 4, false)
	require.NoError(t, err)
	require.Equal(t, 4*4*3, len(tensor))
	require.InDelta(t, 1, tensor[0], 1e-6)
	require.InDelta(t, 0, tensor[1], 1e-6)
	require.InDelta(t, 0.2, tensor[2], 1e-6)

	// Resize of a solid color stays solid
	tensor, err = ImageToTensor(img, 8, 2, false)
	require.NoError(t, err)
	require.Equal(t, 8*2*3, len(tensor))
	require.InDelta(t, 1, tensor[len(tensor)-3], 0.01)

	tensor, err = ImageToTensor(img, 4, 4, true)
	require.NoError(t, err)
	require.Equal(t, 16, len(tensor))
	require.InDelta(t, 0.299+0.114*0.2, tensor[0], 1e-5)

	_, err = ImageToTensor(img, 0, 4, false)
	require.Error(t, err)
}

func TestRGBARoundTrip(t *testing.T) {
	img := cimg.NewImage(3, 2, cimg.PixelFormatRGB)
	for i := range img.Pixels {
		img.Pixels[i] = byte(i * 10)
	}
	back := FromImage(ToRGBA(img))
	require.Equal(t, img.Width, back.Width)
	require.Equal(t, img.Height, back.Height)
	for y := 0; y < img.Height; y++ {
		require.Equal(t, img.Pixels[y*img.Stride:y*img.Stride+9], back.Pixels[y*back.Stride:y*back.Stride+9])
	}
}
