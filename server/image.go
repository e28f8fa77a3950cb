package server

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/png"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/yolobridge/pkg/kibi"
	"github.com/cyclopcam/yolobridge/pkg/nn"
	"github.com/cyclopcam/yolobridge/pkg/www"
	_ "golang.org/x/image/webp"
)

var jpegMagic = []byte{0xFF, 0xD8, 0xFF}

// decodeImage turns an encoded image into an RGB bitmap.
// JPEG goes through libjpeg-turbo. Everything else goes through the image package.
func decodeImage(b []byte) (*cimg.Image, error) {
	if bytes.HasPrefix(b, jpegMagic) {
		img, err := cimg.Decompress(b)
		if err != nil {
			return nil, fmt.Errorf("Failed to decode JPEG: %w", err)
		}
		return img, nil
	}
	img, format, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("Failed to decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%v image is empty", format)
	}
	return nn.FromImage(img), nil
}

// fetchImage downloads and decodes an image. The download is abandoned if ctx is cancelled.
func (s *Server) fetchImage(ctx context.Context, url string) (*cimg.Image, error) {
	b, err := www.Fetch(ctx, s.fetchClient, url, s.Config.MaxImageBytes)
	if err != nil {
		return nil, err
	}
	s.Log.Debugf("Fetched %v (%v)", url, kibi.FormatBytes(int64(len(b))))
	return decodeImage(b)
}
