package nn

import (
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/stretchr/testify/require"
)

func sampleResult() *DetectionResult {
	r := &DetectionResult{
		ImageWidth:  200,
		ImageHeight: 100,
		Names:       []string{"person"},
	}
	b := NewBox(0, 0, "person", 0.8, Rect{Left: 10, Top: 20, Right: 50, Bottom: 60}, 200, 100)
	b.Keypoints = []Keypoint{{X: 30, Y: 40, XN: 0.15, YN: 0.4, Confidence: 0.9}}
	b.Mask = &Mask{Width: 3, Height: 2, Data: []byte{1, 0, 0, 1, 1, 0}}
	r.Boxes = []Box{b}
	return r
}

func TestResultRotateQuarter(t *testing.T) {
	r := sampleResult()
	rot := r.RotateQuarter()

	// Original is untouched
	require.Equal(t, 200, r.ImageWidth)
	require.Equal(t, Rect{Left: 10, Top: 20, Right: 50, Bottom: 60}, r.Boxes[0].XYXY)

	require.Equal(t, 100, rot.ImageWidth)
	require.Equal(t, 200, rot.ImageHeight)
	b := rot.Boxes[0]
	require.Equal(t, Rect{Left: 20, Top: 150, Right: 60, Bottom: 190}, b.XYXY)
	require.True(t, b.Consistent(rot.ImageWidth, rot.ImageHeight))
	require.Equal(t, float32(40), b.Keypoints[0].X)
	require.Equal(t, float32(170), b.Keypoints[0].Y)
	require.InDelta(t, 0.4, b.Keypoints[0].XN, 1e-6)
	require.InDelta(t, 0.85, b.Keypoints[0].YN, 1e-6)
	require.Equal(t, 2, b.Mask.Width)
	require.Equal(t, 3, b.Mask.Height)

	// Four quarter turns bring us back
	back := rot.RotateQuarter().RotateQuarter().RotateQuarter()
	require.Equal(t, r.ImageWidth, back.ImageWidth)
	require.Equal(t, r.Boxes[0].XYXY, back.Boxes[0].XYXY)
	require.Equal(t, r.Boxes[0].Mask, back.Boxes[0].Mask)
	require.InDelta(t, r.Boxes[0].Keypoints[0].X, back.Boxes[0].Keypoints[0].X, 1e-4)
	require.InDelta(t, r.Boxes[0].Keypoints[0].Y, back.Boxes[0].Keypoints[0].Y, 1e-4)
}

func TestMaskRotateQuarter(t *testing.T) {
	// 1 0 0
	// 1 1 0
	m := &Mask{Width: 3, Height: 2, Data: []byte{1, 0, 0, 1, 1, 0}}
	r := m.RotateQuarter()
	// (x, y) -> (y, W - 1 - x)
	// 0 0
	// 0 1
	// 1 1
	require.Equal(t, []byte{0, 0, 0, 1, 1, 1}, r.Data)
}

func TestResultCopyOnWrite(t *testing.T) {
	r := sampleResult()
	img := cimg.NewImage(2, 2, cimg.PixelFormatRGB)
	a := r.WithAnnotatedImage(img)
	o := r.WithOriginalImage(img)
	f := r.WithFPS(29.5)
	require.Nil(t, r.AnnotatedImage)
	require.Nil(t, r.OriginalImage)
	require.Equal(t, 0.0, r.FPS)
	require.Equal(t, img, a.AnnotatedImage)
	require.Equal(t, img, o.OriginalImage)
	require.Equal(t, 29.5, f.FPS)
	require.Equal(t, r.Boxes, f.Boxes)
}
