package nn

import (
	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
)

// Box is an object that a neural network has found in an image.
// XYXY is in pixels of the original image, and XYXYN is the same rectangle divided by
// the image dimensions. Use NewBox to keep the two consistent.
type Box struct {
	Index      int        `json:"index"`      // Position of this box in the result
	Class      int        `json:"classIndex"` // Index into the model's class list
	Label      string     `json:"className"`
	Confidence float32    `json:"confidence"`
	XYXY       Rect       `json:"boundingBox"`
	XYXYN      Rect       `json:"normalizedBox"`
	Keypoints  []Keypoint `json:"keypoints,omitempty"` // Pose models only
	Mask       *Mask      `json:"-"`                   // Segmentation models only
}

func NewBox(index, class int, label string, confidence float32, xyxy Rect, imageWidth, imageHeight int) Box {
	return Box{
		Index:      index,
		Class:      class,
		Label:      label,
		Confidence: confidence,
		XYXY:       xyxy,
		XYXYN:      xyxy.Normalize(imageWidth, imageHeight),
	}
}

// Consistent returns true if the normalized rectangle matches the absolute rectangle
func (b *Box) Consistent(imageWidth, imageHeight int) bool {
	n := b.XYXY.Normalize(imageWidth, imageHeight)
	const eps = 1e-5
	return math32.Abs(n.Left-b.XYXYN.Left) < eps &&
		math32.Abs(n.Top-b.XYXYN.Top) < eps &&
		math32.Abs(n.Right-b.XYXYN.Right) < eps &&
		math32.Abs(n.Bottom-b.XYXYN.Bottom) < eps
}

// Keypoint is a single pose landmark
type Keypoint struct {
	X          float32 `json:"x"`  // pixels
	Y          float32 `json:"y"`  // pixels
	XN         float32 `json:"xn"` // normalized
	YN         float32 `json:"yn"` // normalized
	Confidence float32 `json:"confidence"`
}

// Mask is a binary segmentation mask that covers the whole image, at the resolution
// of the model's prototype masks (typically 160x160).
type Mask struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data"` // 1 inside the object, 0 outside. Row major.
}

func (m *Mask) At(x, y int) bool {
	return m.Data[y*m.Width+x] != 0
}

// Top-1 and Top-5 results of a classification model
type Probs struct {
	Top1       int       `json:"top1"`
	Top1Label  string    `json:"top1Label"`
	Top1Conf   float32   `json:"top1Conf"`
	Top5       []int     `json:"top5"`
	Top5Labels []string  `json:"top5Labels"`
	Top5Confs  []float32 `json:"top5Confs"`
}

// Results of an NN run on one image.
// Treat a DetectionResult as immutable once it has been produced. Use the With* functions
// to derive a modified copy.
type DetectionResult struct {
	ImageWidth       int         `json:"imageWidth"`
	ImageHeight      int         `json:"imageHeight"`
	Boxes            []Box       `json:"boxes"`
	Probs            *Probs      `json:"probs,omitempty"`
	Names            []string    `json:"names"`
	ProcessingTimeMs float64     `json:"processingTimeMs"`
	FPS              float64     `json:"fps,omitempty"` // Only populated for camera streams
	AnnotatedImage   *cimg.Image `json:"-"`
	OriginalImage    *cimg.Image `json:"-"`
}

// WithAnnotatedImage returns a copy of the result, with the annotated bitmap attached
func (r *DetectionResult) WithAnnotatedImage(img *cimg.Image) *DetectionResult {
	c := *r
	c.AnnotatedImage = img
	return &c
}

// WithOriginalImage returns a copy of the result, with the original bitmap attached
func (r *DetectionResult) WithOriginalImage(img *cimg.Image) *DetectionResult {
	c := *r
	c.OriginalImage = img
	return &c
}

// WithFPS returns a copy of the result, with the frame rate populated
func (r *DetectionResult) WithFPS(fps float64) *DetectionResult {
	c := *r
	c.FPS = fps
	return &c
}

// RotateQuarter returns a copy of the result in the frame of the image after a quarter turn
// (see Rect.RotateQuarter). Boxes, keypoints and masks are all transformed, and the image
// dimensions are swapped.
func (r *DetectionResult) RotateQuarter() *DetectionResult {
	c := *r
	c.ImageWidth = r.ImageHeight
	c.ImageHeight = r.ImageWidth
	width := float32(r.ImageWidth)
	c.Boxes = make([]Box, len(r.Boxes))
	for i, b := range r.Boxes {
		nb := NewBox(b.Index, b.Class, b.Label, b.Confidence, b.XYXY.RotateQuarter(width), c.ImageWidth, c.ImageHeight)
		if b.Keypoints != nil {
			nb.Keypoints = make([]Keypoint, len(b.Keypoints))
			for j, kp := range b.Keypoints {
				p := Point{X: kp.X, Y: kp.Y}.RotateQuarter(width)
				nb.Keypoints[j] = Keypoint{
					X:          p.X,
					Y:          p.Y,
					XN:         p.X / float32(c.ImageWidth),
					YN:         p.Y / float32(c.ImageHeight),
					Confidence: kp.Confidence,
				}
			}
		}
		if b.Mask != nil {
			nb.Mask = b.Mask.RotateQuarter()
		}
		c.Boxes[i] = nb
	}
	return &c
}

// RotateQuarter rotates the mask in the same sense as Rect.RotateQuarter
func (m *Mask) RotateQuarter() *Mask {
	out := &Mask{
		Width:  m.Height,
		Height: m.Width,
		Data:   make([]byte, len(m.Data)),
	}
	// (x, y) -> (y, W - 1 - x)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			out.Data[(m.Width-1-x)*out.Width+y] = m.Data[y*m.Width+x]
		}
	}
	return out
}
