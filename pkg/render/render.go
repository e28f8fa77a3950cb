// Package render draws NN results onto images, and handles the quarter turn between
// camera sensor orientation and display orientation.
package render

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/yolobridge/pkg/nn"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Options control what Annotate draws
type Options struct {
	LineWidth     float64 // Zero means "scale with the image"
	FontSize      float64 // Zero means "scale with the line width"
	MaskAlpha     float64 // Opacity of segmentation masks, between 0 and 1
	KeypointConf  float32 // Keypoints below this confidence are not drawn
	HideLabels    bool
	HideMasks     bool
	HideKeypoints bool
}

func DefaultOptions() *Options {
	return &Options{
		MaskAlpha:    0.5,
		KeypointConf: 0.5,
	}
}

// Ultralytics default palette
var palette = []color.RGBA{
	hex(0xFF3838), hex(0xFF9D97), hex(0xFF701F), hex(0xFFB21D), hex(0xCFD231),
	hex(0x48F90A), hex(0x92CC17), hex(0x3DDB86), hex(0x1A9334), hex(0x00D4BB),
	hex(0x2C99A8), hex(0x00C2FF), hex(0x344593), hex(0x6473FF), hex(0x0018EC),
	hex(0x8438FF), hex(0x520085), hex(0xCB38FF), hex(0xFF95C8), hex(0xFF37C7),
}

func hex(v uint32) color.RGBA {
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}

// ClassColor returns the outline color of a class
func ClassColor(class int) color.RGBA {
	if class < 0 {
		class = -class
	}
	return palette[class%len(palette)]
}

// Rotate turns the image a quarter turn, so that pixel (x, y) moves to (y, width - 1 - x).
// This matches nn.Rect.RotateQuarter and nn.DetectionResult.RotateQuarter.
func Rotate(img *cimg.Image) *cimg.Image {
	return nn.FromImage(imaging.Rotate90(nn.ToRGBA(img)))
}

// AnnotateRotated rotates the image and the result into display orientation, and then annotates.
// This is what we do for live camera frames. Returns the annotated image and the rotated result.
func AnnotateRotated(img *cimg.Image, res *nn.DetectionResult, opt *Options) (*cimg.Image, *nn.DetectionResult) {
	rotated := res.RotateQuarter()
	return Annotate(Rotate(img), rotated, opt), rotated
}

// Annotate returns a copy of img with the result drawn on top.
// The result must be in the coordinate frame of img.
func Annotate(img *cimg.Image, res *nn.DetectionResult, opt *Options) *cimg.Image {
	if opt == nil {
		opt = DefaultOptions()
	}
	canvas := nn.ToRGBA(img)
	width := float64(img.Width)
	height := float64(img.Height)

	lw := opt.LineWidth
	if lw <= 0 {
		lw = max(math.Round((width+height)/2*0.003), 2)
	}
	fontSize := opt.FontSize
	if fontSize <= 0 {
		fontSize = max(lw*5, 12)
	}

	// Masks are blended directly into the pixels, before we draw any vector graphics
	if !opt.HideMasks {
		for _, b := range res.Boxes {
			if b.Mask != nil {
				blendMask(canvas, b.Mask, ClassColor(b.Class), opt.MaskAlpha)
			}
		}
	}

	dc := gg.NewContextForRGBA(canvas)
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: fontSize}))

	for _, b := range res.Boxes {
		c := ClassColor(b.Class)
		dc.SetColor(c)
		dc.SetLineWidth(lw)
		dc.DrawRectangle(float64(b.XYXY.Left), float64(b.XYXY.Top), float64(b.XYXY.Width()), float64(b.XYXY.Height()))
		dc.Stroke()
		if !opt.HideKeypoints && len(b.Keypoints) != 0 {
			drawPose(dc, b.Keypoints, lw, opt.KeypointConf)
		}
	}

	if !opt.HideLabels {
		for _, b := range res.Boxes {
			text := fmt.Sprintf("%v %.0f%%", b.Label, b.Confidence*100)
			drawLabel(dc, text, b.XYXY, ClassColor(b.Class), float32(width), float32(height))
		}
	}

	if res.Probs != nil {
		text := fmt.Sprintf("%v %.0f%%", res.Probs.Top1Label, res.Probs.Top1Conf*100)
		box := nn.Rect{Left: 0, Top: 0, Right: float32(width), Bottom: float32(height)}
		drawLabel(dc, text, box, ClassColor(res.Probs.Top1), float32(width), float32(height))
	}

	return nn.FromImage(canvas)
}

const labelPadding = 4

func drawLabel(dc *gg.Context, text string, box nn.Rect, bg color.RGBA, imgWidth, imgHeight float32) {
	tw, th := dc.MeasureString(text)
	lw := float32(tw) + 2*labelPadding
	lh := float32(th) + 2*labelPadding
	r := PlaceLabel(box, lw, lh, imgWidth, imgHeight)
	dc.SetColor(bg)
	dc.DrawRectangle(float64(r.Left), float64(r.Top), float64(r.Width()), float64(r.Height()))
	dc.Fill()
	dc.SetColor(textColor(bg))
	dc.DrawStringAnchored(text, float64(r.Left)+labelPadding, float64(r.Top)+float64(lh)/2, 0, 0.35)
}

// Pick black or white text, depending on the brightness of the background
func textColor(bg color.RGBA) color.Color {
	luma := 0.299*float64(bg.R) + 0.587*float64(bg.G) + 0.114*float64(bg.B)
	if luma > 150 {
		return color.Black
	}
	return color.White
}

// PlaceLabel decides where to put a label of the given size, for a detection box.
// We prefer to sit the label on top of the box, aligned with its left edge. If that would clip
// the top of the image, the label moves inside the box. If it clips the left, right or bottom,
// we first try to align with the opposite edge of the box, and then clamp to the image.
func PlaceLabel(box nn.Rect, labelWidth, labelHeight, imgWidth, imgHeight float32) nn.Rect {
	left := box.Left
	top := box.Top - labelHeight
	if top < 0 {
		// Flip inside
		top = box.Top
	}
	if left+labelWidth > imgWidth {
		// Align with the right edge of the box
		left = box.Right - labelWidth
	}
	if left+labelWidth > imgWidth {
		left = imgWidth - labelWidth
	}
	if left < 0 {
		left = 0
	}
	if top+labelHeight > imgHeight {
		// Align with the bottom edge of the box, inside it
		top = box.Bottom - labelHeight
	}
	if top+labelHeight > imgHeight {
		top = imgHeight - labelHeight
	}
	if top < 0 {
		top = 0
	}
	return nn.Rect{Left: left, Top: top, Right: left + labelWidth, Bottom: top + labelHeight}
}

// Blend a mask into the image. The mask covers the whole image, at its own resolution.
func blendMask(dst *image.RGBA, m *nn.Mask, c color.RGBA, alpha float64) {
	if m.Width <= 0 || m.Height <= 0 {
		return
	}
	w := dst.Rect.Dx()
	h := dst.Rect.Dy()
	a := uint32(alpha*256 + 0.5)
	ia := 256 - a
	for y := 0; y < h; y++ {
		my := y * m.Height / h
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			mx := x * m.Width / w
			if !m.At(mx, my) {
				continue
			}
			p := row[x*4 : x*4+3]
			p[0] = uint8((uint32(p[0])*ia + uint32(c.R)*a) >> 8)
			p[1] = uint8((uint32(p[1])*ia + uint32(c.G)*a) >> 8)
			p[2] = uint8((uint32(p[2])*ia + uint32(c.B)*a) >> 8)
		}
	}
}

func drawPose(dc *gg.Context, kp []nn.Keypoint, lw float64, minConf float32) {
	visible := func(i int) bool {
		return i < len(kp) && kp[i].Confidence >= minConf
	}
	for i, limb := range nn.COCOSkeleton {
		if !visible(limb[0]) || !visible(limb[1]) {
			continue
		}
		a := kp[limb[0]]
		b := kp[limb[1]]
		dc.SetColor(palette[(i+7)%len(palette)])
		dc.SetLineWidth(lw)
		dc.DrawLine(float64(a.X), float64(a.Y), float64(b.X), float64(b.Y))
		dc.Stroke()
	}
	for i, p := range kp {
		if !visible(i) {
			continue
		}
		dc.SetColor(palette[i%len(palette)])
		dc.DrawCircle(float64(p.X), float64(p.Y), lw*1.5)
		dc.Fill()
	}
}

// EncodeJPEG compresses an image for transmission to clients
func EncodeJPEG(img *cimg.Image, quality int) ([]byte, error) {
	return cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, quality, 0))
}
