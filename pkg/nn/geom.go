package nn

import (
	"image"

	"github.com/chewxy/math32"
)

type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Rect is an axis aligned rectangle, stored as edges
type Rect struct {
	Left   float32 `json:"left"`
	Top    float32 `json:"top"`
	Right  float32 `json:"right"`
	Bottom float32 `json:"bottom"`
}

// Create a rect from center, width, height
func RectFromCenter(cx, cy, w, h float32) Rect {
	return Rect{
		Left:   cx - w/2,
		Top:    cy - h/2,
		Right:  cx + w/2,
		Bottom: cy + h/2,
	}
}

func (r Rect) Width() float32 {
	return r.Right - r.Left
}

func (r Rect) Height() float32 {
	return r.Bottom - r.Top
}

func (r Rect) Area() float32 {
	return max(0, r.Width()) * max(0, r.Height())
}

func (r Rect) Center() Point {
	return Point{
		X: (r.Left + r.Right) / 2,
		Y: (r.Top + r.Bottom) / 2,
	}
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.Left, b.Left)
	y1 := max(r.Top, b.Top)
	x2 := min(r.Right, b.Right)
	y2 := min(r.Bottom, b.Bottom)
	return Rect{
		Left:   x1,
		Top:    y1,
		Right:  max(x1, x2),
		Bottom: max(y1, y2),
	}
}

// Intersection over Union
func (r Rect) IOU(b Rect) float32 {
	inter := r.Intersection(b).Area()
	union := r.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Normalize divides by the image dimensions, producing coordinates in the range [0,1]
func (r Rect) Normalize(width, height int) Rect {
	w := float32(width)
	h := float32(height)
	return Rect{
		Left:   r.Left / w,
		Top:    r.Top / h,
		Right:  r.Right / w,
		Bottom: r.Bottom / h,
	}
}

// Denormalize is the inverse of Normalize
func (r Rect) Denormalize(width, height int) Rect {
	w := float32(width)
	h := float32(height)
	return Rect{
		Left:   r.Left * w,
		Top:    r.Top * h,
		Right:  r.Right * w,
		Bottom: r.Bottom * h,
	}
}

// Clamp the rectangle to lie inside [0,0]-[width,height]
func (r Rect) Clamp(width, height float32) Rect {
	return Rect{
		Left:   min(max(r.Left, 0), width),
		Top:    min(max(r.Top, 0), height),
		Right:  min(max(r.Right, 0), width),
		Bottom: min(max(r.Bottom, 0), height),
	}
}

func (r Rect) Offset(dx, dy float32) Rect {
	return Rect{
		Left:   r.Left + dx,
		Top:    r.Top + dy,
		Right:  r.Right + dx,
		Bottom: r.Bottom + dy,
	}
}

// ToImageRect rounds outwards to integer pixel coordinates
func (r Rect) ToImageRect() image.Rectangle {
	return image.Rect(int(math32.Floor(r.Left)), int(math32.Floor(r.Top)), int(math32.Ceil(r.Right)), int(math32.Ceil(r.Bottom))).Canon()
}

// RotateQuarter transforms a rect that lives in an image of the given width into the frame
// of that image after a quarter turn, where point (x, y) moves to (y, width - x).
// The rotated image is 'height' pixels wide and 'width' pixels tall, so applying this
// four times, alternating the width argument between the two image dimensions,
// returns the original rect.
func (r Rect) RotateQuarter(width float32) Rect {
	return Rect{
		Left:   r.Top,
		Top:    width - r.Right,
		Right:  r.Bottom,
		Bottom: width - r.Left,
	}
}

// RotateQuarter transforms a point in the same way as Rect.RotateQuarter
func (p Point) RotateQuarter(width float32) Point {
	return Point{
		X: p.Y,
		Y: width - p.X,
	}
}
