package imaging

import (
	"image"
	"image/color"
	"image/draw"
	"strconv"
)

// RoundedVariant is the key suffix of pictures stored with rounded corners.
const RoundedVariant = "_r"

// Rounded clips the corners of an image to quarter circles. A zero Radius
// uses an eighth of the shortest side.
type Rounded struct {
	Radius int
}

// Variant is RoundedVariant, followed by the radius when one is set.
func (r Rounded) Variant() string {
	if r.Radius <= 0 {
		return RoundedVariant
	}
	return RoundedVariant + strconv.Itoa(r.Radius)
}

func (r Rounded) Apply(img image.Image) image.Image {
	b := img.Bounds()
	radius := r.Radius
	if radius <= 0 {
		radius = min(b.Dx(), b.Dy()) / 8
	}
	radius = min(radius, b.Dx()/2, b.Dy()/2)

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	mask := &cornerMask{bounds: b, radius: radius}
	draw.DrawMask(dst, dst.Bounds(), img, b.Min, mask, b.Min, draw.Src)
	return dst
}

type cornerMask struct {
	bounds image.Rectangle
	radius int
}

func (m *cornerMask) ColorModel() color.Model { return color.AlphaModel }
func (m *cornerMask) Bounds() image.Rectangle { return m.bounds }

func (m *cornerMask) At(x, y int) color.Color {
	if m.radius <= 0 {
		return color.Opaque
	}
	x -= m.bounds.Min.X
	y -= m.bounds.Min.Y
	w, h, r := m.bounds.Dx(), m.bounds.Dy(), m.radius

	// Distance to the nearest corner centre, only inside the corner squares.
	var cx, cy int
	switch {
	case x < r:
		cx = r - 1 - x
	case x >= w-r:
		cx = x - (w - r)
	default:
		return color.Opaque
	}
	switch {
	case y < r:
		cy = r - 1 - y
	case y >= h-r:
		cy = y - (h - r)
	default:
		return color.Opaque
	}
	if cx*cx+cy*cy >= r*r {
		return color.Transparent
	}
	return color.Opaque
}
