// Package rimage holds the grayscale images and pyramids the odometry front end samples from.
package rimage

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// GrayImage is a single channel float image with intensities in [0, 255].
type GrayImage struct {
	width, height int
	data          []float32
}

// NewGrayImage returns a black image of the given size.
func NewGrayImage(width, height int) *GrayImage {
	return &GrayImage{width: width, height: height, data: make([]float32, width*height)}
}

// NewGrayImageFromImage converts any image to its luminance.
func NewGrayImageFromImage(img image.Image) *GrayImage {
	b := img.Bounds()
	g := NewGrayImage(b.Dx(), b.Dy())
	switch typed := img.(type) {
	case *image.Gray:
		for y := 0; y < g.height; y++ {
			row := typed.Pix[y*typed.Stride : y*typed.Stride+g.width]
			for x, v := range row {
				g.data[y*g.width+x] = float32(v)
			}
		}
	default:
		for y := 0; y < g.height; y++ {
			for x := 0; x < g.width; x++ {
				c := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				g.data[y*g.width+x] = float32(c.Y)
			}
		}
	}
	return g
}

// ReadGrayImageFromFile decodes an image file and converts it to gray.
func ReadGrayImageFromFile(path string) (*GrayImage, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read image %q", path)
	}
	return NewGrayImageFromImage(img), nil
}

// Width returns the width of the image.
func (g *GrayImage) Width() int {
	return g.width
}

// Height returns the height of the image.
func (g *GrayImage) Height() int {
	return g.height
}

// Bounds returns the image rectangle.
func (g *GrayImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.width, g.height)
}

// In reports whether the integer pixel is inside the image.
func (g *GrayImage) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < g.width && y < g.height
}

// At returns the intensity at an integer pixel. The pixel must be in the image.
func (g *GrayImage) At(x, y int) float32 {
	return g.data[y*g.width+x]
}

// Set sets the intensity at an integer pixel.
func (g *GrayImage) Set(x, y int, v float32) {
	g.data[y*g.width+x] = v
}

// Interpolate samples the image bilinearly. The caller must ensure that
// 0 <= x < width-1 and 0 <= y < height-1.
func (g *GrayImage) Interpolate(x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	sx := x - float64(x0)
	sy := y - float64(y0)
	i := y0*g.width + x0
	w00 := (1 - sx) * (1 - sy)
	w01 := sx * (1 - sy)
	w10 := (1 - sx) * sy
	w11 := sx * sy
	return w00*float64(g.data[i]) + w01*float64(g.data[i+1]) +
		w10*float64(g.data[i+g.width]) + w11*float64(g.data[i+g.width+1])
}

// CanInterpolate reports whether a bilinear sample at (x, y) stays inside the image with the
// given margin of whole pixels on every side.
func (g *GrayImage) CanInterpolate(x, y float64, margin int) bool {
	m := float64(margin)
	return x >= m && y >= m && x < float64(g.width-1)-m && y < float64(g.height-1)-m
}

// Gradient returns central difference derivatives at a sub-pixel location. The sample
// needs one more pixel of margin than Interpolate.
func (g *GrayImage) Gradient(x, y float64) (float64, float64) {
	dx := 0.5 * (g.Interpolate(x+1, y) - g.Interpolate(x-1, y))
	dy := 0.5 * (g.Interpolate(x, y+1) - g.Interpolate(x, y-1))
	return dx, dy
}

// ToGray returns an 8 bit copy, clamping intensities.
func (g *GrayImage) ToGray() *image.Gray {
	out := image.NewGray(g.Bounds())
	for i, v := range g.data {
		out.Pix[i] = uint8(math.Max(0, math.Min(255, math.Round(float64(v)))))
	}
	return out
}

// Clone returns a deep copy.
func (g *GrayImage) Clone() *GrayImage {
	out := &GrayImage{width: g.width, height: g.height, data: make([]float32, len(g.data))}
	copy(out.data, g.data)
	return out
}
