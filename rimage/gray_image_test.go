package rimage

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"go.viam.com/test"
)

func rampImage(w, h int) *GrayImage {
	g := NewGrayImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.Set(x, y, float32(2*x+3*y))
		}
	}
	return g
}

func TestInterpolate(t *testing.T) {
	g := rampImage(10, 10)
	// bilinear interpolation of a linear function is exact
	test.That(t, g.Interpolate(2.5, 3.25), test.ShouldAlmostEqual, 2*2.5+3*3.25)
	test.That(t, g.Interpolate(0, 0), test.ShouldAlmostEqual, 0)
	dx, dy := g.Gradient(4.3, 5.6)
	test.That(t, dx, test.ShouldAlmostEqual, 2)
	test.That(t, dy, test.ShouldAlmostEqual, 3)

	test.That(t, g.CanInterpolate(9, 1, 0), test.ShouldBeFalse)
	test.That(t, g.CanInterpolate(8.9, 1, 0), test.ShouldBeTrue)
	test.That(t, g.CanInterpolate(1, 1, 1), test.ShouldBeTrue)
	test.That(t, g.CanInterpolate(0.5, 1, 1), test.ShouldBeFalse)
	test.That(t, g.In(9, 9), test.ShouldBeTrue)
	test.That(t, g.In(10, 0), test.ShouldBeFalse)
}

func TestGrayConversion(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 4, 3))
	rgba.Set(1, 2, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	g := NewGrayImageFromImage(rgba)
	test.That(t, g.Width(), test.ShouldEqual, 4)
	test.That(t, g.Height(), test.ShouldEqual, 3)
	test.That(t, g.At(1, 2), test.ShouldEqual, float32(255))
	test.That(t, g.At(0, 0), test.ShouldEqual, float32(0))

	back := g.ToGray()
	test.That(t, back.GrayAt(1, 2).Y, test.ShouldEqual, uint8(255))

	c := g.Clone()
	c.Set(1, 2, 0)
	test.That(t, g.At(1, 2), test.ShouldEqual, float32(255))
}

func TestReadGrayImageFromFile(t *testing.T) {
	g := rampImage(20, 12)
	fn := filepath.Join(t.TempDir(), "ramp.png")
	test.That(t, imaging.Save(g.ToGray(), fn), test.ShouldBeNil)

	read, err := ReadGrayImageFromFile(fn)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, read.Width(), test.ShouldEqual, 20)
	test.That(t, read.At(5, 7), test.ShouldEqual, g.At(5, 7))

	_, err = ReadGrayImageFromFile(filepath.Join(t.TempDir(), "missing.png"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestImagePyramid(t *testing.T) {
	g := NewGrayImage(128, 96)
	for y := 0; y < 96; y++ {
		for x := 0; x < 128; x++ {
			g.Set(x, y, 100)
		}
	}
	p, err := NewImagePyramid(g, 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.NumLevels(), test.ShouldEqual, 3)
	test.That(t, p.MaxLevel(), test.ShouldEqual, 2)
	test.That(t, p.Level(1).Width(), test.ShouldEqual, 64)
	test.That(t, p.Level(2).Height(), test.ShouldEqual, 24)
	test.That(t, p.Level(2).At(10, 10), test.ShouldEqual, float32(100))
	test.That(t, ScaleFactor(2), test.ShouldEqual, 4.0)

	_, err = NewImagePyramid(g, 0)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewImagePyramid(nil, 2)
	test.That(t, err, test.ShouldNotBeNil)
}
