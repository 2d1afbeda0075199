package odometry

import (
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/monovo/rimage"
)

func refPatch(t *testing.T, img *rimage.GrayImage, px r2.Point) *PatchWithBorder {
	t.Helper()
	patch, err := WarpAffine(img, mat.NewDense(2, 2, []float64{1, 0, 0, 1}), px, 0, 0)
	test.That(t, err, test.ShouldBeNil)
	return patch
}

func TestAlign2DI(t *testing.T) {
	img := textureImage(160, 120, 0)
	truth := r2.Point{X: 70.3, Y: 52.6}
	ref := refPatch(t, img, truth)

	for _, start := range []r2.Point{
		{X: 70.3, Y: 52.6},
		{X: 71.5, Y: 51.9},
		{X: 69.2, Y: 53.4},
	} {
		got, ok := Align2DI(img, ref, start, 30, 0.01)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, got.Sub(truth).Norm(), test.ShouldBeLessThan, 0.05)
	}

	// a brighter image aligns the same
	bright := textureImage(160, 120, 20)
	got, ok := Align2DI(bright, ref, r2.Point{X: 71, Y: 52}, 30, 0.01)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.Sub(truth).Norm(), test.ShouldBeLessThan, 0.05)

	_, ok = Align2DI(img, ref, r2.Point{X: 71, Y: 52}, 1, 1e-9)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestAlign2DIFailures(t *testing.T) {
	img := textureImage(160, 120, 0)
	ref := refPatch(t, img, r2.Point{X: 70, Y: 50})

	start := r2.Point{X: 3, Y: 50}
	got, ok := Align2DI(img, ref, start, 30, 0.01)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, got, test.ShouldResemble, start)

	flat := rimage.NewGrayImage(160, 120)
	_, ok = Align2DI(img, refPatch(t, flat, r2.Point{X: 70, Y: 50}), r2.Point{X: 70, Y: 50}, 30, 0.01)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestZSSD(t *testing.T) {
	img := textureImage(160, 120, 0)
	bright := textureImage(160, 120, 30)
	px := r2.Point{X: 40, Y: 40}

	a, ok := SamplePatch(img, px)
	test.That(t, ok, test.ShouldBeTrue)
	b, ok := SamplePatch(bright, px)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, ZSSD(&a, &b), test.ShouldAlmostEqual, 0, 1e-3)

	c, ok := SamplePatch(img, r2.Point{X: 90, Y: 70})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, ZSSD(&a, &c), test.ShouldBeGreaterThan, PatchArea*DefaultConfig().Align.MaxError2)

	_, ok = SamplePatch(img, r2.Point{X: 3.5, Y: 40})
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = SamplePatch(img, r2.Point{X: 40, Y: 115})
	test.That(t, ok, test.ShouldBeFalse)
}
