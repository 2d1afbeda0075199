package transform

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func testIntrinsics() *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 450, Fy: 455, Ppx: 320, Ppy: 240}
}

func TestPinholeProjectLift(t *testing.T) {
	for _, dist := range [][]float64{nil, {-0.28, 0.07, 0, 1e-4, -2e-4}} {
		cam, err := NewCamera(CameraConfig{Model: PinholeModel, Intrinsics: testIntrinsics(), Distortion: dist})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cam.ModelType(), test.ShouldEqual, PinholeModel)
		test.That(t, cam.FocalLength(), test.ShouldEqual, 452.5)

		for _, pt := range []r3.Vector{{X: 0.3, Y: -0.2, Z: 2}, {X: -1, Y: 0.5, Z: 3}, {Z: 1}} {
			px := cam.Project(pt)
			bearing := cam.Lift(px)
			test.That(t, bearing.Norm(), test.ShouldAlmostEqual, 1)
			test.That(t, bearing.Sub(pt.Normalize()).Norm(), test.ShouldBeLessThan, 1e-8)
		}
	}
	cam, err := NewCamera(CameraConfig{Intrinsics: testIntrinsics()})
	test.That(t, err, test.ShouldBeNil)
	px := cam.Project(r3.Vector{Z: 5})
	test.That(t, px, test.ShouldResemble, r2.Point{X: 320, Y: 240})
}

func TestFisheyeProjectLift(t *testing.T) {
	cam, err := NewCamera(CameraConfig{
		Model:      FisheyeModel,
		Intrinsics: testIntrinsics(),
		Distortion: []float64{0.01, -0.005, 0.001, 0},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cam.ModelType(), test.ShouldEqual, FisheyeModel)
	for _, dir := range []r3.Vector{{X: 0.1, Y: 0.1, Z: 1}, {X: 1, Z: 0.2}, {X: 1, Y: 1, Z: -0.1}} {
		bearing := cam.Lift(cam.Project(dir))
		test.That(t, bearing.Sub(dir.Normalize()).Norm(), test.ShouldBeLessThan, 1e-7)
	}
	test.That(t, cam.Lift(r2.Point{X: 320, Y: 240}), test.ShouldResemble, r3.Vector{Z: 1})
}

func TestDistorters(t *testing.T) {
	bc, err := NewBrownConrady([]float64{0.1, -0.05})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bc.Parameters(), test.ShouldResemble, []float64{0.1, -0.05, 0, 0, 0})
	xd, yd := bc.Transform(0.3, -0.4)
	x, y := bc.Undistort(xd, yd)
	test.That(t, x, test.ShouldAlmostEqual, 0.3, 1e-9)
	test.That(t, y, test.ShouldAlmostEqual, -0.4, 1e-9)

	kb, err := NewKannalaBrandt([]float64{0.02})
	test.That(t, err, test.ShouldBeNil)
	theta := 1.2
	test.That(t, kb.UndistortTheta(kb.DistortTheta(theta)), test.ShouldAlmostEqual, theta, 1e-9)
	xd, yd = kb.Transform(0.5, 0.2)
	x, y = kb.Undistort(xd, yd)
	test.That(t, x, test.ShouldAlmostEqual, 0.5, 1e-9)
	test.That(t, y, test.ShouldAlmostEqual, 0.2, 1e-9)

	_, err = NewBrownConrady(make([]float64, 6))
	test.That(t, err, test.ShouldNotBeNil)
	d, err := NewDistorter(KannalaBrandtDistortionType, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.ModelType(), test.ShouldEqual, KannalaBrandtDistortionType)
	_, err = NewDistorter("mystery", nil)
	test.That(t, err, test.ShouldNotBeNil)

	var nilBC *BrownConrady
	test.That(t, nilBC.CheckValid(), test.ShouldNotBeNil)
	test.That(t, nilBC.CheckValid().Error(), test.ShouldEqual,
		"BrownConrady shaped distortion_parameters not provided: invalid distortion_parameters")
	// the message is not a format string
	test.That(t, InvalidDistortionError("100% of k1").Error(), test.ShouldEqual, "100% of k1: invalid distortion_parameters")
	x, y = nilBC.Undistort(0.1, 0.2)
	test.That(t, x, test.ShouldEqual, 0.1)
	test.That(t, y, test.ShouldEqual, 0.2)
}

func TestIsInFrame(t *testing.T) {
	cam, err := NewCamera(CameraConfig{Intrinsics: testIntrinsics()})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cam.IsInFrame(r2.Point{X: 8, Y: 8}, 8), test.ShouldBeTrue)
	test.That(t, cam.IsInFrame(r2.Point{X: 7.9, Y: 8}, 8), test.ShouldBeFalse)
	test.That(t, cam.IsInFrame(r2.Point{X: 631.9, Y: 100}, 8), test.ShouldBeTrue)
	test.That(t, cam.IsInFrame(r2.Point{X: 632, Y: 100}, 8), test.ShouldBeFalse)
	// level 2 is 160x120
	test.That(t, cam.IsInFrameAtLevel(r2.Point{X: 600, Y: 400}, 8, 2), test.ShouldBeTrue)
	test.That(t, cam.IsInFrameAtLevel(r2.Point{X: 620, Y: 400}, 8, 2), test.ShouldBeFalse)
}

func TestCameraConfigErrors(t *testing.T) {
	_, err := NewCamera(CameraConfig{})
	test.That(t, errorsIs(err, ErrNoIntrinsics), test.ShouldBeTrue)

	bad := testIntrinsics()
	bad.Fx = 0
	_, err = NewCamera(CameraConfig{Intrinsics: bad})
	test.That(t, errorsIs(err, ErrNoIntrinsics), test.ShouldBeTrue)

	_, err = NewCamera(CameraConfig{Model: "orthographic", Intrinsics: testIntrinsics()})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewCamera(CameraConfig{Model: FisheyeModel, Intrinsics: testIntrinsics(), Distortion: make([]float64, 5)})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestIntrinsicsFromJSONFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "intrinsics.json")
	data := `{"width_px": 640, "height_px": 480, "fx": 450, "fy": 455, "ppx": 320, "ppy": 240}`
	test.That(t, os.WriteFile(fn, []byte(data), 0o600), test.ShouldBeNil)
	intr, err := NewPinholeCameraIntrinsicsFromJSONFile(fn)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, intr, test.ShouldResemble, testIntrinsics())
	K := intr.GetCameraMatrix()
	test.That(t, K.At(0, 2), test.ShouldEqual, 320.)
	test.That(t, math.IsNaN(K.At(2, 2)), test.ShouldBeFalse)

	_, err = NewPinholeCameraIntrinsicsFromJSONFile(filepath.Join(t.TempDir(), "nope.json"))
	test.That(t, err, test.ShouldNotBeNil)
}
