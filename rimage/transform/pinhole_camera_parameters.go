package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px" yaml:"width_px" mapstructure:"width_px"`
	Height int     `json:"height_px" yaml:"height_px" mapstructure:"height_px"`
	Fx     float64 `json:"fx" yaml:"fx" mapstructure:"fx"`
	Fy     float64 `json:"fy" yaml:"fy" mapstructure:"fy"`
	Ppx    float64 `json:"ppx" yaml:"ppx" mapstructure:"ppx"`
	Ppy    float64 `json:"ppy" yaml:"ppy" mapstructure:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width == 0 || params.Height == 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return intrinsics, nil
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}

// toPixel applies the intrinsics to a normalized plane point.
func (params *PinholeCameraIntrinsics) toPixel(x, y float64) r2.Point {
	return r2.Point{X: x*params.Fx + params.Ppx, Y: y*params.Fy + params.Ppy}
}

// toNormalized removes the intrinsics from a pixel.
func (params *PinholeCameraIntrinsics) toNormalized(px r2.Point) (float64, float64) {
	return (px.X - params.Ppx) / params.Fx, (px.Y - params.Ppy) / params.Fy
}

// PinholeCameraModel is the model of a pinhole camera with optional Brown-Conrady distortion.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               Distorter `json:"distortion"`
}

// ModelType returns PinholeModel.
func (params *PinholeCameraModel) ModelType() CameraModelType {
	return PinholeModel
}

// ImageWidth returns the width of the image in pixels.
func (params *PinholeCameraModel) ImageWidth() int {
	return params.Width
}

// ImageHeight returns the height of the image in pixels.
func (params *PinholeCameraModel) ImageHeight() int {
	return params.Height
}

// FocalLength returns the mean of fx and fy.
func (params *PinholeCameraModel) FocalLength() float64 {
	return (params.Fx + params.Fy) / 2
}

// Project maps a point in the camera frame to a pixel. The point must have positive depth.
func (params *PinholeCameraModel) Project(pt r3.Vector) r2.Point {
	x, y := pt.X/pt.Z, pt.Y/pt.Z
	if params.Distortion != nil {
		x, y = params.Distortion.Transform(x, y)
	}
	return params.toPixel(x, y)
}

// Lift returns the unit bearing of a pixel.
func (params *PinholeCameraModel) Lift(px r2.Point) r3.Vector {
	x, y := params.toNormalized(px)
	if params.Distortion != nil {
		x, y = params.Distortion.Undistort(x, y)
	}
	return r3.Vector{X: x, Y: y, Z: 1}.Normalize()
}

// IsInFrame reports whether px lies at least border pixels inside the image.
func (params *PinholeCameraModel) IsInFrame(px r2.Point, border int) bool {
	return isInFrame(px, params.Width, params.Height, border, 0)
}

// IsInFrameAtLevel is IsInFrame for the given pyramid level, px being a level 0 pixel.
func (params *PinholeCameraModel) IsInFrameAtLevel(px r2.Point, border, level int) bool {
	return isInFrame(px, params.Width, params.Height, border, level)
}

func isInFrame(px r2.Point, width, height, border, level int) bool {
	scale := math.Ldexp(1, -level)
	x, y := px.X*scale, px.Y*scale
	w, h := float64(width>>level), float64(height>>level)
	b := float64(border)
	return x >= b && y >= b && x < w-b && y < h-b
}
