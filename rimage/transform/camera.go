// Package transform holds camera models, distortion and two-view geometry: RANSAC estimation
// of the fundamental matrix, essential decomposition and triangulation.
package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// CameraModelType names a projection model.
type CameraModelType string

const (
	// PinholeModel is a perspective projection, optionally with Brown-Conrady distortion.
	PinholeModel = CameraModelType("pinhole")
	// FisheyeModel is the equidistant Kannala-Brandt projection.
	FisheyeModel = CameraModelType("fisheye")
)

// Camera projects points of its own frame to pixels and lifts pixels back to bearings.
type Camera interface {
	ModelType() CameraModelType
	ImageWidth() int
	ImageHeight() int
	// FocalLength is in pixels and is used to express pixel thresholds as angles.
	FocalLength() float64
	Project(pt r3.Vector) r2.Point
	Lift(px r2.Point) r3.Vector
	IsInFrame(px r2.Point, border int) bool
	IsInFrameAtLevel(px r2.Point, border, level int) bool
}

// CameraConfig describes a camera in a config file.
type CameraConfig struct {
	Model      CameraModelType          `json:"model" yaml:"model" mapstructure:"model"`
	Intrinsics *PinholeCameraIntrinsics `json:"intrinsic_parameters" yaml:"intrinsic_parameters" mapstructure:"intrinsic_parameters"`
	Distortion []float64                `json:"distortion_parameters,omitempty" yaml:"distortion_parameters,omitempty" mapstructure:"distortion_parameters"`
}

// NewCamera builds the camera described by cfg. An empty model means pinhole.
func NewCamera(cfg CameraConfig) (Camera, error) {
	if err := cfg.Intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	switch cfg.Model {
	case PinholeModel, "":
		cam := &PinholeCameraModel{PinholeCameraIntrinsics: cfg.Intrinsics}
		if len(cfg.Distortion) > 0 {
			bc, err := NewBrownConrady(cfg.Distortion)
			if err != nil {
				return nil, err
			}
			cam.Distortion = bc
		}
		return cam, nil
	case FisheyeModel:
		kb, err := NewKannalaBrandt(cfg.Distortion)
		if err != nil {
			return nil, err
		}
		return &FisheyeCameraModel{PinholeCameraIntrinsics: cfg.Intrinsics, Distortion: kb}, nil
	default:
		return nil, errors.Errorf("do not know how to build a %q camera", cfg.Model)
	}
}

// FisheyeCameraModel projects with the Kannala-Brandt model, which stays valid for rays at
// and beyond 90 degrees from the optical axis.
type FisheyeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               *KannalaBrandt `json:"distortion"`
}

// ModelType returns FisheyeModel.
func (fc *FisheyeCameraModel) ModelType() CameraModelType {
	return FisheyeModel
}

// ImageWidth returns the width of the image in pixels.
func (fc *FisheyeCameraModel) ImageWidth() int {
	return fc.Width
}

// ImageHeight returns the height of the image in pixels.
func (fc *FisheyeCameraModel) ImageHeight() int {
	return fc.Height
}

// FocalLength returns the mean of fx and fy.
func (fc *FisheyeCameraModel) FocalLength() float64 {
	return (fc.Fx + fc.Fy) / 2
}

// Project maps a point in the camera frame to a pixel.
func (fc *FisheyeCameraModel) Project(pt r3.Vector) r2.Point {
	r := math.Hypot(pt.X, pt.Y)
	if r < 1e-12 {
		return r2.Point{X: fc.Ppx, Y: fc.Ppy}
	}
	thetaD := fc.Distortion.DistortTheta(math.Atan2(r, pt.Z))
	return fc.toPixel(thetaD*pt.X/r, thetaD*pt.Y/r)
}

// Lift returns the unit bearing of a pixel.
func (fc *FisheyeCameraModel) Lift(px r2.Point) r3.Vector {
	xd, yd := fc.toNormalized(px)
	rd := math.Hypot(xd, yd)
	if rd < 1e-12 {
		return r3.Vector{Z: 1}
	}
	theta := fc.Distortion.UndistortTheta(rd)
	s := math.Sin(theta) / rd
	return r3.Vector{X: xd * s, Y: yd * s, Z: math.Cos(theta)}
}

// IsInFrame reports whether px lies at least border pixels inside the image.
func (fc *FisheyeCameraModel) IsInFrame(px r2.Point, border int) bool {
	return isInFrame(px, fc.Width, fc.Height, border, 0)
}

// IsInFrameAtLevel is IsInFrame for the given pyramid level, px being a level 0 pixel.
func (fc *FisheyeCameraModel) IsInFrameAtLevel(px r2.Point, border, level int) bool {
	return isInFrame(px, fc.Width, fc.Height, border, level)
}
