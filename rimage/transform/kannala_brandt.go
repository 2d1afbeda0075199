package transform

import "math"

// KannalaBrandt is the equidistant fisheye model. The angle θ between a ray and the optical
// axis maps to a distorted radius θ_d = θ(1 + k1θ² + k2θ⁴ + k3θ⁶ + k4θ⁸) on the normalized plane.
type KannalaBrandt struct {
	K1 float64 `json:"k1"`
	K2 float64 `json:"k2"`
	K3 float64 `json:"k3"`
	K4 float64 `json:"k4"`
}

// NewKannalaBrandt takes in a slice of floats that will be passed into the struct in order.
func NewKannalaBrandt(inp []float64) (*KannalaBrandt, error) {
	p, err := padParameters(inp, 4, "kannala_brandt")
	if err != nil {
		return nil, err
	}
	return &KannalaBrandt{p[0], p[1], p[2], p[3]}, nil
}

// CheckValid checks if the fields for KannalaBrandt have valid inputs.
func (kb *KannalaBrandt) CheckValid() error {
	if kb == nil {
		return InvalidDistortionError("KannalaBrandt shaped distortion_parameters not provided")
	}
	return nil
}

// ModelType returns the type of distortion model.
func (kb *KannalaBrandt) ModelType() DistortionType {
	return KannalaBrandtDistortionType
}

// Parameters returns the parameters of the distortion model as a list of floats.
func (kb *KannalaBrandt) Parameters() []float64 {
	if kb == nil {
		return []float64{}
	}
	return []float64{kb.K1, kb.K2, kb.K3, kb.K4}
}

// DistortTheta returns θ_d for a ray angle θ.
func (kb *KannalaBrandt) DistortTheta(theta float64) float64 {
	if kb == nil {
		return theta
	}
	t2 := theta * theta
	return theta * (1 + t2*(kb.K1+t2*(kb.K2+t2*(kb.K3+t2*kb.K4))))
}

// UndistortTheta inverts DistortTheta with Newton-Raphson iterations.
func (kb *KannalaBrandt) UndistortTheta(thetaD float64) float64 {
	if kb == nil {
		return thetaD
	}
	theta := thetaD
	for i := 0; i < undistortMaxIterations; i++ {
		t2 := theta * theta
		f := kb.DistortTheta(theta) - thetaD
		if math.Abs(f) < undistortTolerance {
			break
		}
		df := 1 + t2*(3*kb.K1+t2*(5*kb.K2+t2*(7*kb.K3+9*t2*kb.K4)))
		if df == 0 {
			break
		}
		theta -= f / df
	}
	return theta
}

// Transform distorts a point of the ideal normalized plane. Only rays in front of the camera
// have such a point; FisheyeCameraModel works on rays directly.
func (kb *KannalaBrandt) Transform(x, y float64) (float64, float64) {
	r := math.Hypot(x, y)
	if r < 1e-12 {
		return x, y
	}
	s := kb.DistortTheta(math.Atan(r)) / r
	return x * s, y * s
}

// Undistort inverts Transform.
func (kb *KannalaBrandt) Undistort(xd, yd float64) (float64, float64) {
	rd := math.Hypot(xd, yd)
	if rd < 1e-12 {
		return xd, yd
	}
	s := math.Tan(kb.UndistortTheta(rd)) / rd
	return xd * s, yd * s
}
