package transform

import "github.com/pkg/errors"

// DistortionType is the name of the distortion model.
type DistortionType string

const (
	// NoDistortionType is an ideal lens.
	NoDistortionType = DistortionType("")
	// BrownConradyDistortionType is for simple lenses of narrow field easily modeled as a pinhole camera.
	BrownConradyDistortionType = DistortionType("brown_conrady")
	// KannalaBrandtDistortionType is for wide-angle and fisheye lense distortion.
	KannalaBrandtDistortionType = DistortionType("kannala_brandt")
)

// Distorter maps normalized image plane coordinates between their ideal and their distorted
// locations.
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
	// Transform distorts an ideal normalized point.
	Transform(x, y float64) (float64, float64)
	// Undistort inverts Transform.
	Undistort(x, y float64) (float64, float64)
}

// InvalidDistortionError is used when the distortion_parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion_parameters"), msg)
}

// NewDistorter returns a Distorter given a valid DistortionType and its parameters.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	switch distortionType {
	case NoDistortionType:
		return nil, nil
	case BrownConradyDistortionType:
		return NewBrownConrady(parameters)
	case KannalaBrandtDistortionType:
		return NewKannalaBrandt(parameters)
	default:
		return nil, errors.Errorf("do not know how to parse %q distortion model", distortionType)
	}
}

func padParameters(inp []float64, n int, name string) ([]float64, error) {
	if len(inp) > n {
		return nil, errors.Errorf("list of %s parameters too long, expected max %d, got %d", name, n, len(inp))
	}
	out := make([]float64, n)
	copy(out, inp)
	return out, nil
}
