// Package spatialmath defines spatial mathematical operations: rotations and rigid body poses.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Pose is a rigid transform that maps a point x to R*x + t. A camera pose Tcw maps world
// points into the camera frame; its inverse Twc holds the camera center as its translation.
type Pose struct {
	rotation    RotationMatrix
	translation r3.Vector
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return Pose{rotation: *NewIdentityRotationMatrix()}
}

// NewPose builds a pose from a translation and a rotation. A nil rotation is the identity.
func NewPose(point r3.Vector, rotation *RotationMatrix) Pose {
	if rotation == nil {
		rotation = NewIdentityRotationMatrix()
	}
	return Pose{rotation: *rotation, translation: point}
}

// NewPoseFromPoint returns a pure translation.
func NewPoseFromPoint(point r3.Vector) Pose {
	return NewPose(point, nil)
}

// NewPoseFromDense reads a pose from a 3x4 [R|t] or 4x4 homogeneous matrix.
func NewPoseFromDense(m mat.Matrix) (Pose, error) {
	r, c := m.Dims()
	if r < 3 || c != 4 {
		return Pose{}, errors.Errorf("pose matrix must be 3x4 or 4x4, got %dx%d", r, c)
	}
	rot, err := NewRotationMatrixFromDense(m)
	if err != nil {
		return Pose{}, err
	}
	return NewPose(r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}, rot), nil
}

// Point returns the translation of the pose.
func (p Pose) Point() r3.Vector {
	return p.translation
}

// Rotation returns a copy of the rotation of the pose.
func (p Pose) Rotation() *RotationMatrix {
	rot := p.rotation
	return &rot
}

// Transform applies the pose to a point.
func (p Pose) Transform(pt r3.Vector) r3.Vector {
	return p.rotation.Mul(pt).Add(p.translation)
}

// Rotate applies only the rotation of the pose to a direction.
func (p Pose) Rotate(dir r3.Vector) r3.Vector {
	return p.rotation.Mul(dir)
}

// Dense returns the 3x4 [R|t] matrix of the pose.
func (p Pose) Dense() *mat.Dense {
	m := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, p.rotation.At(i, j))
		}
	}
	m.Set(0, 3, p.translation.X)
	m.Set(1, 3, p.translation.Y)
	m.Set(2, 3, p.translation.Z)
	return m
}

// ScaleTranslation returns the pose with its translation multiplied by s.
func (p Pose) ScaleTranslation(s float64) Pose {
	return Pose{rotation: p.rotation, translation: p.translation.Mul(s)}
}

func (p Pose) String() string {
	return fmt.Sprintf("{R: %v, t: %v}", p.rotation.mat, p.translation)
}

// PoseInverse returns the inverse of a pose.
func PoseInverse(p Pose) Pose {
	rt := p.rotation.Transpose()
	return Pose{rotation: *rt, translation: rt.Mul(p.translation).Mul(-1)}
}

// Compose returns the pose a∘b, i.e. the transform applying b first and then a.
func Compose(a, b Pose) Pose {
	return Pose{
		rotation:    *a.rotation.MulMat(&b.rotation),
		translation: a.rotation.Mul(b.translation).Add(a.translation),
	}
}

// PoseAlmostEqual returns true if the rotations and translations of both poses differ by less
// than epsilon.
func PoseAlmostEqual(a, b Pose, epsilon float64) bool {
	if a.translation.Sub(b.translation).Norm() > epsilon {
		return false
	}
	for i := range a.rotation.mat {
		if math.Abs(a.rotation.mat[i]-b.rotation.mat[i]) > epsilon {
			return false
		}
	}
	return true
}
