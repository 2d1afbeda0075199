package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// RotationMatrix is a 3x3 matrix in row major order.
// m[3*r + c] is the element in the r'th row and c'th column.
type RotationMatrix struct {
	mat [9]float64
}

// NewRotationMatrix creates the rotation matrix from a slice of 9 row major values. The matrix is
// not checked for orthonormality.
func NewRotationMatrix(m []float64) (*RotationMatrix, error) {
	if len(m) != 9 {
		return nil, errors.New("input slice representing rotation matrix must have exactly 9 elements")
	}
	result := &RotationMatrix{}
	copy(result.mat[:], m)
	return result, nil
}

// NewRotationMatrixFromDense creates the rotation matrix from the top left 3x3 block of a gonum matrix.
func NewRotationMatrixFromDense(m mat.Matrix) (*RotationMatrix, error) {
	r, c := m.Dims()
	if r < 3 || c < 3 {
		return nil, errors.Errorf("matrix of size %dx%d cannot hold a rotation", r, c)
	}
	result := &RotationMatrix{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			result.mat[3*i+j] = m.At(i, j)
		}
	}
	return result, nil
}

// NewIdentityRotationMatrix returns the identity rotation.
func NewIdentityRotationMatrix() *RotationMatrix {
	return &RotationMatrix{mat: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// At returns the float corresponding to the element at the specified location.
func (rm *RotationMatrix) At(row, col int) float64 {
	return rm.mat[3*row+col]
}

// Row returns the a 3 element vector corresponding to the specified row.
func (rm *RotationMatrix) Row(row int) r3.Vector {
	return r3.Vector{X: rm.mat[3*row], Y: rm.mat[3*row+1], Z: rm.mat[3*row+2]}
}

// Col returns the a 3 element vector corresponding to the specified col.
func (rm *RotationMatrix) Col(col int) r3.Vector {
	return r3.Vector{X: rm.At(0, col), Y: rm.At(1, col), Z: rm.At(2, col)}
}

// Mul returns the product of the rotation matrix and a vector.
func (rm *RotationMatrix) Mul(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rm.mat[0]*v.X + rm.mat[1]*v.Y + rm.mat[2]*v.Z,
		Y: rm.mat[3]*v.X + rm.mat[4]*v.Y + rm.mat[5]*v.Z,
		Z: rm.mat[6]*v.X + rm.mat[7]*v.Y + rm.mat[8]*v.Z,
	}
}

// MulMat returns the product rm * other.
func (rm *RotationMatrix) MulMat(other *RotationMatrix) *RotationMatrix {
	result := &RotationMatrix{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			result.mat[3*i+j] = rm.mat[3*i]*other.mat[j] + rm.mat[3*i+1]*other.mat[3+j] + rm.mat[3*i+2]*other.mat[6+j]
		}
	}
	return result
}

// Transpose returns the transpose of the matrix, which for a rotation is also its inverse.
func (rm *RotationMatrix) Transpose() *RotationMatrix {
	result := &RotationMatrix{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			result.mat[3*j+i] = rm.mat[3*i+j]
		}
	}
	return result
}

// Dense returns the matrix as a gonum 3x3 matrix.
func (rm *RotationMatrix) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, rm.mat[:])
	return mat.NewDense(3, 3, data)
}

// Quaternion returns orientation in quaternion representation.
// reference: http://www.euclideanspace.com/maths/geometry/rotations/conversions/matrixToQuaternion/index.htm
func (rm *RotationMatrix) Quaternion() quat.Number {
	var qw, qx, qy, qz float64
	tr := rm.mat[0] + rm.mat[4] + rm.mat[8]
	switch {
	case tr > 0:
		s := 0.5 / math.Sqrt(tr+1.0)
		qw = 0.25 / s
		qx = (rm.At(2, 1) - rm.At(1, 2)) * s
		qy = (rm.At(0, 2) - rm.At(2, 0)) * s
		qz = (rm.At(1, 0) - rm.At(0, 1)) * s
	case rm.At(0, 0) > rm.At(1, 1) && rm.At(0, 0) > rm.At(2, 2):
		s := 2.0 * math.Sqrt(1.0+rm.At(0, 0)-rm.At(1, 1)-rm.At(2, 2))
		qw = (rm.At(2, 1) - rm.At(1, 2)) / s
		qx = 0.25 * s
		qy = (rm.At(0, 1) + rm.At(1, 0)) / s
		qz = (rm.At(0, 2) + rm.At(2, 0)) / s
	case rm.At(1, 1) > rm.At(2, 2):
		s := 2.0 * math.Sqrt(1.0+rm.At(1, 1)-rm.At(0, 0)-rm.At(2, 2))
		qw = (rm.At(0, 2) - rm.At(2, 0)) / s
		qx = (rm.At(0, 1) + rm.At(1, 0)) / s
		qy = 0.25 * s
		qz = (rm.At(1, 2) + rm.At(2, 1)) / s
	default:
		s := 2.0 * math.Sqrt(1.0+rm.At(2, 2)-rm.At(0, 0)-rm.At(1, 1))
		qw = (rm.At(1, 0) - rm.At(0, 1)) / s
		qx = (rm.At(0, 2) + rm.At(2, 0)) / s
		qy = (rm.At(1, 2) + rm.At(2, 1)) / s
		qz = 0.25 * s
	}
	return quat.Number{Real: qw, Imag: qx, Jmag: qy, Kmag: qz}
}

// QuatToRotationMatrix converts a quat to a Rotation Matrix
// reference: https://github.com/go-gl/mathgl/blob/592312d8590acb0686c14740dcf60e2f32d9c618/mgl64/quat.go#L168
func QuatToRotationMatrix(q quat.Number) *RotationMatrix {
	n := quat.Abs(q)
	if n > 0 {
		q = quat.Scale(1/n, q)
	}
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	x2, y2, z2 := x*x, y*y, z*z
	xy, xz, yz := x*y, x*z, y*z
	wx, wy, wz := w*x, w*y, w*z

	return &RotationMatrix{mat: [9]float64{
		1 - 2*(y2+z2), 2 * (xy - wz), 2 * (xz + wy),
		2 * (xy + wz), 1 - 2*(x2+z2), 2 * (yz - wx),
		2 * (xz - wy), 2 * (yz + wx), 1 - 2*(x2+y2),
	}}
}

// AngleBetween returns the rotation angle, in radians, separating two rotations.
func AngleBetween(a, b *RotationMatrix) float64 {
	rel := a.Transpose().MulMat(b)
	c := (rel.mat[0] + rel.mat[4] + rel.mat[8] - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}
