package transform

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/monovo/utils"
)

// chi2OneDOF is the 95% quantile of the chi-square distribution with one degree of freedom.
const chi2OneDOF = 3.84

// EpipolarThreshold returns the squared distance to an epipolar line under which a point is an
// inlier, for a pixel noise sigma expressed in the units of the points.
func EpipolarThreshold(sigma float64) float64 {
	return chi2OneDOF * utils.Square(sigma)
}

// GetEssentialMatrixFromFundamental returns the essential matrix from the fundamental matrix and
// intrinsics parameters, projected onto the essential manifold (singular values 1, 1, 0).
func GetEssentialMatrixFromFundamental(k1, k2, f *mat.Dense) (*mat.Dense, error) {
	var essMat, tmp mat.Dense
	tmp.Mul(k2.T(), f)
	essMat.Mul(&tmp, k1)
	mats := performSVD(&essMat)
	if mats == nil {
		return nil, errors.Wrap(ErrDegenerateGeometry, "cannot factorize essential matrix")
	}
	S := eye(3)
	S.Set(2, 2, 0)

	var out mat.Dense
	tmp.Mul(mats.U, S)
	out.Mul(&tmp, mats.VT)
	return &out, nil
}

// DecomposeEssentialMatrix decomposes the Essential matrix into 2 possible 3D rotations and a 3D translation.
func DecomposeEssentialMatrix(essMat *mat.Dense) (*mat.Dense, *mat.Dense, *mat.Dense, error) {
	mats := performSVD(essMat)
	if mats == nil {
		return nil, nil, nil, errors.Wrap(ErrDegenerateGeometry, "cannot factorize essential matrix")
	}
	// keep proper rotations
	if mat.Det(mats.U) < 0 {
		mats.U.Scale(-1, mats.U)
	}
	if mat.Det(mats.VT) < 0 {
		mats.VT.Scale(-1, mats.VT)
	}
	W := mat.NewDense(3, 3, nil)
	W.Set(0, 1, 1)
	W.Set(1, 0, -1)
	W.Set(2, 2, 1)

	var R1, R2, tmp mat.Dense
	// UWV^T
	tmp.Mul(mats.U, W)
	R1.Mul(&tmp, mats.VT)
	// UW^TV^T
	tmp.Mul(mats.U, W.T())
	R2.Mul(&tmp, mats.VT)

	U3 := mats.U.ColView(2)
	t := mat.NewDense(3, 1, []float64{U3.AtVec(0), U3.AtVec(1), U3.AtVec(2)})
	return &R1, &R2, t, nil
}

// Convert2DPointsToHomogeneousPoints converts float64 image coordinates to homogeneous float64 coordinates.
func Convert2DPointsToHomogeneousPoints(pts []r2.Point) []r3.Vector {
	ptsHomogeneous := make([]r3.Vector, len(pts))
	for i, pt := range pts {
		ptsHomogeneous[i] = r3.Vector{X: pt.X, Y: pt.Y, Z: 1}
	}
	return ptsHomogeneous
}

// ComputeFundamentalMatrixAllPoints computes the fundamental matrix F such that p2^T F p1 = 0
// from all points with the 8 point algorithm, enforcing rank 2. The result has unit Frobenius norm.
func ComputeFundamentalMatrixAllPoints(pts1, pts2 []r2.Point, normalize bool) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < 8 {
		return nil, errors.Wrapf(ErrNotEnoughPoints, "8 point algorithm got %d", len(pts1))
	}

	points1, points2 := pts1, pts2
	T1, T2 := eye(3), eye(3)
	if normalize {
		points1, T1 = normalizePoints(pts1)
		points2, T2 = normalizePoints(pts2)
	}

	F, err := run8point(points1, points2)
	if err != nil {
		return nil, err
	}
	return denormalizeFundamental(F, T1, T2), nil
}

// run8point solves the linear epipolar system and truncates the smallest singular value.
func run8point(points1, points2 []r2.Point) (*mat.Dense, error) {
	m := mat.NewDense(len(points1), 9, nil)
	for i := range points1 {
		v1 := points1[i]
		v2 := points2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFullV); !ok {
		return nil, errors.Wrap(ErrDegenerateGeometry, "cannot factorize epipolar system")
	}
	var V mat.Dense
	svd.VTo(&V)
	lastColV := V.ColView(8)
	data := make([]float64, 9)
	for i := range data {
		data[i] = lastColV.AtVec(i)
	}
	F := mat.NewDense(3, 3, data)

	// enforce rank 2 of F
	mats2 := performSVD(F)
	if mats2 == nil {
		return nil, errors.Wrap(ErrDegenerateGeometry, "cannot factorize fundamental matrix")
	}
	mats2.S.Set(2, 2, 0)
	var tmp mat.Dense
	tmp.Mul(mats2.U, mats2.S)
	F.Mul(&tmp, mats2.VT)
	return F, nil
}

// denormalizeFundamental maps F from normalized coordinates back with T2^T F T1.
func denormalizeFundamental(F, T1, T2 *mat.Dense) *mat.Dense {
	var tmp, out mat.Dense
	tmp.Mul(T2.T(), F)
	out.Mul(&tmp, T1)
	out.Scale(1/mat.Norm(&out, 2), &out)
	return &out
}

// normalizePoints translates points to their centroid and scales them so that their mean
// distance to the origin is sqrt(2), as described in Multiple View Geometry, Alg 11.1.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	nPoints := len(pts)
	xs := make([]float64, nPoints)
	ys := make([]float64, nPoints)
	for i, pt := range pts {
		xs[i], ys[i] = pt.X, pt.Y
	}
	mu := r2.Point{X: floats.Sum(xs), Y: floats.Sum(ys)}.Mul(1. / float64(nPoints))

	floats.AddConst(-mu.X, xs)
	floats.AddConst(-mu.Y, ys)
	d := 0.0
	for i := range xs {
		d += math.Hypot(xs[i], ys[i])
	}
	d /= float64(nPoints)
	scale := 1.0
	if d > 0 {
		scale = math.Sqrt2 / d
	}
	T := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	pointsTransformed := make([]r2.Point, nPoints)
	for i := range pointsTransformed {
		pointsTransformed[i] = r2.Point{X: scale * xs[i], Y: scale * ys[i]}
	}
	return pointsTransformed, T
}

// EpipolarErrors returns the squared distances of p1 to the epipolar line F^T p2 and of p2 to
// the epipolar line F p1.
func EpipolarErrors(F mat.Matrix, p1, p2 r2.Point) (float64, float64) {
	// l2 = F p1
	a2 := F.At(0, 0)*p1.X + F.At(0, 1)*p1.Y + F.At(0, 2)
	b2 := F.At(1, 0)*p1.X + F.At(1, 1)*p1.Y + F.At(1, 2)
	c2 := F.At(2, 0)*p1.X + F.At(2, 1)*p1.Y + F.At(2, 2)
	// l1 = F^T p2
	a1 := F.At(0, 0)*p2.X + F.At(1, 0)*p2.Y + F.At(2, 0)
	b1 := F.At(0, 1)*p2.X + F.At(1, 1)*p2.Y + F.At(2, 1)

	num := a2*p2.X + b2*p2.Y + c2
	num2 := num * num
	n1 := a1*a1 + b1*b1
	n2 := a2*a2 + b2*b2
	if n1 == 0 || n2 == 0 {
		return math.Inf(1), math.Inf(1)
	}
	return num2 / n1, num2 / n2
}

// fundamentalModel is the RANSAC model of the fundamental matrix. Minimal samples are solved in
// normalized coordinates and scored in the original ones.
type fundamentalModel struct {
	pts1, pts2   []r2.Point
	norm1, norm2 []r2.Point
	T1, T2       *mat.Dense
	threshold    float64
	sample1      []r2.Point
	sample2      []r2.Point
}

func (fm *fundamentalModel) NumData() int {
	return len(fm.pts1)
}

func (fm *fundamentalModel) MinSamples() int {
	return 8
}

func (fm *fundamentalModel) Fit(ids []int) (*mat.Dense, bool) {
	fm.sample1 = fm.sample1[:0]
	fm.sample2 = fm.sample2[:0]
	for _, id := range ids {
		fm.sample1 = append(fm.sample1, fm.norm1[id])
		fm.sample2 = append(fm.sample2, fm.norm2[id])
	}
	F, err := run8point(fm.sample1, fm.sample2)
	if err != nil {
		return nil, false
	}
	F = denormalizeFundamental(F, fm.T1, fm.T2)
	return F, isFinite(F)
}

func (fm *fundamentalModel) Inliers(F *mat.Dense, mask []bool) int {
	count := 0
	for i := range fm.pts1 {
		e1, e2 := EpipolarErrors(F, fm.pts1[i], fm.pts2[i])
		mask[i] = e1 < fm.threshold && e2 < fm.threshold
		if mask[i] {
			count++
		}
	}
	return count
}

// FundamentalResult is a robustly estimated fundamental matrix.
type FundamentalResult struct {
	F          *mat.Dense
	Inliers    []bool
	NumInliers int
	Iterations int
}

// FindFundamentalMatrix estimates F with RANSAC over 8 point samples, then refits it on all
// inliers. sigma is the point noise in the units of the points.
func FindFundamentalMatrix(pts1, pts2 []r2.Point, sigma float64, maxIterations int, rnd *rand.Rand) (*FundamentalResult, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	model := &fundamentalModel{pts1: pts1, pts2: pts2, threshold: EpipolarThreshold(sigma)}
	if len(pts1) >= model.MinSamples() {
		model.norm1, model.T1 = normalizePoints(pts1)
		model.norm2, model.T2 = normalizePoints(pts2)
	}
	best, err := RunRANSAC[*mat.Dense](model, maxIterations, DefaultRansacConfidence, rnd)
	if err != nil {
		return nil, err
	}
	res := &FundamentalResult{F: best.Model, Inliers: best.Inliers, NumInliers: best.NumInliers, Iterations: best.Iterations}

	in1 := make([]r2.Point, 0, best.NumInliers)
	in2 := make([]r2.Point, 0, best.NumInliers)
	for i, ok := range best.Inliers {
		if ok {
			in1 = append(in1, pts1[i])
			in2 = append(in2, pts2[i])
		}
	}
	refit, err := ComputeFundamentalMatrixAllPoints(in1, in2, true)
	if err != nil || !isFinite(refit) {
		return res, nil
	}
	mask := make([]bool, len(pts1))
	if count := model.Inliers(refit, mask); count >= res.NumInliers {
		res.F, res.Inliers, res.NumInliers = refit, mask, count
	}
	return res, nil
}

// eye create an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func isFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if !utils.IsFinite(m.At(i, j)) {
				return false
			}
		}
	}
	return true
}

// matsSVD stores the matrices from SVD decomposition.
type matsSVD struct {
	U  *mat.Dense
	V  *mat.Dense
	VT *mat.Dense
	S  *mat.Dense
}

// performSVD performs SVD on inputMatrix and returns matrices U, Sigma and V from the decomposition.
// It returns nil if the factorization fails.
func performSVD(inputMatrix mat.Matrix) *matsSVD {
	var svd mat.SVD
	if ok := svd.Factorize(inputMatrix, mat.SVDFull); !ok {
		return nil
	}

	u, v, sigma, vt := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	vt.CloneFrom(v.T())

	singularValues := svd.Values(nil)
	sigma.CloneFrom(mat.NewDiagDense(len(singularValues), singularValues))
	return &matsSVD{u, v, vt, sigma}
}
