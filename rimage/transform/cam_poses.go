package transform

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/monovo/spatialmath"
)

// GetPossibleCameraPoses computes all 4 possible poses from the essential matrix. Each pose maps
// points of the first camera frame into the second one.
func GetPossibleCameraPoses(essMat *mat.Dense) ([]spatialmath.Pose, error) {
	R1, R2, t, err := DecomposeEssentialMatrix(essMat)
	if err != nil {
		return nil, err
	}
	if !isFinite(R1) || !isFinite(R2) || !isFinite(t) {
		return nil, errors.Wrap(ErrDegenerateGeometry, "essential matrix decomposition is not finite")
	}
	rot1, err := spatialmath.NewRotationMatrixFromDense(R1)
	if err != nil {
		return nil, err
	}
	rot2, err := spatialmath.NewRotationMatrixFromDense(R2)
	if err != nil {
		return nil, err
	}
	tv := r3.Vector{X: t.At(0, 0), Y: t.At(1, 0), Z: t.At(2, 0)}
	return []spatialmath.Pose{
		spatialmath.NewPose(tv, rot1),
		spatialmath.NewPose(tv.Mul(-1), rot1),
		spatialmath.NewPose(tv, rot2),
		spatialmath.NewPose(tv.Mul(-1), rot2),
	}, nil
}

// getCrossProductMatFromPoint returns the cross product with point p matrix.
func getCrossProductMatFromPoint(p r3.Vector) *mat.Dense {
	cross := mat.NewDense(3, 3, nil)
	cross.Set(0, 1, -p.Z)
	cross.Set(0, 2, p.Y)
	cross.Set(1, 0, p.Z)
	cross.Set(1, 2, -p.X)
	cross.Set(2, 0, -p.Y)
	cross.Set(2, 1, p.X)
	return cross
}

// TriangulatePoint returns the point, in the first camera frame, seen along the homogeneous
// directions p1 from the first camera and p2 from the second, where pose maps the first camera
// frame into the second.
func TriangulatePoint(pose spatialmath.Pose, p1, p2 r3.Vector) (r3.Vector, error) {
	P := mat.NewDense(3, 4, []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0})
	Pdash := pose.Dense()

	var p1CrossP, p2CrossPdash, A mat.Dense
	p1CrossP.Mul(getCrossProductMatFromPoint(p1), P)
	p2CrossPdash.Mul(getCrossProductMatFromPoint(p2), Pdash)
	A.Stack(&p1CrossP, &p2CrossPdash)

	var svd mat.SVD
	if ok := svd.Factorize(&A, mat.SVDFullV); !ok {
		return r3.Vector{}, errors.Wrap(ErrDegenerateGeometry, "failed to factorize triangulation system")
	}
	var V mat.Dense
	svd.VTo(&V)
	// the solution is the right singular vector of the smallest singular value
	w := V.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, errors.Wrap(ErrDegenerateGeometry, "triangulated point is at infinity")
	}
	return r3.Vector{X: V.At(0, 3) / w, Y: V.At(1, 3) / w, Z: V.At(2, 3) / w}, nil
}

// GetLinearTriangulatedPoints triangulates every pair of homogeneous points.
func GetLinearTriangulatedPoints(pose spatialmath.Pose, pts1, pts2 []r3.Vector) ([]r3.Vector, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("the 2 sets of points don't have the same number of elements")
	}
	pts3d := make([]r3.Vector, len(pts1))
	for i := range pts1 {
		pt, err := TriangulatePoint(pose, pts1[i], pts2[i])
		if err != nil {
			return nil, err
		}
		pts3d[i] = pt
	}
	return pts3d, nil
}

// PoseHypothesis is one candidate relative pose with the points triangulated under it.
type PoseHypothesis struct {
	Pose spatialmath.Pose
	// Points are in the first camera frame and only meaningful where Valid is true.
	Points    []r3.Vector
	Valid     []bool
	NumValid  int
	MeanError float64
}

// EvaluatePoseHypothesis triangulates the masked correspondences, given on the normalized image
// plane, and marks as valid those with positive depth in both views whose squared reprojection
// error in both views is below maxError2.
func EvaluatePoseHypothesis(pose spatialmath.Pose, pts1, pts2 []r2.Point, mask []bool, maxError2 float64) *PoseHypothesis {
	h := &PoseHypothesis{
		Pose:   pose,
		Points: make([]r3.Vector, len(pts1)),
		Valid:  make([]bool, len(pts1)),
	}
	hom1 := Convert2DPointsToHomogeneousPoints(pts1)
	hom2 := Convert2DPointsToHomogeneousPoints(pts2)
	sumErr := 0.
	for i := range pts1 {
		if mask != nil && !mask[i] {
			continue
		}
		pt, err := TriangulatePoint(pose, hom1[i], hom2[i])
		if err != nil || math.IsNaN(pt.X) || math.IsInf(pt.Norm(), 0) {
			continue
		}
		pt2 := pose.Transform(pt)
		if pt.Z <= 0 || pt2.Z <= 0 {
			continue
		}
		e1 := r2.Point{X: pt.X / pt.Z, Y: pt.Y / pt.Z}.Sub(pts1[i]).Norm()
		e2 := r2.Point{X: pt2.X / pt2.Z, Y: pt2.Y / pt2.Z}.Sub(pts2[i]).Norm()
		if e1*e1 > maxError2 || e2*e2 > maxError2 {
			continue
		}
		h.Points[i] = pt
		h.Valid[i] = true
		h.NumValid++
		sumErr += (e1 + e2) / 2
	}
	if h.NumValid > 0 {
		h.MeanError = sumErr / float64(h.NumValid)
	}
	return h
}

// GetCorrectCameraPose returns the hypothesis with the most valid points, breaking ties by the
// lower mean reprojection error. It fails unless the winner has at least minRatio of the
// masked correspondences valid.
func GetCorrectCameraPose(poses []spatialmath.Pose, pts1, pts2 []r2.Point, mask []bool, maxError2, minRatio float64) (*PoseHypothesis, error) {
	if len(poses) == 0 {
		return nil, errors.New("no pose hypotheses given")
	}
	total := len(pts1)
	if mask != nil {
		total = 0
		for _, m := range mask {
			if m {
				total++
			}
		}
	}
	var best *PoseHypothesis
	for _, pose := range poses {
		h := EvaluatePoseHypothesis(pose, pts1, pts2, mask, maxError2)
		if best == nil || h.NumValid > best.NumValid ||
			(h.NumValid == best.NumValid && h.MeanError < best.MeanError) {
			best = h
		}
	}
	if total == 0 || float64(best.NumValid) < minRatio*float64(total) {
		return best, errors.Wrapf(ErrCheiralityFailed, "best hypothesis has %d of %d valid points", best.NumValid, total)
	}
	return best, nil
}

// TwoViewConfig controls EstimateNewPose. Sigma and MaxReprojError2 are on the normalized plane.
type TwoViewConfig struct {
	Sigma           float64
	MaxIterations   int
	MaxReprojError2 float64
	CheiralityRatio float64
}

// TwoViewResult is the relative pose between two views and the points it explains.
type TwoViewResult struct {
	Fundamental *mat.Dense
	Essential   *mat.Dense
	// Inliers marks correspondences that pass both the epipolar and the cheirality checks.
	Inliers         []bool
	NumInliers      int
	NumRansacInlier int
	Hypothesis      *PoseHypothesis
}

// EstimateNewPose estimates the pose of the second camera relative to the first from
// correspondences on the normalized image plane: RANSAC fundamental matrix, projection to the
// essential manifold, decomposition and cheirality selection.
func EstimateNewPose(pts1, pts2 []r2.Point, cfg TwoViewConfig, rnd *rand.Rand) (*TwoViewResult, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("the 2 sets of points don't have the same number of elements")
	}
	fund, err := FindFundamentalMatrix(pts1, pts2, cfg.Sigma, cfg.MaxIterations, rnd)
	if err != nil {
		return nil, err
	}
	res := &TwoViewResult{Fundamental: fund.F, NumRansacInlier: fund.NumInliers}

	essentialMatrix, err := GetEssentialMatrixFromFundamental(eye(3), eye(3), fund.F)
	if err != nil {
		return res, err
	}
	if !isFinite(essentialMatrix) {
		return res, errors.Wrap(ErrDegenerateGeometry, "essential matrix is not finite")
	}
	res.Essential = essentialMatrix
	poses, err := GetPossibleCameraPoses(essentialMatrix)
	if err != nil {
		return res, err
	}
	best, err := GetCorrectCameraPose(poses, pts1, pts2, fund.Inliers, cfg.MaxReprojError2, cfg.CheiralityRatio)
	res.Hypothesis = best
	if err != nil {
		return res, err
	}
	res.Inliers = best.Valid
	res.NumInliers = best.NumValid
	return res, nil
}
