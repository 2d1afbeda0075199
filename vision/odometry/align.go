package odometry

import (
	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/monovo/rimage"
)

// Align2DI refines estimate, a pixel of img, so that the patch of img around it matches the
// inner part of ref up to a constant intensity offset. It uses the inverse compositional
// formulation: the Jacobian and Hessian come from the gradients of ref and are computed once.
// It fails when the Hessian is singular, when the estimate leaves the region where the patch
// can be sampled, or when no update drops below epsilon within maxIterations.
func Align2DI(img *rimage.GrayImage, ref *PatchWithBorder, estimate r2.Point, maxIterations int, epsilon float64) (r2.Point, bool) {
	var (
		jac  [PatchArea][3]float64
		hess mat.SymDense
	)
	hess.ReuseAsSym(3)
	k := 0
	for y := 0; y < PatchSize; y++ {
		row := (y + 1) * PatchBorderSize
		for x := 0; x < PatchSize; x++ {
			i := row + x + 1
			dx := 0.5 * (ref[i+1] - ref[i-1])
			dy := 0.5 * (ref[i+PatchBorderSize] - ref[i-PatchBorderSize])
			jac[k] = [3]float64{dx, dy, -1}
			for r := 0; r < 3; r++ {
				for c := r; c < 3; c++ {
					hess.SetSym(r, c, hess.At(r, c)+jac[k][r]*jac[k][c])
				}
			}
			k++
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(&hess); !ok {
		return estimate, false
	}

	inner := ref.Inner()
	u, v, offset := estimate.X, estimate.Y, 0.
	eps2 := epsilon * epsilon
	grad := mat.NewVecDense(3, nil)
	var step mat.VecDense
	for iter := 0; iter < maxIterations; iter++ {
		if !img.CanInterpolate(u, v, halfPatchSize) {
			return estimate, false
		}
		grad.Zero()
		k = 0
		for y := 0; y < PatchSize; y++ {
			for x := 0; x < PatchSize; x++ {
				cur := img.Interpolate(u-halfPatchSize+float64(x), v-halfPatchSize+float64(y))
				res := cur - inner[k] - offset
				for r := 0; r < 3; r++ {
					grad.SetVec(r, grad.AtVec(r)+jac[k][r]*res)
				}
				k++
			}
		}
		if err := chol.SolveVecTo(&step, grad); err != nil {
			return estimate, false
		}
		u -= step.AtVec(0)
		v -= step.AtVec(1)
		offset -= step.AtVec(2)
		if step.AtVec(0)*step.AtVec(0)+step.AtVec(1)*step.AtVec(1) < eps2 {
			return r2.Point{X: u, Y: v}, true
		}
	}
	return estimate, false
}

// SamplePatch interpolates the patch of img centered on px. It fails when the patch does not
// fit in the image.
func SamplePatch(img *rimage.GrayImage, px r2.Point) (Patch, bool) {
	var p Patch
	if !img.CanInterpolate(px.X, px.Y, halfPatchSize) {
		return p, false
	}
	k := 0
	for y := 0; y < PatchSize; y++ {
		for x := 0; x < PatchSize; x++ {
			p[k] = img.Interpolate(px.X-halfPatchSize+float64(x), px.Y-halfPatchSize+float64(y))
			k++
		}
	}
	return p, true
}

// ZSSD is the sum of squared differences between two patches after removing the mean of each.
func ZSSD(ref, cur *Patch) float64 {
	var sumRef, sumCur float64
	for i := range ref {
		sumRef += ref[i]
		sumCur += cur[i]
	}
	meanRef := sumRef / PatchArea
	meanCur := sumCur / PatchArea
	score := 0.
	for i := range ref {
		d := (ref[i] - meanRef) - (cur[i] - meanCur)
		score += d * d
	}
	return score
}
