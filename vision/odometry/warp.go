package odometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/monovo/rimage"
	"go.viam.com/monovo/rimage/transform"
	"go.viam.com/monovo/spatialmath"
)

const (
	// PatchSize is the side of the patches compared during alignment.
	PatchSize = 8
	// PatchBorderSize is PatchSize plus a one pixel border for gradients.
	PatchBorderSize = PatchSize + 2
	// PatchArea is the number of pixels of a patch.
	PatchArea = PatchSize * PatchSize

	halfPatchSize       = PatchSize / 2
	halfPatchBorderSize = PatchBorderSize / 2
)

type (
	// Patch is a row major PatchSize x PatchSize intensity buffer.
	Patch [PatchArea]float64
	// PatchWithBorder is a row major PatchBorderSize x PatchBorderSize intensity buffer.
	PatchWithBorder [PatchBorderSize * PatchBorderSize]float64
)

// Inner returns the patch without its border.
func (p *PatchWithBorder) Inner() Patch {
	var out Patch
	for y := 0; y < PatchSize; y++ {
		row := (y + 1) * PatchBorderSize
		copy(out[y*PatchSize:(y+1)*PatchSize], p[row+1:row+1+PatchSize])
	}
	return out
}

// GetWarpMatrixAffine approximates how a patch around pxRef in the reference image at levelRef
// maps into the current image. bearingRef is the unit ray of the observation and depthRef the
// distance from the reference camera to the point. The columns of the returned matrix are the
// image displacements of unit steps along the patch axes.
func GetWarpMatrixAffine(
	camRef, camCur transform.Camera,
	pxRef r2.Point,
	bearingRef r3.Vector,
	levelRef int,
	depthRef float64,
	tCurRef spatialmath.Pose,
	halfPatch int,
) *mat.Dense {
	scale := rimage.ScaleFactor(levelRef)
	step := float64(halfPatch) * scale
	xyzRef := bearingRef.Mul(depthRef)
	xyzDu := camRef.Lift(pxRef.Add(r2.Point{X: step}))
	xyzDv := camRef.Lift(pxRef.Add(r2.Point{Y: step}))
	xyzDu = xyzDu.Mul(xyzRef.Z / xyzDu.Z)
	xyzDv = xyzDv.Mul(xyzRef.Z / xyzDv.Z)

	pxCur := camCur.Project(tCurRef.Transform(xyzRef))
	pxDu := camCur.Project(tCurRef.Transform(xyzDu))
	pxDv := camCur.Project(tCurRef.Transform(xyzDv))

	h := float64(halfPatch)
	return mat.NewDense(2, 2, []float64{
		(pxDu.X - pxCur.X) / h, (pxDv.X - pxCur.X) / h,
		(pxDu.Y - pxCur.Y) / h, (pxDv.Y - pxCur.Y) / h,
	})
}

// GetBestSearchLevel returns the pyramid level of the current image at which the warped patch
// has a scale closest to one, clamped to maxLevel.
func GetBestSearchLevel(aCurRef mat.Matrix, maxLevel int) int {
	level := 0
	det := mat.Det(aCurRef)
	for det > 3.0 && level < maxLevel {
		level++
		det *= 0.25
	}
	return level
}

// WarpAffine resamples the reference image at levelRef around pxRef, a level 0 pixel, into a
// patch with border expressed in the geometry of the current image at searchLevel. Pixels that
// map outside the reference image are zero.
func WarpAffine(
	imgRef *rimage.GrayImage,
	aCurRef mat.Matrix,
	pxRef r2.Point,
	levelRef, searchLevel int,
) (*PatchWithBorder, error) {
	var aRefCur mat.Dense
	if err := aRefCur.Inverse(aCurRef); err != nil {
		return nil, errors.Wrap(err, "affine warp is singular")
	}
	a00, a01 := aRefCur.At(0, 0), aRefCur.At(0, 1)
	a10, a11 := aRefCur.At(1, 0), aRefCur.At(1, 1)
	if math.IsNaN(a00) || math.IsNaN(a01) || math.IsNaN(a10) || math.IsNaN(a11) {
		return nil, errors.New("affine warp is not finite")
	}

	center := pxRef.Mul(1 / rimage.ScaleFactor(levelRef))
	searchScale := rimage.ScaleFactor(searchLevel)
	maxX := float64(imgRef.Width() - 1)
	maxY := float64(imgRef.Height() - 1)

	patch := &PatchWithBorder{}
	i := 0
	for y := 0; y < PatchBorderSize; y++ {
		for x := 0; x < PatchBorderSize; x++ {
			dx := float64(x-halfPatchBorderSize) * searchScale
			dy := float64(y-halfPatchBorderSize) * searchScale
			u := a00*dx + a01*dy + center.X
			v := a10*dx + a11*dy + center.Y
			if u >= 0 && v >= 0 && u < maxX && v < maxY {
				patch[i] = imgRef.Interpolate(u, v)
			}
			i++
		}
	}
	return patch, nil
}
