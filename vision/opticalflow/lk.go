// Package opticalflow tracks sparse points between two image pyramids with the pyramidal
// Lucas-Kanade method.
package opticalflow

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/monovo/rimage"
	mutils "go.viam.com/monovo/utils"
)

// LKConfig controls the pyramidal Lucas-Kanade tracker.
type LKConfig struct {
	// HalfWindow is the half side of the square integration window, in pixels.
	HalfWindow    int     `json:"half_window" yaml:"half_window" mapstructure:"half_window"`
	MaxLevel      int     `json:"max_level" yaml:"max_level" mapstructure:"max_level"`
	MaxIterations int     `json:"max_iterations" yaml:"max_iterations" mapstructure:"max_iterations"`
	Epsilon       float64 `json:"epsilon" yaml:"epsilon" mapstructure:"epsilon"`
	// MaxFBError is the largest forward-backward round trip error, in pixels, of a kept track.
	// Zero disables the check.
	MaxFBError float64 `json:"max_fb_error" yaml:"max_fb_error" mapstructure:"max_fb_error"`
	// MinEigenvalue rejects windows whose gradient matrix is too weak to invert.
	MinEigenvalue float64 `json:"min_eigenvalue" yaml:"min_eigenvalue" mapstructure:"min_eigenvalue"`
}

// DefaultLKConfig returns a 21x21 window over 4 levels.
func DefaultLKConfig() LKConfig {
	return LKConfig{
		HalfWindow:    10,
		MaxLevel:      3,
		MaxIterations: 30,
		Epsilon:       0.01,
		MaxFBError:    1.0,
		MinEigenvalue: 1e-3,
	}
}

// Validate ensures all parts of the LKConfig are valid.
func (cfg *LKConfig) Validate(path string) error {
	if cfg.HalfWindow < 1 {
		return utils.NewConfigValidationError(path, errors.New("half_window should be >= 1"))
	}
	if cfg.MaxLevel < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_level should be >= 0"))
	}
	if cfg.MaxIterations < 1 {
		return utils.NewConfigValidationError(path, errors.New("max_iterations should be >= 1"))
	}
	if cfg.Epsilon <= 0 {
		return utils.NewConfigValidationError(path, errors.New("epsilon should be > 0"))
	}
	if cfg.MaxFBError < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_fb_error should be >= 0"))
	}
	return nil
}

// TrackResult holds one entry per input point.
type TrackResult struct {
	Points []r2.Point
	Status []bool
	// Disparity is the distance between the input point and its track.
	Disparity []float64
}

// NumTracked counts the points whose status is true.
func (tr *TrackResult) NumTracked() int {
	n := 0
	for _, ok := range tr.Status {
		if ok {
			n++
		}
	}
	return n
}

// TrackPoints follows pts from prev into cur. guesses, when not nil, holds an initial estimate
// in cur for every point. Points are tracked in parallel and the call returns early with the
// context error if ctx is canceled.
func TrackPoints(
	ctx context.Context,
	prev, cur *rimage.ImagePyramid,
	pts, guesses []r2.Point,
	cfg LKConfig,
) (*TrackResult, error) {
	if guesses != nil && len(guesses) != len(pts) {
		return nil, errors.Errorf("got %d guesses for %d points", len(guesses), len(pts))
	}
	if prev.Level(0).Width() != cur.Level(0).Width() || prev.Level(0).Height() != cur.Level(0).Height() {
		return nil, errors.New("pyramids must have the same size")
	}
	levels := mutils.ClampInt(cfg.MaxLevel, 0, min(prev.MaxLevel(), cur.MaxLevel()))

	res := &TrackResult{
		Points:    make([]r2.Point, len(pts)),
		Status:    make([]bool, len(pts)),
		Disparity: make([]float64, len(pts)),
	}
	err := mutils.GroupWorkParallel(ctx, len(pts), nil, func(groupNum, groupSize, from, to int) (mutils.MemberWorkFunc, mutils.GroupWorkDoneFunc) {
		tr := newTracker(cfg)
		return func(memberNum, i int) {
			guess := pts[i]
			if guesses != nil {
				guess = guesses[i]
			}
			fwd, ok := tr.track(prev, cur, pts[i], guess, levels)
			if ok && cfg.MaxFBError > 0 {
				var back r2.Point
				back, ok = tr.track(cur, prev, fwd, pts[i], levels)
				ok = ok && back.Sub(pts[i]).Norm() <= cfg.MaxFBError
			}
			ok = ok && cur.Level(0).CanInterpolate(fwd.X, fwd.Y, 0)
			res.Points[i] = fwd
			res.Status[i] = ok
			res.Disparity[i] = fwd.Sub(pts[i]).Norm()
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// tracker holds the per worker window buffers.
type tracker struct {
	cfg   LKConfig
	side  int
	templ []float64
	gradX []float64
	gradY []float64
}

func newTracker(cfg LKConfig) *tracker {
	side := 2*cfg.HalfWindow + 1
	n := side * side
	return &tracker{
		cfg:   cfg,
		side:  side,
		templ: make([]float64, n),
		gradX: make([]float64, n),
		gradY: make([]float64, n),
	}
}

// track runs coarse to fine Lucas-Kanade for one point and returns its level 0 location.
func (t *tracker) track(from, to *rimage.ImagePyramid, pt, guess r2.Point, maxLevel int) (r2.Point, bool) {
	scale := rimage.ScaleFactor(maxLevel)
	g := guess.Sub(pt).Mul(1 / scale)
	hw := float64(t.cfg.HalfWindow)

	for level := maxLevel; level >= 0; level-- {
		I := from.Level(level)
		J := to.Level(level)
		p := pt.Mul(1 / rimage.ScaleFactor(level))

		// template and gradient matrix of the window around p
		var gxx, gxy, gyy float64
		k := 0
		for wy := -hw; wy <= hw; wy++ {
			for wx := -hw; wx <= hw; wx++ {
				x, y := p.X+wx, p.Y+wy
				t.templ[k] = sampleClamped(I, x, y)
				dx := 0.5 * (sampleClamped(I, x+1, y) - sampleClamped(I, x-1, y))
				dy := 0.5 * (sampleClamped(I, x, y+1) - sampleClamped(I, x, y-1))
				t.gradX[k], t.gradY[k] = dx, dy
				gxx += dx * dx
				gxy += dx * dy
				gyy += dy * dy
				k++
			}
		}
		n := float64(k)
		minEig := (gxx + gyy - math.Sqrt((gxx-gyy)*(gxx-gyy)+4*gxy*gxy)) / (2 * n)
		det := gxx*gyy - gxy*gxy
		if minEig < t.cfg.MinEigenvalue || det == 0 {
			return r2.Point{}, false
		}

		v := r2.Point{}
		for iter := 0; iter < t.cfg.MaxIterations; iter++ {
			q := p.Add(g).Add(v)
			if q.X < -hw || q.Y < -hw || q.X > float64(J.Width())+hw || q.Y > float64(J.Height())+hw {
				return r2.Point{}, false
			}
			var bx, by float64
			k = 0
			for wy := -hw; wy <= hw; wy++ {
				for wx := -hw; wx <= hw; wx++ {
					diff := t.templ[k] - sampleClamped(J, q.X+wx, q.Y+wy)
					bx += diff * t.gradX[k]
					by += diff * t.gradY[k]
					k++
				}
			}
			eta := r2.Point{X: (gyy*bx - gxy*by) / det, Y: (gxx*by - gxy*bx) / det}
			v = v.Add(eta)
			if eta.Norm() < t.cfg.Epsilon {
				break
			}
		}

		if level > 0 {
			g = g.Add(v).Mul(2)
		} else {
			g = g.Add(v)
		}
	}
	return pt.Add(g), true
}

// sampleClamped interpolates bilinearly, clamping the location into the image.
func sampleClamped(img *rimage.GrayImage, x, y float64) float64 {
	maxX := float64(img.Width()) - 1.001
	maxY := float64(img.Height()) - 1.001
	x = math.Max(0, math.Min(maxX, x))
	y = math.Max(0, math.Min(maxY, y))
	return img.Interpolate(x, y)
}
