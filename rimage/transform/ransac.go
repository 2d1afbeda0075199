package transform

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"go.viam.com/monovo/utils"
)

// DefaultRansacConfidence is the probability of drawing at least one all inlier sample used
// to shorten the RANSAC loop.
const DefaultRansacConfidence = 0.99

// RansacModel fits a model of type M to minimal samples of a data set and scores it against
// the whole set.
type RansacModel[M any] interface {
	NumData() int
	MinSamples() int
	Fit(ids []int) (M, bool)
	// Inliers fills mask, which has NumData elements, and returns the number of inliers.
	Inliers(model M, mask []bool) int
}

// RansacResult is the best hypothesis found and its inlier mask.
type RansacResult[M any] struct {
	Model      M
	Inliers    []bool
	NumInliers int
	Iterations int
}

// RunRANSAC samples minimal subsets with rnd and keeps the model with the most inliers. The
// iteration count starts at maxIterations and shrinks as better models raise the inlier ratio.
func RunRANSAC[M any](model RansacModel[M], maxIterations int, confidence float64, rnd *rand.Rand) (*RansacResult[M], error) {
	n, k := model.NumData(), model.MinSamples()
	if n < k {
		return nil, errors.Wrapf(ErrNotEnoughPoints, "have %d, need %d", n, k)
	}
	if rnd == nil {
		return nil, errors.New("RANSAC needs a random source")
	}

	scratch := utils.Range(n)
	mask := make([]bool, n)
	var best *RansacResult[M]
	iterations := maxIterations
	i := 0
	for ; i < iterations; i++ {
		ids := utils.SampleDistinct(k, scratch, rnd)
		m, ok := model.Fit(ids)
		if !ok {
			continue
		}
		count := model.Inliers(m, mask)
		if best != nil && count <= best.NumInliers {
			continue
		}
		if best == nil {
			best = &RansacResult[M]{Inliers: make([]bool, n)}
		}
		best.Model = m
		best.NumInliers = count
		copy(best.Inliers, mask)
		if needed := adaptiveIterations(float64(count)/float64(n), k, confidence); needed < iterations {
			iterations = needed
		}
	}
	if best == nil {
		return nil, errors.Wrap(ErrDegenerateGeometry, "no RANSAC sample produced a model")
	}
	best.Iterations = i
	return best, nil
}

func adaptiveIterations(inlierRatio float64, sampleSize int, confidence float64) int {
	if inlierRatio >= 1 {
		return 1
	}
	good := math.Pow(inlierRatio, float64(sampleSize))
	if good <= 0 {
		return math.MaxInt32
	}
	needed := math.Log(1-confidence) / math.Log(1-good)
	if math.IsInf(needed, 0) || math.IsNaN(needed) || needed > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Ceil(needed))
}
