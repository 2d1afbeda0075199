package keypoints

import (
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/monovo/rimage"
)

// FASTConfig holds the parameters necessary to compute the FAST keypoints.
type FASTConfig struct {
	// Threshold is the intensity difference a circle pixel needs to count as brighter or darker.
	Threshold      float64 `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	NMatchesCircle int     `json:"n_matches" yaml:"n_matches" mapstructure:"n_matches"`
	NMSWinSize     int     `json:"nms_win_size" yaml:"nms_win_size" mapstructure:"nms_win_size"`
}

// DefaultFASTConfig returns the FAST-9 detector with a threshold of 20 gray levels.
func DefaultFASTConfig() FASTConfig {
	return FASTConfig{Threshold: 20, NMatchesCircle: 9, NMSWinSize: 7}
}

// Validate ensures all parts of the FASTConfig are valid.
func (config *FASTConfig) Validate(path string) error {
	if config.Threshold <= 0 {
		return utils.NewConfigValidationError(path, errors.New("threshold should be > 0"))
	}
	if config.NMatchesCircle < 1 || config.NMatchesCircle > len(CircleIdx) {
		return utils.NewConfigValidationError(path, errors.Errorf("n_matches should be in [1, %d]", len(CircleIdx)))
	}
	if config.NMSWinSize < 1 {
		return utils.NewConfigValidationError(path, errors.New("nms_win_size should be >= 1"))
	}
	return nil
}

// LoadFASTConfiguration loads a FASTConfig from a json file.
func LoadFASTConfiguration(file string) (*FASTConfig, error) {
	configFile, err := os.Open(filepath.Clean(file))
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(configFile.Close)
	config := DefaultFASTConfig()
	if err := json.NewDecoder(configFile).Decode(&config); err != nil {
		return nil, errors.Wrapf(err, "cannot parse FAST config %q", file)
	}
	if err := config.Validate(file); err != nil {
		return nil, err
	}
	return &config, nil
}

type (
	// PixelIdx is the offset of a neighbor pixel.
	PixelIdx image.Point
	// NeighborhoodIdx lists neighbor offsets in order.
	NeighborhoodIdx []PixelIdx
)

var (
	// CrossIdx is the cross neighborhood of radius 3: top, right, bottom, left.
	CrossIdx = NeighborhoodIdx{{0, -3}, {3, 0}, {0, 3}, {-3, 0}}
	// CircleIdx is the Bresenham circle of radius 3, clockwise from the top.
	CircleIdx = NeighborhoodIdx{
		{0, -3}, {1, -3}, {2, -2}, {3, -1},
		{3, 0}, {3, 1}, {2, 2}, {1, 3},
		{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
		{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
	}
)

// fastRadius is the margin FAST needs around a pixel.
const fastRadius = 3

// GetPointValuesInNeighborhood returns the intensities around p in the order of the neighborhood.
func GetPointValuesInNeighborhood(img *rimage.GrayImage, p image.Point, neighborhood NeighborhoodIdx) []float64 {
	vals := make([]float64, len(neighborhood))
	for i, off := range neighborhood {
		vals[i] = float64(img.At(p.X+off.X, p.Y+off.Y))
	}
	return vals
}

// isValidSliceVals reports whether the circular slice holds a run of at least n ones.
func isValidSliceVals(s []float64, n int) bool {
	if len(s) == 0 || n <= 0 {
		return false
	}
	run := 0
	for i := 0; i < 2*len(s); i++ {
		if s[i%len(s)] > 0 {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

func sumOfPositiveValuesSlice(s []float64) float64 {
	sum := 0.
	for _, v := range s {
		if v > 0 {
			sum += v
		}
	}
	return sum
}

func sumOfNegativeValuesSlice(s []float64) float64 {
	sum := 0.
	for _, v := range s {
		if v < 0 {
			sum += v
		}
	}
	return sum
}

// getBrighterValues marks with 1 the values strictly above t.
func getBrighterValues(s []float64, t float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		if v > t {
			out[i] = 1
		}
	}
	return out
}

// getDarkerValues marks with 1 the values strictly below t.
func getDarkerValues(s []float64, t float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		if v < t {
			out[i] = 1
		}
	}
	return out
}

// fastScore tests p for a FAST corner and returns its score, the larger of the summed
// excess brightness and the summed excess darkness over the circle.
func fastScore(img *rimage.GrayImage, p image.Point, cfg *FASTConfig, vals, diffs []float64) (float64, bool) {
	center := float64(img.At(p.X, p.Y))
	// quick rejection on the cross
	nBright, nDark := 0, 0
	for _, off := range CrossIdx {
		v := float64(img.At(p.X+off.X, p.Y+off.Y))
		if v > center+cfg.Threshold {
			nBright++
		} else if v < center-cfg.Threshold {
			nDark++
		}
	}
	// an arc of n circle pixels covers at least n/4 cross pixels
	needed := cfg.NMatchesCircle / 4
	if nBright < needed && nDark < needed {
		return 0, false
	}

	for i, off := range CircleIdx {
		vals[i] = float64(img.At(p.X+off.X, p.Y+off.Y))
	}
	brighter := getBrighterValues(vals, center+cfg.Threshold)
	darker := getDarkerValues(vals, center-cfg.Threshold)
	isBright := isValidSliceVals(brighter, cfg.NMatchesCircle)
	isDark := isValidSliceVals(darker, cfg.NMatchesCircle)
	if !isBright && !isDark {
		return 0, false
	}
	for i, v := range vals {
		diffs[i] = v - center
	}
	pos := sumOfPositiveValuesSlice(diffs)
	neg := -sumOfNegativeValuesSlice(diffs)
	if pos > neg {
		return pos, true
	}
	return neg, true
}

// ScoredKeyPoint is a FAST corner with its score.
type ScoredKeyPoint struct {
	Point image.Point
	Score float64
}

// ComputeFAST returns the FAST corners of img that survive non maximum suppression, sorted by
// position (row major). Corners within border of the edge are not returned, but they still
// suppress their neighbors.
func ComputeFAST(img *rimage.GrayImage, cfg *FASTConfig, border int) []ScoredKeyPoint {
	if border < fastRadius {
		border = fastRadius
	}
	w, h := img.Width(), img.Height()
	scores := make([]float64, w*h)
	vals := make([]float64, len(CircleIdx))
	diffs := make([]float64, len(CircleIdx))
	candidates := make([]ScoredKeyPoint, 0)
	for y := fastRadius; y < h-fastRadius; y++ {
		for x := fastRadius; x < w-fastRadius; x++ {
			p := image.Point{x, y}
			s, ok := fastScore(img, p, cfg, vals, diffs)
			if !ok {
				continue
			}
			scores[y*w+x] = s
			if x >= border && y >= border && x < w-border && y < h-border {
				candidates = append(candidates, ScoredKeyPoint{p, s})
			}
		}
	}

	half := cfg.NMSWinSize / 2
	kps := make([]ScoredKeyPoint, 0, len(candidates))
	for _, c := range candidates {
		isMax := true
		for dy := -half; dy <= half && isMax; dy++ {
			for dx := -half; dx <= half; dx++ {
				x, y := c.Point.X+dx, c.Point.Y+dy
				if (dx == 0 && dy == 0) || x < 0 || y < 0 || x >= w || y >= h {
					continue
				}
				s := scores[y*w+x]
				// ties go to the first pixel in row major order
				if s > c.Score || (s == c.Score && (dy < 0 || (dy == 0 && dx < 0))) {
					isMax = false
					break
				}
			}
		}
		if isMax {
			kps = append(kps, c)
		}
	}
	return kps
}

// KeyPointsFromScored drops the scores.
func KeyPointsFromScored(scored []ScoredKeyPoint) KeyPoints {
	kps := make(KeyPoints, len(scored))
	for i, s := range scored {
		kps[i] = s.Point
	}
	return kps
}

// SortByScore orders keypoints from the strongest to the weakest.
func SortByScore(kps []ScoredKeyPoint) {
	sort.SliceStable(kps, func(i, j int) bool { return kps[i].Score > kps[j].Score })
}
