package odometry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"go.viam.com/monovo/rimage/transform"
	"go.viam.com/monovo/vision/keypoints"
	"go.viam.com/monovo/vision/opticalflow"
)

// TrackerConfig controls the grid reprojection tracker.
type TrackerConfig struct {
	GridSize          int `json:"grid_size" yaml:"grid_size" mapstructure:"grid_size"`
	Border            int `json:"border" yaml:"border" mapstructure:"border"`
	MaxMatches        int `json:"max_matches" yaml:"max_matches" mapstructure:"max_matches"`
	MaxTrackKeyFrames int `json:"max_track_keyframes" yaml:"max_track_keyframes" mapstructure:"max_track_keyframes"`
}

// AlignConfig controls sub-pixel patch alignment.
type AlignConfig struct {
	MaxIterations int     `json:"max_iterations" yaml:"max_iterations" mapstructure:"max_iterations"`
	Epsilon       float64 `json:"epsilon" yaml:"epsilon" mapstructure:"epsilon"`
	// MaxError2 is the accepted squared intensity error per pixel after alignment.
	MaxError2 float64 `json:"max_error2" yaml:"max_error2" mapstructure:"max_error2"`
}

// InitializerConfig controls two view bootstrap.
type InitializerConfig struct {
	MinTracked   int     `json:"min_tracked" yaml:"min_tracked" mapstructure:"min_tracked"`
	MinDisparity float64 `json:"min_disparity" yaml:"min_disparity" mapstructure:"min_disparity"`
	MinInliers   int     `json:"min_inliers" yaml:"min_inliers" mapstructure:"min_inliers"`
	// RansacSigma is the expected point noise in pixels.
	RansacSigma         float64 `json:"ransac_sigma" yaml:"ransac_sigma" mapstructure:"ransac_sigma"`
	RansacMaxIterations int     `json:"ransac_max_iterations" yaml:"ransac_max_iterations" mapstructure:"ransac_max_iterations"`
	CheiralityRatio     float64 `json:"cheirality_ratio" yaml:"cheirality_ratio" mapstructure:"cheirality_ratio"`
	// CellSize is the side of the grid cells corners are spread over.
	CellSize int `json:"cell_size" yaml:"cell_size" mapstructure:"cell_size"`
	// MapScale is the median depth of the initial map.
	MapScale float64 `json:"map_scale" yaml:"map_scale" mapstructure:"map_scale"`
}

// Config gathers the parameters of the odometry front end.
type Config struct {
	Camera        *transform.CameraConfig `json:"camera,omitempty" yaml:"camera,omitempty" mapstructure:"camera"`
	PyramidLevels int                     `json:"pyramid_levels" yaml:"pyramid_levels" mapstructure:"pyramid_levels"`
	Tracker       TrackerConfig           `json:"tracker" yaml:"tracker" mapstructure:"tracker"`
	Align         AlignConfig             `json:"align" yaml:"align" mapstructure:"align"`
	Initializer   InitializerConfig       `json:"initializer" yaml:"initializer" mapstructure:"initializer"`
	FAST          keypoints.FASTConfig    `json:"fast" yaml:"fast" mapstructure:"fast"`
	LK            opticalflow.LKConfig    `json:"lk" yaml:"lk" mapstructure:"lk"`
}

// DefaultConfig returns the reference parameters.
func DefaultConfig() Config {
	return Config{
		PyramidLevels: 4,
		Tracker: TrackerConfig{
			GridSize:          64,
			Border:            8,
			MaxMatches:        200,
			MaxTrackKeyFrames: 10,
		},
		Align: AlignConfig{
			MaxIterations: 30,
			Epsilon:       0.01,
			MaxError2:     50,
		},
		Initializer: InitializerConfig{
			MinTracked:          80,
			MinDisparity:        20,
			MinInliers:          60,
			RansacSigma:         1,
			RansacMaxIterations: 2000,
			CheiralityRatio:     0.9,
			CellSize:            24,
			MapScale:            1,
		},
		FAST: keypoints.DefaultFASTConfig(),
		LK:   opticalflow.DefaultLKConfig(),
	}
}

// Validate ensures all parts of the config are valid, reporting every problem found.
func (cfg *Config) Validate(path string) error {
	var errs error
	if cfg.PyramidLevels < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("pyramid_levels should be >= 1")))
	}
	if cfg.Camera != nil {
		if cfg.Camera.Intrinsics == nil {
			errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path+".camera", "intrinsic_parameters"))
		} else if err := cfg.Camera.Intrinsics.CheckValid(); err != nil {
			errs = multierr.Append(errs, utils.NewConfigValidationError(path+".camera", err))
		}
	}
	errs = multierr.Append(errs, cfg.Tracker.Validate(path+".tracker"))
	errs = multierr.Append(errs, cfg.Align.Validate(path+".align"))
	errs = multierr.Append(errs, cfg.Initializer.Validate(path+".initializer"))
	errs = multierr.Append(errs, cfg.FAST.Validate(path+".fast"))
	errs = multierr.Append(errs, cfg.LK.Validate(path+".lk"))
	return errs
}

// Validate ensures all parts of the TrackerConfig are valid.
func (cfg *TrackerConfig) Validate(path string) error {
	var errs error
	if cfg.GridSize < PatchSize {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.Errorf("grid_size should be >= %d", PatchSize)))
	}
	if cfg.Border < halfPatchBorderSize {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.Errorf("border should be >= %d", halfPatchBorderSize)))
	}
	if cfg.MaxMatches < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("max_matches should be >= 1")))
	}
	if cfg.MaxTrackKeyFrames < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("max_track_keyframes should be >= 1")))
	}
	return errs
}

// Validate ensures all parts of the AlignConfig are valid.
func (cfg *AlignConfig) Validate(path string) error {
	var errs error
	if cfg.MaxIterations < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("max_iterations should be >= 1")))
	}
	if cfg.Epsilon <= 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("epsilon should be > 0")))
	}
	if cfg.MaxError2 <= 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("max_error2 should be > 0")))
	}
	return errs
}

// Validate ensures all parts of the InitializerConfig are valid.
func (cfg *InitializerConfig) Validate(path string) error {
	var errs error
	if cfg.MinTracked < 8 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("min_tracked should be >= 8")))
	}
	if cfg.MinInliers < 8 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("min_inliers should be >= 8")))
	}
	if cfg.MinDisparity < 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("min_disparity should be >= 0")))
	}
	if cfg.RansacSigma <= 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("ransac_sigma should be > 0")))
	}
	if cfg.RansacMaxIterations < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("ransac_max_iterations should be >= 1")))
	}
	if cfg.CheiralityRatio <= 0 || cfg.CheiralityRatio > 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("cheirality_ratio should be in (0, 1]")))
	}
	if cfg.CellSize < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("cell_size should be >= 1")))
	}
	if cfg.MapScale <= 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("map_scale should be > 0")))
	}
	return errs
}

// LoadConfig reads a json or yaml config file on top of DefaultConfig and validates it.
func LoadConfig(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json", "":
		err = json.Unmarshal(data, &cfg)
	default:
		return nil, errors.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %q", path)
	}
	if err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DecodeConfig decodes a generic attribute map, such as one nested in a larger config, on top of
// DefaultConfig and validates it.
func DecodeConfig(attrs map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return nil, errors.Wrap(err, "cannot decode odometry attributes")
	}
	if err := cfg.Validate("attributes"); err != nil {
		return nil, err
	}
	return &cfg, nil
}
