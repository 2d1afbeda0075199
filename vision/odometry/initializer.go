package odometry

import (
	"context"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/monovo/logging"
	"go.viam.com/monovo/rimage/transform"
	"go.viam.com/monovo/spatialmath"
	"go.viam.com/monovo/utils"
	"go.viam.com/monovo/vision/keypoints"
	"go.viam.com/monovo/vision/opticalflow"
)

// InitResult is the outcome of one bootstrap attempt.
type InitResult int

const (
	// InitFailure means the current frame cannot bootstrap the map; keep the reference and retry.
	InitFailure InitResult = iota
	// InitSuccess means a relative pose and initial points were recovered.
	InitSuccess
	// InitReset means the reference is unusable and a new one must be set.
	InitReset
)

func (r InitResult) String() string {
	switch r {
	case InitFailure:
		return "failure"
	case InitSuccess:
		return "success"
	case InitReset:
		return "reset"
	default:
		return "unknown"
	}
}

// chi2TwoDOF is the 95% quantile of the chi-square distribution with two degrees of freedom.
const chi2TwoDOF = 5.991

// Initialization is the two view geometry recovered by a successful bootstrap.
type Initialization struct {
	// Tcr maps points from the reference camera frame to the current camera frame. Its
	// translation has unit norm.
	Tcr    spatialmath.Pose
	PtsRef []r2.Point
	PtsCur []r2.Point
	// Inliers marks the correspondences explained by Tcr. Points are in the reference camera
	// frame and only meaningful for inliers.
	Inliers    []bool
	NumInliers int
	Points     []r3.Vector
}

// InitStats describes the last bootstrap attempt. Counts stay zero for phases the attempt did
// not reach.
type InitStats struct {
	Tracked       int
	Disparity     float64
	RansacInliers int
	Inliers       int
	FlowTime      time.Duration
	GeometryTime  time.Duration
}

// Initializer bootstraps the map from a reference frame and a later frame seen with enough
// parallax.
type Initializer struct {
	cam    transform.Camera
	cfg    Config
	logger logging.Logger
	rnd    *rand.Rand
	clk    clock.Clock

	stats       InitStats
	ref         *Frame
	cur         *Frame
	ptsRef      []r2.Point
	ptsCur      []r2.Point
	disparities []float64
	result      *Initialization
}

// NewInitializer returns an initializer for frames taken by cam.
func NewInitializer(cam transform.Camera, cfg Config, logger logging.Logger, opts ...Option) (*Initializer, error) {
	if cam == nil {
		return nil, errors.New("initializer needs a camera")
	}
	if err := cfg.Validate("odometry"); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	return &Initializer{cam: cam, cfg: cfg, logger: logger, rnd: o.rnd, clk: o.clk}, nil
}

// SetReference detects corners on frame and makes it the reference of the next attempts. It
// fails when too few corners are found, in which case the caller should try a later frame.
func (in *Initializer) SetReference(frame *Frame) error {
	in.Reset()
	detector := keypoints.NewGridDetector(in.cfg.FAST, in.cfg.Initializer.CellSize, in.cfg.Tracker.Border, frame.MaxLevel())
	corners := detector.Detect(frame.Pyramid(), nil)
	if len(corners) < in.cfg.Initializer.MinTracked {
		return errors.Errorf("reference frame has %d corners, need %d", len(corners), in.cfg.Initializer.MinTracked)
	}
	in.ref = frame
	in.ptsRef = make([]r2.Point, len(corners))
	in.ptsCur = make([]r2.Point, len(corners))
	in.disparities = make([]float64, len(corners))
	for i, c := range corners {
		in.ptsRef[i] = c.Px
		in.ptsCur[i] = c.Px
	}
	in.logger.Debugw("initializer reference set", "frame", frame.ID(), "corners", len(corners))
	return nil
}

// Reference returns the current reference frame, if any.
func (in *Initializer) Reference() *Frame {
	return in.ref
}

// Reset forgets the reference frame and any result.
func (in *Initializer) Reset() {
	in.ref, in.cur = nil, nil
	in.ptsRef, in.ptsCur, in.disparities = nil, nil, nil
	in.result = nil
}

// Stats returns the statistics of the last Initialize.
func (in *Initializer) Stats() InitStats {
	return in.stats
}

// Result returns the outcome of the last successful Initialize, or nil.
func (in *Initializer) Result() *Initialization {
	return in.result
}

// Initialize tracks the reference corners into cur and tries to recover the relative pose.
// Points lost by the tracker are dropped for good, so the reference weakens over failed
// attempts until a reset is requested.
func (in *Initializer) Initialize(ctx context.Context, cur *Frame) InitResult {
	in.result = nil
	in.stats = InitStats{}
	if in.ref == nil {
		in.logger.Debug("initializer has no reference frame")
		return InitReset
	}
	icfg := in.cfg.Initializer

	start := in.clk.Now()
	flow, err := opticalflow.TrackPoints(ctx, in.ref.Pyramid(), cur.Pyramid(), in.ptsRef, in.ptsCur, in.cfg.LK)
	in.stats.FlowTime = in.clk.Since(start)
	if err != nil {
		in.logger.Debugw("optical flow failed", "error", err)
		return InitFailure
	}
	kept := 0
	for i, ok := range flow.Status {
		if !ok || !in.cam.IsInFrame(flow.Points[i], in.cfg.Tracker.Border) {
			continue
		}
		in.ptsRef[kept] = in.ptsRef[i]
		in.ptsCur[kept] = flow.Points[i]
		in.disparities[kept] = flow.Disparity[i]
		kept++
	}
	in.ptsRef = in.ptsRef[:kept]
	in.ptsCur = in.ptsCur[:kept]
	in.disparities = in.disparities[:kept]
	in.stats.Tracked = kept
	if kept < icfg.MinTracked {
		in.logger.Debugw("too few tracked points", "tracked", kept, "required", icfg.MinTracked)
		return InitReset
	}

	disparity, err := stats.Median(in.disparities)
	in.stats.Disparity = disparity
	if err != nil || disparity < icfg.MinDisparity {
		in.logger.Debugw("not enough disparity", "median", disparity, "required", icfg.MinDisparity)
		return InitFailure
	}

	norm1 := make([]r2.Point, kept)
	norm2 := make([]r2.Point, kept)
	for i := range in.ptsRef {
		norm1[i] = toNormalizedPlane(in.cam.Lift(in.ptsRef[i]))
		norm2[i] = toNormalizedPlane(in.cam.Lift(in.ptsCur[i]))
	}
	geometryStart := in.clk.Now()
	sigma := icfg.RansacSigma / in.cam.FocalLength()
	twoView, err := transform.EstimateNewPose(norm1, norm2, transform.TwoViewConfig{
		Sigma:           sigma,
		MaxIterations:   icfg.RansacMaxIterations,
		MaxReprojError2: chi2TwoDOF * utils.Square(sigma),
		CheiralityRatio: icfg.CheiralityRatio,
	}, in.rnd)
	in.stats.GeometryTime = in.clk.Since(geometryStart)
	if twoView != nil {
		in.stats.RansacInliers = twoView.NumRansacInlier
		in.stats.Inliers = twoView.NumInliers
	}
	switch {
	case errors.Is(err, transform.ErrDegenerateGeometry):
		in.logger.Debugw("degenerate two view geometry", "error", err)
		return InitReset
	case twoView != nil && twoView.NumRansacInlier < icfg.MinInliers:
		in.logger.Debugw("too few epipolar inliers", "inliers", twoView.NumRansacInlier, "required", icfg.MinInliers)
		return InitFailure
	case err != nil:
		in.logger.Debugw("pose recovery failed", "error", err)
		return InitFailure
	}

	hyp := twoView.Hypothesis
	in.cur = cur
	in.result = &Initialization{
		Tcr:        hyp.Pose,
		PtsRef:     append([]r2.Point(nil), in.ptsRef...),
		PtsCur:     append([]r2.Point(nil), in.ptsCur...),
		Inliers:    twoView.Inliers,
		NumInliers: twoView.NumInliers,
		Points:     hyp.Points,
	}
	in.logger.Debugw("initialization succeeded",
		"tracked", kept, "disparity", disparity,
		"ransac_inliers", twoView.NumRansacInlier, "inliers", twoView.NumInliers,
		"flow_time", in.stats.FlowTime, "geometry_time", in.stats.GeometryTime)
	return InitSuccess
}

// CreateInitialMap turns the last successful initialization into two connected keyframes and
// their map points, scaled so that the median depth in the reference frame is MapScale. The
// reference frame is placed at the world origin.
func (in *Initializer) CreateInitialMap(m *Map) (*KeyFrame, *KeyFrame, error) {
	res := in.result
	if res == nil || in.ref == nil || in.cur == nil {
		return nil, nil, errors.New("no successful initialization to build a map from")
	}
	depths := make([]float64, 0, res.NumInliers)
	for i, ok := range res.Inliers {
		if ok {
			depths = append(depths, res.Points[i].Z)
		}
	}
	median, err := stats.Median(depths)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cannot compute the median depth")
	}
	if median <= 0 {
		return nil, nil, errors.Errorf("median depth %f is not positive", median)
	}
	scale := in.cfg.Initializer.MapScale / median

	in.ref.SetTcw(spatialmath.NewZeroPose())
	in.cur.SetTcw(res.Tcr.ScaleTranslation(scale))
	kfRef := m.CreateKeyFrame(in.ref)
	kfCur := m.CreateKeyFrame(in.cur)
	for i, ok := range res.Inliers {
		if !ok {
			continue
		}
		mp := m.CreateMapPoint(res.Points[i].Mul(scale))
		kfRef.AddObservation(mp, NewFeature(res.PtsRef[i], in.cam.Lift(res.PtsRef[i]), 0))
		kfCur.AddObservation(mp, NewFeature(res.PtsCur[i], in.cam.Lift(res.PtsCur[i]), 0))
	}
	kfRef.UpdateConnections(m)
	kfCur.UpdateConnections(m)
	in.ref.SetRefKeyFrame(kfRef)
	in.cur.SetRefKeyFrame(kfCur)
	in.logger.Infow("initial map created", "keyframes", 2, "map_points", m.NumMapPoints(), "median_depth", median)
	return kfRef, kfCur, nil
}

func toNormalizedPlane(bearing r3.Vector) r2.Point {
	return r2.Point{X: bearing.X / bearing.Z, Y: bearing.Y / bearing.Z}
}
