package odometry

import (
	"context"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/monovo/logging"
	"go.viam.com/monovo/rimage"
	"go.viam.com/monovo/spatialmath"
)

// MatchResult is the outcome of matching one map point in a frame. Its value is the amount
// added to the visibility counter of the point.
type MatchResult int

const (
	// MatchNoView means no observation of the point is usable as a reference.
	MatchNoView MatchResult = iota
	// MatchRejected means alignment did not converge or the patches differ too much.
	MatchRejected
	// MatchAccepted means the point was found.
	MatchAccepted
)

func (r MatchResult) String() string {
	switch r {
	case MatchNoView:
		return "no_view"
	case MatchRejected:
		return "rejected"
	case MatchAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// TrackStats describes the last tracking pass.
type TrackStats struct {
	FromLastFrame  int
	FromCells      int
	Attempts       int
	LocalKeyFrames int
	LocalMapPoints int
	ProjectTime    time.Duration
	AssembleTime   time.Duration
	MatchTime      time.Duration
}

// FeatureTracker matches map points into new frames. A pass first reuses the map points of the
// previous frame, then scans a grid of candidates projected from the local map, accepting at
// most one match per cell until the match budget is spent.
type FeatureTracker struct {
	m      *Map
	cfg    TrackerConfig
	align  AlignConfig
	logger logging.Logger
	rnd    *rand.Rand
	clk    clock.Clock

	grid      *Grid
	lastFrame *Frame
	stats     TrackStats
}

// NewFeatureTracker returns a tracker for width x height frames over the map m.
func NewFeatureTracker(
	width, height int,
	m *Map,
	cfg TrackerConfig,
	align AlignConfig,
	logger logging.Logger,
	opts ...Option,
) (*FeatureTracker, error) {
	if m == nil {
		return nil, errors.New("tracker needs a map")
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid frame size %dx%d", width, height)
	}
	if err := cfg.Validate("tracker"); err != nil {
		return nil, err
	}
	if err := align.Validate("align"); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	return &FeatureTracker{
		m:      m,
		cfg:    cfg,
		align:  align,
		logger: logger,
		rnd:    o.rnd,
		clk:    o.clk,
		grid:   NewGrid(width, height, cfg.GridSize),
	}, nil
}

// Reset forgets the previous frame, so the next pass has no fast path.
func (ft *FeatureTracker) Reset() {
	ft.lastFrame = nil
}

// Stats returns the statistics of the last pass.
func (ft *FeatureTracker) Stats() TrackStats {
	return ft.stats
}

// ReprojectLocalMap matches the local map into frame, appending a feature to frame for every
// match, and returns the number of matches. frame must have a pose estimate and a reference
// keyframe. When ctx is canceled the scan stops, the grid is reset and the previous frame is
// kept, so the caller can drop the frame and move on.
func (ft *FeatureTracker) ReprojectLocalMap(ctx context.Context, frame *Frame) int {
	start := ft.clk.Now()
	ft.stats = TrackStats{}
	ft.grid.Reset(ft.rnd)

	excluded := map[MapPointID]struct{}{}
	if ft.lastFrame != nil {
		ft.stats.FromLastFrame = ft.matchFromLastFrame(ctx, frame, excluded)
	}
	t1 := ft.clk.Now()

	localKFs := ft.localKeyFrames(frame)
	ft.stats.LocalKeyFrames = len(localKFs)
	seen := map[MapPointID]struct{}{}
	for _, kf := range localKFs {
		for _, id := range kf.MapPointIDs() {
			if _, ok := excluded[id]; ok {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			mp, ok := ft.m.MapPoint(id)
			if !ok {
				kf.RemoveMapPoint(id)
				continue
			}
			if mp.IsBad() {
				ft.dropBadPoint(mp, kf)
				continue
			}
			ft.reprojectToCell(frame, mp)
		}
	}
	ft.stats.LocalMapPoints = len(seen)
	t2 := ft.clk.Now()

	rest := ft.cfg.MaxMatches - ft.stats.FromLastFrame
	for _, k := range ft.grid.Order() {
		if ft.stats.FromCells >= rest {
			break
		}
		if ctx.Err() != nil {
			ft.grid.Reset(ft.rnd)
			ft.logger.CDebugw(ctx, "tracking pass canceled", "frame", frame.ID(), "matches", ft.stats.FromLastFrame+ft.stats.FromCells)
			return ft.stats.FromLastFrame + ft.stats.FromCells
		}
		if ft.grid.IsOccupied(k) {
			continue
		}
		if ft.matchFromCell(ctx, frame, k) {
			ft.stats.FromCells++
		}
	}
	t3 := ft.clk.Now()

	ft.stats.ProjectTime = t1.Sub(start)
	ft.stats.AssembleTime = t2.Sub(t1)
	ft.stats.MatchTime = t3.Sub(t2)
	ft.logger.Debugw("tracking pass done",
		"frame", frame.ID(),
		"from_last_frame", ft.stats.FromLastFrame,
		"from_cells", ft.stats.FromCells,
		"attempts", ft.stats.Attempts,
		"local_map_points", ft.stats.LocalMapPoints,
		"project_time", ft.stats.ProjectTime,
		"assemble_time", ft.stats.AssembleTime,
		"match_time", ft.stats.MatchTime)

	ft.lastFrame = frame
	return ft.stats.FromLastFrame + ft.stats.FromCells
}

// localKeyFrames returns the reference keyframe and its strongest neighbors, completed with
// second order neighbors up to MaxTrackKeyFrames.
func (ft *FeatureTracker) localKeyFrames(frame *Frame) []*KeyFrame {
	ref := frame.RefKeyFrame()
	if ref == nil {
		return nil
	}
	kfs := append([]*KeyFrame{ref}, ref.GetConnectedKeyFrames(ft.cfg.MaxTrackKeyFrames)...)
	if missing := ft.cfg.MaxTrackKeyFrames - len(kfs); missing > 0 {
		kfs = append(kfs, ref.GetSubConnectedKeyFrames(missing)...)
	}
	return lo.UniqBy(kfs, func(kf *KeyFrame) KeyFrameID { return kf.ID() })
}

// matchFromLastFrame tries every map point of the previous frame. All of them are added to
// excluded so the grid scan does not try them again.
func (ft *FeatureTracker) matchFromLastFrame(ctx context.Context, frame *Frame, excluded map[MapPointID]struct{}) int {
	tcw := frame.Tcw()
	matches := 0
	for _, id := range ft.lastFrame.MapPointIDs() {
		if matches >= ft.cfg.MaxMatches || ctx.Err() != nil {
			break
		}
		excluded[id] = struct{}{}
		mp, ok := ft.m.MapPoint(id)
		if !ok {
			continue
		}
		if mp.IsBad() {
			ft.dropBadPoint(mp)
			continue
		}
		px, ok := ft.project(frame, tcw, mp)
		if !ok {
			continue
		}
		if pxCur, accepted := ft.tryMatch(ctx, frame, mp, px); accepted {
			ft.grid.SetOccupied(pxCur)
			matches++
		}
	}
	return matches
}

// project predicts the pixel of mp in frame. Points behind the camera or outside the image
// border are rejected without counting as seen.
func (ft *FeatureTracker) project(frame *Frame, tcw spatialmath.Pose, mp *MapPoint) (r2.Point, bool) {
	pc := tcw.Transform(mp.Position())
	if pc.Z <= 0 {
		return r2.Point{}, false
	}
	px := frame.Camera().Project(pc)
	if !frame.Camera().IsInFrame(px, ft.cfg.Border) {
		return r2.Point{}, false
	}
	return px, true
}

func (ft *FeatureTracker) reprojectToCell(frame *Frame, mp *MapPoint) bool {
	px, ok := ft.project(frame, frame.Tcw(), mp)
	if !ok {
		return false
	}
	return ft.grid.Push(Candidate{MapPoint: mp, Px: px})
}

// matchFromCell tries the candidates of cell k by decreasing quality and stops at the first
// match.
func (ft *FeatureTracker) matchFromCell(ctx context.Context, frame *Frame, k int) bool {
	for _, c := range ft.grid.SortCell(k) {
		if c.MapPoint.IsBad() {
			ft.dropBadPoint(c.MapPoint)
			continue
		}
		if _, accepted := ft.tryMatch(ctx, frame, c.MapPoint, c.Px); accepted {
			ft.grid.occupy(k)
			return true
		}
	}
	return false
}

// dropBadPoint removes mp from the keyframes referencing it, all of its observers when kfs is
// empty, and leaves the point flagged bad for the map to reclaim.
func (ft *FeatureTracker) dropBadPoint(mp *MapPoint, kfs ...*KeyFrame) {
	if len(kfs) == 0 {
		kfs = mp.KeyFrames()
	}
	for _, kf := range kfs {
		ft.logger.Warnw("keyframe references a bad map point", "keyframe", kf.ID(), "map_point", mp.ID())
		kf.RemoveMapPoint(mp.ID())
	}
	ft.m.MarkBad(mp.ID())
}

// tryMatch runs the matcher, updates the counters of mp and records a feature on success. A
// rejection counts one visibility, a match two visibilities and two finds. Geometric rejections
// never reach it, so only points that were actually searched for count as visible.
func (ft *FeatureTracker) tryMatch(ctx context.Context, frame *Frame, mp *MapPoint, px r2.Point) (r2.Point, bool) {
	ft.stats.Attempts++
	pxCur, level, res := ft.ReprojectMapPoint(frame, mp, px)
	if logging.IsDebugMode(ctx) {
		ft.logger.CDebugw(ctx, "match attempt", "map_point", mp.ID(), "found_ratio", mp.FoundRatio(), "result", res.String())
	}
	mp.IncreaseVisible(int(res))
	if res != MatchAccepted {
		return px, false
	}
	mp.IncreaseFound(2)
	feature := NewFeature(pxCur, frame.Camera().Lift(pxCur), level)
	feature.MapPointID = mp.ID()
	frame.AddFeature(feature)
	return pxCur, true
}

// ReprojectMapPoint searches mp in frame around the predicted pixel pxGuess. The patch of the
// observation with the closest viewing direction is warped into the frame, aligned at the
// pyramid level of that observation and compared with ZSSD. It returns the refined pixel and
// the level it was found at. It has no side effects.
func (ft *FeatureTracker) ReprojectMapPoint(frame *Frame, mp *MapPoint, pxGuess r2.Point) (r2.Point, int, MatchResult) {
	kfRef, level, ok := mp.GetCloseViewObs(frame)
	if !ok {
		return pxGuess, 0, MatchNoView
	}
	ftRef := mp.FindObservation(kfRef)
	if ftRef == nil {
		return pxGuess, 0, MatchNoView
	}
	if level > frame.MaxLevel() {
		level = frame.MaxLevel()
	}
	depthRef := kfRef.Center().Sub(mp.Position()).Norm()
	aCurRef := warpMatrix(kfRef.Frame, frame, ftRef, depthRef)
	px, ok := ft.alignFeature(kfRef.Frame, frame, ftRef, aCurRef, level, pxGuess)
	if !ok {
		return pxGuess, level, MatchRejected
	}
	return px, level, MatchAccepted
}

// TrackFeature searches the feature ftRef of frameRef in frameCur around pxGuess, using the
// map point of ftRef for the depth of the patch. The search level is the one where the warped
// patch keeps its scale best.
func (ft *FeatureTracker) TrackFeature(frameRef, frameCur *Frame, ftRef *Feature, pxGuess r2.Point) (r2.Point, int, bool) {
	mp, ok := ft.m.MapPoint(ftRef.MapPointID)
	if !ok {
		return pxGuess, 0, false
	}
	depthRef := frameRef.Center().Sub(mp.Position()).Norm()
	aCurRef := warpMatrix(frameRef, frameCur, ftRef, depthRef)
	level := GetBestSearchLevel(aCurRef, frameCur.MaxLevel())
	px, ok := ft.alignFeature(frameRef, frameCur, ftRef, aCurRef, level, pxGuess)
	return px, level, ok
}

func warpMatrix(frameRef, frameCur *Frame, ftRef *Feature, depthRef float64) *mat.Dense {
	tCurRef := spatialmath.Compose(frameCur.Tcw(), frameRef.Twc())
	return GetWarpMatrixAffine(frameRef.Camera(), frameCur.Camera(), ftRef.Px, ftRef.Bearing, ftRef.Level,
		depthRef, tCurRef, halfPatchSize)
}

// alignFeature warps the patch of ftRef with aCurRef and aligns it at the given level of
// frameCur. The returned pixel is a level 0 pixel.
func (ft *FeatureTracker) alignFeature(
	frameRef, frameCur *Frame,
	ftRef *Feature,
	aCurRef *mat.Dense,
	level int,
	pxGuess r2.Point,
) (r2.Point, bool) {
	if ftRef.Level > frameRef.MaxLevel() {
		return pxGuess, false
	}
	patch, err := WarpAffine(frameRef.Image(ftRef.Level), aCurRef, ftRef.Px, ftRef.Level, level)
	if err != nil {
		return pxGuess, false
	}

	img := frameCur.Image(level)
	factor := rimage.ScaleFactor(level)
	estimate, ok := Align2DI(img, patch, pxGuess.Mul(1/factor), ft.align.MaxIterations, ft.align.Epsilon)
	if !ok {
		return pxGuess, false
	}
	cur, ok := SamplePatch(img, estimate)
	if !ok {
		return pxGuess, false
	}
	ref := patch.Inner()
	if ZSSD(&ref, &cur) > PatchArea*ft.align.MaxError2 {
		return pxGuess, false
	}
	return estimate.Mul(factor), true
}
