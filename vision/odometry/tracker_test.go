package odometry

import (
	"context"
	"math/rand"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/monovo/logging"
	"go.viam.com/monovo/spatialmath"
)

func testTrackerConfig() TrackerConfig {
	return TrackerConfig{GridSize: 64, Border: 8, MaxMatches: 200, MaxTrackKeyFrames: 10}
}

func newTestTracker(t *testing.T, m *Map, cfg TrackerConfig, logger logging.Logger) *FeatureTracker {
	t.Helper()
	ft, err := NewFeatureTracker(sceneWidth, sceneHeight, m, cfg, DefaultConfig().Align, logger,
		WithRand(rand.New(rand.NewSource(3))), WithClock(clock.NewMock()))
	test.That(t, err, test.ShouldBeNil)
	return ft
}

// currentFrame renders the plane from truth and gives the frame the pose estimate guess.
func currentFrame(t *testing.T, s *planeScene, truth, guess r3.Vector) *Frame {
	t.Helper()
	f := newPlaneFrame(t, s.cam, cameraAt(truth))
	f.SetTcw(cameraAt(guess))
	f.SetRefKeyFrame(s.kf)
	return f
}

func TestNewFeatureTrackerErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := NewFeatureTracker(sceneWidth, sceneHeight, nil, testTrackerConfig(), DefaultConfig().Align, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewFeatureTracker(0, sceneHeight, NewMap(), testTrackerConfig(), DefaultConfig().Align, logger)
	test.That(t, err, test.ShouldNotBeNil)

	cfg := testTrackerConfig()
	cfg.MaxMatches = 0
	_, err = NewFeatureTracker(sceneWidth, sceneHeight, NewMap(), cfg, DefaultConfig().Align, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReprojectLocalMap(t *testing.T) {
	s := newPlaneScene(t, latticePixels(30))
	outside := s.addPoint(r2.Point{X: 2, Y: 120})
	ft := newTestTracker(t, s.m, testTrackerConfig(), logging.NewTestLogger(t))

	// the true motion shifts the image by whole pixels (3, 1), so the current frame samples the
	// texture at the same points as the keyframe and the refined pixels carry no interpolation
	// bias. The pose guess is a fraction of a pixel off.
	truth := r3.Vector{X: 0.05, Y: planeDepth / sceneFocal}
	frame := currentFrame(t, s, truth, r3.Vector{X: 0.047, Y: 0.018})
	tcwTruth := cameraAt(truth)

	// every cell holding a projected point can be credited with one match
	cells := map[int]bool{}
	for _, mp := range s.points {
		px := s.cam.Project(tcwTruth.Transform(mp.Position()))
		if s.cam.IsInFrame(px, 8) {
			cells[ft.grid.CellIndex(px)] = true
		}
	}

	n := ft.ReprojectLocalMap(context.Background(), frame)
	test.That(t, n, test.ShouldEqual, frame.NumFeatures())
	test.That(t, n, test.ShouldBeLessThanOrEqualTo, len(cells))
	test.That(t, n, test.ShouldBeGreaterThanOrEqualTo, len(cells)-1)
	test.That(t, ft.Stats().FromLastFrame, test.ShouldEqual, 0)
	test.That(t, ft.Stats().FromCells, test.ShouldEqual, n)

	matchedCells := map[int]bool{}
	for _, f := range frame.Features() {
		mp, ok := s.m.MapPoint(f.MapPointID)
		test.That(t, ok, test.ShouldBeTrue)
		want := s.cam.Project(tcwTruth.Transform(mp.Position()))
		test.That(t, f.Px.X, test.ShouldAlmostEqual, want.X, 0.1)
		test.That(t, f.Px.Y, test.ShouldAlmostEqual, want.Y, 0.1)
		test.That(t, mp.Visible(), test.ShouldEqual, 3)
		test.That(t, mp.Found(), test.ShouldEqual, 3)

		k := ft.grid.CellIndex(f.Px)
		test.That(t, matchedCells[k], test.ShouldBeFalse)
		matchedCells[k] = true
	}

	// no map point is a candidate of two cells
	candidates := map[MapPointID]int{}
	for k := 0; k < ft.grid.NumCells(); k++ {
		for _, c := range ft.grid.Cell(k) {
			candidates[c.MapPoint.ID()]++
		}
	}
	for id, count := range candidates {
		test.That(t, count, test.ShouldEqual, 1)
		test.That(t, id, test.ShouldNotEqual, outside.ID())
	}

	// geometric rejections do not count as seen
	test.That(t, outside.Visible(), test.ShouldEqual, 1)
	test.That(t, outside.Found(), test.ShouldEqual, 1)
}

func TestReprojectLocalMapBudget(t *testing.T) {
	s := newPlaneScene(t, latticePixels(30))
	cfg := testTrackerConfig()
	cfg.MaxMatches = 5
	ft := newTestTracker(t, s.m, cfg, logging.NewTestLogger(t))

	truth := r3.Vector{X: 0.05}
	n := ft.ReprojectLocalMap(context.Background(), currentFrame(t, s, truth, truth))
	test.That(t, n, test.ShouldEqual, 5)

	// the fast path alone respects the budget too
	n = ft.ReprojectLocalMap(context.Background(), currentFrame(t, s, truth, truth))
	test.That(t, n, test.ShouldBeLessThanOrEqualTo, 5)
	test.That(t, ft.Stats().FromLastFrame+ft.Stats().FromCells, test.ShouldEqual, n)
}

func TestFastPathPrecedence(t *testing.T) {
	s := newPlaneScene(t, latticePixels(30))
	ft := newTestTracker(t, s.m, testTrackerConfig(), logging.NewTestLogger(t))

	first := currentFrame(t, s, r3.Vector{X: 0.03}, r3.Vector{X: 0.03})
	n1 := ft.ReprojectLocalMap(context.Background(), first)
	test.That(t, n1, test.ShouldBeGreaterThan, 10)

	second := currentFrame(t, s, r3.Vector{X: 0.06}, r3.Vector{X: 0.06})
	n2 := ft.ReprojectLocalMap(context.Background(), second)
	test.That(t, ft.Stats().FromLastFrame, test.ShouldBeGreaterThanOrEqualTo, n1-1)
	test.That(t, n2, test.ShouldBeGreaterThanOrEqualTo, ft.Stats().FromLastFrame)

	fromFirst := map[MapPointID]bool{}
	for _, id := range first.MapPointIDs() {
		fromFirst[id] = true
	}
	for k := 0; k < ft.grid.NumCells(); k++ {
		for _, c := range ft.grid.Cell(k) {
			test.That(t, fromFirst[c.MapPoint.ID()], test.ShouldBeFalse)
		}
	}
	ids := second.MapPointIDs()
	test.That(t, len(ids), test.ShouldEqual, second.NumFeatures())

	ft.Reset()
	ft.ReprojectLocalMap(context.Background(), currentFrame(t, s, r3.Vector{X: 0.06}, r3.Vector{X: 0.06}))
	test.That(t, ft.Stats().FromLastFrame, test.ShouldEqual, 0)
}

// qualityScene puts three points with found ratios 0.9, 0.3 and 0.6 in one grid cell.
func qualityScene(t *testing.T) (*planeScene, []*MapPoint) {
	t.Helper()
	s := newPlaneScene(t, nil)
	ratios := []int{9, 3, 6}
	pixels := []r2.Point{{X: 90, Y: 90}, {X: 100, Y: 96}, {X: 94, Y: 104}}
	pts := make([]*MapPoint, len(pixels))
	for i, px := range pixels {
		mp := s.addPoint(px)
		mp.IncreaseVisible(9)
		mp.IncreaseFound(ratios[i] - 1)
		pts[i] = mp
	}
	return s, pts
}

func TestQualityOrdering(t *testing.T) {
	t.Run("best candidate is accepted first", func(t *testing.T) {
		s, pts := qualityScene(t)
		ft := newTestTracker(t, s.m, testTrackerConfig(), logging.NewTestLogger(t))
		truth := r3.Vector{X: 0.02}
		n := ft.ReprojectLocalMap(context.Background(), currentFrame(t, s, truth, truth))
		test.That(t, n, test.ShouldEqual, 1)
		test.That(t, ft.Stats().Attempts, test.ShouldEqual, 1)
		test.That(t, pts[0].Visible(), test.ShouldEqual, 12)
		test.That(t, pts[0].Found(), test.ShouldEqual, 11)
		for _, mp := range pts[1:] {
			test.That(t, mp.Visible(), test.ShouldEqual, 10)
		}
	})

	t.Run("rejection falls through to the next best", func(t *testing.T) {
		s, pts := qualityScene(t)
		truth := r3.Vector{X: 0.02}

		// the closest view of the best point is a textureless keyframe, so its alignment fails
		flat := s.m.CreateKeyFrame(flatFrame(t, s.cam, cameraAt(truth)))
		px := s.cam.Project(cameraAt(truth).Transform(pts[0].Position()))
		pts[0].AddObservation(flat, NewFeature(px, s.cam.Lift(px), 0))

		logger, logs := logging.NewObservedTestLogger(t)
		ft := newTestTracker(t, s.m, testTrackerConfig(), logger)
		ctx := logging.EnableDebugMode(context.Background(), "")
		n := ft.ReprojectLocalMap(ctx, currentFrame(t, s, truth, truth))
		test.That(t, n, test.ShouldEqual, 1)

		test.That(t, pts[0].Visible(), test.ShouldEqual, 11)
		test.That(t, pts[0].Found(), test.ShouldEqual, 9)
		test.That(t, pts[2].Visible(), test.ShouldEqual, 12)
		test.That(t, pts[2].Found(), test.ShouldEqual, 8)
		test.That(t, pts[1].Visible(), test.ShouldEqual, 10)
		test.That(t, pts[1].Found(), test.ShouldEqual, 3)

		attempts := logs.FilterMessage("match attempt").All()
		test.That(t, len(attempts), test.ShouldEqual, 2)
		test.That(t, attempts[0].ContextMap()["map_point"], test.ShouldEqual, pts[0].ID())
		test.That(t, attempts[0].ContextMap()["result"], test.ShouldEqual, "rejected")
		test.That(t, attempts[1].ContextMap()["map_point"], test.ShouldEqual, pts[2].ID())
		test.That(t, attempts[1].ContextMap()["result"], test.ShouldEqual, "accepted")
	})
}

func TestReprojectLocalMapCanceled(t *testing.T) {
	s := newPlaneScene(t, latticePixels(30))
	ft := newTestTracker(t, s.m, testTrackerConfig(), logging.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	truth := r3.Vector{X: 0.05}
	n := ft.ReprojectLocalMap(ctx, currentFrame(t, s, truth, truth))
	test.That(t, n, test.ShouldEqual, 0)
	test.That(t, ft.lastFrame, test.ShouldBeNil)
	for k := 0; k < ft.grid.NumCells(); k++ {
		test.That(t, len(ft.grid.Cell(k)), test.ShouldEqual, 0)
	}
}

func TestReprojectLocalMapBadPoint(t *testing.T) {
	s := newPlaneScene(t, latticePixels(30))
	bad := s.points[0]
	s.m.MarkBad(bad.ID())

	logger, logs := logging.NewObservedTestLogger(t)
	ft := newTestTracker(t, s.m, testTrackerConfig(), logger)
	truth := r3.Vector{X: 0.05}
	n := ft.ReprojectLocalMap(context.Background(), currentFrame(t, s, truth, truth))
	test.That(t, n, test.ShouldBeGreaterThan, 0)

	test.That(t, logs.FilterMessage("keyframe references a bad map point").Len(), test.ShouldEqual, 1)
	for _, id := range s.kf.MapPointIDs() {
		test.That(t, id, test.ShouldNotEqual, bad.ID())
	}
	// the map owns deletion
	_, ok := s.m.MapPoint(bad.ID())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, s.m.Reclaim(), test.ShouldEqual, 1)
	_, ok = s.m.MapPoint(bad.ID())
	test.That(t, ok, test.ShouldBeFalse)
}

func TestBadPointDuringMatching(t *testing.T) {
	t.Run("previous frame point", func(t *testing.T) {
		s := newPlaneScene(t, latticePixels(30))
		logger, logs := logging.NewObservedTestLogger(t)
		ft := newTestTracker(t, s.m, testTrackerConfig(), logger)
		truth := r3.Vector{X: 0.05}
		first := currentFrame(t, s, truth, truth)
		test.That(t, ft.ReprojectLocalMap(context.Background(), first), test.ShouldBeGreaterThan, 0)

		bad := first.MapPointIDs()[0]
		s.m.MarkBad(bad)
		ft.ReprojectLocalMap(context.Background(), currentFrame(t, s, truth, truth))

		warns := logs.FilterMessage("keyframe references a bad map point").All()
		test.That(t, len(warns), test.ShouldEqual, 1)
		test.That(t, warns[0].ContextMap()["map_point"], test.ShouldEqual, bad)
		test.That(t, s.kf.MapPointIDs(), test.ShouldNotContain, bad)
	})

	t.Run("cell candidate", func(t *testing.T) {
		s := newPlaneScene(t, []r2.Point{{X: 160, Y: 120}})
		logger, logs := logging.NewObservedTestLogger(t)
		ft := newTestTracker(t, s.m, testTrackerConfig(), logger)
		frame := currentFrame(t, s, r3.Vector{}, r3.Vector{})
		mp := s.points[0]

		px := r2.Point{X: 160, Y: 120}
		test.That(t, ft.grid.Push(Candidate{MapPoint: mp, Px: px}), test.ShouldBeTrue)
		s.m.MarkBad(mp.ID())
		test.That(t, ft.matchFromCell(context.Background(), frame, ft.grid.CellIndex(px)), test.ShouldBeFalse)

		test.That(t, logs.FilterMessage("keyframe references a bad map point").Len(), test.ShouldEqual, 1)
		test.That(t, s.kf.MapPointIDs(), test.ShouldBeEmpty)
		test.That(t, mp.Visible(), test.ShouldEqual, 1)
		test.That(t, s.m.Reclaim(), test.ShouldEqual, 1)
	})
}

func TestReprojectMapPoint(t *testing.T) {
	s := newPlaneScene(t, []r2.Point{{X: 160, Y: 120}})
	ft := newTestTracker(t, s.m, testTrackerConfig(), logging.NewTestLogger(t))
	truth := r3.Vector{X: 0.04, Y: -0.03}
	frame := currentFrame(t, s, truth, truth)
	mp := s.points[0]
	want := s.cam.Project(cameraAt(truth).Transform(mp.Position()))

	px, level, res := ft.ReprojectMapPoint(frame, mp, want.Add(r2.Point{X: 0.7, Y: -0.5}))
	test.That(t, res, test.ShouldEqual, MatchAccepted)
	test.That(t, level, test.ShouldEqual, 0)
	test.That(t, px.Sub(want).Norm(), test.ShouldBeLessThan, 0.1)
	// the matcher itself leaves counters alone
	test.That(t, mp.Visible(), test.ShouldEqual, 1)

	orphan := s.m.CreateMapPoint(mp.Position())
	_, _, res = ft.ReprojectMapPoint(frame, orphan, want)
	test.That(t, res, test.ShouldEqual, MatchNoView)
	test.That(t, res.String(), test.ShouldEqual, "no_view")
}

func TestSearchLevel(t *testing.T) {
	// moving halfway to the plane magnifies patches twice, so the best search level is 1
	s := newPlaneScene(t, []r2.Point{{X: 160, Y: 120}})
	ft := newTestTracker(t, s.m, testTrackerConfig(), logging.NewTestLogger(t))
	truth := r3.Vector{Z: planeDepth / 2}
	frame := currentFrame(t, s, truth, truth)
	mp := s.points[0]
	want := r2.Point{X: 160, Y: 120}
	guess := want.Add(r2.Point{X: 0.3, Y: -0.2})

	// map point reprojection searches at the level of the keyframe observation
	px, level, res := ft.ReprojectMapPoint(frame, mp, guess)
	test.That(t, res, test.ShouldEqual, MatchAccepted)
	test.That(t, level, test.ShouldEqual, 0)
	test.That(t, px.Sub(want).Norm(), test.ShouldBeLessThan, 0.3)

	// feature tracking picks the level from the warp
	ftRef := mp.FindObservation(s.kf)
	px, level, ok := ft.TrackFeature(s.kf.Frame, frame, ftRef, guess)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, level, test.ShouldEqual, 1)
	test.That(t, px.Sub(want).Norm(), test.ShouldBeLessThan, 0.5)
}

func TestTrackFeature(t *testing.T) {
	s := newPlaneScene(t, []r2.Point{{X: 120, Y: 100}})
	ft := newTestTracker(t, s.m, testTrackerConfig(), logging.NewTestLogger(t))
	truth := r3.Vector{X: -0.03, Y: 0.02}
	frame := currentFrame(t, s, truth, truth)
	want := s.cam.Project(cameraAt(truth).Transform(s.points[0].Position()))

	ref := s.kf.Features()[0]
	px, _, ok := ft.TrackFeature(s.kf.Frame, frame, ref, want.Add(r2.Point{X: -0.8, Y: 0.6}))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, px.Sub(want).Norm(), test.ShouldBeLessThan, 0.1)

	_, _, ok = ft.TrackFeature(s.kf.Frame, frame, NewFeature(ref.Px, ref.Bearing, 0), want)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestLocalKeyFrames(t *testing.T) {
	s := newPlaneScene(t, latticePixels(40))
	cam := s.cam
	// a chain ref - a - b where b only shares points with a
	a := s.m.CreateKeyFrame(newPlaneFrame(t, cam, cameraAt(r3.Vector{X: 0.01})))
	b := s.m.CreateKeyFrame(newPlaneFrame(t, cam, cameraAt(r3.Vector{X: 0.02})))
	for i, mp := range s.points {
		ft := s.kf.Features()[i]
		if i%2 == 0 {
			a.AddObservation(mp, NewFeature(ft.Px, ft.Bearing, 0))
		}
	}
	extra := s.m.CreateMapPoint(r3.Vector{Z: planeDepth})
	a.AddObservation(extra, NewFeature(r2.Point{X: 160, Y: 120}, r3.Vector{Z: 1}, 0))
	b.AddObservation(extra, NewFeature(r2.Point{X: 160, Y: 120}, r3.Vector{Z: 1}, 0))
	for _, kf := range s.m.KeyFrames() {
		kf.UpdateConnections(s.m)
	}

	ft := newTestTracker(t, s.m, testTrackerConfig(), logging.NewTestLogger(t))
	frame := newPlaneFrame(t, cam, spatialmath.NewZeroPose())
	frame.SetRefKeyFrame(s.kf)
	kfs := ft.localKeyFrames(frame)
	test.That(t, len(kfs), test.ShouldEqual, 3)
	test.That(t, kfs[0].ID(), test.ShouldEqual, s.kf.ID())
	test.That(t, kfs[1].ID(), test.ShouldEqual, a.ID())
	test.That(t, kfs[2].ID(), test.ShouldEqual, b.ID())

	cfg := testTrackerConfig()
	cfg.MaxTrackKeyFrames = 2
	ft = newTestTracker(t, s.m, cfg, logging.NewTestLogger(t))
	test.That(t, len(ft.localKeyFrames(frame)), test.ShouldEqual, 2)
}
