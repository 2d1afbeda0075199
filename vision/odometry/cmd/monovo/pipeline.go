package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/monovo/logging"
	"go.viam.com/monovo/rimage"
	"go.viam.com/monovo/rimage/transform"
	"go.viam.com/monovo/utils"
	"go.viam.com/monovo/vision/odometry"
)

// input is one decoded image waiting to be processed.
type input struct {
	name      string
	img       *rimage.GrayImage
	timestamp time.Time
}

// trackedPoint is a copy of a matched feature, safe to read after the frame moved on.
type trackedPoint struct {
	Px         r2.Point
	FoundRatio float64
}

// snapshot is what the viewer sees of a processed frame.
type snapshot struct {
	Name        string
	FrameID     odometry.FrameID
	State       string
	Image       *rimage.GrayImage
	Points      []trackedPoint
	Stats       odometry.TrackStats
	AverageTime time.Duration
	Dropped     int64
	// Border is the margin of the image where map points are not searched.
	Border int
}

type pipelineState int

const (
	stateNoReference pipelineState = iota
	stateInitializing
	stateTracking
)

func (s pipelineState) String() string {
	switch s {
	case stateNoReference:
		return "no reference"
	case stateInitializing:
		return "initializing"
	case stateTracking:
		return "tracking"
	default:
		return "unknown"
	}
}

// pipeline drives the initializer then the tracker over a stream of images. Frames arriving while
// one is being processed replace each other, so only the latest waits.
type pipeline struct {
	cam    transform.Camera
	cfg    odometry.Config
	logger logging.Logger
	clk    clock.Clock

	in      chan input
	done    chan struct{}
	dropped atomic.Int64
	latest  atomic.Pointer[snapshot]

	state       pipelineState
	m           *odometry.Map
	initializer *odometry.Initializer
	tracker     *odometry.FeatureTracker
	last        *odometry.Frame
	procTime    *utils.RollingAverage
}

func newPipeline(cam transform.Camera, cfg odometry.Config, logger logging.Logger, clk clock.Clock) (*pipeline, error) {
	initializer, err := odometry.NewInitializer(cam, cfg, logger.Sublogger("init"), odometry.WithClock(clk))
	if err != nil {
		return nil, err
	}
	return &pipeline{
		cam:         cam,
		cfg:         cfg,
		logger:      logger,
		clk:         clk,
		in:          make(chan input, 1),
		done:        make(chan struct{}),
		m:           odometry.NewMap(),
		initializer: initializer,
		procTime:    utils.NewRollingAverage(30),
	}, nil
}

// offer queues an image without blocking. An image still waiting is dropped in favor of the new
// one.
func (p *pipeline) offer(ctx context.Context, in input) error {
	for {
		select {
		case p.in <- in:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		select {
		case stale := <-p.in:
			p.dropped.Add(1)
			p.logger.Debugw("dropping late frame", "image", stale.name)
		default:
		}
	}
}

// read decodes the images at the given rate and offers them to the pipeline. It closes the
// input channel when done.
func (p *pipeline) read(ctx context.Context, paths []string, period time.Duration) error {
	defer close(p.in)
	var ticker *clock.Ticker
	if period > 0 {
		ticker = p.clk.Ticker(period)
		defer ticker.Stop()
	}
	for _, path := range paths {
		img, err := rimage.ReadGrayImageFromFile(path)
		if err != nil {
			return err
		}
		if err := p.offer(ctx, input{name: path, img: img, timestamp: p.clk.Now()}); err != nil {
			return err
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// run processes inputs until the channel is closed or ctx is done.
func (p *pipeline) run(ctx context.Context) error {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-p.in:
			if !ok {
				return nil
			}
			if err := p.process(ctx, in); err != nil {
				return err
			}
		}
	}
}

func (p *pipeline) process(ctx context.Context, in input) error {
	start := p.clk.Now()
	frame, err := odometry.NewFrame(in.img, in.timestamp, p.cam, p.cfg.PyramidLevels)
	if err != nil {
		return errors.Wrapf(err, "cannot build frame from %q", in.name)
	}

	var stats odometry.TrackStats
	switch p.state {
	case stateNoReference:
		p.setReference(frame)
	case stateInitializing:
		res := p.initializer.Initialize(ctx, frame)
		st := p.initializer.Stats()
		p.logger.Debugw("initialization attempt",
			"image", in.name,
			"result", res.String(),
			"tracked", st.Tracked,
			"disparity", st.Disparity,
			"ransac_inliers", st.RansacInliers,
			"flow_time", st.FlowTime,
			"geometry_time", st.GeometryTime)
		switch res {
		case odometry.InitSuccess:
			if err := p.startTracking(); err != nil {
				return err
			}
		case odometry.InitReset:
			p.logger.Infow("restarting initialization", "image", in.name)
			p.setReference(frame)
		}
	case stateTracking:
		frame.SetTcw(p.last.Tcw())
		frame.SetRefKeyFrame(p.last.RefKeyFrame())
		n := p.tracker.ReprojectLocalMap(ctx, frame)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats = p.tracker.Stats()
		if n == 0 {
			p.logger.Warnw("lost track", "image", in.name)
		}
		p.last = frame
	}

	p.procTime.Add(p.clk.Since(start))
	p.publish(in.name, frame, stats)
	return nil
}

func (p *pipeline) setReference(frame *odometry.Frame) {
	if err := p.initializer.SetReference(frame); err != nil {
		p.logger.Debugw("frame rejected as reference", "error", err)
		p.state = stateNoReference
		return
	}
	p.state = stateInitializing
}

func (p *pipeline) startTracking() error {
	_, kfCur, err := p.initializer.CreateInitialMap(p.m)
	if err != nil {
		return err
	}
	tracker, err := odometry.NewFeatureTracker(p.cam.ImageWidth(), p.cam.ImageHeight(), p.m,
		p.cfg.Tracker, p.cfg.Align, p.logger.Sublogger("tracker"), odometry.WithClock(p.clk))
	if err != nil {
		return err
	}
	p.tracker = tracker
	p.last = kfCur.Frame
	p.state = stateTracking
	return nil
}

func (p *pipeline) publish(name string, frame *odometry.Frame, stats odometry.TrackStats) {
	s := &snapshot{
		Name:        name,
		FrameID:     frame.ID(),
		State:       p.state.String(),
		Image:       frame.Image(0),
		Stats:       stats,
		Border:      p.cfg.Tracker.Border,
		AverageTime: p.procTime.Average(),
		Dropped:     p.dropped.Load(),
	}
	for _, ft := range frame.Features() {
		pt := trackedPoint{Px: ft.Px}
		if mp, ok := p.m.MapPoint(ft.MapPointID); ok {
			pt.FoundRatio = mp.FoundRatio()
		}
		s.Points = append(s.Points, pt)
	}
	p.latest.Store(s)
}

// Latest returns the last published snapshot, or nil.
func (p *pipeline) Latest() *snapshot {
	return p.latest.Load()
}
