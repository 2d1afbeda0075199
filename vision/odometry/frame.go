package odometry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/monovo/rimage"
	"go.viam.com/monovo/rimage/transform"
	"go.viam.com/monovo/spatialmath"
)

var frameCounter atomic.Uint64

// Frame is one camera image with its pyramid, pose and the features observed in it.
type Frame struct {
	id        FrameID
	timestamp time.Time
	cam       transform.Camera
	pyr       *rimage.ImagePyramid

	mu       sync.RWMutex
	tcw      spatialmath.Pose
	features []*Feature
	refKF    *KeyFrame
}

// NewFrame builds the image pyramid of img and returns a frame at the identity pose.
func NewFrame(img *rimage.GrayImage, timestamp time.Time, cam transform.Camera, numLevels int) (*Frame, error) {
	if cam == nil {
		return nil, errors.New("frame needs a camera")
	}
	if img.Width() != cam.ImageWidth() || img.Height() != cam.ImageHeight() {
		return nil, errors.Errorf("image is %dx%d but the camera expects %dx%d",
			img.Width(), img.Height(), cam.ImageWidth(), cam.ImageHeight())
	}
	pyr, err := rimage.NewImagePyramid(img, numLevels)
	if err != nil {
		return nil, err
	}
	return &Frame{
		id:        FrameID(frameCounter.Add(1)),
		timestamp: timestamp,
		cam:       cam,
		pyr:       pyr,
		tcw:       spatialmath.NewZeroPose(),
	}, nil
}

// ID returns the frame id.
func (f *Frame) ID() FrameID {
	return f.id
}

// Timestamp returns the capture time.
func (f *Frame) Timestamp() time.Time {
	return f.timestamp
}

// Camera returns the camera model.
func (f *Frame) Camera() transform.Camera {
	return f.cam
}

// Pyramid returns the image pyramid.
func (f *Frame) Pyramid() *rimage.ImagePyramid {
	return f.pyr
}

// Image returns the pyramid level.
func (f *Frame) Image(level int) *rimage.GrayImage {
	return f.pyr.Level(level)
}

// MaxLevel returns the coarsest pyramid level.
func (f *Frame) MaxLevel() int {
	return f.pyr.MaxLevel()
}

// Tcw returns the world to camera transform.
func (f *Frame) Tcw() spatialmath.Pose {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tcw
}

// Twc returns the camera to world transform.
func (f *Frame) Twc() spatialmath.Pose {
	return spatialmath.PoseInverse(f.Tcw())
}

// SetTcw sets the world to camera transform.
func (f *Frame) SetTcw(tcw spatialmath.Pose) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tcw = tcw
}

// Center returns the camera center in world coordinates.
func (f *Frame) Center() r3.Vector {
	return f.Twc().Point()
}

// AddFeature appends a feature.
func (f *Frame) AddFeature(ft *Feature) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.features = append(f.features, ft)
}

// Features returns a copy of the feature list.
func (f *Frame) Features() []*Feature {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Feature, len(f.features))
	copy(out, f.features)
	return out
}

// NumFeatures returns how many features the frame holds.
func (f *Frame) NumFeatures() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.features)
}

// MapPointIDs lists the map points observed in the frame, in observation order.
func (f *Frame) MapPointIDs() []MapPointID {
	f.mu.RLock()
	ids := make([]MapPointID, 0, len(f.features))
	for _, ft := range f.features {
		if ft.MapPointID != 0 {
			ids = append(ids, ft.MapPointID)
		}
	}
	f.mu.RUnlock()
	return lo.Uniq(ids)
}

// removeMapPoint drops the features observing the given map point and reports whether any did.
func (f *Frame) removeMapPoint(id MapPointID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	before := len(f.features)
	f.features = lo.Reject(f.features, func(ft *Feature, _ int) bool { return ft.MapPointID == id })
	return len(f.features) != before
}

// RefKeyFrame returns the keyframe the frame is tracked against.
func (f *Frame) RefKeyFrame() *KeyFrame {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.refKF
}

// SetRefKeyFrame sets the keyframe the frame is tracked against.
func (f *Frame) SetRefKeyFrame(kf *KeyFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refKF = kf
}
