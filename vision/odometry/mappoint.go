package odometry

import (
	"math"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
)

// maxCloseViewAngle is the widest angle between two viewing directions of a map point for which
// an observation is still used as a matching reference.
var maxCloseViewAngle = 60 * math.Pi / 180

// observation links a map point to the feature that measured it in a keyframe.
type observation struct {
	kf *KeyFrame
	ft *Feature
}

// MapPoint is a triangulated landmark. Every accessor locks the point, so each read is a
// consistent snapshot even while a mapping goroutine updates it.
type MapPoint struct {
	id MapPointID

	mu       sync.RWMutex
	position r3.Vector
	obs      map[KeyFrameID]observation
	visible  int
	found    int
	bad      bool
}

func newMapPoint(id MapPointID, position r3.Vector) *MapPoint {
	return &MapPoint{
		id:       id,
		position: position,
		obs:      map[KeyFrameID]observation{},
		visible:  1,
		found:    1,
	}
}

// ID returns the identifier of the point.
func (mp *MapPoint) ID() MapPointID {
	return mp.id
}

// Position returns the point in world coordinates.
func (mp *MapPoint) Position() r3.Vector {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.position
}

// SetPosition moves the point.
func (mp *MapPoint) SetPosition(position r3.Vector) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.position = position
}

// AddObservation records that ft in kf measures this point.
func (mp *MapPoint) AddObservation(kf *KeyFrame, ft *Feature) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.obs[kf.ID()] = observation{kf: kf, ft: ft}
}

// RemoveObservation forgets the observation from the given keyframe.
func (mp *MapPoint) RemoveObservation(id KeyFrameID) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.obs, id)
}

// NumObservations returns how many keyframes observe the point.
func (mp *MapPoint) NumObservations() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.obs)
}

// KeyFrames returns the observing keyframes ordered by id.
func (mp *MapPoint) KeyFrames() []*KeyFrame {
	obs := mp.observations()
	kfs := make([]*KeyFrame, len(obs))
	for i, o := range obs {
		kfs[i] = o.kf
	}
	return kfs
}

// observations snapshots the observation list ordered by keyframe id.
func (mp *MapPoint) observations() []observation {
	mp.mu.RLock()
	obs := make([]observation, 0, len(mp.obs))
	for _, o := range mp.obs {
		obs = append(obs, o)
	}
	mp.mu.RUnlock()
	sort.Slice(obs, func(i, j int) bool { return obs[i].kf.ID() < obs[j].kf.ID() })
	return obs
}

// FindObservation returns the feature measuring the point in kf, or nil.
func (mp *MapPoint) FindObservation(kf *KeyFrame) *Feature {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	o, ok := mp.obs[kf.ID()]
	if !ok {
		return nil
	}
	return o.ft
}

// GetCloseViewObs returns the observing keyframe whose viewing direction onto the point is
// closest to the one from frame, along with the pyramid level of that observation. It fails
// when no observation is within 60 degrees.
func (mp *MapPoint) GetCloseViewObs(frame *Frame) (*KeyFrame, int, bool) {
	pos := mp.Position()
	dir := frame.Center().Sub(pos).Normalize()

	var (
		best     *KeyFrame
		level    int
		maxCos   = -1.
		cosLimit = math.Cos(maxCloseViewAngle)
	)
	for _, o := range mp.observations() {
		obsDir := o.kf.Center().Sub(pos).Normalize()
		if c := obsDir.Dot(dir); c > maxCos {
			maxCos = c
			best = o.kf
			level = o.ft.Level
		}
	}
	if best == nil || maxCos < cosLimit {
		return nil, 0, false
	}
	return best, level, true
}

// IncreaseVisible adds n to the number of times the point was predicted visible and tried.
func (mp *MapPoint) IncreaseVisible(n int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.visible += n
}

// IncreaseFound adds n to the number of times the point was matched.
func (mp *MapPoint) IncreaseFound(n int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.found += n
}

// Visible returns the visibility counter.
func (mp *MapPoint) Visible() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.visible
}

// Found returns the found counter.
func (mp *MapPoint) Found() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.found
}

// FoundRatio is found over visible, the quality used to rank match candidates.
func (mp *MapPoint) FoundRatio() float64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return float64(mp.found) / float64(mp.visible)
}

// IsBad reports whether the point was flagged for removal.
func (mp *MapPoint) IsBad() bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.bad
}

func (mp *MapPoint) setBad() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.bad = true
}

// detach drops all observations and returns the keyframes that held them.
func (mp *MapPoint) detach() []*KeyFrame {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	kfs := make([]*KeyFrame, 0, len(mp.obs))
	for _, o := range mp.obs {
		kfs = append(kfs, o.kf)
	}
	mp.obs = map[KeyFrameID]observation{}
	return kfs
}
