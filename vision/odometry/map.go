package odometry

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/samber/lo"
)

// Map is the arena owning map points and keyframes. Everything else refers to map points by id.
// Deletion is two phase: MarkBad flags a point and Reclaim detaches and drops flagged points.
type Map struct {
	mu         sync.RWMutex
	lastPoint  MapPointID
	lastKF     KeyFrameID
	points     map[MapPointID]*MapPoint
	keyframes  map[KeyFrameID]*KeyFrame
	pendingBad map[MapPointID]struct{}
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{
		points:     map[MapPointID]*MapPoint{},
		keyframes:  map[KeyFrameID]*KeyFrame{},
		pendingBad: map[MapPointID]struct{}{},
	}
}

// CreateMapPoint adds a map point at the given world position.
func (m *Map) CreateMapPoint(position r3.Vector) *MapPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPoint++
	mp := newMapPoint(m.lastPoint, position)
	m.points[mp.id] = mp
	return mp
}

// CreateKeyFrame promotes a frame to a keyframe of the map.
func (m *Map) CreateKeyFrame(frame *Frame) *KeyFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastKF++
	kf := &KeyFrame{Frame: frame, id: m.lastKF, connections: map[KeyFrameID]connection{}}
	m.keyframes[kf.id] = kf
	return kf
}

// MapPoint resolves a map point id. Reclaimed points are not found.
func (m *Map) MapPoint(id MapPointID) (*MapPoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.points[id]
	return mp, ok
}

// KeyFrame resolves a keyframe id.
func (m *Map) KeyFrame(id KeyFrameID) (*KeyFrame, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyframes[id]
	return kf, ok
}

// MapPoints returns all map points ordered by id.
func (m *Map) MapPoints() []*MapPoint {
	m.mu.RLock()
	pts := lo.Values(m.points)
	m.mu.RUnlock()
	sort.Slice(pts, func(i, j int) bool { return pts[i].id < pts[j].id })
	return pts
}

// KeyFrames returns all keyframes ordered by id.
func (m *Map) KeyFrames() []*KeyFrame {
	m.mu.RLock()
	kfs := lo.Values(m.keyframes)
	m.mu.RUnlock()
	sort.Slice(kfs, func(i, j int) bool { return kfs[i].id < kfs[j].id })
	return kfs
}

// NumMapPoints returns the number of live map points, including ones flagged bad.
func (m *Map) NumMapPoints() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

// NumKeyFrames returns the number of keyframes.
func (m *Map) NumKeyFrames() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyframes)
}

// MarkBad flags a map point for removal. It stays resolvable until Reclaim.
func (m *Map) MarkBad(id MapPointID) {
	m.mu.Lock()
	mp, ok := m.points[id]
	if ok {
		m.pendingBad[id] = struct{}{}
	}
	m.mu.Unlock()
	if ok {
		mp.setBad()
	}
}

// Reclaim removes every point flagged bad from the arena and from the keyframes observing it.
// It returns the number of points removed.
func (m *Map) Reclaim() int {
	m.mu.Lock()
	victims := make([]*MapPoint, 0, len(m.pendingBad))
	for id := range m.pendingBad {
		if mp, ok := m.points[id]; ok {
			victims = append(victims, mp)
			delete(m.points, id)
		}
	}
	m.pendingBad = map[MapPointID]struct{}{}
	m.mu.Unlock()

	for _, mp := range victims {
		for _, kf := range mp.detach() {
			kf.RemoveMapPoint(mp.id)
		}
	}
	return len(victims)
}
