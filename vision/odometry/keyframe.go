package odometry

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// KeyFrame is a frame kept in the map as a matching reference. Connections to other keyframes
// are weighted by the number of map points they both observe.
type KeyFrame struct {
	*Frame
	id KeyFrameID

	connMu      sync.RWMutex
	connections map[KeyFrameID]connection
}

type connection struct {
	kf     *KeyFrame
	weight int
}

// ID returns the keyframe id, which differs from the id of the underlying frame.
func (kf *KeyFrame) ID() KeyFrameID {
	return kf.id
}

// AddObservation appends ft to the keyframe and registers it as an observation of mp.
func (kf *KeyFrame) AddObservation(mp *MapPoint, ft *Feature) {
	ft.MapPointID = mp.ID()
	kf.AddFeature(ft)
	mp.AddObservation(kf, ft)
}

// RemoveMapPoint forgets the features observing the given map point.
func (kf *KeyFrame) RemoveMapPoint(id MapPointID) {
	kf.removeMapPoint(id)
}

// UpdateConnections recomputes covisibility weights from the observations of the keyframe's
// map points, and mirrors each weight onto the other keyframe.
func (kf *KeyFrame) UpdateConnections(m *Map) {
	weights := map[KeyFrameID]connection{}
	for _, id := range kf.MapPointIDs() {
		mp, ok := m.MapPoint(id)
		if !ok || mp.IsBad() {
			continue
		}
		for _, other := range mp.KeyFrames() {
			if other.ID() == kf.ID() {
				continue
			}
			c := weights[other.ID()]
			c.kf = other
			c.weight++
			weights[other.ID()] = c
		}
	}

	kf.connMu.Lock()
	kf.connections = weights
	kf.connMu.Unlock()

	for _, c := range weights {
		c.kf.setConnection(kf, c.weight)
	}
}

func (kf *KeyFrame) setConnection(other *KeyFrame, weight int) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	if kf.connections == nil {
		kf.connections = map[KeyFrameID]connection{}
	}
	kf.connections[other.ID()] = connection{kf: other, weight: weight}
}

// ConnectionWeight returns the number of map points shared with other, as of the last update.
func (kf *KeyFrame) ConnectionWeight(other *KeyFrame) int {
	kf.connMu.RLock()
	defer kf.connMu.RUnlock()
	return kf.connections[other.ID()].weight
}

// GetConnectedKeyFrames returns up to n connected keyframes by decreasing weight. A non
// positive n returns all of them.
func (kf *KeyFrame) GetConnectedKeyFrames(n int) []*KeyFrame {
	kf.connMu.RLock()
	conns := lo.Values(kf.connections)
	kf.connMu.RUnlock()
	return topKeyFrames(conns, n)
}

// GetSubConnectedKeyFrames returns up to n keyframes connected to the connected keyframes but not
// to this one, ranked by how many connected keyframes lead to them.
func (kf *KeyFrame) GetSubConnectedKeyFrames(n int) []*KeyFrame {
	direct := kf.GetConnectedKeyFrames(0)
	skip := lo.SliceToMap(direct, func(c *KeyFrame) (KeyFrameID, bool) { return c.ID(), true })
	skip[kf.ID()] = true

	counts := map[KeyFrameID]connection{}
	for _, c := range direct {
		for _, sub := range c.GetConnectedKeyFrames(0) {
			if skip[sub.ID()] {
				continue
			}
			entry := counts[sub.ID()]
			entry.kf = sub
			entry.weight++
			counts[sub.ID()] = entry
		}
	}
	return topKeyFrames(lo.Values(counts), n)
}

func topKeyFrames(conns []connection, n int) []*KeyFrame {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].weight != conns[j].weight {
			return conns[i].weight > conns[j].weight
		}
		return conns[i].kf.ID() < conns[j].kf.ID()
	})
	if n > 0 && len(conns) > n {
		conns = conns[:n]
	}
	return lo.Map(conns, func(c connection, _ int) *KeyFrame { return c.kf })
}
