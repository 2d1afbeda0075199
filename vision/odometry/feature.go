// Package odometry implements the front end of a monocular visual odometry pipeline: two view
// bootstrap initialization and grid indexed reprojection tracking of a sparse landmark map.
package odometry

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

type (
	// MapPointID identifies a map point within a Map. Zero means none.
	MapPointID uint64
	// KeyFrameID identifies a keyframe within a Map. Zero means none.
	KeyFrameID uint64
	// FrameID identifies a frame. Zero means none.
	FrameID uint64
)

// Feature is one observation of a map point, or a free keypoint, in a single frame.
type Feature struct {
	Px r2.Point
	// Bearing is the unit ray through Px in the camera frame.
	Bearing r3.Vector
	Level   int
	// MapPointID is a weak reference resolved through the Map.
	MapPointID MapPointID
}

// NewFeature returns a feature with no map point.
func NewFeature(px r2.Point, bearing r3.Vector, level int) *Feature {
	return &Feature{Px: px, Bearing: bearing, Level: level}
}

func (ft *Feature) String() string {
	return fmt.Sprintf("{px: %.2f,%.2f level: %d mp: %d}", ft.Px.X, ft.Px.Y, ft.Level, ft.MapPointID)
}
