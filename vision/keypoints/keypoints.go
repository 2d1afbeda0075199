// Package keypoints detects FAST corners and spreads them over a grid so that the bootstrap
// initializer tracks points across the whole image.
package keypoints

import (
	"context"
	"image"
	"sort"

	"github.com/golang/geo/r2"

	"go.viam.com/monovo/rimage"
	"go.viam.com/monovo/utils"
)

// KeyPoints is a set of integer keypoint locations.
type KeyPoints []image.Point

// Corner is a keypoint found at some pyramid level, expressed in level 0 pixels.
type Corner struct {
	Px    r2.Point
	Level int
	Score float64
}

// GridDetector keeps the strongest FAST corner of every grid cell across pyramid levels.
type GridDetector struct {
	cfg      FASTConfig
	cellSize int
	border   int
	maxLevel int
}

// NewGridDetector returns a detector using cells of cellSize level 0 pixels. Corners are searched
// on levels 0 through maxLevel.
func NewGridDetector(cfg FASTConfig, cellSize, border, maxLevel int) *GridDetector {
	if cellSize < 1 {
		cellSize = 1
	}
	return &GridDetector{cfg: cfg, cellSize: cellSize, border: border, maxLevel: maxLevel}
}

// Detect returns at most one corner per grid cell, skipping cells that already hold one of
// the existing points. Corners are ordered by decreasing score.
func (gd *GridDetector) Detect(pyr *rimage.ImagePyramid, existing []r2.Point) []Corner {
	base := pyr.Level(0)
	cols := (base.Width() + gd.cellSize - 1) / gd.cellSize
	rows := (base.Height() + gd.cellSize - 1) / gd.cellSize
	cellOf := func(px r2.Point) int {
		cx, cy := int(px.X)/gd.cellSize, int(px.Y)/gd.cellSize
		if cx < 0 || cy < 0 || cx >= cols || cy >= rows {
			return -1
		}
		return cy*cols + cx
	}

	occupied := make([]bool, cols*rows)
	for _, px := range existing {
		if c := cellOf(px); c >= 0 {
			occupied[c] = true
		}
	}
	best := make([]*Corner, cols*rows)

	maxLevel := gd.maxLevel
	if maxLevel > pyr.MaxLevel() {
		maxLevel = pyr.MaxLevel()
	}
	perLevel := make([][]ScoredKeyPoint, maxLevel+1)
	// levels only read the pyramid
	//nolint:errcheck
	utils.ParallelFor(context.Background(), maxLevel+1, func(level int) {
		perLevel[level] = ComputeFAST(pyr.Level(level), &gd.cfg, gd.border>>level)
	})
	for level, kps := range perLevel {
		scale := rimage.ScaleFactor(level)
		for _, kp := range kps {
			px := r2.Point{X: float64(kp.Point.X) * scale, Y: float64(kp.Point.Y) * scale}
			c := cellOf(px)
			if c < 0 || occupied[c] {
				continue
			}
			if best[c] == nil || kp.Score > best[c].Score {
				best[c] = &Corner{Px: px, Level: level, Score: kp.Score}
			}
		}
	}

	corners := make([]Corner, 0, len(best))
	for _, c := range best {
		if c != nil {
			corners = append(corners, *c)
		}
	}
	sort.SliceStable(corners, func(i, j int) bool { return corners[i].Score > corners[j].Score })
	return corners
}
