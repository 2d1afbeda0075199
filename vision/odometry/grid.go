package odometry

import (
	"math/rand"
	"sort"

	"github.com/golang/geo/r2"
)

// Candidate is a map point with its predicted pixel in the frame being tracked. It only lives
// for one tracking pass.
type Candidate struct {
	MapPoint *MapPoint
	Px       r2.Point
	quality  float64
}

// Cell holds the candidates predicted inside one grid cell.
type Cell []Candidate

// Grid partitions the image into square cells. A cell is credited with at most one match per
// pass, after which it is occupied.
type Grid struct {
	cellSize   int
	cols, rows int
	cells      []Cell
	order      []int
	occupied   []bool
}

// NewGrid covers a width x height image with cells of cellSize pixels.
func NewGrid(width, height, cellSize int) *Grid {
	cols := (width + cellSize - 1) / cellSize
	rows := (height + cellSize - 1) / cellSize
	n := cols * rows
	g := &Grid{
		cellSize: cellSize,
		cols:     cols,
		rows:     rows,
		cells:    make([]Cell, n),
		order:    make([]int, n),
		occupied: make([]bool, n),
	}
	for i := range g.order {
		g.order[i] = i
	}
	return g
}

// Reset empties every cell, clears occupancy and reshuffles the visiting order.
func (g *Grid) Reset(rnd *rand.Rand) {
	for i := range g.cells {
		g.cells[i] = g.cells[i][:0]
		g.occupied[i] = false
	}
	rnd.Shuffle(len(g.order), func(i, j int) { g.order[i], g.order[j] = g.order[j], g.order[i] })
}

// NumCells returns cols x rows.
func (g *Grid) NumCells() int {
	return len(g.cells)
}

// CellIndex returns the cell containing px, or -1 outside the grid.
func (g *Grid) CellIndex(px r2.Point) int {
	if px.X < 0 || px.Y < 0 {
		return -1
	}
	cx, cy := int(px.X)/g.cellSize, int(px.Y)/g.cellSize
	if cx >= g.cols || cy >= g.rows {
		return -1
	}
	return cy*g.cols + cx
}

// Order returns the cell visiting order of the current pass.
func (g *Grid) Order() []int {
	return g.order
}

// Cell returns the candidates of cell k.
func (g *Grid) Cell(k int) Cell {
	return g.cells[k]
}

// IsOccupied reports whether cell k already holds a match.
func (g *Grid) IsOccupied(k int) bool {
	return g.occupied[k]
}

// SetOccupied marks the cell containing px as matched.
func (g *Grid) SetOccupied(px r2.Point) {
	if k := g.CellIndex(px); k >= 0 {
		g.occupied[k] = true
	}
}

func (g *Grid) occupy(k int) {
	g.occupied[k] = true
}

// Push adds a candidate to its cell. It fails when px is outside the grid or the cell is
// occupied.
func (g *Grid) Push(c Candidate) bool {
	k := g.CellIndex(c.Px)
	if k < 0 || g.occupied[k] {
		return false
	}
	g.cells[k] = append(g.cells[k], c)
	return true
}

// SortCell orders the candidates of cell k by decreasing found ratio and returns them. Ratios
// are read once so concurrent counter updates cannot break the ordering.
func (g *Grid) SortCell(k int) Cell {
	cell := g.cells[k]
	for i := range cell {
		cell[i].quality = cell[i].MapPoint.FoundRatio()
	}
	sort.SliceStable(cell, func(i, j int) bool { return cell[i].quality > cell[j].quality })
	return cell
}
