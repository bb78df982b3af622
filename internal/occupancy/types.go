package occupancy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// CellState is the coarse classification of one grid cell. The values are
// ordered: a cell only ever moves to a higher state.
type CellState uint8

const (
	Unknown CellState = iota
	Free
	TentativeObstacle
	ConfirmedObstacle
)

func (s CellState) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Free:
		return "free"
	case TentativeObstacle:
		return "tentative"
	case ConfirmedObstacle:
		return "confirmed"
	default:
		return fmt.Sprintf("CellState(%d)", uint8(s))
	}
}

// Symbol is the single-character form used by ParseSnapshot and Rows.
func (s CellState) Symbol() byte {
	switch s {
	case Free:
		return '.'
	case TentativeObstacle:
		return 't'
	case ConfirmedObstacle:
		return '#'
	default:
		return '?'
	}
}

// Passable reports whether the planner may route through a cell in this
// state. Only confirmed obstacles block; tentative cells are treated as noise
// until confirmed.
func (s CellState) Passable() bool {
	return s != ConfirmedObstacle
}

// Coord is an integer grid coordinate. X indexes columns, Y indexes rows.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// snapEpsilon absorbs floating point residue such as cos(270°) ≈ -1.8e-16 so
// that points exactly on a cell boundary land in the intended cell.
const snapEpsilon = 1e-9

func snap(v float64) float64 {
	r := math.Round(v)
	if math.Abs(v-r) < snapEpsilon {
		return r
	}
	return v
}

// WorldToGrid converts a world position to the grid cell containing it.
// Cells span [k*cellSize, (k+1)*cellSize) on each axis.
func WorldToGrid(cellSize float64, p r2.Vec) Coord {
	return Coord{
		X: int(math.Floor(snap(p.X / cellSize))),
		Y: int(math.Floor(snap(p.Y / cellSize))),
	}
}

// CellCenter returns the world position at the centre of c.
func CellCenter(cellSize float64, c Coord) r2.Vec {
	return r2.Vec{
		X: (float64(c.X) + 0.5) * cellSize,
		Y: (float64(c.Y) + 0.5) * cellSize,
	}
}

// UpdateResult summarises the effect of one Update call. The map is the only
// side effect; callers use this for telemetry and may ignore it.
type UpdateResult struct {
	Clamped     bool  // measured distance was outside [0, maxRange]
	Echo        bool  // an obstacle hit was recorded
	HitCell     Coord // endpoint cell when Echo is true
	HitState    CellState
	FreedCells  int // cells newly promoted from Unknown to Free
	Dropped     int // touched coordinates outside the representable grid
	Grew        bool
	Width       int
	Height      int
	ConfirmedAt bool // this update confirmed HitCell
}
