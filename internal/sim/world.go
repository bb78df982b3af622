// Package sim provides a ground-truth floor plan and simulated sonars for
// development runs and integration tests.
package sim

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/cartnav/internal/config"
	"github.com/banshee-data/cartnav/internal/occupancy"
	"github.com/banshee-data/cartnav/internal/sonar"
	"github.com/banshee-data/cartnav/internal/units"
)

// World is a static floor plan of blocked cells. Anything outside the plan is
// treated as wall.
type World struct {
	CellSize float64
	Width    int
	Height   int
	blocked  []bool
}

// ParseWorld builds a world from rows of '#' (blocked) and '.' (open), top row
// first. All rows must have the same width.
func ParseWorld(cellSize float64, rows ...string) (*World, error) {
	if cellSize <= 0 {
		return nil, fmt.Errorf("cell size must be positive, got %v", cellSize)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("world needs at least one row")
	}
	w := &World{CellSize: cellSize, Width: len(rows[0]), Height: len(rows)}
	w.blocked = make([]bool, w.Width*w.Height)
	for y, row := range rows {
		if len(row) != w.Width {
			return nil, fmt.Errorf("row %d has width %d, want %d", y, len(row), w.Width)
		}
		for x, ch := range row {
			switch ch {
			case '#':
				w.blocked[y*w.Width+x] = true
			case '.':
			default:
				return nil, fmt.Errorf("row %d col %d: unexpected %q", y, x, ch)
			}
		}
	}
	return w, nil
}

// Blocked reports whether c is wall or outside the plan.
func (w *World) Blocked(c occupancy.Coord) bool {
	if c.X < 0 || c.Y < 0 || c.X >= w.Width || c.Y >= w.Height {
		return true
	}
	return w.blocked[c.Y*w.Width+c.X]
}

// Range marches from origin along angleDeg in steps of step units and returns
// the distance to the first blocked cell, or maxRange when nothing is hit.
// An origin inside a wall reads 0, the sensor's too-close value.
func (w *World) Range(origin r2.Vec, angleDeg, maxRange, step float64) float64 {
	if w.Blocked(occupancy.WorldToGrid(w.CellSize, origin)) {
		return 0
	}
	if step <= 0 {
		step = w.CellSize / 4
	}
	for i := 1; float64(i)*step < maxRange; i++ {
		d := float64(i) * step
		if w.Blocked(occupancy.WorldToGrid(w.CellSize, units.Advance(origin, angleDeg, d))) {
			return d
		}
	}
	return maxRange
}

// Sonar simulates the configured sensor mounts against a World.
type Sonar struct {
	World  *World
	Mounts []config.SensorMount
	// Step is the ray-march resolution; zero means a quarter cell.
	Step float64
}

// Readings implements sonar.Source.
func (s *Sonar) Readings(pose units.Pose) []sonar.Reading {
	out := make([]sonar.Reading, 0, len(s.Mounts))
	for _, m := range s.Mounts {
		r := sonar.Reading{Sensor: m.Name, MountDeg: m.MountDeg, MaxRange: m.MaxRange}
		r.Distance = s.World.Range(pose.Position(), r.WorldAngle(pose.Heading), m.MaxRange, s.Step)
		out = append(out, r)
	}
	return out
}

// String renders the plan in the ParseWorld format.
func (w *World) String() string {
	var b strings.Builder
	for y := 0; y < w.Height; y++ {
		for x := 0; x < w.Width; x++ {
			if w.blocked[y*w.Width+x] {
				b.WriteByte('#')
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// DemoFloor is the plan used by -dev: a walled 30x30 floor of 10-unit cells
// with a partition between the home corner and ROOM-B, and ROOM-A reachable
// along the top corridor.
var DemoFloor = []string{
	"##############################",
	"#............................#",
	"#............................#",
	"#............................#",
	"#............................#",
	"#.........#..................#",
	"#.........#..................#",
	"#.........#..................#",
	"#.........#..................#",
	"#.........#..................#",
	"#.........#########..........#",
	"#............................#",
	"#............................#",
	"#............................#",
	"#............................#",
	"#..................#.........#",
	"#..................#.........#",
	"#..................#.........#",
	"#..................#.........#",
	"#..................#.........#",
	"#......#############.........#",
	"#............................#",
	"#............................#",
	"#............................#",
	"#............................#",
	"#............................#",
	"#............................#",
	"#............................#",
	"#............................#",
	"##############################",
}

// NewDemoWorld parses DemoFloor at cellSize.
func NewDemoWorld(cellSize float64) *World {
	w, err := ParseWorld(cellSize, DemoFloor...)
	if err != nil {
		panic(err)
	}
	return w
}
