package occupancy

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"
)

// Snapshot is a read-only copy of the grid at one instant. It is safe to share
// between goroutines.
type Snapshot struct {
	Width    int
	Height   int
	CellSize float64

	states []CellState // row-major, len = Width*Height
	hits   []uint32
}

// NewSnapshot builds a snapshot from row-major state and hit slices. hits may
// be nil. Used by tests and by persistence restore.
func NewSnapshot(width, height int, cellSize float64, states []CellState, hits []uint32) (*Snapshot, error) {
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("invalid snapshot size %dx%d", width, height)
	}
	if len(states) != width*height {
		return nil, fmt.Errorf("states length %d does not match %dx%d", len(states), width, height)
	}
	if hits == nil {
		hits = make([]uint32, len(states))
	}
	if len(hits) != len(states) {
		return nil, fmt.Errorf("hits length %d does not match states length %d", len(hits), len(states))
	}
	s := &Snapshot{
		Width:    width,
		Height:   height,
		CellSize: cellSize,
		states:   append([]CellState(nil), states...),
		hits:     append([]uint32(nil), hits...),
	}
	return s, nil
}

// ParseSnapshot builds a snapshot from a text floor plan, one string per row:
// '.' free, '?' unknown, 't' tentative, '#' confirmed. Rows must be the same
// length.
func ParseSnapshot(cellSize float64, rows ...string) (*Snapshot, error) {
	height := len(rows)
	width := 0
	if height > 0 {
		width = len(rows[0])
	}
	states := make([]CellState, 0, width*height)
	for y, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has length %d, want %d", y, len(row), width)
		}
		for x, ch := range row {
			switch ch {
			case '.':
				states = append(states, Free)
			case '?':
				states = append(states, Unknown)
			case 't':
				states = append(states, TentativeObstacle)
			case '#':
				states = append(states, ConfirmedObstacle)
			default:
				return nil, fmt.Errorf("row %d col %d: unknown cell %q", y, x, ch)
			}
		}
	}
	return NewSnapshot(width, height, cellSize, states, nil)
}

// InBounds reports whether c lies inside the snapshot.
func (s *Snapshot) InBounds(c Coord) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < s.Width && c.Y < s.Height
}

// State returns the state at c; outside the snapshot is Unknown.
func (s *Snapshot) State(c Coord) CellState {
	if !s.InBounds(c) {
		return Unknown
	}
	return s.states[c.Y*s.Width+c.X]
}

// Hits returns the hit counter at c.
func (s *Snapshot) Hits(c Coord) uint32 {
	if !s.InBounds(c) {
		return 0
	}
	return s.hits[c.Y*s.Width+c.X]
}

// Passable reports whether the planner may enter c. Cells outside the
// snapshot are not passable: the planner only searches the known extent.
func (s *Snapshot) Passable(c Coord) bool {
	return s.InBounds(c) && s.State(c).Passable()
}

// Clamp moves c to the nearest coordinate inside the snapshot. An empty
// snapshot returns c unchanged.
func (s *Snapshot) Clamp(c Coord) Coord {
	if s.Width == 0 || s.Height == 0 {
		return c
	}
	c.X = min(max(c.X, 0), s.Width-1)
	c.Y = min(max(c.Y, 0), s.Height-1)
	return c
}

// WorldToGrid converts a world position using the snapshot's cell size.
func (s *Snapshot) WorldToGrid(p r2.Vec) Coord {
	return WorldToGrid(s.CellSize, p)
}

// CellCenter returns the world centre of c.
func (s *Snapshot) CellCenter(c Coord) r2.Vec {
	return CellCenter(s.CellSize, c)
}

// States returns a copy of the row-major state slice.
func (s *Snapshot) States() []CellState {
	return append([]CellState(nil), s.states...)
}

// HitCounts returns a copy of the row-major hit slice.
func (s *Snapshot) HitCounts() []uint32 {
	return append([]uint32(nil), s.hits...)
}

// Counts tallies cells per state.
func (s *Snapshot) Counts() map[CellState]int {
	out := map[CellState]int{Unknown: 0, Free: 0, TentativeObstacle: 0, ConfirmedObstacle: 0}
	for _, st := range s.states {
		out[st]++
	}
	return out
}

// WithState returns a copy of s with c set to state. The receiver is left
// untouched. c must be inside the snapshot.
func (s *Snapshot) WithState(c Coord, state CellState) *Snapshot {
	out := &Snapshot{
		Width:    s.Width,
		Height:   s.Height,
		CellSize: s.CellSize,
		states:   append([]CellState(nil), s.states...),
		hits:     append([]uint32(nil), s.hits...),
	}
	if s.InBounds(c) {
		out.states[c.Y*s.Width+c.X] = state
	}
	return out
}

// Rows renders the snapshot in the ParseSnapshot text format, top row first.
func (s *Snapshot) Rows() []string {
	rows := make([]string, s.Height)
	buf := make([]byte, s.Width)
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			buf[x] = s.states[y*s.Width+x].Symbol()
		}
		rows[y] = string(buf)
	}
	return rows
}
