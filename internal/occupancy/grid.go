package occupancy

import (
	"math"
	"sync"

	"github.com/banshee-data/cartnav/internal/monitoring"
	"github.com/banshee-data/cartnav/internal/units"
	"gonum.org/v1/gonum/spatial/r2"
)

// Map is the growable occupancy grid. Rows are indexed by Y and columns by X;
// growth appends columns to every row and appends rows, so existing cells keep
// their coordinates.
type Map struct {
	cfg MapConfig

	mu     sync.RWMutex
	width  int
	height int
	states [][]CellState // [y][x]
	hits   [][]uint32    // [y][x], never reset

	updates   uint64
	confirmed int
	// capLogged keeps the max-extent warning to one line per map.
	capLogged bool
}

// NewMap creates a map of cfg.InitialWidth x cfg.InitialHeight Unknown cells.
// An invalid config is replaced field-by-field with defaults.
func NewMap(cfg MapConfig) *Map {
	cfg = sanitize(cfg)
	m := &Map{cfg: cfg}
	m.resize(cfg.InitialWidth, cfg.InitialHeight)
	return m
}

func sanitize(cfg MapConfig) MapConfig {
	def := MapConfig{CellSize: 10, GrowthMargin: 10, ConfirmHits: 3, RayStep: 10}
	if cfg.CellSize <= 0 {
		cfg.CellSize = def.CellSize
	}
	if cfg.RayStep <= 0 {
		cfg.RayStep = def.RayStep
	}
	if cfg.GrowthMargin < 0 {
		cfg.GrowthMargin = def.GrowthMargin
	}
	if cfg.ConfirmHits < 1 {
		cfg.ConfirmHits = def.ConfirmHits
	}
	if cfg.MaxExtent < 0 {
		cfg.MaxExtent = 0
	}
	if cfg.InitialWidth < 0 {
		cfg.InitialWidth = 0
	}
	if cfg.InitialHeight < 0 {
		cfg.InitialHeight = 0
	}
	if cfg.MaxExtent > 0 {
		cfg.InitialWidth = min(cfg.InitialWidth, cfg.MaxExtent)
		cfg.InitialHeight = min(cfg.InitialHeight, cfg.MaxExtent)
	}
	return cfg
}

// Config returns the parameters the map was built with.
func (m *Map) Config() MapConfig {
	return m.cfg
}

// CellSize returns the world units per cell.
func (m *Map) CellSize() float64 {
	return m.cfg.CellSize
}

// Size returns the current grid extent in cells.
func (m *Map) Size() (width, height int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.width, m.height
}

// WorldToGrid converts a world position using this map's cell size.
func (m *Map) WorldToGrid(p r2.Vec) Coord {
	return WorldToGrid(m.cfg.CellSize, p)
}

// CellCenter returns the world centre of c using this map's cell size.
func (m *Map) CellCenter(c Coord) r2.Vec {
	return CellCenter(m.cfg.CellSize, c)
}

// State returns the state of c; coordinates outside the grid are Unknown.
func (m *Map) State(c Coord) CellState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.inBounds(c) {
		return Unknown
	}
	return m.states[c.Y][c.X]
}

// Hits returns the obstacle hit counter of c.
func (m *Map) Hits(c Coord) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.inBounds(c) {
		return 0
	}
	return m.hits[c.Y][c.X]
}

// Updates returns how many readings have been applied.
func (m *Map) Updates() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updates
}

// ConfirmedCount returns the number of confirmed obstacle cells.
func (m *Map) ConfirmedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.confirmed
}

// Update applies one sonar reading taken at pose. sensorAngleDeg is the
// world-frame direction of the beam. The measured distance is clamped to
// [0, maxRange]; cells along the beam become Free and, when an echo returned
// (0 < distance < maxRange), the endpoint cell collects an obstacle hit.
// A reading of 0 is the sensor's too-close/invalid value and records no hit.
func (m *Map) Update(pose units.Pose, sensorAngleDeg, measuredDistance, maxRange float64) UpdateResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res UpdateResult
	m.updates++

	origin := pose.Position()
	robot := WorldToGrid(m.cfg.CellSize, origin)
	if m.ensureLocked(robot, &res) {
		m.markFreeLocked(robot, &res)
	}

	if maxRange < 0 || math.IsNaN(maxRange) {
		maxRange = 0
	}
	dist := measuredDistance
	if math.IsNaN(dist) {
		dist = maxRange
	}
	dist = units.Clamp(dist, 0, maxRange)
	if dist != measuredDistance {
		res.Clamped = true
	}

	// Clear pass: step 1..n while the stepped distance stays short of the
	// reading. Integer steps keep the march free of accumulated error.
	limit := math.Min(dist, maxRange)
	for i := 1; float64(i)*m.cfg.RayStep < limit; i++ {
		p := units.Advance(origin, sensorAngleDeg, float64(i)*m.cfg.RayStep)
		c := WorldToGrid(m.cfg.CellSize, p)
		if m.ensureLocked(c, &res) {
			m.markFreeLocked(c, &res)
		}
	}

	if dist > 0 && dist < maxRange {
		end := WorldToGrid(m.cfg.CellSize, units.Advance(origin, sensorAngleDeg, dist))
		if m.ensureLocked(end, &res) {
			m.recordHitLocked(end, &res)
		}
	}

	res.Width, res.Height = m.width, m.height
	return res
}

// markFreeLocked promotes Unknown to Free. Higher states are left alone so a
// clear beam never erases an obstacle candidate.
func (m *Map) markFreeLocked(c Coord, res *UpdateResult) {
	if m.states[c.Y][c.X] == Unknown {
		m.states[c.Y][c.X] = Free
		res.FreedCells++
	}
}

func (m *Map) recordHitLocked(c Coord, res *UpdateResult) {
	m.hits[c.Y][c.X]++
	res.Echo = true
	res.HitCell = c

	state := m.states[c.Y][c.X]
	switch {
	case state == ConfirmedObstacle:
		// counter keeps counting but the state is final
	case m.hits[c.Y][c.X] >= m.cfg.ConfirmHits:
		m.states[c.Y][c.X] = ConfirmedObstacle
		m.confirmed++
		res.ConfirmedAt = true
		monitoring.Debugf("[occupancy] cell %s confirmed after %d hits", c, m.hits[c.Y][c.X])
	case state < TentativeObstacle:
		m.states[c.Y][c.X] = TentativeObstacle
	}
	res.HitState = m.states[c.Y][c.X]
}

func (m *Map) inBounds(c Coord) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < m.width && c.Y < m.height
}

// Ensure grows the grid so that c is addressable without touching any cell
// state. It reports false for negative coordinates or coordinates past
// MaxExtent.
func (m *Map) Ensure(c Coord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res UpdateResult
	return m.ensureLocked(c, &res)
}

// ensureLocked grows the grid so that c is addressable. It returns false when
// c can never be represented: negative coordinates (the grid only grows away
// from the origin) or coordinates past MaxExtent.
func (m *Map) ensureLocked(c Coord, res *UpdateResult) bool {
	if m.inBounds(c) {
		return true
	}
	if c.X < 0 || c.Y < 0 {
		res.Dropped++
		return false
	}
	if m.cfg.MaxExtent > 0 && (c.X >= m.cfg.MaxExtent || c.Y >= m.cfg.MaxExtent) {
		res.Dropped++
		if !m.capLogged {
			m.capLogged = true
			monitoring.Logf("[occupancy] coordinate %s beyond max extent %d; ignoring cells past the cap", c, m.cfg.MaxExtent)
		}
		return false
	}

	newW, newH := m.width, m.height
	if c.X >= m.width {
		newW = max(c.X+m.cfg.GrowthMargin, c.X+1, m.width)
	}
	if c.Y >= m.height {
		newH = max(c.Y+m.cfg.GrowthMargin, c.Y+1, m.height)
	}
	if m.cfg.MaxExtent > 0 {
		newW = min(newW, m.cfg.MaxExtent)
		newH = min(newH, m.cfg.MaxExtent)
	}
	monitoring.Debugf("[occupancy] growing grid %dx%d -> %dx%d for %s", m.width, m.height, newW, newH, c)
	m.resize(newW, newH)
	res.Grew = true
	return true
}

// resize grows the backing arrays to at least w x h. It never shrinks.
func (m *Map) resize(w, h int) {
	w = max(w, m.width)
	h = max(h, m.height)
	if w > m.width {
		for y := range m.states {
			m.states[y] = append(m.states[y], make([]CellState, w-m.width)...)
			m.hits[y] = append(m.hits[y], make([]uint32, w-m.width)...)
		}
	}
	for y := m.height; y < h; y++ {
		m.states = append(m.states, make([]CellState, w))
		m.hits = append(m.hits, make([]uint32, w))
	}
	m.width, m.height = w, h
}

// Snapshot returns an immutable copy of the grid. Planning and rendering read
// the copy so they never observe a half-applied update.
func (m *Map) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Snapshot{
		Width:    m.width,
		Height:   m.height,
		CellSize: m.cfg.CellSize,
		states:   make([]CellState, m.width*m.height),
		hits:     make([]uint32, m.width*m.height),
	}
	for y := 0; y < m.height; y++ {
		copy(s.states[y*m.width:(y+1)*m.width], m.states[y])
		copy(s.hits[y*m.width:(y+1)*m.width], m.hits[y])
	}
	return s
}
