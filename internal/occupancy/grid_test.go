package occupancy

import (
	"math/rand"
	"testing"

	"github.com/banshee-data/cartnav/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
)

func testMapConfig() MapConfig {
	return MapConfig{
		CellSize:      10,
		InitialWidth:  10,
		InitialHeight: 10,
		GrowthMargin:  10,
		ConfirmHits:   3,
		RayStep:       10,
	}
}

func TestWorldToGrid(t *testing.T) {
	tests := []struct {
		name string
		p    r2.Vec
		want Coord
	}{
		{"origin", r2.Vec{}, Coord{0, 0}},
		{"inside first cell", r2.Vec{X: 9.99, Y: 0.1}, Coord{0, 0}},
		{"boundary belongs to next cell", r2.Vec{X: 10, Y: 20}, Coord{1, 2}},
		{"residue below boundary snaps", r2.Vec{X: 30 - 1e-12, Y: 0}, Coord{3, 0}},
		{"negative", r2.Vec{X: -0.5, Y: 5}, Coord{-1, 0}},
		{"trig residue at zero", r2.Vec{X: -1.8e-15, Y: 5}, Coord{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WorldToGrid(10, tt.p))
		})
	}
	assert.Equal(t, r2.Vec{X: 35, Y: 5}, CellCenter(10, Coord{3, 0}))
}

func TestCellState_String(t *testing.T) {
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "free", Free.String())
	assert.Equal(t, "tentative", TentativeObstacle.String())
	assert.Equal(t, "confirmed", ConfirmedObstacle.String())
	assert.Equal(t, "CellState(9)", CellState(9).String())
	assert.True(t, TentativeObstacle.Passable())
	assert.False(t, ConfirmedObstacle.Passable())
}

func TestUpdate_ThreeHitsConfirm(t *testing.T) {
	m := NewMap(testMapConfig())
	robot := units.Pose{X: 0, Y: 0}
	target := Coord{3, 0}

	res := m.Update(robot, 0, 30, 100)
	assert.True(t, res.Echo)
	assert.Equal(t, target, res.HitCell)
	assert.Equal(t, TentativeObstacle, m.State(target), "first hit leaves the cell tentative")
	assert.Equal(t, uint32(1), m.Hits(target))

	m.Update(robot, 0, 30, 100)
	assert.Equal(t, TentativeObstacle, m.State(target), "second hit is still below threshold")

	res = m.Update(robot, 0, 30, 100)
	assert.True(t, res.ConfirmedAt)
	assert.Equal(t, ConfirmedObstacle, m.State(target))
	assert.Equal(t, 1, m.ConfirmedCount())

	// counter keeps counting after confirmation
	m.Update(robot, 0, 30, 100)
	assert.Equal(t, uint32(4), m.Hits(target))
	assert.Equal(t, ConfirmedObstacle, m.State(target))
	assert.Equal(t, 1, m.ConfirmedCount())

	// robot cell and the beam before the echo are free
	assert.Equal(t, Free, m.State(Coord{0, 0}))
	assert.Equal(t, Free, m.State(Coord{1, 0}))
	assert.Equal(t, Free, m.State(Coord{2, 0}))
	assert.Equal(t, uint64(4), m.Updates())
}

func TestUpdate_FromCellCentre(t *testing.T) {
	m := NewMap(testMapConfig())
	pose := units.Pose{X: 5, Y: 5}
	for i := 0; i < 3; i++ {
		m.Update(pose, 0, 30, 100)
	}
	assert.Equal(t, ConfirmedObstacle, m.State(Coord{3, 0}))
}

func TestUpdate_MaxRangeIsNoDetection(t *testing.T) {
	m := NewMap(testMapConfig())
	res := m.Update(units.Pose{X: 5, Y: 5}, 0, 50, 50)
	assert.False(t, res.Echo)
	assert.False(t, res.Clamped)

	// steps at 10..40 are cleared, the 50 endpoint is not
	for x := 0; x <= 4; x++ {
		assert.Equal(t, Free, m.State(Coord{x, 0}), "x=%d", x)
	}
	assert.Equal(t, Unknown, m.State(Coord{5, 0}))
	assert.Equal(t, uint32(0), m.Hits(Coord{5, 0}))
}

func TestUpdate_ClampsDistance(t *testing.T) {
	m := NewMap(testMapConfig())

	res := m.Update(units.Pose{X: 5, Y: 5}, 0, 500, 50)
	assert.True(t, res.Clamped)
	assert.False(t, res.Echo, "clamped to max range means no detection")

	res = m.Update(units.Pose{X: 5, Y: 5}, 0, -20, 50)
	assert.True(t, res.Clamped)
	assert.False(t, res.Echo, "negative distance clamps to the invalid value 0")
	assert.Equal(t, Free, m.State(Coord{0, 0}), "robot cell is never hit by an invalid reading")
}

func TestUpdate_ZeroIsInvalid(t *testing.T) {
	m := NewMap(testMapConfig())
	res := m.Update(units.Pose{X: 5, Y: 5}, 0, 0, 50)
	assert.False(t, res.Echo)
	assert.Equal(t, Free, m.State(Coord{0, 0}))
	assert.Equal(t, uint32(0), m.Hits(Coord{0, 0}))
}

func TestUpdate_ClearBeamNeverDowngrades(t *testing.T) {
	m := NewMap(testMapConfig())
	pose := units.Pose{X: 5, Y: 5}

	// confirm (3,0) and make (5,0) tentative
	for i := 0; i < 3; i++ {
		m.Update(pose, 0, 30, 100)
	}
	m.Update(pose, 0, 50, 100)
	require.Equal(t, ConfirmedObstacle, m.State(Coord{3, 0}))
	require.Equal(t, TentativeObstacle, m.State(Coord{5, 0}))

	// a long clear beam through both cells leaves them as they were
	m.Update(pose, 0, 90, 90)
	assert.Equal(t, ConfirmedObstacle, m.State(Coord{3, 0}))
	assert.Equal(t, TentativeObstacle, m.State(Coord{5, 0}))
	assert.Equal(t, Free, m.State(Coord{8, 0}))
}

func TestUpdate_RobotCellNotDowngraded(t *testing.T) {
	m := NewMap(testMapConfig())
	for i := 0; i < 3; i++ {
		m.Update(units.Pose{X: 5, Y: 5}, 0, 30, 100)
	}
	// robot now reported inside the confirmed cell
	m.Update(units.Pose{X: 35, Y: 5}, 90, 200, 200)
	assert.Equal(t, ConfirmedObstacle, m.State(Coord{3, 0}))
}

func TestUpdate_GrowsAndPreservesCells(t *testing.T) {
	m := NewMap(testMapConfig())
	pose := units.Pose{X: 5, Y: 5}
	for i := 0; i < 3; i++ {
		m.Update(pose, 0, 30, 100)
	}
	m.Update(pose, 90, 40, 100)
	before := m.Snapshot()

	// reading far outside the initial 10x10 extent
	res := m.Update(units.Pose{X: 5, Y: 5}, 0, 150, 300)
	assert.True(t, res.Grew)
	w, h := m.Size()
	assert.Equal(t, 20, w, "width = first touched column 10 + margin 10")
	assert.Equal(t, 10, h, "height untouched")

	for y := 0; y < before.Height; y++ {
		for x := 0; x < before.Width; x++ {
			c := Coord{x, y}
			if c.Y == 0 && c.X > 0 {
				continue // re-swept by the new beam
			}
			assert.Equal(t, before.State(c), m.State(c), "cell %s", c)
			assert.Equal(t, before.Hits(c), m.Hits(c), "hits %s", c)
		}
	}
	assert.Equal(t, ConfirmedObstacle, m.State(Coord{3, 0}))
	assert.Equal(t, uint32(3), m.Hits(Coord{3, 0}))
	assert.Equal(t, TentativeObstacle, m.State(Coord{15, 0}))
}

func TestUpdate_GrowsFromRobotPose(t *testing.T) {
	m := NewMap(testMapConfig())
	res := m.Update(units.Pose{X: 5, Y: 305}, 0, 0, 100)
	assert.True(t, res.Grew)
	_, h := m.Size()
	assert.Equal(t, 40, h)
	assert.Equal(t, Free, m.State(Coord{0, 30}))
}

func TestUpdate_NegativeCoordinatesDropped(t *testing.T) {
	m := NewMap(testMapConfig())
	res := m.Update(units.Pose{X: 5, Y: 5}, 180, 30, 100)
	assert.Greater(t, res.Dropped, 0)
	assert.False(t, res.Echo, "endpoint at x=-25 cannot be stored")
	w, h := m.Size()
	assert.Equal(t, 10, w)
	assert.Equal(t, 10, h)
}

func TestUpdate_MaxExtent(t *testing.T) {
	cfg := testMapConfig()
	cfg.MaxExtent = 12
	m := NewMap(cfg)

	res := m.Update(units.Pose{X: 5, Y: 5}, 0, 195, 200)
	w, _ := m.Size()
	assert.Equal(t, 12, w, "growth stops at the cap")
	assert.Greater(t, res.Dropped, 0)
	assert.False(t, res.Echo)
	assert.Equal(t, Free, m.State(Coord{11, 0}))
}

func TestUpdate_DiagonalAndCardinalAngles(t *testing.T) {
	m := NewMap(testMapConfig())
	pose := units.Pose{X: 55, Y: 55}
	m.Update(pose, 90, 30, 100)
	assert.Equal(t, TentativeObstacle, m.State(Coord{5, 8}))
	m.Update(pose, 270, 30, 100)
	assert.Equal(t, TentativeObstacle, m.State(Coord{5, 2}))
	m.Update(pose, 180, 30, 100)
	assert.Equal(t, TentativeObstacle, m.State(Coord{2, 5}))
}

// Property: under arbitrary update sequences no cell ever decreases in state,
// hit counters never decrease, and confirmed iff hits >= 3.
func TestUpdate_MonotonicProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	m := NewMap(testMapConfig())
	prev := m.Snapshot()

	for i := 0; i < 400; i++ {
		pose := units.Pose{X: rng.Float64() * 120, Y: rng.Float64() * 120}
		angle := float64(rng.Intn(8)) * 45
		dist := rng.Float64() * 120
		m.Update(pose, angle, dist, 100)

		cur := m.Snapshot()
		for y := 0; y < prev.Height; y++ {
			for x := 0; x < prev.Width; x++ {
				c := Coord{x, y}
				require.GreaterOrEqual(t, cur.State(c), prev.State(c), "cell %s regressed at step %d", c, i)
				require.GreaterOrEqual(t, cur.Hits(c), prev.Hits(c), "hits %s decreased at step %d", c, i)
			}
		}
		prev = cur
	}

	for y := 0; y < prev.Height; y++ {
		for x := 0; x < prev.Width; x++ {
			c := Coord{x, y}
			confirmed := prev.State(c) == ConfirmedObstacle
			assert.Equal(t, prev.Hits(c) >= 3, confirmed, "cell %s hits=%d state=%s", c, prev.Hits(c), prev.State(c))
		}
	}
}

func TestNewMap_SanitizesConfig(t *testing.T) {
	m := NewMap(MapConfig{CellSize: -1, RayStep: 0, ConfirmHits: 0, InitialWidth: 5, InitialHeight: 5, MaxExtent: 3})
	assert.Equal(t, 10.0, m.CellSize())
	assert.Equal(t, uint32(3), m.Config().ConfirmHits)
	w, h := m.Size()
	assert.Equal(t, 3, w)
	assert.Equal(t, 3, h)
}

func TestMapConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultMapConfig().Validate())

	bad := DefaultMapConfig()
	bad.CellSize = 0
	assert.Error(t, bad.Validate())

	bad = DefaultMapConfig()
	bad.MaxExtent = 5
	assert.Error(t, bad.Validate())

	bad = DefaultMapConfig()
	bad.ConfirmHits = 0
	assert.Error(t, bad.Validate())
}

func TestSnapshot_IsACopy(t *testing.T) {
	m := NewMap(testMapConfig())
	snap := m.Snapshot()
	m.Update(units.Pose{X: 5, Y: 5}, 0, 30, 100)
	assert.Equal(t, Unknown, snap.State(Coord{3, 0}), "snapshot must not observe later updates")
	assert.Equal(t, TentativeObstacle, m.Snapshot().State(Coord{3, 0}))
}

func TestEnsure(t *testing.T) {
	m := NewMap(MapConfig{CellSize: 10, InitialWidth: 10, InitialHeight: 10, GrowthMargin: 5, MaxExtent: 30, ConfirmHits: 3, RayStep: 10})

	assert.True(t, m.Ensure(Coord{X: 3, Y: 3}))
	w, h := m.Size()
	assert.Equal(t, [2]int{10, 10}, [2]int{w, h})

	assert.True(t, m.Ensure(Coord{X: 20, Y: 2}))
	w, h = m.Size()
	assert.Equal(t, 25, w)
	assert.Equal(t, 10, h)
	assert.Equal(t, Unknown, m.State(Coord{X: 20, Y: 2}), "growth leaves new cells unknown")
	assert.Zero(t, m.Updates(), "growing is not a reading")

	assert.False(t, m.Ensure(Coord{X: -1, Y: 0}))
	assert.False(t, m.Ensure(Coord{X: 30, Y: 0}))
	w, _ = m.Size()
	assert.Equal(t, 25, w)
}

func TestUpdate_BeamStartsAtExactPose(t *testing.T) {
	m := NewMap(testMapConfig())
	// 9 + 25 lands in cell 3 even though the cart's own cell starts at 0.
	res := m.Update(units.Pose{X: 9, Y: 0}, 0, 25, 200)
	require.True(t, res.Echo)
	assert.Equal(t, Coord{X: 3, Y: 0}, res.HitCell)
	assert.Equal(t, TentativeObstacle, m.State(Coord{X: 3, Y: 0}))
	assert.Equal(t, Free, m.State(Coord{X: 1, Y: 0}))
}
