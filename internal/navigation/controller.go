package navigation

import (
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/cartnav/internal/monitoring"
	"github.com/banshee-data/cartnav/internal/occupancy"
	"github.com/banshee-data/cartnav/internal/units"
	"gonum.org/v1/gonum/spatial/r2"
)

// Controller owns the active path and the dead-reckoned pose. All methods are
// safe for concurrent use; Tick is expected to be driven by a single loop.
type Controller struct {
	cfg    Config
	maps   MapSource
	finder PathFinder

	mu             sync.Mutex
	pose           units.Pose
	dest           *r2.Vec
	path           []occupancy.Coord // replaced wholesale on re-plan, never edited
	index          int
	cellSize       float64
	ticksSincePlan int
	state          State
}

// NewController creates an idle controller at the given pose.
func NewController(cfg Config, maps MapSource, finder PathFinder, start units.Pose) *Controller {
	return &Controller{
		cfg:    cfg,
		maps:   maps,
		finder: finder,
		pose:   start,
		state:  Idle,
	}
}

// SetDestination targets a world position and drops any path to the previous
// destination. Planning happens on the next Tick.
func (c *Controller) SetDestination(p r2.Vec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dest = &p
	c.path = nil
	c.index = 0
	c.state = Scanning
	monitoring.Logf("[nav] destination set to (%.1f, %.1f)", p.X, p.Y)
}

// ClearDestination cancels navigation. The next Tick emits Stop.
func (c *Controller) ClearDestination() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dest != nil {
		monitoring.Logf("[nav] destination cleared")
	}
	c.dest = nil
	c.path = nil
	c.index = 0
}

// Destination returns the active destination, if any.
func (c *Controller) Destination() (r2.Vec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dest == nil {
		return r2.Vec{}, false
	}
	return *c.dest, true
}

// SetPose overrides the dead-reckoned pose, e.g. from an external fix.
func (c *Controller) SetPose(p units.Pose) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pose = p
}

// Pose returns the current pose estimate.
func (c *Controller) Pose() units.Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pose
}

// State returns the current navigation state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Path returns a copy of the active path and the current waypoint index.
func (c *Controller) Path() ([]occupancy.Coord, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]occupancy.Coord(nil), c.path...), c.index
}

// Tick runs one control step and returns the drive command to issue.
func (c *Controller) Tick() (Command, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var st Status
	if c.dest == nil {
		c.path = nil
		c.index = 0
		c.state = Idle
		return c.finishLocked(StopCommand, st)
	}

	c.ticksSincePlan++
	if c.needsPlanLocked() {
		st.Replanned = true
		if !c.planLocked() {
			st.NoPath = true
			return c.finishLocked(StopCommand, st)
		}
	}

	pos := c.pose.Position()
	if units.Distance(pos, c.waypointLocked(len(c.path)-1)) < c.cfg.ArrivalRadius {
		c.arriveLocked()
		st.Arrived = true
		return c.finishLocked(StopCommand, st)
	}
	for c.index < len(c.path) && units.Distance(pos, c.waypointLocked(c.index)) < c.cfg.ArrivalRadius {
		c.index++
	}
	if c.index >= len(c.path) {
		c.arriveLocked()
		st.Arrived = true
		return c.finishLocked(StopCommand, st)
	}

	target := c.waypointLocked(c.index)
	errDeg := units.HeadingError(units.Bearing(pos, target), c.pose.Heading)

	var cmd Command
	if math.Abs(errDeg) > c.cfg.TurnDeadbandDeg {
		step := math.Min(c.cfg.TurnStepDeg, math.Abs(errDeg))
		if errDeg < 0 {
			cmd = Command{Kind: TurnLeft, Speed: c.cfg.TurnSpeed, Amount: step}
			c.pose.Heading = units.NormalizeDeg360(c.pose.Heading - step)
		} else {
			cmd = Command{Kind: TurnRight, Speed: c.cfg.TurnSpeed, Amount: step}
			c.pose.Heading = units.NormalizeDeg360(c.pose.Heading + step)
		}
	} else {
		cmd = Command{Kind: Forward, Speed: c.cfg.ForwardSpeed, Amount: c.cfg.ForwardStep}
		c.pose = c.pose.WithPosition(units.Advance(pos, c.pose.Heading, c.cfg.ForwardStep))
	}
	c.state = Navigating
	return c.finishLocked(cmd, st)
}

func (c *Controller) needsPlanLocked() bool {
	if len(c.path) == 0 || c.index >= len(c.path) {
		return true
	}
	if c.cfg.ReplanIntervalTicks > 0 && c.ticksSincePlan >= c.cfg.ReplanIntervalTicks {
		return true
	}
	return c.pathBlockedLocked()
}

// pathBlockedLocked reports whether a remaining waypoint has been confirmed
// as an obstacle since planning. The cart's own cell is ignored; the planner
// always lets the cart leave it.
func (c *Controller) pathBlockedLocked() bool {
	if c.maps == nil {
		return false
	}
	here := occupancy.WorldToGrid(c.cellSize, c.pose.Position())
	for _, wp := range c.path[c.index:] {
		if wp != here && c.maps.State(wp) == occupancy.ConfirmedObstacle {
			monitoring.Debugf("[nav] waypoint %s confirmed blocked, re-planning", wp)
			return true
		}
	}
	return false
}

// planLocked replaces the path from a fresh map snapshot. On failure the path
// is dropped but the destination stays so the next tick retries.
// The grid is grown to cover the destination first; a destination the map can
// never represent has no path.
func (c *Controller) planLocked() bool {
	c.ticksSincePlan = 0
	if c.maps == nil {
		return c.noPathLocked("no map")
	}
	start := c.maps.WorldToGrid(c.pose.Position())
	goal := c.maps.WorldToGrid(*c.dest)
	c.maps.Ensure(start)
	if !c.maps.Ensure(goal) {
		return c.noPathLocked(fmt.Sprintf("destination cell %s outside the map limits", goal))
	}
	snap := c.maps.Snapshot()
	res := c.finder.FindPath(snap, start, goal)
	if !res.Found {
		return c.noPathLocked(fmt.Sprintf("no path %s -> %s", start, goal))
	}
	c.path = res.Path
	c.index = 0
	c.cellSize = snap.CellSize
	monitoring.Debugf("[nav] planned %s -> %s: %s", start, goal, res)
	return true
}

// noPathLocked drops the path but keeps the destination for the next retry.
// The reason is logged once per hold.
func (c *Controller) noPathLocked(reason string) bool {
	if c.state != Scanning {
		monitoring.Logf("[nav] %s, holding", reason)
	}
	c.path = nil
	c.index = 0
	c.state = Scanning
	return false
}

func (c *Controller) arriveLocked() {
	monitoring.Logf("[nav] arrived at (%.1f, %.1f)", c.dest.X, c.dest.Y)
	c.dest = nil
	c.path = nil
	c.index = 0
	c.state = Arrived
}

func (c *Controller) waypointLocked(i int) r2.Vec {
	return occupancy.CellCenter(c.cellSize, c.path[i])
}

func (c *Controller) finishLocked(cmd Command, st Status) (Command, Status) {
	st.State = c.state
	st.Pose = c.pose
	st.Command = cmd
	st.PathLen = len(c.path)
	st.HasPath = len(c.path) > 0
	st.WaypointIx = c.index
	if c.index < len(c.path) {
		st.Waypoint = c.path[c.index]
	}
	return cmd, st
}
