// Package navigation turns planned grid paths into discrete drive commands.
//
// The Controller is a deadband bang-bang steerer: each tick it either turns
// by a fixed increment towards the next waypoint or drives forward by a fixed
// increment, and it dead-reckons the cart pose from the commands it issues.
package navigation

import (
	"fmt"

	"github.com/banshee-data/cartnav/internal/config"
	"github.com/banshee-data/cartnav/internal/occupancy"
	"github.com/banshee-data/cartnav/internal/planner"
	"github.com/banshee-data/cartnav/internal/units"
	"gonum.org/v1/gonum/spatial/r2"
)

// State is the controller's coarse navigation state.
type State int

const (
	Idle State = iota
	Scanning
	Navigating
	Arrived
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Navigating:
		return "navigating"
	case Arrived:
		return "arrived"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText lets State appear by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CommandKind names a drive action.
type CommandKind int

const (
	Stop CommandKind = iota
	Forward
	Backward
	TurnLeft
	TurnRight
)

func (k CommandKind) String() string {
	switch k {
	case Stop:
		return "stop"
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	case TurnLeft:
		return "left"
	case TurnRight:
		return "right"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// MarshalText lets CommandKind appear by name in JSON status payloads.
func (k CommandKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Command is one drive instruction. Speed is percent of full scale; Amount is
// the increment the controller assumed when dead-reckoning (degrees for turns,
// world units for moves).
type Command struct {
	Kind   CommandKind `json:"kind"`
	Speed  int         `json:"speed"`
	Amount float64     `json:"amount"`
}

// StopCommand is the zero-speed halt.
var StopCommand = Command{Kind: Stop}

func (c Command) String() string {
	if c.Kind == Stop {
		return "stop"
	}
	return fmt.Sprintf("%s(%d%%, %.1f)", c.Kind, c.Speed, c.Amount)
}

// Status is the controller's report after a tick. Arrived and NoPath are
// edge flags: they are set only on the tick where the event happened.
type Status struct {
	State      State           `json:"state"`
	HasPath    bool            `json:"has_path"`
	Arrived    bool            `json:"arrived"`
	NoPath     bool            `json:"no_path"`
	Replanned  bool            `json:"replanned"`
	Waypoint   occupancy.Coord `json:"waypoint"`
	WaypointIx int             `json:"waypoint_index"`
	PathLen    int             `json:"path_len"`
	Pose       units.Pose      `json:"pose"`
	Command    Command         `json:"command"`
}

// PathFinder is the planning dependency. *planner.Planner satisfies it.
type PathFinder interface {
	FindPath(snap *occupancy.Snapshot, start, goal occupancy.Coord) planner.Result
}

// MapSource is the controller's view of the occupancy map. *occupancy.Map
// satisfies it. Ensure is the only write: it grows the grid to cover a
// destination before planning.
type MapSource interface {
	Snapshot() *occupancy.Snapshot
	State(c occupancy.Coord) occupancy.CellState
	WorldToGrid(p r2.Vec) occupancy.Coord
	Ensure(c occupancy.Coord) bool
}

// Config holds the controller constants.
type Config struct {
	TurnDeadbandDeg     float64 // |heading error| above this turns instead of driving (default: 5)
	ArrivalRadius       float64 // world units (default: 15)
	ReplanIntervalTicks int     // periodic re-plan cadence, 0 disables (default: 10)
	TurnStepDeg         float64 // heading change applied per turn tick (default: 5)
	ForwardStep         float64 // distance applied per forward tick (default: 5)
	ForwardSpeed        int     // percent (default: 50)
	TurnSpeed           int     // percent (default: 40)
}

// DefaultConfig returns the reference controller constants.
func DefaultConfig() Config {
	return ConfigFromNav(config.EmptyNavConfig())
}

// ConfigFromNav builds the controller config from a loaded NavConfig.
func ConfigFromNav(cfg *config.NavConfig) Config {
	return Config{
		TurnDeadbandDeg:     cfg.GetTurnDeadbandDeg(),
		ArrivalRadius:       cfg.GetArrivalRadius(),
		ReplanIntervalTicks: cfg.GetReplanIntervalTicks(),
		TurnStepDeg:         cfg.GetTurnStepDeg(),
		ForwardStep:         cfg.GetForwardStep(),
		ForwardSpeed:        cfg.GetForwardSpeed(),
		TurnSpeed:           cfg.GetTurnSpeed(),
	}
}
