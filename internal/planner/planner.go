// Package planner finds shortest grid paths over occupancy snapshots.
//
// The search is A* over integer cell coordinates. Only confirmed obstacles
// block; tentative cells are passable, optionally at an extra cost. Ties in
// the priority queue break on insertion order so the same snapshot always
// yields the same path.
package planner

import (
	"container/heap"
	"fmt"
	"math"

	"github.com/banshee-data/cartnav/internal/config"
	"github.com/banshee-data/cartnav/internal/monitoring"
	"github.com/banshee-data/cartnav/internal/occupancy"
)

// Connectivity selects the neighbour set.
type Connectivity int

const (
	Four  Connectivity = 4
	Eight Connectivity = 8
)

// Options tunes the search.
type Options struct {
	Connectivity     Connectivity
	MaxExpansions    int     // 0 = unbounded
	TentativePenalty float64 // extra cost to enter a tentative cell
}

// DefaultOptions returns 4-connected search with the default budget.
func DefaultOptions() Options {
	return OptionsFromNav(config.EmptyNavConfig())
}

// OptionsFromNav builds planner options from a loaded NavConfig.
func OptionsFromNav(cfg *config.NavConfig) Options {
	return Options{
		Connectivity:     Connectivity(cfg.GetConnectivity()),
		MaxExpansions:    cfg.GetMaxExpansions(),
		TentativePenalty: cfg.GetTentativePenalty(),
	}
}

// Result is the outcome of one FindPath call.
type Result struct {
	Path            []occupancy.Coord // start..goal inclusive; empty when not Found
	Found           bool
	Cost            float64
	Expanded        int
	BudgetExhausted bool
}

// Planner is stateless apart from its options and safe for concurrent use.
type Planner struct {
	opts Options
}

// New creates a planner. Unknown connectivity values fall back to Four.
func New(opts Options) *Planner {
	if opts.Connectivity != Eight {
		opts.Connectivity = Four
	}
	if opts.MaxExpansions < 0 {
		opts.MaxExpansions = 0
	}
	if opts.TentativePenalty < 0 {
		opts.TentativePenalty = 0
	}
	return &Planner{opts: opts}
}

// Options returns the effective options.
func (p *Planner) Options() Options {
	return p.opts
}

var (
	fourNeighbours = []occupancy.Coord{{X: 1, Y: 0}, {X: 0, Y: 1}, {X: -1, Y: 0}, {X: 0, Y: -1}}
	diagNeighbours = []occupancy.Coord{{X: 1, Y: 1}, {X: -1, Y: 1}, {X: -1, Y: -1}, {X: 1, Y: -1}}
)

// FindPath returns the shortest path from start to goal. Both ends are first
// clamped into the snapshot. The start cell is always enterable so a cart
// reported inside an obstacle can still leave; a confirmed goal has no path.
func (p *Planner) FindPath(snap *occupancy.Snapshot, start, goal occupancy.Coord) Result {
	if snap == nil || snap.Width == 0 || snap.Height == 0 {
		monitoring.PlansTotal.WithLabelValues("empty").Inc()
		return Result{}
	}
	start = snap.Clamp(start)
	goal = snap.Clamp(goal)

	if start == goal {
		monitoring.PlansTotal.WithLabelValues("found").Inc()
		return Result{Path: []occupancy.Coord{start}, Found: true}
	}
	if !snap.Passable(goal) {
		monitoring.PlansTotal.WithLabelValues("blocked").Inc()
		monitoring.Debugf("[planner] goal %s is a confirmed obstacle", goal)
		return Result{}
	}

	res := p.search(snap, start, goal)
	monitoring.PlanExpansions.Observe(float64(res.Expanded))
	switch {
	case res.Found:
		monitoring.PlansTotal.WithLabelValues("found").Inc()
	case res.BudgetExhausted:
		monitoring.PlansTotal.WithLabelValues("budget").Inc()
		monitoring.Logf("[planner] search %s -> %s gave up after %d expansions", start, goal, res.Expanded)
	default:
		monitoring.PlansTotal.WithLabelValues("unreachable").Inc()
	}
	return res
}

func (p *Planner) search(snap *occupancy.Snapshot, start, goal occupancy.Coord) Result {
	w := snap.Width
	idx := func(c occupancy.Coord) int { return c.Y*w + c.X }

	n := w * snap.Height
	gScore := make([]float64, n)
	for i := range gScore {
		gScore[i] = math.Inf(1)
	}
	parent := make([]int32, n)
	for i := range parent {
		parent[i] = -1
	}
	closed := make([]bool, n)

	open := &openSet{}
	var seq uint64
	push := func(c occupancy.Coord, g float64) {
		heap.Push(open, &node{c: c, g: g, f: g + p.heuristic(c, goal), seq: seq})
		seq++
	}

	gScore[idx(start)] = 0
	push(start, 0)

	var res Result
	for open.Len() > 0 {
		cur := heap.Pop(open).(*node)
		ci := idx(cur.c)
		if closed[ci] || cur.g > gScore[ci] {
			continue // stale entry
		}
		closed[ci] = true
		res.Expanded++

		if cur.c == goal {
			res.Found = true
			res.Cost = cur.g
			res.Path = reconstruct(parent, ci, w)
			return res
		}
		if p.opts.MaxExpansions > 0 && res.Expanded >= p.opts.MaxExpansions {
			res.BudgetExhausted = true
			return res
		}

		for _, d := range p.neighbours() {
			next := occupancy.Coord{X: cur.c.X + d.X, Y: cur.c.Y + d.Y}
			if !snap.Passable(next) {
				continue
			}
			step := 1.0
			if d.X != 0 && d.Y != 0 {
				// no corner cutting past a confirmed obstacle
				if !snap.Passable(occupancy.Coord{X: cur.c.X + d.X, Y: cur.c.Y}) ||
					!snap.Passable(occupancy.Coord{X: cur.c.X, Y: cur.c.Y + d.Y}) {
					continue
				}
				step = math.Sqrt2
			}
			if snap.State(next) == occupancy.TentativeObstacle {
				step += p.opts.TentativePenalty
			}
			ni := idx(next)
			if closed[ni] {
				continue
			}
			g := cur.g + step
			if g < gScore[ni] {
				gScore[ni] = g
				parent[ni] = int32(ci)
				push(next, g)
			}
		}
	}
	return res
}

func (p *Planner) neighbours() []occupancy.Coord {
	if p.opts.Connectivity == Eight {
		return append(append([]occupancy.Coord(nil), fourNeighbours...), diagNeighbours...)
	}
	return fourNeighbours
}

// heuristic is Manhattan distance for 4-connectivity and octile distance for
// 8-connectivity; both are admissible and consistent for unit step costs.
func (p *Planner) heuristic(a, b occupancy.Coord) float64 {
	dx := math.Abs(float64(a.X - b.X))
	dy := math.Abs(float64(a.Y - b.Y))
	if p.opts.Connectivity == Eight {
		return math.Max(dx, dy) + (math.Sqrt2-1)*math.Min(dx, dy)
	}
	return dx + dy
}

func reconstruct(parent []int32, goal, width int) []occupancy.Coord {
	var rev []occupancy.Coord
	for i := goal; i >= 0; i = int(parent[i]) {
		rev = append(rev, occupancy.Coord{X: i % width, Y: i / width})
	}
	path := make([]occupancy.Coord, len(rev))
	for i, c := range rev {
		path[len(rev)-1-i] = c
	}
	return path
}

// String renders a path for logs.
func (r Result) String() string {
	if !r.Found {
		return fmt.Sprintf("no path (expanded=%d budget=%v)", r.Expanded, r.BudgetExhausted)
	}
	return fmt.Sprintf("%d cells cost=%.2f expanded=%d", len(r.Path), r.Cost, r.Expanded)
}
