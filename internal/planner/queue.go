package planner

import "github.com/banshee-data/cartnav/internal/occupancy"

type node struct {
	c   occupancy.Coord
	g   float64
	f   float64
	seq uint64 // insertion order, breaks f ties first-in first-out
}

// openSet is a container/heap min-queue ordered by f, then seq.
type openSet []*node

func (h openSet) Len() int { return len(h) }

func (h openSet) Less(i, j int) bool {
	if h[i].f != h[j].f {
		return h[i].f < h[j].f
	}
	return h[i].seq < h[j].seq
}

func (h openSet) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *openSet) Push(x any) { *h = append(*h, x.(*node)) }

func (h *openSet) Pop() any {
	old := *h
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return n
}
