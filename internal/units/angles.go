// Package units provides the angle conventions and world geometry shared by the
// map, planner and controller.
//
// World coordinates use the map's frame: X grows to the right, Y grows "down"
// the floor plan, so a heading of 90° points towards +Y. Headings therefore
// increase clockwise when the plan is drawn with the origin top-left, which is
// why a positive heading error is corrected with a right turn.
package units

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Pose is the cart's position in world units and its heading in degrees.
type Pose struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading_deg"`
}

// Position returns the pose location as a vector.
func (p Pose) Position() r2.Vec {
	return r2.Vec{X: p.X, Y: p.Y}
}

// WithPosition returns a copy of p moved to v.
func (p Pose) WithPosition(v r2.Vec) Pose {
	p.X, p.Y = v.X, v.Y
	return p
}

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// RadToDeg converts radians to degrees.
func RadToDeg(rad float64) float64 {
	return rad * 180.0 / math.Pi
}

// NormalizeDeg360 wraps an angle into [0, 360).
func NormalizeDeg360(deg float64) float64 {
	n := math.Mod(deg, 360.0)
	if n < 0 {
		n += 360.0
	}
	// math.Mod of a tiny negative value can round up to exactly 360
	if n >= 360.0 {
		n = 0
	}
	return n
}

// NormalizeDeg180 wraps an angle into (-180, 180].
func NormalizeDeg180(deg float64) float64 {
	n := NormalizeDeg360(deg)
	if n > 180.0 {
		n -= 360.0
	}
	return n
}

// HeadingError is the signed turn, in (-180, 180], that takes heading onto
// bearing. Negative means turn left.
func HeadingError(bearing, heading float64) float64 {
	return NormalizeDeg180(bearing - heading)
}

// Direction returns the unit vector for a heading in degrees.
func Direction(deg float64) r2.Vec {
	rad := DegToRad(deg)
	return r2.Vec{X: math.Cos(rad), Y: math.Sin(rad)}
}

// Advance moves from p by dist world units along heading deg.
func Advance(p r2.Vec, deg, dist float64) r2.Vec {
	return r2.Add(p, r2.Scale(dist, Direction(deg)))
}

// Bearing returns the heading in [0, 360) that points from "from" to "to".
// Coincident points yield 0.
func Bearing(from, to r2.Vec) float64 {
	d := r2.Sub(to, from)
	if d.X == 0 && d.Y == 0 {
		return 0
	}
	return NormalizeDeg360(RadToDeg(math.Atan2(d.Y, d.X)))
}

// Distance returns the Euclidean distance between two world points.
func Distance(a, b r2.Vec) float64 {
	return r2.Norm(r2.Sub(b, a))
}

// Clamp keeps value inside [lo, hi].
func Clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
