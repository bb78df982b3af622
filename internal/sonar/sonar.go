// Package sonar turns range lines from the sensor board into readings the
// occupancy map can consume.
package sonar

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/cartnav/internal/config"
	"github.com/banshee-data/cartnav/internal/monitoring"
	"github.com/banshee-data/cartnav/internal/serialmux"
	"github.com/banshee-data/cartnav/internal/units"
)

// ErrMalformed is returned by ParseLine for lines that are not range lines.
var ErrMalformed = errors.New("malformed range line")

// Reading is one sonar sample. MountDeg is relative to the cart heading,
// clockwise positive. Distance 0 means too close or invalid; Distance equal
// to MaxRange means nothing was detected.
type Reading struct {
	Sensor   string  `json:"sensor"`
	MountDeg float64 `json:"mount_deg"`
	Distance float64 `json:"distance"`
	MaxRange float64 `json:"max_range"`
}

// WorldAngle returns the beam direction for a cart facing heading.
func (r Reading) WorldAngle(heading float64) float64 {
	return units.NormalizeDeg360(heading + r.MountDeg)
}

// Source supplies the readings for one control tick.
type Source interface {
	Readings(pose units.Pose) []Reading
}

// ParseLine parses "R,<name>,<mount_deg>,<distance>,<max_range>". Distances
// are clamped to [0, max_range]; a negative or non-finite max range is
// rejected.
func ParseLine(line string) (Reading, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 5 || parts[0] != "R" {
		return Reading{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	name := strings.TrimSpace(parts[1])
	if name == "" {
		return Reading{}, fmt.Errorf("%w: empty sensor name", ErrMalformed)
	}
	vals := make([]float64, 3)
	for i, p := range parts[2:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, i+2, err)
		}
		vals[i] = v
	}
	maxRange := vals[2]
	if maxRange <= 0 || math.IsInf(maxRange, 0) || math.IsNaN(maxRange) {
		return Reading{}, fmt.Errorf("%w: max range %v", ErrMalformed, maxRange)
	}
	dist := vals[1]
	if math.IsNaN(dist) {
		dist = maxRange
	}
	return Reading{
		Sensor:   name,
		MountDeg: units.NormalizeDeg180(vals[0]),
		Distance: units.Clamp(dist, 0, maxRange),
		MaxRange: maxRange,
	}, nil
}

// SerialSource keeps the latest reading per sensor from a sensor board mux.
// Readings drains what has arrived since the previous tick, so a sensor that
// went quiet contributes nothing rather than a stale echo.
type SerialSource struct {
	mux    serialmux.SerialMuxInterface
	order  map[string]int
	mu     sync.Mutex
	latest map[string]Reading

	malformed int
}

// NewSerialSource reads from mux. mounts fixes the output order; sensors not
// listed are accepted and sorted after the configured ones.
func NewSerialSource(mux serialmux.SerialMuxInterface, mounts []config.SensorMount) *SerialSource {
	order := make(map[string]int, len(mounts))
	for i, m := range mounts {
		order[m.Name] = i
	}
	return &SerialSource{
		mux:    mux,
		order:  order,
		latest: make(map[string]Reading),
	}
}

// Run consumes lines until ctx is done or the mux closes.
func (s *SerialSource) Run(ctx context.Context) error {
	id, ch := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-ch:
			if !ok {
				return nil
			}
			s.HandleLine(line)
		}
	}
}

// HandleLine records a range line; other line types are ignored.
func (s *SerialSource) HandleLine(line string) {
	if serialmux.ClassifyLine(line) != serialmux.LineTypeRange {
		return
	}
	r, err := ParseLine(line)
	if err != nil {
		s.mu.Lock()
		s.malformed++
		s.mu.Unlock()
		monitoring.Debugf("[sonar] dropping line: %v", err)
		return
	}
	s.mu.Lock()
	s.latest[r.Sensor] = r
	s.mu.Unlock()
}

// Readings returns and clears the pending readings. The pose is unused: the
// board reports body-relative angles.
func (s *SerialSource) Readings(units.Pose) []Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reading, 0, len(s.latest))
	for _, r := range s.latest {
		out = append(out, r)
	}
	clear(s.latest)
	slices.SortFunc(out, func(a, b Reading) int {
		ai, aok := s.order[a.Sensor]
		bi, bok := s.order[b.Sensor]
		switch {
		case aok && bok:
			return ai - bi
		case aok:
			return -1
		case bok:
			return 1
		}
		return strings.Compare(a.Sensor, b.Sensor)
	})
	return out
}

// Malformed returns the number of range lines that failed to parse.
func (s *SerialSource) Malformed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.malformed
}

// Static returns the same readings every tick. Useful for a bench cart with
// no sensor board attached.
type Static []Reading

func (s Static) Readings(units.Pose) []Reading {
	return append([]Reading(nil), s...)
}
