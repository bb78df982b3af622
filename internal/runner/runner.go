// Package runner drives the fixed-rate control loop: sonar readings into the
// occupancy map, a navigation tick, the resulting drive command, the delivery
// workflow and periodic map snapshots.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/cartnav/internal/drive"
	"github.com/banshee-data/cartnav/internal/monitoring"
	"github.com/banshee-data/cartnav/internal/navigation"
	"github.com/banshee-data/cartnav/internal/occupancy"
	"github.com/banshee-data/cartnav/internal/sonar"
	"github.com/banshee-data/cartnav/internal/timeutil"
	"github.com/banshee-data/cartnav/internal/workflow"
)

// Options wires the loop. Map, Controller, Sensors and Driver are required.
type Options struct {
	Map        *occupancy.Map
	Controller *navigation.Controller
	Sensors    sonar.Source
	Driver     drive.Driver
	Workflow   *workflow.Sequencer // optional

	Store            occupancy.SnapshotStore // optional
	RunID            string
	SnapshotInterval time.Duration // 0 disables periodic snapshots

	Clock        timeutil.Clock
	TickInterval time.Duration // default: 200ms
}

// Status is the loop's view after the most recent tick.
type Status struct {
	Tick           uint64             `json:"tick"`
	At             time.Time          `json:"at"`
	Nav            navigation.Status  `json:"nav"`
	Readings       []sonar.Reading    `json:"readings"`
	Workflow       workflow.State     `json:"workflow"`
	Delivery       *workflow.Delivery `json:"delivery,omitempty"`
	Queue          []string           `json:"queue"`
	DriveConnected bool               `json:"drive_connected"`
	DriveError     string             `json:"drive_error,omitempty"`
	MapWidth       int                `json:"map_width"`
	MapHeight      int                `json:"map_height"`
	Confirmed      int                `json:"confirmed_cells"`
	Snapshots      int                `json:"snapshots"`
}

type Runner struct {
	opts Options

	mu           sync.RWMutex
	status       Status
	tick         uint64
	lastSnapshot time.Time
	snapshots    int
}

// New validates opts and fills defaults.
func New(opts Options) (*Runner, error) {
	if opts.Map == nil || opts.Controller == nil || opts.Sensors == nil || opts.Driver == nil {
		return nil, errors.New("runner needs a map, controller, sensor source and driver")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 200 * time.Millisecond
	}
	return &Runner{opts: opts, lastSnapshot: opts.Clock.Now()}, nil
}

// Step runs one control tick.
func (r *Runner) Step(ctx context.Context) Status {
	start := r.opts.Clock.Now()
	m := r.opts.Map
	ctrl := r.opts.Controller

	pose := ctrl.Pose()
	readings := r.opts.Sensors.Readings(pose)
	for _, rd := range readings {
		res := m.Update(pose, rd.WorldAngle(pose.Heading), rd.Distance, rd.MaxRange)
		monitoring.MapUpdatesTotal.Inc()
		if res.Echo {
			monitoring.ObstacleHitsTotal.Inc()
		}
		if res.ConfirmedAt {
			monitoring.Logf("[runner] obstacle confirmed at %s", res.HitCell)
		}
	}

	cmd, nav := ctrl.Tick()

	var driveErr string
	if err := r.opts.Driver.Send(ctx, cmd); err != nil {
		driveErr = err.Error()
		monitoring.Debugf("[runner] drive: %v", err)
	}

	st := Status{
		At:             start,
		Nav:            nav,
		Readings:       readings,
		DriveConnected: r.opts.Driver.Connected(),
		DriveError:     driveErr,
		Confirmed:      m.ConfirmedCount(),
	}
	st.MapWidth, st.MapHeight = m.Size()
	monitoring.MapCells.Set(float64(st.MapWidth * st.MapHeight))

	if wf := r.opts.Workflow; wf != nil {
		wf.Observe(nav)
		st.Workflow = wf.State()
		if d, ok := wf.Current(); ok {
			st.Delivery = &d
		}
		st.Queue = wf.Queue()
	}

	r.maybeSnapshot(start)

	r.mu.Lock()
	r.tick++
	st.Tick = r.tick
	st.Snapshots = r.snapshots
	r.status = st
	r.mu.Unlock()

	monitoring.TicksTotal.Inc()
	monitoring.TickDuration.Observe(r.opts.Clock.Since(start).Seconds())
	return st
}

func (r *Runner) maybeSnapshot(now time.Time) {
	if r.opts.Store == nil || r.opts.SnapshotInterval <= 0 {
		return
	}
	r.mu.RLock()
	due := now.Sub(r.lastSnapshot) >= r.opts.SnapshotInterval
	r.mu.RUnlock()
	if !due {
		return
	}
	if err := r.SnapshotNow("periodic"); err != nil {
		monitoring.Logf("[runner] periodic snapshot failed: %v", err)
	}
}

// SnapshotNow persists the map immediately.
func (r *Runner) SnapshotNow(reason string) error {
	if r.opts.Store == nil {
		return nil
	}
	err := r.opts.Map.Persist(r.opts.Store, r.opts.RunID, reason)
	r.mu.Lock()
	r.lastSnapshot = r.opts.Clock.Now()
	if err == nil {
		r.snapshots++
	}
	r.mu.Unlock()
	return err
}

// Run ticks until ctx is cancelled, then stops the motors and writes a
// shutdown snapshot.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.opts.Clock.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()
	monitoring.Logf("[runner] control loop started: tick=%s", r.opts.TickInterval)

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-ticker.C():
			r.Step(ctx)
		}
	}
}

func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.opts.Driver.Send(ctx, navigation.StopCommand); err != nil {
		monitoring.Logf("[runner] stop on shutdown failed: %v", err)
	}
	if err := r.SnapshotNow("shutdown"); err != nil {
		monitoring.Logf("[runner] shutdown snapshot failed: %v", err)
	}
	r.mu.RLock()
	ticks := r.tick
	r.mu.RUnlock()
	monitoring.Logf("[runner] control loop stopped after %d ticks", ticks)
}

// Status returns the most recent tick's status.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Map exposes the occupancy map for read-only consumers.
func (r *Runner) Map() *occupancy.Map { return r.opts.Map }

// Controller exposes the navigation controller.
func (r *Runner) Controller() *navigation.Controller { return r.opts.Controller }

// Workflow exposes the delivery sequencer, or nil.
func (r *Runner) Workflow() *workflow.Sequencer { return r.opts.Workflow }
