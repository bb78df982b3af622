package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/cartnav/internal/config"
	"github.com/banshee-data/cartnav/internal/navigation"
	"github.com/banshee-data/cartnav/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
)

type fakeNav struct {
	dest    *r2.Vec
	cleared int
}

func (n *fakeNav) SetDestination(p r2.Vec) { n.dest = &p }
func (n *fakeNav) ClearDestination()       { n.dest = nil; n.cleared++ }

type memRecorder struct {
	events []Event
	err    error
}

func (r *memRecorder) RecordDeliveryEvent(ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

var (
	home   = config.Place{Name: "home", X: 15, Y: 15}
	places = map[string]config.Place{
		"ROOM-A": {Name: "Room A", X: 255, Y: 45},
		"ROOM-B": {Name: "Room B", X: 255, Y: 255},
	}
	arrived = navigation.Status{State: navigation.Arrived, Arrived: true}
)

func newSequencer(t *testing.T) (*Sequencer, *fakeNav, *memRecorder, *timeutil.MockClock) {
	t.Helper()
	nav := &fakeNav{}
	rec := &memRecorder{}
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	s := New(Options{Home: home, Destinations: places, MaxQueue: 2, Clock: clock, Recorder: rec}, nav)
	return s, nav, rec, clock
}

func TestSequencer_FullDelivery(t *testing.T) {
	s, nav, rec, clock := newSequencer(t)
	assert.Equal(t, Idle, s.State())

	require.NoError(t, s.Scan("ROOM-A"))
	assert.Equal(t, ToDestination, s.State())
	require.NotNil(t, nav.dest)
	assert.Equal(t, r2.Vec{X: 255, Y: 45}, *nav.dest)

	d, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "ROOM-A", d.Code)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, clock.Now(), d.StartedAt)

	// progress ticks without arrival change nothing
	s.Observe(navigation.Status{State: navigation.Navigating})
	assert.Equal(t, ToDestination, s.State())

	s.Observe(arrived)
	assert.Equal(t, AwaitingConfirmation, s.State())

	clock.Advance(30 * time.Second)
	require.NoError(t, s.Confirm())
	assert.Equal(t, Returning, s.State())
	assert.Equal(t, r2.Vec{X: 15, Y: 15}, *nav.dest)

	s.Observe(arrived)
	assert.Equal(t, Idle, s.State())
	_, ok = s.Current()
	assert.False(t, ok)

	require.Len(t, rec.events, 4)
	var states []State
	for _, ev := range rec.events {
		states = append(states, ev.State)
		assert.Equal(t, d.ID, ev.DeliveryID)
		assert.Equal(t, "ROOM-A", ev.Code)
		assert.Equal(t, "Room A", ev.Place)
	}
	assert.Equal(t, []State{ToDestination, AwaitingConfirmation, Returning, Idle}, states)
	assert.Equal(t, "confirmed", rec.events[2].Note)
	assert.True(t, rec.events[2].At.After(rec.events[1].At))
}

func TestSequencer_UnknownCode(t *testing.T) {
	s, nav, _, _ := newSequencer(t)
	err := s.Scan("ROOM-Z")
	assert.True(t, errors.Is(err, ErrUnknownCode))
	assert.Equal(t, Idle, s.State())
	assert.Nil(t, nav.dest)
	assert.Equal(t, []string{"ROOM-A", "ROOM-B"}, s.Codes())
}

func TestSequencer_ConfirmOutsideWaiting(t *testing.T) {
	s, _, _, _ := newSequencer(t)
	assert.ErrorIs(t, s.Confirm(), ErrNotAwaiting)

	require.NoError(t, s.Scan("ROOM-A"))
	assert.ErrorIs(t, s.Confirm(), ErrNotAwaiting)
}

func TestSequencer_QueueRunsAfterReturn(t *testing.T) {
	s, nav, _, _ := newSequencer(t)
	require.NoError(t, s.Scan("ROOM-A"))
	require.NoError(t, s.Scan("ROOM-B"))
	require.NoError(t, s.Scan("ROOM-A"))
	assert.ErrorIs(t, s.Scan("ROOM-B"), ErrBusy)
	assert.Equal(t, []string{"ROOM-B", "ROOM-A"}, s.Queue())

	s.Observe(arrived)
	require.NoError(t, s.Confirm())
	s.Observe(arrived)

	assert.Equal(t, ToDestination, s.State(), "next queued delivery starts once home")
	d, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "ROOM-B", d.Code)
	assert.Equal(t, r2.Vec{X: 255, Y: 255}, *nav.dest)
	assert.Equal(t, []string{"ROOM-A"}, s.Queue())
}

func TestSequencer_Cancel(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(s *Sequencer)
		wantState State
		wantHome  bool
	}{
		{
			name:      "idle is a no-op",
			setup:     func(s *Sequencer) {},
			wantState: Idle,
		},
		{
			name:      "outbound returns home",
			setup:     func(s *Sequencer) { _ = s.Scan("ROOM-A") },
			wantState: Returning,
			wantHome:  true,
		},
		{
			name: "waiting returns home",
			setup: func(s *Sequencer) {
				_ = s.Scan("ROOM-A")
				s.Observe(arrived)
			},
			wantState: Returning,
			wantHome:  true,
		},
		{
			name: "return leg stops",
			setup: func(s *Sequencer) {
				_ = s.Scan("ROOM-A")
				s.Observe(arrived)
				_ = s.Confirm()
			},
			wantState: Idle,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, nav, _, _ := newSequencer(t)
			tt.setup(s)
			if s.State() != Idle {
				require.NoError(t, s.Scan("ROOM-B"), "queued behind the active run")
			}
			s.Cancel()
			assert.Equal(t, tt.wantState, s.State())
			assert.Empty(t, s.Queue())
			if tt.wantHome {
				require.NotNil(t, nav.dest)
				assert.Equal(t, r2.Vec{X: home.X, Y: home.Y}, *nav.dest)
			}
		})
	}
}

func TestSequencer_CancelReturnClearsNavigator(t *testing.T) {
	s, nav, rec, _ := newSequencer(t)
	require.NoError(t, s.Scan("ROOM-A"))
	s.Cancel()
	require.Equal(t, Returning, s.State())
	s.Cancel()
	assert.Equal(t, Idle, s.State())
	assert.Nil(t, nav.dest)
	assert.Equal(t, 1, nav.cleared)
	assert.Equal(t, "cancelled", rec.events[len(rec.events)-1].Note)
}

func TestSequencer_RecorderErrorDoesNotBlock(t *testing.T) {
	s, _, rec, _ := newSequencer(t)
	rec.err = errors.New("db locked")
	require.NoError(t, s.Scan("ROOM-A"))
	assert.Equal(t, ToDestination, s.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_confirmation", AwaitingConfirmation.String())
	assert.Equal(t, "State(7)", State(7).String())
	b, err := Returning.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "returning", string(b))
}

func TestSequencer_DwellTimeoutReturnsHome(t *testing.T) {
	nav := &fakeNav{}
	rec := &memRecorder{}
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	s := New(Options{Home: home, Destinations: places, DwellTimeout: time.Minute, Clock: clock, Recorder: rec}, nav)

	require.NoError(t, s.Scan("ROOM-A"))
	s.Observe(arrived)
	require.Equal(t, AwaitingConfirmation, s.State())

	idle := navigation.Status{State: navigation.Idle}
	clock.Advance(59 * time.Second)
	s.Observe(idle)
	assert.Equal(t, AwaitingConfirmation, s.State(), "still inside the dwell")

	clock.Advance(time.Second)
	s.Observe(idle)
	assert.Equal(t, Returning, s.State())
	assert.Equal(t, r2.Vec{X: home.X, Y: home.Y}, *nav.dest)
	assert.Equal(t, "timeout", rec.events[len(rec.events)-1].Note)
	assert.ErrorIs(t, s.Confirm(), ErrNotAwaiting)
}

func TestSequencer_NoDwellTimeoutWaitsForConfirm(t *testing.T) {
	s, _, _, clock := newSequencer(t)
	require.NoError(t, s.Scan("ROOM-A"))
	s.Observe(arrived)

	clock.Advance(24 * time.Hour)
	s.Observe(navigation.Status{State: navigation.Idle})
	assert.Equal(t, AwaitingConfirmation, s.State())
}
