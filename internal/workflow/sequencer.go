// Package workflow sequences delivery runs: a scanned code selects a
// destination, the cart drives there, waits for the recipient to confirm and
// then returns home.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/cartnav/internal/config"
	"github.com/banshee-data/cartnav/internal/monitoring"
	"github.com/banshee-data/cartnav/internal/navigation"
	"github.com/banshee-data/cartnav/internal/timeutil"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r2"
)

var (
	// ErrUnknownCode is returned by Scan for a code with no configured destination.
	ErrUnknownCode = errors.New("unknown destination code")
	// ErrBusy is returned by Scan when the pending queue is full.
	ErrBusy = errors.New("delivery queue full")
	// ErrNotAwaiting is returned by Confirm outside AwaitingConfirmation.
	ErrNotAwaiting = errors.New("no delivery awaiting confirmation")
)

// State is the delivery workflow state.
type State int

const (
	Idle State = iota
	ToDestination
	AwaitingConfirmation
	Returning
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ToDestination:
		return "to_destination"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Returning:
		return "returning"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText lets State appear by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Navigator is the part of the navigation controller the workflow drives.
type Navigator interface {
	SetDestination(p r2.Vec)
	ClearDestination()
}

// Delivery is one run from home to a destination and back.
type Delivery struct {
	ID        string       `json:"id"`
	Code      string       `json:"code"`
	Place     config.Place `json:"place"`
	StartedAt time.Time    `json:"started_at"`
}

// Event is emitted on every workflow transition.
type Event struct {
	DeliveryID string
	Code       string
	State      State
	Place      string
	At         time.Time
	Note       string
}

// EventRecorder persists workflow events. db.DeliveryRecorder satisfies it.
type EventRecorder interface {
	RecordDeliveryEvent(ev Event) error
}

// Options configures a Sequencer.
type Options struct {
	Home         config.Place
	Destinations map[string]config.Place
	MaxQueue     int // pending scans accepted while busy (default: 4)
	// DwellTimeout sends the cart home when nobody confirms within this long
	// of arrival. Zero waits for Confirm indefinitely.
	DwellTimeout time.Duration
	Clock        timeutil.Clock
	Recorder     EventRecorder // optional
}

// Sequencer owns the workflow state and feeds destinations to a Navigator.
type Sequencer struct {
	home     config.Place
	places   map[string]config.Place
	maxQueue int
	dwell    time.Duration
	clock    timeutil.Clock
	recorder EventRecorder
	nav      Navigator

	mu        sync.Mutex
	state     State
	current   *Delivery
	queue     []string
	arrivedAt time.Time
}

// New creates an idle sequencer.
func New(opts Options, nav Navigator) *Sequencer {
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = 4
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	places := make(map[string]config.Place, len(opts.Destinations))
	for code, p := range opts.Destinations {
		places[code] = p
	}
	return &Sequencer{
		home:     opts.Home,
		places:   places,
		maxQueue: opts.MaxQueue,
		dwell:    opts.DwellTimeout,
		clock:    opts.Clock,
		recorder: opts.Recorder,
		nav:      nav,
	}
}

// State returns the current workflow state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the active delivery, if any.
func (s *Sequencer) Current() (Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Delivery{}, false
	}
	return *s.current, true
}

// Codes lists the accepted destination codes in sorted order.
func (s *Sequencer) Codes() []string {
	codes := make([]string, 0, len(s.places))
	for code := range s.places {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Queue returns the codes waiting behind the active delivery.
func (s *Sequencer) Queue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queue...)
}

// Scan starts a delivery for code, or queues it when a delivery is already
// running.
func (s *Sequencer) Scan(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.places[code]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCode, code)
	}
	if s.state != Idle {
		if len(s.queue) >= s.maxQueue {
			return ErrBusy
		}
		s.queue = append(s.queue, code)
		monitoring.Logf("[workflow] queued %s behind %s (%d pending)", code, s.current.Code, len(s.queue))
		return nil
	}
	s.startLocked(code)
	return nil
}

// Confirm acknowledges the delivery at the destination and sends the cart
// home.
func (s *Sequencer) Confirm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != AwaitingConfirmation {
		return ErrNotAwaiting
	}
	s.returnHomeLocked("confirmed")
	return nil
}

// Cancel aborts the active delivery. Outbound or waiting runs turn for home;
// cancelling the return leg stops the cart where it is. Queued codes are
// dropped.
func (s *Sequencer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	switch s.state {
	case ToDestination, AwaitingConfirmation:
		s.returnHomeLocked("cancelled")
	case Returning:
		s.nav.ClearDestination()
		s.transitionLocked(Idle, "cancelled")
		s.current = nil
	}
}

// Observe advances the workflow from a controller status. It is called once
// per control tick, which is also when an expired dwell is noticed.
func (s *Sequencer) Observe(st navigation.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == AwaitingConfirmation && s.dwell > 0 && s.clock.Since(s.arrivedAt) >= s.dwell {
		s.returnHomeLocked("timeout")
		return
	}
	if !st.Arrived {
		return
	}
	switch s.state {
	case ToDestination:
		s.arrivedAt = s.clock.Now()
		s.transitionLocked(AwaitingConfirmation, "arrived")
	case Returning:
		s.transitionLocked(Idle, "home")
		s.current = nil
		if len(s.queue) > 0 {
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.startLocked(next)
		}
	}
}

func (s *Sequencer) startLocked(code string) {
	place := s.places[code]
	s.current = &Delivery{
		ID:        uuid.New().String(),
		Code:      code,
		Place:     place,
		StartedAt: s.clock.Now(),
	}
	s.nav.SetDestination(r2.Vec{X: place.X, Y: place.Y})
	s.transitionLocked(ToDestination, "scanned")
}

func (s *Sequencer) returnHomeLocked(note string) {
	s.nav.SetDestination(r2.Vec{X: s.home.X, Y: s.home.Y})
	s.transitionLocked(Returning, note)
}

func (s *Sequencer) transitionLocked(next State, note string) {
	prev := s.state
	s.state = next
	monitoring.DeliveryTransitions.WithLabelValues(next.String()).Inc()

	ev := Event{State: next, At: s.clock.Now(), Note: note}
	if s.current != nil {
		ev.DeliveryID = s.current.ID
		ev.Code = s.current.Code
		ev.Place = s.current.Place.Name
	}
	monitoring.Logf("[workflow] %s -> %s (%s) delivery=%s", prev, next, note, ev.DeliveryID)
	if s.recorder != nil {
		if err := s.recorder.RecordDeliveryEvent(ev); err != nil {
			monitoring.Logf("[workflow] failed to record event: %v", err)
		}
	}
}
