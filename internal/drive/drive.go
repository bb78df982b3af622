// Package drive sends navigation commands to the motor board.
package drive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/cartnav/internal/monitoring"
	"github.com/banshee-data/cartnav/internal/navigation"
	"github.com/banshee-data/cartnav/internal/serialmux"
)

var (
	// ErrWriteFailed wraps any failure to deliver a command or hear back.
	ErrWriteFailed = errors.New("drive command not delivered")
	// ErrRejected means the board answered ERR.
	ErrRejected = errors.New("drive command rejected")
)

// Driver is the actuation boundary. Failures never stop the control loop;
// they surface as Connected() == false.
type Driver interface {
	Send(ctx context.Context, cmd navigation.Command) error
	Connected() bool
	Close() error
}

// Encode renders a command in the motor board's line protocol. Speeds are
// percent and scale to the board's 0-255 PWM range.
func Encode(cmd navigation.Command) string {
	pwm := int(float64(min(max(cmd.Speed, 0), 100)) * 2.55)
	switch cmd.Kind {
	case navigation.Forward:
		return fmt.Sprintf("FORWARD:%d", pwm)
	case navigation.Backward:
		return fmt.Sprintf("BACKWARD:%d", pwm)
	case navigation.TurnLeft:
		return fmt.Sprintf("LEFT:%d", pwm)
	case navigation.TurnRight:
		return fmt.Sprintf("RIGHT:%d", pwm)
	default:
		return "STOP"
	}
}

// SerialDriver writes commands through a serial mux and waits for the board's
// acknowledgement line.
type SerialDriver struct {
	mux        serialmux.SerialMuxInterface
	ackTimeout time.Duration
	connected  atomic.Bool
}

// NewSerialDriver wraps mux. ackTimeout bounds each command round trip
// (default: 100ms).
func NewSerialDriver(mux serialmux.SerialMuxInterface, ackTimeout time.Duration) *SerialDriver {
	if ackTimeout <= 0 {
		ackTimeout = 100 * time.Millisecond
	}
	d := &SerialDriver{mux: mux, ackTimeout: ackTimeout}
	d.connected.Store(true)
	monitoring.DriveConnected.Set(1)
	return d
}

func (d *SerialDriver) Send(ctx context.Context, cmd navigation.Command) error {
	line := Encode(cmd)
	ctx, cancel := context.WithTimeout(ctx, d.ackTimeout)
	defer cancel()

	reply, err := d.mux.SendAndAwait(ctx, line, serialmux.IsAck)
	if err != nil {
		d.setConnected(false)
		monitoring.DriveErrorsTotal.Inc()
		return fmt.Errorf("%w: %s: %v", ErrWriteFailed, line, err)
	}
	d.setConnected(true)
	if serialmux.ClassifyLine(reply) == serialmux.LineTypeError {
		monitoring.DriveErrorsTotal.Inc()
		return fmt.Errorf("%w: %s: %s", ErrRejected, line, reply)
	}
	return nil
}

func (d *SerialDriver) setConnected(ok bool) {
	if d.connected.Swap(ok) != ok {
		if ok {
			monitoring.Logf("[drive] motor board link restored")
			monitoring.DriveConnected.Set(1)
		} else {
			monitoring.Logf("[drive] motor board link lost")
			monitoring.DriveConnected.Set(0)
		}
	}
}

// Connected reports whether the last command was acknowledged.
func (d *SerialDriver) Connected() bool {
	return d.connected.Load()
}

// Close stops the motors and closes the mux.
func (d *SerialDriver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.ackTimeout)
	defer cancel()
	if _, err := d.mux.SendAndAwait(ctx, Encode(navigation.StopCommand), serialmux.IsAck); err != nil {
		monitoring.Logf("[drive] stop on close failed: %v", err)
	}
	return d.mux.Close()
}

// DisabledDriver drops every command. Used when no motor port is configured.
type DisabledDriver struct{}

func (DisabledDriver) Send(_ context.Context, cmd navigation.Command) error {
	monitoring.Debugf("[drive] disabled, dropping %s", cmd)
	return nil
}

func (DisabledDriver) Connected() bool { return false }
func (DisabledDriver) Close() error    { return nil }

// RecordingDriver keeps every command in memory. Err, when set, is returned
// from Send after recording.
type RecordingDriver struct {
	mu       sync.Mutex
	commands []navigation.Command
	Err      error
}

func (r *RecordingDriver) Send(_ context.Context, cmd navigation.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	return r.Err
}

func (r *RecordingDriver) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Err == nil
}

func (r *RecordingDriver) Close() error { return nil }

// Commands returns a copy of the recorded commands.
func (r *RecordingDriver) Commands() []navigation.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]navigation.Command(nil), r.commands...)
}
