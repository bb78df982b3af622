package drive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/cartnav/internal/navigation"
	"github.com/banshee-data/cartnav/internal/serialmux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		cmd  navigation.Command
		want string
	}{
		{navigation.StopCommand, "STOP"},
		{navigation.Command{Kind: navigation.Forward, Speed: 50}, "FORWARD:127"},
		{navigation.Command{Kind: navigation.Backward, Speed: 100}, "BACKWARD:255"},
		{navigation.Command{Kind: navigation.TurnLeft, Speed: 40}, "LEFT:102"},
		{navigation.Command{Kind: navigation.TurnRight, Speed: 40}, "RIGHT:102"},
		{navigation.Command{Kind: navigation.Forward, Speed: 150}, "FORWARD:255"},
		{navigation.Command{Kind: navigation.Forward, Speed: -3}, "FORWARD:0"},
		{navigation.Command{Kind: navigation.CommandKind(42), Speed: 50}, "STOP"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Encode(tt.cmd))
		})
	}
}

func newBoard(t *testing.T, responder func(string) []string) (*serialmux.TestableSerialPort, *serialmux.SerialMux[*serialmux.TestableSerialPort]) {
	t.Helper()
	port := serialmux.NewTestableSerialPort()
	port.Responder = responder
	mux := serialmux.NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mux.Monitor(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		mux.Close()
		<-done
	})
	return port, mux
}

func TestSerialDriver_Send(t *testing.T) {
	port, mux := newBoard(t, func(line string) []string { return []string{"OK"} })
	d := NewSerialDriver(mux, time.Second)

	require.NoError(t, d.Send(context.Background(), navigation.Command{Kind: navigation.Forward, Speed: 50}))
	require.NoError(t, d.Send(context.Background(), navigation.StopCommand))
	assert.True(t, d.Connected())
	assert.Equal(t, []string{"FORWARD:127", "STOP"}, port.WrittenLines())
}

func TestSerialDriver_Rejected(t *testing.T) {
	_, mux := newBoard(t, func(line string) []string { return []string{"ERR bad speed"} })
	d := NewSerialDriver(mux, time.Second)

	err := d.Send(context.Background(), navigation.Command{Kind: navigation.TurnLeft, Speed: 40})
	assert.ErrorIs(t, err, ErrRejected)
	assert.True(t, d.Connected(), "a rejection still proves the link is up")
}

func TestSerialDriver_NoAckDisconnects(t *testing.T) {
	var silent bool
	_, mux := newBoard(t, func(line string) []string {
		if silent {
			return nil
		}
		return []string{"OK"}
	})
	d := NewSerialDriver(mux, 30*time.Millisecond)

	silent = true
	err := d.Send(context.Background(), navigation.StopCommand)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.False(t, d.Connected())

	silent = false
	require.NoError(t, d.Send(context.Background(), navigation.StopCommand))
	assert.True(t, d.Connected(), "link recovers on the next acknowledged command")
}

func TestSerialDriver_WriteError(t *testing.T) {
	port, mux := newBoard(t, nil)
	d := NewSerialDriver(mux, time.Second)
	port.WriteError = errors.New("unplugged")

	err := d.Send(context.Background(), navigation.StopCommand)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.ErrorContains(t, err, "unplugged")
	assert.False(t, d.Connected())
}

func TestSerialDriver_CloseStops(t *testing.T) {
	port, mux := newBoard(t, func(string) []string { return []string{"OK"} })
	d := NewSerialDriver(mux, time.Second)
	require.NoError(t, d.Close())
	assert.Equal(t, []string{"STOP"}, port.WrittenLines())
	assert.True(t, port.Closed)
}

func TestRecordingDriver(t *testing.T) {
	r := &RecordingDriver{}
	require.NoError(t, r.Send(context.Background(), navigation.StopCommand))
	assert.True(t, r.Connected())

	r.Err = errors.New("boom")
	assert.Error(t, r.Send(context.Background(), navigation.Command{Kind: navigation.Forward, Speed: 10}))
	assert.False(t, r.Connected())
	assert.Len(t, r.Commands(), 2)
}

func TestDisabledDriver(t *testing.T) {
	var d Driver = DisabledDriver{}
	assert.NoError(t, d.Send(context.Background(), navigation.StopCommand))
	assert.False(t, d.Connected())
	assert.NoError(t, d.Close())
}
