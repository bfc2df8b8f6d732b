package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jmylchreest/volwatch/internal/volume"
)

const (
	speakers   = dbus.ObjectPath("/org/pulseaudio/core1/sink0")
	headphones = dbus.ObjectPath("/org/pulseaudio/core1/sink1")
)

// fakeConn serves properties from a map and lets tests inject signals.
type fakeConn struct {
	mu        sync.Mutex
	props     map[string]dbus.Variant // "path|iface.name"
	listening []string
	sigCh     chan<- *dbus.Signal
	closed    bool
	listenErr error
}

func newFakeConn() *fakeConn {
	c := &fakeConn{props: make(map[string]dbus.Variant)}
	c.set(CorePath, CoreInterface, "FallbackSink", speakers)
	c.setDevice(speakers, "alsa_output.speakers", []uint32{VolumeNorm / 2, VolumeNorm / 2}, false)
	c.setDevice(headphones, "bluez_output.headphones", []uint32{VolumeNorm}, true)
	return c
}

func (c *fakeConn) set(path dbus.ObjectPath, iface, name string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props[fmt.Sprintf("%s|%s.%s", path, iface, name)] = dbus.MakeVariant(v)
}

func (c *fakeConn) setDevice(path dbus.ObjectPath, name string, channels []uint32, muted bool) {
	c.set(path, DeviceInterface, "Name", name)
	c.set(path, DeviceInterface, "Volume", channels)
	c.set(path, DeviceInterface, "Mute", muted)
}

func (c *fakeConn) Property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.props[fmt.Sprintf("%s|%s.%s", path, iface, name)]
	if !ok {
		return dbus.Variant{}, fmt.Errorf("no property %s.%s on %s", iface, name, path)
	}
	return v, nil
}

func (c *fakeConn) Listen(signal string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listenErr != nil {
		return c.listenErr
	}
	c.listening = append(c.listening, signal)
	return nil
}

func (c *fakeConn) Signals(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sigCh = ch
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) emit(path dbus.ObjectPath, name string, body ...any) {
	c.mu.Lock()
	ch := c.sigCh
	c.mu.Unlock()
	ch <- &dbus.Signal{Path: path, Name: name, Body: body}
}

// drop closes the signal channel the way godbus does when the server
// goes away.
func (c *fakeConn) drop() {
	c.mu.Lock()
	ch := c.sigCh
	c.sigCh = nil
	c.mu.Unlock()
	close(ch)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// eventSink collects events delivered by the source.
type eventSink struct {
	ch chan volume.Event
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan volume.Event, 16)}
}

func (e *eventSink) handle(ev volume.Event) { e.ch <- ev }

func (e *eventSink) next(t *testing.T) volume.Event {
	t.Helper()
	select {
	case ev := <-e.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return volume.Event{}
	}
}

func (e *eventSink) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-e.ch:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestSource(conn *fakeConn, dialErr error) *Source {
	s := NewSource("unix:path=/tmp/test", nil)
	s.dial = func(string) (coreConn, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return conn, nil
	}
	return s
}

func TestSource_StartReadsFallbackSink(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newFakeConn()
	s := newTestSource(conn, nil)
	events := newEventSink()

	require.NoError(t, s.Start(events.handle, nil))
	defer s.Stop()

	assert.ElementsMatch(t, watchedSignals(), conn.listening)

	state, err := s.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, volume.State{Volume: 0.5, Device: "alsa_output.speakers"}, state)

	assert.Error(t, s.Start(events.handle, nil), "second start fails")
}

func TestSource_VolumeAndMuteSignals(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newFakeConn()
	s := newTestSource(conn, nil)
	events := newEventSink()
	require.NoError(t, s.Start(events.handle, nil))
	defer s.Stop()

	conn.emit(speakers, SignalVolumeUpdated, []uint32{VolumeNorm * 3 / 4, VolumeNorm * 3 / 4})
	ev := events.next(t)
	assert.Equal(t, 0.75, ev.Volume)
	assert.Equal(t, volume.ReasonExplicit, ev.Reason)
	assert.Equal(t, "alsa_output.speakers", ev.Device)
	assert.NotEmpty(t, ev.ID)

	conn.emit(speakers, SignalMuteUpdated, true)
	ev = events.next(t)
	assert.True(t, ev.Muted)
	assert.Equal(t, 0.75, ev.Volume)
	assert.Equal(t, volume.ReasonMute, ev.Reason)

	// Same value again is still reported.
	conn.emit(speakers, SignalVolumeUpdated, []uint32{VolumeNorm * 3 / 4, VolumeNorm * 3 / 4})
	ev = events.next(t)
	assert.Equal(t, 0.75, ev.Volume)
}

func TestSource_IgnoresOtherSinksAndMalformedSignals(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newFakeConn()
	s := newTestSource(conn, nil)
	events := newEventSink()
	require.NoError(t, s.Start(events.handle, nil))
	defer s.Stop()

	conn.emit(headphones, SignalVolumeUpdated, []uint32{VolumeNorm})
	conn.emit(speakers, SignalVolumeUpdated, "not a volume")
	conn.emit(speakers, SignalMuteUpdated)
	conn.emit(speakers, CoreInterface+".NewSink", headphones)
	events.none(t)
}

func TestSource_FallbackSinkChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newFakeConn()
	s := newTestSource(conn, nil)
	events := newEventSink()
	require.NoError(t, s.Start(events.handle, nil))
	defer s.Stop()

	conn.emit(CorePath, SignalFallbackSinkUpdated, headphones)
	ev := events.next(t)
	assert.Equal(t, volume.ReasonDevice, ev.Reason)
	assert.Equal(t, 1.0, ev.Volume)
	assert.True(t, ev.Muted)
	assert.Equal(t, "bluez_output.headphones", ev.Device)

	// Old sink is no longer tracked, the new one is.
	conn.emit(speakers, SignalVolumeUpdated, []uint32{0})
	events.none(t)
	conn.emit(headphones, SignalVolumeUpdated, []uint32{VolumeNorm / 4})
	ev = events.next(t)
	assert.Equal(t, 0.25, ev.Volume)

	// Losing the default output is reported as a silent device change.
	conn.emit(CorePath, SignalFallbackSinkUnset)
	ev = events.next(t)
	assert.Equal(t, volume.ReasonDevice, ev.Reason)
	assert.Empty(t, ev.Device)
	assert.Zero(t, ev.Volume)
	assert.False(t, ev.Muted)

	conn.emit(headphones, SignalVolumeUpdated, []uint32{VolumeNorm})
	events.none(t)
}

func TestSource_StopWaitsAndCloses(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newFakeConn()
	s := newTestSource(conn, nil)
	require.NoError(t, s.Start(func(volume.Event) {}, nil))

	require.NoError(t, s.Stop())
	assert.True(t, conn.isClosed())
	require.NoError(t, s.Stop(), "stop is idempotent")
}

func TestSource_ConnectionLost(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newFakeConn()
	s := newTestSource(conn, nil)
	lostCh := make(chan error, 1)
	require.NoError(t, s.Start(func(volume.Event) {}, func(err error) { lostCh <- err }))

	conn.drop()
	select {
	case err := <-lostCh:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}
	assert.True(t, conn.isClosed())

	// The source stopped itself and can start again.
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(func(volume.Event) {}, nil))
	require.NoError(t, s.Stop())
}

func TestSource_StopDoesNotReportLoss(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newFakeConn()
	s := newTestSource(conn, nil)
	var lost atomic.Bool
	require.NoError(t, s.Start(func(volume.Event) {}, func(error) { lost.Store(true) }))

	require.NoError(t, s.Stop())
	assert.False(t, lost.Load())
}

func TestSource_StartErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(c *fakeConn)
		dialErr error
		wantErr error
	}{
		{
			name:    "dial fails",
			dialErr: errors.New("connection refused"),
		},
		{
			name: "no fallback sink",
			setup: func(c *fakeConn) {
				c.mu.Lock()
				delete(c.props, fmt.Sprintf("%s|%s.FallbackSink", CorePath, CoreInterface))
				c.mu.Unlock()
			},
			wantErr: ErrNoFallbackSink,
		},
		{
			name: "listen fails",
			setup: func(c *fakeConn) {
				c.listenErr = errors.New("access denied")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn()
			if tt.setup != nil {
				tt.setup(conn)
			}
			s := newTestSource(conn, tt.dialErr)

			err := s.Start(func(volume.Event) {}, nil)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.dialErr == nil {
				assert.True(t, conn.isClosed(), "connection closed after failed start")
			}
		})
	}
}

func TestSource_CurrentWithoutStart(t *testing.T) {
	conn := newFakeConn()
	s := newTestSource(conn, nil)

	state, err := s.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, state.Volume)
	assert.True(t, conn.isClosed(), "temporary connection closed")
}

func TestSource_WithRegistry(t *testing.T) {
	conn := newFakeConn()
	r := volume.NewRegistry(newTestSource(conn, nil))

	type watcher struct {
		ch chan float64
	}
	w := &watcher{ch: make(chan float64, 4)}
	volume.Register(r, w, func(w *watcher, ev volume.Event) { w.ch <- ev.Volume })
	require.True(t, r.Attached())

	conn.emit(speakers, SignalVolumeUpdated, []uint32{VolumeNorm / 5})
	select {
	case v := <-w.ch:
		assert.InDelta(t, 0.2, v, 0.0001)
	case <-time.After(2 * time.Second):
		t.Fatal("no volume delivered")
	}

	require.NoError(t, r.Close())
}

func TestSource_WithRegistryReattachesAfterConnectionLoss(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	src := NewSource("unix:path=/tmp/test", nil)
	var dials atomic.Int32
	src.dial = func(string) (coreConn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}

	reported := make(chan error, 4)
	r := volume.NewRegistry(src,
		volume.WithErrorHandler(func(err error) { reported <- err }),
		volume.WithRetryInterval(10*time.Millisecond))
	defer r.Close()

	type watcher struct {
		ch chan float64
	}
	w := &watcher{ch: make(chan float64, 4)}
	volume.Register(r, w, func(w *watcher, ev volume.Event) { w.ch <- ev.Volume })
	require.True(t, r.Attached())

	first.drop()
	select {
	case err := <-reported:
		assert.ErrorIs(t, err, volume.ErrAttach)
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("lost watch not reported")
	}

	require.Eventually(t, r.Attached, 2*time.Second, 5*time.Millisecond)
	second.emit(speakers, SignalVolumeUpdated, []uint32{VolumeNorm / 4})
	select {
	case v := <-w.ch:
		assert.InDelta(t, 0.25, v, 0.0001)
	case <-time.After(2 * time.Second):
		t.Fatal("no volume delivered after re-attach")
	}
}

func TestNormalizeVolume(t *testing.T) {
	tests := []struct {
		name     string
		channels []uint32
		expected float64
	}{
		{"empty", nil, 0},
		{"silent", []uint32{0, 0}, 0},
		{"full", []uint32{VolumeNorm, VolumeNorm}, 1},
		{"half mono", []uint32{VolumeNorm / 2}, 0.5},
		{"unbalanced", []uint32{VolumeNorm, 0}, 0.5},
		{"overamplified", []uint32{VolumeNorm * 3 / 2}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, NormalizeVolume(tt.channels), 0.0001)
		})
	}
}

func TestLookupAddress_Env(t *testing.T) {
	t.Setenv(AddressEnv, "unix:path=/run/user/1000/pulse/dbus-socket")

	addr, err := LookupAddress()
	require.NoError(t, err)
	assert.Equal(t, "unix:path=/run/user/1000/pulse/dbus-socket", addr)
}
