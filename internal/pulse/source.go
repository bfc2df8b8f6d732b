package pulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/jmylchreest/volwatch/internal/volume"
)

// VolumeNorm is PA_VOLUME_NORM, the channel volume that represents 100%.
const VolumeNorm = 0x10000

// readTimeout bounds property reads made while handling a signal.
const readTimeout = 2 * time.Second

var (
	// ErrNoFallbackSink is returned when the server has no default output.
	ErrNoFallbackSink = errors.New("pulseaudio has no fallback sink")
	// ErrConnectionLost is passed to the lost callback when the server
	// closes the connection.
	ErrConnectionLost = errors.New("pulseaudio connection lost")
)

// Source reports the volume of the PulseAudio fallback sink.
type Source struct {
	mu      sync.Mutex
	logger  *slog.Logger
	address string
	dial    dialFunc

	conn    coreConn
	sink    dbus.ObjectPath
	state   volume.State
	handler func(volume.Event)
	lost    func(error)

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewSource creates a PulseAudio source. An empty address is resolved
// when the source starts.
func NewSource(address string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		logger:  logger,
		address: address,
		dial:    dial,
	}
}

// Name implements volume.Source.
func (s *Source) Name() string {
	return "pulse"
}

// Start connects to the server, reads the fallback sink and begins
// forwarding its volume signals to handler. If the server drops the
// connection the source stops itself and calls lost.
func (s *Source) Start(handler func(volume.Event), lost func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("pulse source already running")
	}

	conn, err := s.dial(s.address)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	sink, state, err := readFallback(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	for _, sig := range watchedSignals() {
		if err := conn.Listen(sig); err != nil {
			conn.Close()
			return err
		}
	}

	sigCh := make(chan *dbus.Signal, 32)
	conn.Signals(sigCh)

	s.conn = conn
	s.sink = sink
	s.state = state
	s.handler = handler
	s.lost = lost
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	go s.signalLoop(sigCh, s.stopCh, s.doneCh)

	s.logger.Info("pulse source started", "sink", sink, "device", state.Device, "volume", state.Volume)
	return nil
}

// Stop closes the connection and waits for the signal loop to exit.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	conn, doneCh := s.conn, s.doneCh
	s.conn = nil
	s.mu.Unlock()

	err := conn.Close()
	<-doneCh

	s.logger.Debug("pulse source stopped")
	if err != nil {
		return fmt.Errorf("failed to close pulseaudio connection: %w", err)
	}
	return nil
}

// Current reads the fallback sink state. When the source is not running a
// short-lived connection is used.
func (s *Source) Current(ctx context.Context) (volume.State, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		c, err := s.dial(s.address)
		if err != nil {
			return volume.State{}, err
		}
		defer c.Close()
		conn = c
	}

	_, state, err := readFallback(ctx, conn)
	return state, err
}

// signalLoop forwards signals until stopped or the connection drops.
func (s *Source) signalLoop(sigCh <-chan *dbus.Signal, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		case sig, ok := <-sigCh:
			if !ok {
				s.connectionLost(stopCh)
				return
			}
			select {
			case <-stopCh:
				return
			default:
			}
			s.handleSignal(sig)
		}
	}
}

// connectionLost stops the source after the server closed the connection
// and reports it, unless Stop is already in progress.
func (s *Source) connectionLost(stopCh chan struct{}) {
	s.mu.Lock()
	select {
	case <-stopCh:
		s.mu.Unlock()
		return
	default:
	}
	s.running = false
	conn, lost := s.conn, s.lost
	s.conn = nil
	s.mu.Unlock()

	s.logger.Warn("pulseaudio connection closed")
	if conn != nil {
		_ = conn.Close()
	}
	if lost != nil {
		lost(ErrConnectionLost)
	}
}

// handleSignal updates the tracked state and emits an event when the
// signal concerns the fallback sink.
func (s *Source) handleSignal(sig *dbus.Signal) {
	s.mu.Lock()
	conn, sink, state, handler := s.conn, s.sink, s.state, s.handler
	s.mu.Unlock()

	if conn == nil {
		return
	}

	var reason volume.Reason
	switch sig.Name {
	case SignalVolumeUpdated:
		if sig.Path != sink || len(sig.Body) < 1 {
			return
		}
		channels, ok := sig.Body[0].([]uint32)
		if !ok {
			s.logger.Warn("invalid VolumeUpdated body", "body", sig.Body)
			return
		}
		state.Volume = NormalizeVolume(channels)
		reason = volume.ReasonExplicit

	case SignalMuteUpdated:
		if sig.Path != sink || len(sig.Body) < 1 {
			return
		}
		muted, ok := sig.Body[0].(bool)
		if !ok {
			s.logger.Warn("invalid MuteUpdated body", "body", sig.Body)
			return
		}
		state.Muted = muted
		reason = volume.ReasonMute

	case SignalFallbackSinkUpdated:
		if len(sig.Body) < 1 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			s.logger.Warn("invalid FallbackSinkUpdated body", "body", sig.Body)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
		devState, err := readDevice(ctx, conn, path)
		cancel()
		if err != nil {
			s.logger.Warn("failed to read new fallback sink", "sink", path, "error", err)
			return
		}
		sink, state = path, devState
		reason = volume.ReasonDevice

	case SignalFallbackSinkUnset:
		// No output device: report silence until a new sink is set.
		s.logger.Info("pulseaudio fallback sink unset")
		sink, state = "", volume.State{}
		reason = volume.ReasonDevice

	default:
		return
	}

	s.mu.Lock()
	s.sink, s.state = sink, state
	s.mu.Unlock()

	s.logger.Debug("pulseaudio volume signal", "signal", sig.Name, "sink", sink, "volume", state.Volume, "muted", state.Muted)
	if handler != nil {
		handler(volume.NewEvent(state, reason))
	}
}

// readFallback resolves the fallback sink and reads its state.
func readFallback(ctx context.Context, conn coreConn) (dbus.ObjectPath, volume.State, error) {
	v, err := conn.Property(ctx, CorePath, CoreInterface, "FallbackSink")
	if err != nil {
		return "", volume.State{}, fmt.Errorf("%w: %w", ErrNoFallbackSink, err)
	}
	sink, ok := v.Value().(dbus.ObjectPath)
	if !ok || sink == "" {
		return "", volume.State{}, ErrNoFallbackSink
	}

	state, err := readDevice(ctx, conn, sink)
	if err != nil {
		return "", volume.State{}, err
	}
	return sink, state, nil
}

// readDevice reads volume, mute and name of a sink.
func readDevice(ctx context.Context, conn coreConn, path dbus.ObjectPath) (volume.State, error) {
	state := volume.State{Device: string(path)}

	v, err := conn.Property(ctx, path, DeviceInterface, "Volume")
	if err != nil {
		return volume.State{}, err
	}
	channels, ok := v.Value().([]uint32)
	if !ok {
		return volume.State{}, fmt.Errorf("unexpected volume type %s on %s", v.Signature(), path)
	}
	state.Volume = NormalizeVolume(channels)

	v, err = conn.Property(ctx, path, DeviceInterface, "Mute")
	if err != nil {
		return volume.State{}, err
	}
	if muted, ok := v.Value().(bool); ok {
		state.Muted = muted
	}

	// Name is cosmetic; keep the object path if it can't be read.
	if v, err := conn.Property(ctx, path, DeviceInterface, "Name"); err == nil {
		if name, ok := v.Value().(string); ok && name != "" {
			state.Device = name
		}
	}

	return state, nil
}

// NormalizeVolume averages per-channel volumes and maps them to [0, 1].
// Volumes above 100% are clamped.
func NormalizeVolume(channels []uint32) float64 {
	if len(channels) == 0 {
		return 0
	}
	var sum uint64
	for _, c := range channels {
		sum += uint64(c)
	}
	avg := float64(sum) / float64(len(channels))
	return volume.Clamp(avg / VolumeNorm)
}
