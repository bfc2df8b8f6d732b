package volume

import (
	"crypto/rand"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// Reason describes why the output volume changed.
type Reason string

const (
	// ReasonExplicit is a change of the volume level itself.
	ReasonExplicit Reason = "explicit"
	// ReasonMute is a mute or unmute of the output.
	ReasonMute Reason = "mute"
	// ReasonDevice is a switch of the default output device.
	ReasonDevice Reason = "device"
	// ReasonInitial is the first reading after a source attaches.
	ReasonInitial Reason = "initial"
)

// ValidReasons returns all known reasons.
func ValidReasons() []Reason {
	return []Reason{ReasonExplicit, ReasonMute, ReasonDevice, ReasonInitial}
}

// ParseReason returns the reason named s.
func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if !slices.Contains(ValidReasons(), r) {
		return "", fmt.Errorf("invalid reason %q, must be one of: %v", s, ValidReasons())
	}
	return r, nil
}

// State is a snapshot of the output volume as reported by a Source.
type State struct {
	Volume float64 `json:"volume" yaml:"volume"` // 0.0-1.0
	Muted  bool    `json:"muted" yaml:"muted"`
	Device string  `json:"device,omitempty" yaml:"device,omitempty"`
}

// Equal reports whether two states describe the same output level.
func (s State) Equal(o State) bool {
	return s.Volume == o.Volume && s.Muted == o.Muted && s.Device == o.Device
}

// Percent returns the volume as a rounded percentage (0-100).
func (s State) Percent() int {
	return int(math.Round(s.Volume * 100))
}

// Event is delivered to observers when the output volume changes.
// All observers receive the same ID for a single underlying change.
type Event struct {
	ID     string    `json:"id" yaml:"id"`
	Volume float64   `json:"volume" yaml:"volume"`
	Muted  bool      `json:"muted" yaml:"muted"`
	Reason Reason    `json:"reason" yaml:"reason"`
	Device string    `json:"device,omitempty" yaml:"device,omitempty"`
	Time   time.Time `json:"time" yaml:"time"`
}

// NewEvent creates an event for the given state with a fresh ID.
func NewEvent(state State, reason Reason) Event {
	return Event{
		ID:     NewEventID(),
		Volume: Clamp(state.Volume),
		Muted:  state.Muted,
		Reason: reason,
		Device: state.Device,
		Time:   time.Now(),
	}
}

// State returns the volume state carried by the event.
func (e Event) State() State {
	return State{Volume: e.Volume, Muted: e.Muted, Device: e.Device}
}

// Percent returns the volume as a rounded percentage (0-100).
func (e Event) Percent() int {
	return e.State().Percent()
}

// String returns a short human readable form of the event.
func (e Event) String() string {
	s := fmt.Sprintf("%d%% (%s)", e.Percent(), e.Reason)
	if e.Muted {
		s += " muted"
	}
	return s
}

// NewEventID returns a new ULID string.
func NewEventID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Clamp limits v to the range [0.0, 1.0]. NaN becomes 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
