package volume

import "context"

// Source is the host mechanism that reports output volume changes.
// A Source is shared by every observer of a Registry.
type Source interface {
	// Start attaches the platform watch. handler is called from a
	// source-owned goroutine, once per reported change, in order. lost is
	// called at most once if the watch ends without Stop (the audio server
	// went away); the source is then stopped and may be started again.
	Start(handler func(Event), lost func(error)) error

	// Stop detaches the watch. No handler or lost call starts after Stop
	// returns.
	Stop() error

	// Current reads the output volume without waiting for a change.
	Current(ctx context.Context) (State, error)

	// Name identifies the source in logs.
	Name() string
}
