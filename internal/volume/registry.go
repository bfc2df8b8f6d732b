package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
	"weak"
)

var (
	// ErrAttach is reported when the source refuses to start watching or
	// loses an active watch.
	ErrAttach = errors.New("failed to attach volume source")
	// ErrStaleObserver is reported when a dispatch finds a collected observer.
	ErrStaleObserver = errors.New("observer collected without unregistering")
	// ErrCallbackPanic is reported when an observer callback panics.
	ErrCallbackPanic = errors.New("volume callback panicked")
	// ErrRegistryClosed is reported when registering on a closed registry.
	ErrRegistryClosed = errors.New("registry is closed")
	// ErrZeroSizeObserver is reported when registering a pointer to a
	// zero-size value. Such pointers may share one address.
	ErrZeroSizeObserver = errors.New("observer has zero size")
	// ErrNoSource is returned by Current when the registry has no source.
	ErrNoSource = errors.New("no volume source configured")
)

// Retry intervals for re-attaching a source after a failed or lost watch.
const (
	DefaultRetryInterval = time.Second
	maxRetryInterval     = 30 * time.Second
)

// Observer is implemented by types that want volume changes delivered
// to a method rather than a callback.
type Observer interface {
	OnVolumeChanged(Event)
}

// ErrorHandler receives failures that the registry never returns to callers.
type ErrorHandler func(err error)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithErrorHandler sets the handler for attach failures, lost watches,
// stale observers and callback panics. It is called in addition to logging,
// from whichever goroutine hit the failure.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(r *Registry) {
		r.onError = handler
	}
}

// WithRetryInterval sets the first delay before re-attaching a source whose
// watch failed or was lost. Later attempts back off up to 30s.
func WithRetryInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retryInterval = d
		}
	}
}

// registration links one observer to its callback.
type registration struct {
	key     any // weak.Pointer[T] of the observer
	deliver func(Event) bool
	removed atomic.Bool
	cleanup runtime.Cleanup
}

// Registry dispatches output volume changes to registered observers.
// It is safe for concurrent use. Register and Unregister never block on the
// source beyond the first attach, and callbacks run without registry locks
// held so they may register or unregister themselves.
type Registry struct {
	mu      sync.RWMutex
	regs    map[any]*registration
	order   []*registration
	last    Event
	hasLast bool
	closed  bool

	// lifeMu serialises source Start/Stop so dispatch never waits on attach.
	lifeMu        sync.Mutex
	source        Source
	attached      bool
	retry         *time.Timer
	retryInterval time.Duration
	retryDelay    time.Duration

	logger  *slog.Logger
	onError ErrorHandler
}

// NewRegistry creates a registry fed by source. A nil source is allowed;
// events can then only be delivered through Dispatch.
func NewRegistry(source Source, opts ...Option) *Registry {
	r := &Registry{
		regs:          make(map[any]*registration),
		source:        source,
		logger:        slog.Default(),
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register arranges for callback to be called with observer on every
// output volume change. The registry keeps only a weak reference to
// observer; callback must not capture observer or it will never be
// collected. Registering the same observer again replaces its callback,
// so one change is never delivered twice to the same observer.
//
// Observers must have a non-zero size: distinct pointers to zero-size
// values may be equal, so such registrations are refused and reported
// with ErrZeroSizeObserver.
func Register[T any](r *Registry, observer *T, callback func(*T, Event)) {
	if r == nil {
		return
	}
	if observer == nil || callback == nil {
		r.logger.Warn("ignoring volume registration with nil observer or callback")
		return
	}
	if unsafe.Sizeof(*observer) == 0 {
		r.report(fmt.Errorf("%w: %T", ErrZeroSizeObserver, observer), slog.LevelWarn)
		return
	}

	wp := weak.Make(observer)
	reg := &registration{
		key: wp,
		deliver: func(ev Event) bool {
			o := wp.Value()
			if o == nil {
				return false
			}
			callback(o, ev)
			return true
		},
	}
	reg.cleanup = runtime.AddCleanup(observer, r.collect, any(wp))

	if !r.add(reg) {
		reg.cleanup.Stop()
		return
	}
	r.attach()
}

// RegisterObserver registers an Observer implementation.
func RegisterObserver[T any, P interface {
	*T
	Observer
}](r *Registry, observer P) {
	Register(r, (*T)(observer), func(o *T, ev Event) {
		P(o).OnVolumeChanged(ev)
	})
}

// Unregister removes every watch held for observer. It is a no-op for
// observers that were never registered and safe to call repeatedly.
// Once it returns, dispatches that have not reached observer yet skip it.
func Unregister[T any](r *Registry, observer *T) {
	if r == nil || observer == nil {
		return
	}
	r.removeKey(weak.Make(observer))
}

// Dispatch delivers ev to every live observer exactly once, in
// registration order. Sources use it as their change handler. Missing
// IDs and timestamps are filled in; the volume is clamped to [0, 1].
func (r *Registry) Dispatch(ev Event) {
	if ev.ID == "" {
		ev.ID = NewEventID()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Reason == "" {
		ev.Reason = ReasonExplicit
	}
	ev.Volume = Clamp(ev.Volume)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.last, r.hasLast = ev, true
	regs := slices.Clone(r.order)
	r.mu.Unlock()

	r.logger.Debug("dispatching volume change",
		"id", ev.ID, "volume", ev.Volume, "muted", ev.Muted,
		"reason", ev.Reason, "observers", len(regs))

	for _, reg := range regs {
		if reg.removed.Load() {
			continue
		}
		if !r.deliver(reg, ev) {
			r.report(fmt.Errorf("%w: dropped before event %s", ErrStaleObserver, ev.ID), slog.LevelDebug)
			r.removeReg(reg)
		}
	}
}

// deliver invokes one callback, recovering panics so the remaining
// observers still see the event.
func (r *Registry) deliver(reg *registration, ev Event) (alive bool) {
	defer func() {
		if p := recover(); p != nil {
			alive = true
			r.report(fmt.Errorf("%w: %v", ErrCallbackPanic, p), slog.LevelError)
		}
	}()
	return reg.deliver(ev)
}

// Len returns the number of registered observers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// Attached reports whether the source watch is active.
func (r *Registry) Attached() bool {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	return r.attached
}

// Last returns the most recently dispatched event.
func (r *Registry) Last() (Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.hasLast
}

// Current reads the output volume directly from the source.
func (r *Registry) Current(ctx context.Context) (State, error) {
	if r.source == nil {
		return State{}, ErrNoSource
	}
	state, err := r.source.Current(ctx)
	if err != nil {
		return State{}, fmt.Errorf("failed to read volume from %s: %w", r.source.Name(), err)
	}
	state.Volume = Clamp(state.Volume)
	return state, nil
}

// Close detaches the source and drops all registrations. It must not be
// called from inside a callback.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	regs := r.order
	r.regs = make(map[any]*registration)
	r.order = nil
	r.mu.Unlock()

	for _, reg := range regs {
		reg.removed.Store(true)
		reg.cleanup.Stop()
	}

	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	if !r.attached {
		return nil
	}
	r.attached = false
	if err := r.source.Stop(); err != nil {
		return fmt.Errorf("failed to detach %s: %w", r.source.Name(), err)
	}
	r.logger.Info("volume source detached", "source", r.source.Name())
	return nil
}

// add stores reg, replacing any registration for the same observer.
func (r *Registry) add(reg *registration) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.report(ErrRegistryClosed, slog.LevelWarn)
		return false
	}
	old := r.regs[reg.key]
	if old != nil {
		r.unlink(old)
	}
	r.regs[reg.key] = reg
	r.order = append(r.order, reg)
	count := len(r.regs)
	r.mu.Unlock()

	if old != nil {
		old.cleanup.Stop()
		r.logger.Debug("replaced volume observer callback", "observers", count)
	} else {
		r.logger.Debug("registered volume observer", "observers", count)
	}
	return true
}

// attach starts the source on first use. A failure is reported and retried
// on the next registration, or after a backoff while observers remain.
func (r *Registry) attach() {
	r.lifeMu.Lock()
	if r.attached || r.source == nil || !r.wanted() {
		r.lifeMu.Unlock()
		return
	}
	err := r.source.Start(r.Dispatch, r.lost)
	if err == nil {
		r.attached = true
		r.retryDelay = 0
	}
	r.lifeMu.Unlock()

	if err != nil {
		r.report(fmt.Errorf("%w %s: %w", ErrAttach, r.source.Name(), err), slog.LevelWarn)
		r.scheduleRetry()
		return
	}
	r.logger.Info("volume source attached", "source", r.source.Name())
}

// lost is called by the source when an active watch ends without Stop.
func (r *Registry) lost(err error) {
	r.lifeMu.Lock()
	if !r.attached {
		r.lifeMu.Unlock()
		return
	}
	r.attached = false
	r.lifeMu.Unlock()

	r.report(fmt.Errorf("%w %s: watch lost: %w", ErrAttach, r.source.Name(), err), slog.LevelWarn)
	r.scheduleRetry()
}

// scheduleRetry arms a single re-attach timer, doubling the delay after
// each consecutive failure.
func (r *Registry) scheduleRetry() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.attached || r.retry != nil || !r.wanted() {
		return
	}
	delay := r.retryDelay
	if delay == 0 {
		delay = r.retryInterval
	}
	r.retryDelay = min(delay*2, maxRetryInterval)

	r.logger.Debug("scheduling volume source re-attach", "source", r.source.Name(), "delay", delay)
	r.retry = time.AfterFunc(delay, func() {
		r.lifeMu.Lock()
		r.retry = nil
		r.lifeMu.Unlock()
		r.attach()
	})
}

// wanted reports whether the registry is open and has observers.
func (r *Registry) wanted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed && len(r.regs) > 0
}

// collect runs after an observer has been garbage collected.
func (r *Registry) collect(key any) {
	if r.removeKey(key) {
		r.logger.Debug("pruned collected volume observer")
	}
}

func (r *Registry) removeKey(key any) bool {
	r.mu.Lock()
	reg := r.regs[key]
	if reg != nil {
		r.unlink(reg)
	}
	r.mu.Unlock()

	if reg == nil {
		return false
	}
	reg.cleanup.Stop()
	return true
}

func (r *Registry) removeReg(reg *registration) {
	r.mu.Lock()
	if r.regs[reg.key] == reg {
		r.unlink(reg)
	}
	r.mu.Unlock()
	reg.cleanup.Stop()
}

// unlink removes reg from the index and order. Caller holds r.mu.
func (r *Registry) unlink(reg *registration) {
	reg.removed.Store(true)
	delete(r.regs, reg.key)
	r.order = slices.DeleteFunc(r.order, func(o *registration) bool { return o == reg })
}

func (r *Registry) report(err error, level slog.Level) {
	r.logger.Log(context.Background(), level, "volume registry", "error", err)

	if r.onError != nil {
		r.onError(err)
	}
}

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating one without a
// source on first use. Use SetDefault to install a configured registry.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry(nil)
	}
	return defaultRegistry
}

// SetDefault installs r as the process-wide registry and returns the
// previous one.
func SetDefault(r *Registry) *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultRegistry
	defaultRegistry = r
	return prev
}
