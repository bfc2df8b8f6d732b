// Package volfile provides a volume source backed by a plain text file.
// Anything that can write a file (a mixer hook, a script, a test) can
// drive observers this way.
package volfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/jmylchreest/volwatch/internal/volume"
)

var (
	// ErrInvalidFormat is returned for unparsable volume files.
	ErrInvalidFormat = errors.New("invalid volume file")
	// ErrWatchLost is passed to the lost callback when the watched
	// directory disappears.
	ErrWatchLost = errors.New("volume file directory removed")
)

// Source watches a file holding the output volume.
//
// The file contains one line: a level in [0, 1] or a percentage such as
// "65%", optionally followed by "muted". A re-read that yields the same
// state as the previous one is not reported, since editors and shell
// redirects often produce several writes for one change.
type Source struct {
	mu      sync.Mutex
	logger  *slog.Logger
	path    string
	watcher *fsnotify.Watcher
	handler func(volume.Event)
	lost    func(error)
	last    volume.State
	hasLast bool

	done    chan struct{}
	stopped chan struct{}
	running bool
}

// NewSource creates a source for the file at path.
func NewSource(path string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		logger: logger,
		path:   path,
	}
}

// Name implements volume.Source.
func (s *Source) Name() string {
	return "file"
}

// Path returns the watched file path.
func (s *Source) Path() string {
	return s.path
}

// Start begins watching the file. The file itself may not exist yet;
// its directory must. If the directory is removed the source stops itself
// and calls lost.
func (s *Source) Start(handler func(volume.Event), lost func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("file source already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory containing the file (more reliable for writes)
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	if state, err := ReadFile(s.path); err == nil {
		s.last, s.hasLast = state, true
	} else {
		s.hasLast = false
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to read volume file", "path", s.path, "error", err)
		}
	}

	s.watcher = watcher
	s.handler = handler
	s.lost = lost
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	s.running = true

	go s.watch(watcher, s.done, s.stopped)

	s.logger.Debug("file source started", "path", s.path)
	return nil
}

// Stop stops watching and waits for the watch loop to exit.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	watcher, stopped := s.watcher, s.stopped
	s.mu.Unlock()

	err := watcher.Close()
	<-stopped
	s.logger.Debug("file source stopped", "path", s.path)
	return err
}

// Current reads the file.
func (s *Source) Current(ctx context.Context) (volume.State, error) {
	return ReadFile(s.path)
}

// watch is the main watch loop.
func (s *Source) watch(watcher *fsnotify.Watcher, done, stopped chan struct{}) {
	defer close(stopped)
	dir := filepath.Dir(s.path)
	filename := filepath.Base(s.path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) == dir && event.Has(fsnotify.Remove|fsnotify.Rename) {
				s.watchLost(watcher, done)
				return
			}

			// Only care about our file
			if filepath.Base(event.Name) != filename {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.reload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("volume file watcher error", "error", err)

		case <-done:
			return
		}
	}
}

// watchLost stops the source after its directory went away and reports
// it, unless Stop is already in progress.
func (s *Source) watchLost(watcher *fsnotify.Watcher, done chan struct{}) {
	s.mu.Lock()
	select {
	case <-done:
		s.mu.Unlock()
		return
	default:
	}
	s.running = false
	lost := s.lost
	s.mu.Unlock()

	s.logger.Warn("volume file directory removed", "path", s.path)
	_ = watcher.Close()
	if lost != nil {
		lost(fmt.Errorf("%w: %s", ErrWatchLost, filepath.Dir(s.path)))
	}
}

// reload re-reads the file and emits an event if the state changed.
func (s *Source) reload() {
	state, err := ReadFile(s.path)
	if err != nil {
		// Truncate-then-write leaves the file briefly empty.
		if !errors.Is(err, errEmpty) {
			s.logger.Warn("failed to read volume file", "path", s.path, "error", err)
		}
		return
	}

	s.mu.Lock()
	if !s.running || (s.hasLast && state.Equal(s.last)) {
		s.mu.Unlock()
		return
	}
	reason := volume.ReasonExplicit
	if s.hasLast && state.Muted != s.last.Muted {
		reason = volume.ReasonMute
	}
	s.last, s.hasLast = state, true
	handler := s.handler
	s.mu.Unlock()

	s.logger.Debug("volume file changed", "path", s.path, "volume", state.Volume, "muted", state.Muted)
	if handler != nil {
		handler(volume.NewEvent(state, reason))
	}
}

var errEmpty = fmt.Errorf("%w: empty", ErrInvalidFormat)

// ReadFile parses the volume file at path.
func ReadFile(path string) (volume.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return volume.State{}, err
	}
	state, err := Parse(string(data))
	if err != nil {
		return volume.State{}, err
	}
	state.Device = path
	return state, nil
}

// Parse parses volume file contents such as "0.5", "65%" or "40% muted".
func Parse(s string) (volume.State, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return volume.State{}, errEmpty
	}

	var state volume.State
	level := fields[0]
	if pct, ok := strings.CutSuffix(level, "%"); ok {
		v, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return volume.State{}, fmt.Errorf("%w: %q", ErrInvalidFormat, level)
		}
		state.Volume = v / 100
	} else {
		v, err := strconv.ParseFloat(level, 64)
		if err != nil {
			return volume.State{}, fmt.Errorf("%w: %q", ErrInvalidFormat, level)
		}
		state.Volume = v
	}
	state.Volume = volume.Clamp(state.Volume)

	for _, f := range fields[1:] {
		switch strings.ToLower(f) {
		case "muted", "mute", "off":
			state.Muted = true
		case "unmuted", "on":
			state.Muted = false
		default:
			return volume.State{}, fmt.Errorf("%w: unknown token %q", ErrInvalidFormat, f)
		}
	}
	return state, nil
}

// WriteFile writes state in the format Parse reads.
func WriteFile(path string, state volume.State) error {
	line := strconv.FormatFloat(volume.Clamp(state.Volume), 'f', -1, 64)
	if state.Muted {
		line += " muted"
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(line+"\n"), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
