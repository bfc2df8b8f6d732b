// Package history keeps a JSONL log of volume changes.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmylchreest/volwatch/internal/volume"
)

// SchemaVersion is the current log schema version.
const SchemaVersion = 1

// ErrLogClosed is returned when operations are attempted on a closed log.
var ErrLogClosed = errors.New("history log is closed")

// schemaHeader is the first line of the JSONL file.
type schemaHeader struct {
	VolwatchSchemaVersion int   `json:"volwatch_schema_version"`
	CreatedAt             int64 `json:"created_at"`
}

// Log is an append-only JSONL file of volume events.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	closed bool
}

// Open opens or creates the log at path.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}

	l := &Log{path: path, file: file}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := l.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	}

	return l, nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

func (l *Log) writeHeader() error {
	data, err := json.Marshal(schemaHeader{
		VolwatchSchemaVersion: SchemaVersion,
		CreatedAt:             time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	_, err = l.file.Write(append(data, '\n'))
	return err
}

// Append writes one event.
func (l *Log) Append(ev volume.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if err := l.reopenIfReplaced(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", l.path, err)
	}
	return l.file.Sync()
}

// Load reads all events, oldest first. Malformed lines are skipped.
func (l *Log) Load() ([]volume.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLogClosed
	}
	if err := l.reopenIfReplaced(); err != nil {
		return nil, err
	}

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", l.path, err)
	}
	events, err := readEvents(l.file)

	// Seek back to end for appending
	if _, serr := l.file.Seek(0, io.SeekEnd); serr != nil && err == nil {
		err = serr
	}
	return events, err
}

// reopenIfReplaced switches to the file now at l.path when another Log
// (a prune from a second process) has replaced it. Caller holds l.mu.
func (l *Log) reopenIfReplaced() error {
	onDisk, err := os.Stat(l.path)
	if err != nil {
		// Mid-rewrite the path is briefly missing; keep the current handle.
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", l.path, err)
	}
	current, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("stat open history file: %w", err)
	}
	if os.SameFile(onDisk, current) {
		return nil
	}

	file, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen %s: %w", l.path, err)
	}
	_ = l.file.Close()
	l.file = file

	if onDisk.Size() == 0 {
		return l.writeHeader()
	}
	return nil
}

func readEvents(r io.Reader) ([]volume.Event, error) {
	var events []volume.Event
	scanner := bufio.NewScanner(r)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if lineNum == 1 {
			var header schemaHeader
			if err := json.Unmarshal(line, &header); err == nil && header.VolwatchSchemaVersion > 0 {
				if header.VolwatchSchemaVersion > SchemaVersion {
					return nil, fmt.Errorf("unsupported schema version %d (max: %d)",
						header.VolwatchSchemaVersion, SchemaVersion)
				}
				continue
			}
		}

		var ev volume.Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.ID == "" {
			continue
		}
		events = append(events, ev)
	}

	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("error reading history: %w", err)
	}
	return events, nil
}

// Prune keeps only the newest keep events. keep <= 0 keeps everything.
// Returns the number of removed events.
func (l *Log) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	events, err := l.Load()
	if err != nil {
		return 0, err
	}
	if len(events) <= keep {
		return 0, nil
	}

	removed := len(events) - keep
	return removed, l.rewrite(events[removed:])
}

// rewrite replaces the file contents, keeping a backup until done.
func (l *Log) rewrite(events []volume.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	if err := l.file.Close(); err != nil {
		return err
	}

	backupPath := l.path + ".bak"
	if err := os.Rename(l.path, backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to create backup: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0600)
	if err != nil {
		os.Rename(backupPath, l.path)
		return fmt.Errorf("failed to create new file: %w", err)
	}
	l.file = file

	if err := l.writeHeader(); err != nil {
		return err
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := l.file.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	if err := l.file.Sync(); err != nil {
		return err
	}

	os.Remove(backupPath)
	return nil
}

// Close releases the file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// Recorder is a volume observer that appends every event to a Log.
type Recorder struct {
	log    *Log
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to log.
func NewRecorder(log *Log, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{log: log, logger: logger}
}

// OnVolumeChanged implements volume.Observer.
func (r *Recorder) OnVolumeChanged(ev volume.Event) {
	if err := r.log.Append(ev); err != nil {
		r.logger.Warn("failed to record volume change", "id", ev.ID, "error", err)
	}
}
