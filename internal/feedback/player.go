package feedback

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

// Player decodes sound files once and plays them through the speaker.
type Player struct {
	mu     sync.Mutex
	logger *slog.Logger

	initialized bool
	sampleRate  beep.SampleRate

	// output hands a streamer to the audio device; replaced in tests.
	output func(format beep.Format, s beep.Streamer) error

	cache      map[string]*beep.Buffer
	cacheMutex sync.RWMutex
}

// NewPlayer creates a new player.
func NewPlayer(logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Player{
		logger: logger,
		cache:  make(map[string]*beep.Buffer),
	}
	p.output = p.speakerOutput
	return p
}

// Load decodes path into the cache. Loading a cached path is a no-op.
func (p *Player) Load(path string) (*beep.Buffer, error) {
	p.cacheMutex.RLock()
	buffer, ok := p.cache[path]
	p.cacheMutex.RUnlock()
	if ok {
		return buffer, nil
	}

	buffer, err := decodeFile(path)
	if err != nil {
		return nil, err
	}

	p.cacheMutex.Lock()
	p.cache[path] = buffer
	p.cacheMutex.Unlock()

	p.logger.Debug("loaded feedback sound", "path", path, "samples", buffer.Len())
	return buffer, nil
}

// Play plays path at level (0.0 to 1.0).
func (p *Player) Play(path string, level float64) error {
	if path == "" || level <= 0 {
		return nil
	}

	buffer, err := p.Load(path)
	if err != nil {
		return err
	}

	var streamer beep.Streamer = buffer.Streamer(0, buffer.Len())
	if level < 1 {
		streamer = &effects.Volume{
			Streamer: streamer,
			Base:     2,
			Volume:   math.Log2(level),
		}
	}
	return p.output(buffer.Format(), streamer)
}

// Close stops playback and clears the cache.
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		speaker.Close()
		p.initialized = false
	}

	p.cacheMutex.Lock()
	p.cache = make(map[string]*beep.Buffer)
	p.cacheMutex.Unlock()
	p.logger.Debug("feedback player closed")
}

// speakerOutput initializes the speaker on first use and plays s.
func (p *Player) speakerOutput(format beep.Format, s beep.Streamer) error {
	p.mu.Lock()
	if !p.initialized {
		// Use a reasonable buffer size for low latency
		if err := speaker.Init(format.SampleRate, format.SampleRate.N(50*time.Millisecond)); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("failed to initialize speaker: %w", err)
		}
		p.sampleRate = format.SampleRate
		p.initialized = true
		p.logger.Debug("speaker initialized", "sample_rate", format.SampleRate)
	}
	sampleRate := p.sampleRate
	p.mu.Unlock()

	if format.SampleRate != sampleRate {
		s = beep.Resample(4, format.SampleRate, sampleRate, s)
	}
	speaker.Play(s)
	return nil
}

// decodeFile reads a WAV, OGG or MP3 file into a buffer.
func decodeFile(path string) (*beep.Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sound file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var streamer beep.StreamSeekCloser
	var format beep.Format

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		streamer, format, err = wav.Decode(f)
	case ".ogg":
		streamer, format, err = vorbis.Decode(f)
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode sound: %w", err)
	}
	defer func() { _ = streamer.Close() }()

	buffer := beep.NewBuffer(format)
	buffer.Append(streamer)
	return buffer, nil
}
