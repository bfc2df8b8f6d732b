package feedback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/volwatch/internal/volume"
)

// Clicker is a volume observer that plays a click for each change.
// Muted outputs stay silent and clicks closer together than the minimum
// interval are dropped.
type Clicker struct {
	mu          sync.Mutex
	logger      *slog.Logger
	player      *Player
	sound       string
	level       float64
	minInterval time.Duration
	last        time.Time
	now         func() time.Time
}

// NewClicker creates a clicker playing sound at level (0.0 to 1.0), scaled
// by the new output volume.
func NewClicker(player *Player, sound string, level float64, minInterval time.Duration, logger *slog.Logger) *Clicker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Clicker{
		logger:      logger,
		player:      player,
		sound:       sound,
		level:       volume.Clamp(level),
		minInterval: minInterval,
		now:         time.Now,
	}
}

// OnVolumeChanged implements volume.Observer.
func (c *Clicker) OnVolumeChanged(ev volume.Event) {
	if ev.Muted || ev.Reason == volume.ReasonInitial {
		return
	}

	c.mu.Lock()
	now := c.now()
	if !c.last.IsZero() && now.Sub(c.last) < c.minInterval {
		c.mu.Unlock()
		return
	}
	c.last = now
	c.mu.Unlock()

	if err := c.player.Play(c.sound, c.level*ev.Volume); err != nil {
		c.logger.Warn("failed to play feedback sound", "path", c.sound, "error", err)
	}
}
