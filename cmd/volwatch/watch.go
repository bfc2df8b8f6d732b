package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/volwatch/internal/config"
	"github.com/jmylchreest/volwatch/internal/feedback"
	"github.com/jmylchreest/volwatch/internal/history"
	"github.com/jmylchreest/volwatch/internal/output"
	"github.com/jmylchreest/volwatch/internal/volume"
)

var watchOpts struct {
	format   string
	template string
	showID   bool
	record   bool
	feedback bool
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print every output volume change",
	Long: `Watch the output volume and print one line per change until interrupted.

Every change is reported, including changes that leave the level where it
was (for example a volume key pressed at 100%).

Examples:
  # Follow volume changes
  volwatch watch

  # Stream JSON lines into another program
  volwatch watch --format json | jq .volume

  # Follow a file instead of PulseAudio
  volwatch watch --file /tmp/volume

  # Record changes to history and click on each change
  volwatch watch --record --feedback

  # Custom line format
  volwatch watch --template '{{.Percent}}%{{if .Muted}} (muted){{end}}'`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addWatchFlags(watchCmd)
	addWatchFlags(rootCmd)
}

func addWatchFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&watchOpts.format, "format", "f", "",
		"Output format (plain, json, yaml; default from config)")
	cmd.Flags().StringVar(&watchOpts.template, "template", "",
		"Go text/template for plain output")
	cmd.Flags().BoolVar(&watchOpts.showID, "show-id", false,
		"Include event IDs in plain output")
	cmd.Flags().BoolVar(&watchOpts.record, "record", false,
		"Append changes to the history log (also enabled by history.enabled)")
	cmd.Flags().BoolVar(&watchOpts.feedback, "feedback", false,
		"Play the feedback sound on changes (also enabled by feedback.enabled)")
}

// printer is the observer that writes events to stdout.
type printer struct {
	mu        sync.Mutex
	w         io.Writer
	formatter output.Formatter
}

func (p *printer) OnVolumeChanged(ev volume.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.formatter.Format(p.w, []volume.Event{ev}); err != nil {
		logger.Warn("failed to write volume event", "id", ev.ID, "error", err)
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	registry := volume.Default()

	opts := output.DefaultFormatterOptions()
	opts.Template = watchOpts.template
	opts.ShowID = watchOpts.showID
	formatter, err := output.NewFormatter(output.FormatType(formatType(watchOpts.format)), opts)
	if err != nil {
		return err
	}

	p := &printer{w: os.Stdout, formatter: formatter}
	volume.RegisterObserver(registry, p)
	defer volume.Unregister(registry, p)

	if watchOpts.record || cfg.History.Enabled {
		log, err := history.Open(cfg.HistoryPath())
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		defer log.Close()

		rec := history.NewRecorder(log, logger)
		volume.RegisterObserver(registry, rec)
		defer volume.Unregister(registry, rec)
	}

	if watchOpts.feedback || cfg.Feedback.Enabled {
		clicker, closePlayer, err := newClicker(cfg)
		if err != nil {
			return err
		}
		defer closePlayer()

		volume.RegisterObserver(registry, clicker)
		defer volume.Unregister(registry, clicker)
	}

	if !registry.Attached() {
		return fmt.Errorf("failed to attach to volume source")
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Debug("watching volume", "source", cfg.Source.Backend)
	<-ctx.Done()
	logger.Debug("received signal, shutting down")
	return nil
}

// newClicker loads the feedback sound and returns a clicker observer.
func newClicker(c *config.Config) (*feedback.Clicker, func(), error) {
	sound := c.FeedbackSound()
	if sound == "" {
		return nil, nil, fmt.Errorf("feedback needs a sound file (feedback.sound)")
	}

	player := feedback.NewPlayer(logger)
	if _, err := player.Load(sound); err != nil {
		return nil, nil, fmt.Errorf("failed to load feedback sound: %w", err)
	}

	clicker := feedback.NewClicker(player, sound, float64(c.Feedback.Volume)/100, c.Feedback.MinInterval.Duration(), logger)
	return clicker, player.Close, nil
}
