package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/volwatch/internal/history"
	"github.com/jmylchreest/volwatch/internal/output"
	"github.com/jmylchreest/volwatch/internal/volume"
)

var historyOpts struct {
	limit    int
	prune    int
	format   string
	reason   string
	absolute bool
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded volume changes",
	Long: `Show volume changes recorded by 'volwatch watch --record'.

Examples:
  # Last 20 changes
  volwatch history --limit 20

  # Keep only the 100 most recent entries
  volwatch history --prune 100

  # Only mute and unmute changes
  volwatch history --reason mute

  # Export everything as YAML
  volwatch history --limit 0 --format yaml`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyOpts.limit, "limit", "n", 10,
		"Show the N most recent changes (0=all)")
	historyCmd.Flags().IntVar(&historyOpts.prune, "prune", -1,
		"Keep only the N most recent changes and exit (0=history.keep)")
	historyCmd.Flags().StringVarP(&historyOpts.format, "format", "f", "",
		"Output format (plain, json, yaml; default from config)")
	historyCmd.Flags().StringVar(&historyOpts.reason, "reason", "",
		"Only show changes with this reason (explicit, mute, device, initial)")
	historyCmd.Flags().BoolVar(&historyOpts.absolute, "absolute", false,
		"Show timestamps instead of relative times")
}

func runHistory(cmd *cobra.Command, args []string) error {
	var reason volume.Reason
	if historyOpts.reason != "" {
		var err error
		if reason, err = volume.ParseReason(historyOpts.reason); err != nil {
			return err
		}
	}

	log, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer log.Close()

	if historyOpts.prune >= 0 {
		keep := historyOpts.prune
		if keep == 0 {
			keep = cfg.History.Keep
		}
		removed, err := log.Prune(keep)
		if err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
		fmt.Printf("Removed %d entries\n", removed)
		return nil
	}

	events, err := log.Load()
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if reason != "" {
		events = slices.DeleteFunc(events, func(ev volume.Event) bool { return ev.Reason != reason })
	}
	if len(events) == 0 {
		fmt.Println("No volume changes recorded")
		return nil
	}
	if historyOpts.limit > 0 && len(events) > historyOpts.limit {
		events = events[len(events)-historyOpts.limit:]
	}

	opts := output.DefaultFormatterOptions()
	opts.RelativeTime = !historyOpts.absolute
	formatter, err := output.NewFormatter(output.FormatType(formatType(historyOpts.format)), opts)
	if err != nil {
		return err
	}
	return formatter.Format(os.Stdout, events)
}
