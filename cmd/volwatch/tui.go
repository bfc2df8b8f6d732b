package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/volwatch/internal/tui"
	"github.com/jmylchreest/volwatch/internal/volume"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Show a live volume meter",
	Long: `Launch a terminal volume meter that follows the output volume.

Keybindings:
  c             Clear recent changes
  ?             Toggle help
  q, ctrl+c     Quit`,
	RunE: runTUI,
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}

func runTUI(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	return tui.Run(ctx, tui.RunOptions{
		Registry: volume.Default(),
		Source:   cfg.Source.Backend,
	})
}
