package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/volwatch/internal/output"
	"github.com/jmylchreest/volwatch/internal/volume"
)

var getOpts struct {
	format   string
	template string
	timeout  time.Duration
}

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current output volume",
	Long: `Print the current output volume once and exit.

Examples:
  # Current level
  volwatch get

  # Just the percentage, for a status bar
  volwatch get --template '{{.Percent}}'

  # As JSON
  volwatch get --format json`,
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)

	getCmd.Flags().StringVarP(&getOpts.format, "format", "f", "",
		"Output format (plain, json, yaml; default from config)")
	getCmd.Flags().StringVar(&getOpts.template, "template", "",
		"Go text/template for plain output")
	getCmd.Flags().DurationVar(&getOpts.timeout, "timeout", 5*time.Second,
		"Timeout for querying the source")
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), getOpts.timeout)
	defer cancel()

	state, err := volume.Default().Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to read volume: %w", err)
	}

	opts := output.DefaultFormatterOptions()
	opts.Template = getOpts.template
	formatter, err := output.NewFormatter(output.FormatType(formatType(getOpts.format)), opts)
	if err != nil {
		return err
	}

	return formatter.Format(os.Stdout, []volume.Event{volume.NewEvent(state, volume.ReasonInitial)})
}
