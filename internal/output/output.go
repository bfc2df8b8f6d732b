// Package output provides output formatters for volume events.
package output

import (
	"fmt"
	"io"

	"github.com/jmylchreest/volwatch/internal/volume"
)

// Formatter formats volume events for output.
type Formatter interface {
	// Format writes formatted events to the writer.
	Format(w io.Writer, events []volume.Event) error
}

// FormatType represents an output format type.
type FormatType string

const (
	FormatPlain FormatType = "plain"
	FormatJSON  FormatType = "json"
	FormatYAML  FormatType = "yaml"
)

// FormatterOptions configures formatter behavior.
type FormatterOptions struct {
	Template     string // Custom text/template for plain format
	RelativeTime bool   // Show "2 minutes ago" instead of timestamps (plain)
	ShowID       bool   // Include the event ID (plain)
	Stream       bool   // One JSON object per line instead of an array
}

// DefaultFormatterOptions returns defaults for streaming output.
func DefaultFormatterOptions() FormatterOptions {
	return FormatterOptions{
		Stream: true,
	}
}

// NewFormatter creates a formatter for the specified format type.
func NewFormatter(format FormatType, opts FormatterOptions) (Formatter, error) {
	switch format {
	case FormatJSON:
		return NewJSONFormatter(opts), nil
	case FormatYAML:
		return NewYAMLFormatter(opts), nil
	case FormatPlain, "":
		return NewPlainFormatter(opts)
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}
