package output

import (
	"encoding/json"
	"io"

	"github.com/jmylchreest/volwatch/internal/volume"
)

// JSONFormatter formats events as JSON.
type JSONFormatter struct {
	opts FormatterOptions
}

// NewJSONFormatter creates a new JSON formatter.
func NewJSONFormatter(opts FormatterOptions) *JSONFormatter {
	return &JSONFormatter{opts: opts}
}

// Format writes events as a JSON array, or as JSON lines when streaming.
func (f *JSONFormatter) Format(w io.Writer, events []volume.Event) error {
	encoder := json.NewEncoder(w)
	if f.opts.Stream {
		for _, ev := range events {
			if err := encoder.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	if events == nil {
		events = []volume.Event{}
	}
	encoder.SetIndent("", "  ")
	return encoder.Encode(events)
}
