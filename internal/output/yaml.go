package output

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/volwatch/internal/volume"
)

// YAMLFormatter formats events as YAML, one document per event.
type YAMLFormatter struct {
	opts FormatterOptions
}

// NewYAMLFormatter creates a new YAML formatter.
func NewYAMLFormatter(opts FormatterOptions) *YAMLFormatter {
	return &YAMLFormatter{opts: opts}
}

// Format writes each event as its own YAML document.
func (f *YAMLFormatter) Format(w io.Writer, events []volume.Event) error {
	for _, ev := range events {
		if _, err := io.WriteString(w, "---\n"); err != nil {
			return err
		}
		data, err := yaml.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}
