package output

import (
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/volwatch/internal/volume"
)

// PlainFormatter formats events as plain text, one line per event.
type PlainFormatter struct {
	opts     FormatterOptions
	template *template.Template
}

// templateData is passed to custom templates.
type templateData struct {
	volume.Event
	RelativeTime string
}

// NewPlainFormatter creates a new plain text formatter.
func NewPlainFormatter(opts FormatterOptions) (*PlainFormatter, error) {
	f := &PlainFormatter{opts: opts}

	if opts.Template != "" {
		tmpl, err := template.New("plain").Parse(opts.Template)
		if err != nil {
			return nil, fmt.Errorf("invalid template: %w", err)
		}
		f.template = tmpl
	}

	return f, nil
}

// Format writes events as plain text.
func (f *PlainFormatter) Format(w io.Writer, events []volume.Event) error {
	for i := range events {
		if err := f.formatEvent(w, &events[i]); err != nil {
			return err
		}
	}
	return nil
}

func (f *PlainFormatter) formatEvent(w io.Writer, ev *volume.Event) error {
	if f.template != nil {
		data := templateData{
			Event:        *ev,
			RelativeTime: humanize.Time(ev.Time),
		}
		if err := f.template.Execute(w, data); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\n")
		return err
	}

	var sb strings.Builder

	if f.opts.ShowID {
		sb.WriteString(ev.ID)
		sb.WriteString("  ")
	}
	if f.opts.RelativeTime {
		sb.WriteString(fmt.Sprintf("%-16s", humanize.Time(ev.Time)))
	} else {
		sb.WriteString(ev.Time.Format(time.RFC3339))
	}
	sb.WriteString(fmt.Sprintf("  %3d%%  %-8s", ev.Percent(), ev.Reason))
	if ev.Device != "" {
		sb.WriteString("  ")
		sb.WriteString(ev.Device)
	}
	if ev.Muted {
		sb.WriteString("  (muted)")
	}
	sb.WriteString("\n")

	_, err := io.WriteString(w, sb.String())
	return err
}
