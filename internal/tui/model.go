// Package tui provides a terminal volume meter.
package tui

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/volwatch/internal/volume"
)

// maxRecent is the number of changes listed under the meter.
const maxRecent = 8

// VolumeMsg carries a volume change into the program.
type VolumeMsg struct {
	Event volume.Event
}

// sender is the part of tea.Program the forwarder needs.
type sender interface {
	Send(msg tea.Msg)
}

// Forwarder is a volume observer that feeds events to a running program.
type Forwarder struct {
	program sender
}

// NewForwarder creates a forwarder for program.
func NewForwarder(program sender) *Forwarder {
	return &Forwarder{program: program}
}

// OnVolumeChanged implements volume.Observer.
func (f *Forwarder) OnVolumeChanged(ev volume.Event) {
	f.program.Send(VolumeMsg{Event: ev})
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Padding(0, 1)
	levelStyle = lipgloss.NewStyle().
			Bold(true).
			Width(5).
			Align(lipgloss.Right)
	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

// Model is the meter model.
type Model struct {
	source   string
	bar      progress.Model
	help     help.Model
	keys     KeyMap
	current  volume.Event
	hasEvent bool
	recent   []volume.Event
	width    int
	now      func() time.Time
}

// New creates a meter for the named source.
func New(source string) Model {
	return Model{
		source: source,
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		help:   help.New(),
		keys:   DefaultKeyMap(),
		now:    time.Now,
	}
}

// Init initializes the meter.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		case key.Matches(msg, m.keys.Clear):
			m.recent = nil
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		// Leave room for the level label
		m.bar.Width = max(10, msg.Width-10)
		return m, nil

	case VolumeMsg:
		m.current = msg.Event
		m.hasEvent = true
		if msg.Event.Reason != volume.ReasonInitial {
			m.recent = append([]volume.Event{msg.Event}, m.recent...)
			if len(m.recent) > maxRecent {
				m.recent = m.recent[:maxRecent]
			}
		}
		return m, nil
	}

	return m, nil
}

// View renders the meter.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Output volume"))
	b.WriteString(dimStyle.Render("(" + m.source + ")"))
	b.WriteString("\n\n")

	if !m.hasEvent {
		b.WriteString(dimStyle.Render("  waiting for volume..."))
		b.WriteString("\n")
	} else {
		level := levelStyle.Render(fmt.Sprintf("%d%%", m.current.Percent()))
		b.WriteString(" " + m.bar.ViewAs(m.current.Volume) + " " + level)
		if m.current.Muted {
			b.WriteString(" " + mutedStyle.Render("muted"))
		}
		b.WriteString("\n")
		if m.current.Device != "" {
			b.WriteString(dimStyle.Render("  " + m.current.Device))
			b.WriteString("\n")
		}
	}

	if len(m.recent) > 0 {
		b.WriteString("\n")
		for _, ev := range m.recent {
			line := fmt.Sprintf("  %4d%%  %-8s %s", ev.Percent(), ev.Reason, humanize.RelTime(ev.Time, m.now(), "ago", "from now"))
			if ev.Muted {
				line += "  muted"
			}
			b.WriteString(dimStyle.Render(line))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n" + m.help.View(m.keys))
	return b.String()
}

// RunOptions configures the meter.
type RunOptions struct {
	Registry *volume.Registry
	Source   string
}

// Run starts the meter and blocks until the user quits.
func Run(ctx context.Context, opts RunOptions) error {
	p := tea.NewProgram(New(opts.Source), tea.WithAltScreen(), tea.WithContext(ctx))

	fwd := NewForwarder(p)
	volume.RegisterObserver(opts.Registry, fwd)
	defer func() {
		volume.Unregister(opts.Registry, fwd)
		runtime.KeepAlive(fwd)
	}()

	go func() {
		state, err := opts.Registry.Current(ctx)
		if err != nil {
			return
		}
		p.Send(VolumeMsg{Event: volume.NewEvent(state, volume.ReasonInitial)})
	}()

	_, err := p.Run()
	return err
}
