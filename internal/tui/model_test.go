package tui

import (
	"runtime"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/volwatch/internal/volume"
)

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm
}

func TestModel_WaitsForVolume(t *testing.T) {
	m := New("file")
	assert.Nil(t, m.Init())
	assert.Contains(t, m.View(), "waiting for volume")
	assert.Contains(t, m.View(), "(file)")
}

func TestModel_VolumeMsg(t *testing.T) {
	m := New("pulse")
	m = update(t, m, tea.WindowSizeMsg{Width: 60, Height: 20})
	assert.Equal(t, 50, m.bar.Width)

	m = update(t, m, VolumeMsg{Event: volume.Event{Volume: 0.4, Reason: volume.ReasonInitial, Device: "speakers"}})
	assert.Empty(t, m.recent, "initial state is not a change")
	view := m.View()
	assert.Contains(t, view, "40%")
	assert.Contains(t, view, "speakers")

	m = update(t, m, VolumeMsg{Event: volume.Event{Volume: 0.65, Muted: true, Reason: volume.ReasonMute, Time: time.Now()}})
	require.Len(t, m.recent, 1)
	view = m.View()
	assert.Contains(t, view, "65%")
	assert.Contains(t, view, "muted")
}

func TestModel_RecentIsBounded(t *testing.T) {
	m := New("pulse")
	for i := range maxRecent + 3 {
		m = update(t, m, VolumeMsg{Event: volume.Event{Volume: float64(i) / 100, Reason: volume.ReasonExplicit}})
	}
	require.Len(t, m.recent, maxRecent)
	assert.InDelta(t, float64(maxRecent+2)/100, m.recent[0].Volume, 0.0001, "newest first")

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	assert.Empty(t, m.recent)
}

func TestModel_Keys(t *testing.T) {
	m := New("pulse")

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("?")})
	assert.True(t, m.help.ShowAll)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

type fakeProgram struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (p *fakeProgram) Send(msg tea.Msg) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func TestForwarder_WithRegistry(t *testing.T) {
	p := &fakeProgram{}
	fwd := NewForwarder(p)

	r := volume.NewRegistry(nil)
	defer r.Close()
	volume.RegisterObserver(r, fwd)

	r.Dispatch(volume.Event{Volume: 0.2})
	r.Dispatch(volume.Event{Volume: 0.5})

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.msgs, 2)
	assert.InDelta(t, 0.5, p.msgs[1].(VolumeMsg).Event.Volume, 0.0001)
	runtime.KeepAlive(fwd)
}
