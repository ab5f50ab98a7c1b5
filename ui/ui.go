// Package ui provides the now-playing terminal view for devsound.
package ui

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"

	"github.com/devsound/devsound/internal/audio"
	"github.com/devsound/devsound/internal/engine"
	"github.com/devsound/devsound/internal/library"
	"github.com/devsound/devsound/internal/playlist"
)

const (
	statusMessageTimeout = time.Second * 3 // how long to show status messages like "reset!"
	ellipsis             = "…"
)

// Session is the part of the engine the view controls.
type Session interface {
	State() engine.State
	Err() error
	Streams() []engine.StreamInfo
	PoolStats() audio.PoolStats
	SetGain(id audio.StreamID, gain float64) error
	Reset() error
	Reopen() error
}

// Player plays the playlist selection.
type Player interface {
	Toggle()
	Seek(pos time.Duration) error
	Progress() (library.Track, time.Duration, time.Duration, bool)
	Err() error
}

// NewProgram returns a new Tea program. Engine events are delivered with
// Program.Send(EventMsg(ev)).
func NewProgram(cfg Config, session Session, list *playlist.Playlist, player Player) *tea.Program {
	log.Debug("starting now-playing view", "tracks", list.Len(), "refresh", cfg.RefreshInterval)

	opts := []tea.ProgramOption{tea.WithAltScreen()}
	if cfg.EnableMouse {
		opts = append(opts, tea.WithMouseCellMotion())
	}
	return tea.NewProgram(newModel(cfg, session, list, player), opts...)
}

// EventMsg carries an engine event into the program.
type EventMsg engine.Event

type (
	errMsg                  struct{ err error }
	tickMsg                 time.Time
	statusMessageTimeoutMsg struct{}
)

func (e errMsg) Error() string { return e.err.Error() }

type model struct {
	cfg      Config
	session  Session
	list     *playlist.Playlist
	player   Player
	status   *SessionStatus
	spinner  spinner.Model
	fatalErr error

	width  int
	height int

	cursor      int
	selected    audio.StreamID
	suggestions []library.Track
	showHelp    bool

	statusMessage      string
	statusMessageTimer *time.Timer
}

func newModel(cfg Config, session Session, list *playlist.Playlist, player Player) model {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 100 * time.Millisecond
	}
	if cfg.GainStep <= 0 {
		cfg.GainStep = 0.1
	}
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	m := model{
		cfg:     cfg,
		session: session,
		list:    list,
		player:  player,
		status:  NewSessionStatus(),
		spinner: sp,
	}
	m.status.SetState(session.State(), session.Err())
	m.suggestions = list.Suggestions(cfg.Suggestions, true)
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tick(m.cfg.RefreshInterval), m.spinner.Tick)
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	// If there's been an error, any key exits
	if m.fatalErr != nil {
		if _, ok := msg.(tea.KeyMsg); ok {
			return m, tea.Quit
		}
	}

	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case EventMsg:
		ev := engine.Event(msg)
		m.status.UpdateFromEvent(ev)
		if ev.Kind == engine.EventStreamStarted || ev.Kind == engine.EventStreamEnded {
			m.suggestions = m.list.Suggestions(m.cfg.Suggestions, true)
		}
		if ev.Kind == engine.EventDeviceLost {
			log.Warn("device lost", "err", ev.Err)
		}

	case tickMsg:
		m.refresh()
		cmds = append(cmds, tick(m.cfg.RefreshInterval))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case statusMessageTimeoutMsg:
		m.statusMessage = ""

	case errMsg:
		m.fatalErr = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m *model) refresh() {
	m.status.SetState(m.session.State(), m.session.Err())
	if t, pos, dur, ok := m.player.Progress(); ok {
		m.status.SetProgress(t, pos, dur)
	} else {
		m.status.ClearTrack()
	}
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	n := m.list.Len()
	var cmd tea.Cmd

	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit

	case "?":
		m.showHelp = !m.showHelp

	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}

	case "j", "down":
		if m.cursor < n-1 {
			m.cursor++
		}

	case "g", "home":
		m.cursor = 0

	case "G", "end":
		m.cursor = max(0, n-1)

	case "enter":
		if err := m.list.ForceSelect(m.cursor); err != nil {
			cmd = m.showStatusMessage(err.Error())
		}

	case " ":
		m.player.Toggle()

	case "n":
		if _, err := m.list.Next(); err != nil {
			cmd = m.showStatusMessage(err.Error())
		}
		m.syncCursor()

	case "p":
		if _, err := m.list.Prev(); err != nil {
			cmd = m.showStatusMessage(err.Error())
		}
		m.syncCursor()

	case "a":
		if err := m.list.Enqueue(m.cursor, false); err == nil {
			cmd = m.showStatusMessage("queued")
		}

	case "A":
		if err := m.list.Enqueue(m.cursor, true); err == nil {
			cmd = m.showStatusMessage("playing next")
		}

	case "right", "l":
		cmd = m.seekBy(5 * time.Second)

	case "left", "h":
		cmd = m.seekBy(-5 * time.Second)

	case "tab":
		m.selectNextStream()

	case "+", "=":
		cmd = m.changeGain(m.cfg.GainStep)

	case "-":
		cmd = m.changeGain(-m.cfg.GainStep)

	case "s":
		m.suggestions = m.list.Suggestions(m.cfg.Suggestions, true)

	case "c":
		if t, _, _, ok := m.player.Progress(); ok {
			termenv.Copy(t.Path)
			cmd = m.showStatusMessage("copied path")
		}

	case "r":
		err := m.session.Reset()
		m.refresh()
		if err != nil {
			cmd = m.showStatusMessage(err.Error())
		} else {
			cmd = m.showStatusMessage("reset")
		}

	case "o":
		err := m.session.Reopen()
		m.refresh()
		if err != nil {
			cmd = m.showStatusMessage(err.Error())
		} else {
			cmd = m.showStatusMessage("device reopened")
		}
	}

	return m, cmd
}

func (m *model) syncCursor() {
	if _, i, ok := m.list.Current(); ok {
		m.cursor = i
	}
}

func (m *model) seekBy(d time.Duration) tea.Cmd {
	_, pos, dur, ok := m.player.Progress()
	if !ok {
		return nil
	}
	target := min(max(0, pos+d), dur)
	if err := m.player.Seek(target); err != nil {
		return m.showStatusMessage("seek: " + err.Error())
	}
	return nil
}

// selectNextStream cycles the stream that gain keys act on.
func (m *model) selectNextStream() {
	streams := m.session.Streams()
	if len(streams) == 0 {
		m.selected = 0
		return
	}
	next := streams[0].ID
	for i, s := range streams {
		if s.ID == m.selected && i+1 < len(streams) {
			next = streams[i+1].ID
		}
	}
	m.selected = next
}

func (m *model) selectedStream() (engine.StreamInfo, bool) {
	streams := m.session.Streams()
	for _, s := range streams {
		if s.ID == m.selected {
			return s, true
		}
	}
	if len(streams) > 0 {
		m.selected = streams[0].ID
		return streams[0], true
	}
	return engine.StreamInfo{}, false
}

func (m *model) changeGain(delta float64) tea.Cmd {
	s, ok := m.selectedStream()
	if !ok {
		return nil
	}
	gain := min(1, max(0, float64(s.Gain)+delta))
	if err := m.session.SetGain(s.ID, gain); err != nil {
		if errors.Is(err, audio.ErrInvalidRange) {
			return nil
		}
		return m.showStatusMessage(err.Error())
	}
	return m.showStatusMessage(fmt.Sprintf("gain %s %.0f%%", s.ID, gain*100))
}

func (m *model) showStatusMessage(msg string) tea.Cmd {
	m.statusMessage = msg
	if m.statusMessageTimer != nil {
		m.statusMessageTimer.Stop()
	}
	m.statusMessageTimer = time.NewTimer(statusMessageTimeout)
	return waitForStatusMessageTimeout(m.statusMessageTimer)
}

func waitForStatusMessageTimeout(t *time.Timer) tea.Cmd {
	return func() tea.Msg {
		<-t.C
		return statusMessageTimeoutMsg{}
	}
}
