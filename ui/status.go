package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"

	"github.com/devsound/devsound/internal/engine"
	"github.com/devsound/devsound/internal/library"
)

// SessionStatus keeps what the status line shows about the engine.
type SessionStatus struct {
	state        engine.State
	track        library.Track
	hasTrack     bool
	position     time.Duration
	duration     time.Duration
	progress     float64
	streams      int
	underruns    int
	errorMessage string

	bar progress.Model
}

// NewSessionStatus returns an idle status.
func NewSessionStatus() *SessionStatus {
	return &SessionStatus{
		state: engine.StateIdle,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// SetState records the session state and, in Error, the cause.
func (s *SessionStatus) SetState(state engine.State, err error) {
	s.state = state
	if state != engine.StateError {
		s.errorMessage = ""
	} else if err != nil {
		s.errorMessage = err.Error()
	}
}

// SetProgress records the current track position.
func (s *SessionStatus) SetProgress(t library.Track, pos, dur time.Duration) {
	s.track, s.hasTrack = t, true
	s.position, s.duration = pos, dur
	if dur > 0 {
		s.progress = min(1, max(0, float64(pos)/float64(dur)))
	} else {
		s.progress = 0
	}
}

// ClearTrack forgets the current track.
func (s *SessionStatus) ClearTrack() {
	s.track, s.hasTrack = library.Track{}, false
	s.position, s.duration, s.progress = 0, 0, 0
}

// UpdateFromEvent folds an engine event into the status.
func (s *SessionStatus) UpdateFromEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventStateChanged:
		s.SetState(ev.To, nil)
	case engine.EventStreamStarted:
		s.streams++
	case engine.EventStreamEnded:
		s.streams = max(0, s.streams-1)
	case engine.EventUnderrun:
		s.underruns++
	case engine.EventDeviceLost:
		s.SetState(engine.StateError, ev.Err)
	}
}

// Progress returns the fraction of the track played.
func (s *SessionStatus) Progress() float64 { return s.progress }

// CompactStatus returns the state badge for the status bar.
func (s *SessionStatus) CompactStatus() string {
	status := lipgloss.NewStyle().Foreground(s.stateColor()).
		Render(fmt.Sprintf("%s %s", s.stateIcon(), s.state))

	if s.underruns > 0 {
		status += lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8800")).
			Render(fmt.Sprintf(" ⚠%d", s.underruns))
	}
	return status
}

// DetailedStatus returns the now-playing panel.
func (s *SessionStatus) DetailedStatus(width int) string {
	var lines []string

	if s.hasTrack {
		lines = append(lines, lipgloss.NewStyle().Bold(true).Render(s.track.Title))
		lines = append(lines, subtleStyle(s.track.Artist+" · "+s.track.Album))
		if width > 24 {
			s.bar.Width = width - 14
			lines = append(lines, s.bar.ViewAs(s.progress)+" "+s.positionText())
		}
	} else {
		lines = append(lines, subtleStyle("Nothing playing"))
	}

	if s.errorMessage != "" {
		errorLine := truncate.StringWithTail(s.errorMessage, uint(max(0, width-9)), ellipsis) //nolint:gosec
		lines = append(lines, errorStyle("Error: "+errorLine))
		lines = append(lines, subtleStyle("press r to reset or o to reopen the device"))
	}

	return strings.Join(lines, "\n")
}

func (s *SessionStatus) positionText() string {
	return fmt.Sprintf("%s / %s", library.FormatDuration(s.position), library.FormatDuration(s.duration))
}

func (s *SessionStatus) stateColor() lipgloss.Color {
	switch s.state {
	case engine.StatePlaying:
		return lipgloss.Color("#00FF00") // Green
	case engine.StatePaused:
		return lipgloss.Color("#FFFF00") // Yellow
	case engine.StateRecording:
		return lipgloss.Color("#FF5F87") // Pink
	case engine.StateIdle:
		return lipgloss.Color("#888888") // Gray
	case engine.StateError:
		return lipgloss.Color("#FF0000") // Red
	default:
		return lipgloss.Color("#666666")
	}
}

func (s *SessionStatus) stateIcon() string {
	switch s.state {
	case engine.StatePlaying:
		return "▶"
	case engine.StatePaused:
		return "⏸"
	case engine.StateRecording:
		return "●"
	case engine.StateIdle:
		return "■"
	case engine.StateError:
		return "✗"
	default:
		return "○"
	}
}

// NeedsUpdate reports whether the progress should be polled.
func (s *SessionStatus) NeedsUpdate() bool {
	return s.state == engine.StatePlaying || s.state == engine.StateRecording
}
