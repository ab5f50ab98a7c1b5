package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	runewidth "github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/ansi"
	"github.com/muesli/reflow/truncate"

	"github.com/devsound/devsound/internal/engine"
)

var (
	mintGreen = lipgloss.AdaptiveColor{Light: "#89F0CB", Dark: "#89F0CB"}
	darkGreen = lipgloss.AdaptiveColor{Light: "#1C8760", Dark: "#1C8760"}
	green     = lipgloss.Color("#04B575")
	cream     = lipgloss.AdaptiveColor{Light: "#FFFDF5", Dark: "#FFFDF5"}
	fuchsia   = lipgloss.Color("#EE6FF8")

	statusBarNoteFg = lipgloss.AdaptiveColor{Light: "#656565", Dark: "#7D7D7D"}
	statusBarBg     = lipgloss.AdaptiveColor{Light: "#E6E6E6", Dark: "#242424"}

	logoStyle = lipgloss.NewStyle().
			Foreground(cream).
			Background(fuchsia).
			Bold(true).
			Render

	statusBarBadgeStyle = lipgloss.NewStyle().
				Background(statusBarBg).
				Render

	statusBarNoteStyle = lipgloss.NewStyle().
				Foreground(statusBarNoteFg).
				Background(statusBarBg).
				Render

	statusBarHelpStyle = lipgloss.NewStyle().
				Foreground(statusBarNoteFg).
				Background(lipgloss.AdaptiveColor{Light: "#DCDCDC", Dark: "#323232"}).
				Render

	statusBarMessageStyle = lipgloss.NewStyle().
				Foreground(mintGreen).
				Background(darkGreen).
				Render

	statusBarMessageHelpStyle = lipgloss.NewStyle().
					Foreground(lipgloss.Color("#B6FFE4")).
					Background(green).
					Render

	helpViewStyle = lipgloss.NewStyle().
			Foreground(statusBarNoteFg).
			Background(lipgloss.AdaptiveColor{Light: "#f2f2f2", Dark: "#1B1B1B"}).
			Render

	sectionStyle = lipgloss.NewStyle().
			Foreground(fuchsia).
			Bold(true).
			Render

	cursorStyle = lipgloss.NewStyle().
			Foreground(fuchsia).
			Render

	currentStyle = lipgloss.NewStyle().
			Foreground(green).
			Render

	subtleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}).
			Render

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Render
)

func logoView() string {
	return logoStyle(" devsound ")
}

func (m model) View() string {
	if m.fatalErr != nil {
		return errorView(m.fatalErr, true)
	}

	var b strings.Builder
	width := max(m.width, 40)

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, indent(m.status.DetailedStatus(width-4), 2))

	if m.cfg.ShowStreams {
		fmt.Fprint(&b, m.streamsView(width))
	}
	fmt.Fprint(&b, m.playlistView(width))
	fmt.Fprint(&b, m.suggestionsView(width))

	m.statusBarView(&b, width)
	if m.showHelp {
		fmt.Fprint(&b, "\n"+m.helpView(width))
	}
	return b.String()
}

func (m model) streamsView(width int) string {
	streams := m.session.Streams()
	if len(streams) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintln(&b, indent(sectionStyle("Streams"), 2))
	for _, s := range streams {
		mark := "  "
		if s.ID == m.selected {
			mark = cursorStyle("› ")
		}
		state := s.Kind.String()
		if s.Paused {
			state = "paused"
		}
		line := fmt.Sprintf("%s %-9s %3.0f%%  %s", s.ID, state, s.Gain*100, s.Source)
		if s.Underruns > 0 {
			line += fmt.Sprintf("  underruns %d", s.Underruns)
		}
		fmt.Fprintln(&b, indent(mark+truncate.StringWithTail(line, uint(max(0, width-6)), ellipsis), 2)) //nolint:gosec
	}
	pool := m.session.PoolStats()
	fmt.Fprintln(&b, indent(subtleStyle(fmt.Sprintf("pool %d/%d in use, %d exhausted", pool.InUse, pool.Capacity, pool.Exhausted)), 4))
	return b.String()
}

// playlistView shows a window of the playlist around the cursor.
func (m model) playlistView(width int) string {
	tracks := m.list.Tracks()
	var b strings.Builder
	fmt.Fprintln(&b, indent(sectionStyle(fmt.Sprintf("Playlist (%d)", len(tracks))), 2))
	if len(tracks) == 0 {
		fmt.Fprintln(&b, indent(subtleStyle("No tracks found"), 4))
		return b.String()
	}

	rows := max(3, m.height-16)
	start := max(0, min(m.cursor-rows/2, len(tracks)-rows))
	end := min(len(tracks), start+rows)
	_, current, _ := m.list.Current()

	for i := start; i < end; i++ {
		t := tracks[i]
		dur := t.FormattedDuration()
		title := truncate.StringWithTail(t.Title+" · "+t.Artist, uint(max(0, width-len(dur)-10)), ellipsis) //nolint:gosec
		pad := strings.Repeat(" ", max(1, width-8-ansi.PrintableRuneWidth(title)-len(dur)))
		line := title + pad + subtleStyle(dur)
		switch {
		case i == m.cursor:
			line = cursorStyle("› ") + line
		case i == current:
			line = currentStyle("♪ ") + line
		default:
			line = "  " + line
		}
		fmt.Fprintln(&b, indent(line, 2))
	}
	return b.String()
}

func (m model) suggestionsView(width int) string {
	if len(m.suggestions) == 0 {
		return ""
	}
	titles := make([]string, 0, len(m.suggestions))
	for _, t := range m.suggestions {
		titles = append(titles, t.Title)
	}
	line := "Try: " + strings.Join(titles, ", ")
	return indent(subtleStyle(truncate.StringWithTail(line, uint(max(0, width-4)), ellipsis)), 2) //nolint:gosec
}

func (m model) statusBarView(b *strings.Builder, width int) {
	showStatusMessage := m.statusMessage != ""

	logo := logoView()
	badge := statusBarBadgeStyle(" " + m.status.CompactStatus() + " ")

	var helpNote string
	if showStatusMessage {
		helpNote = statusBarMessageHelpStyle(" ? Help ")
	} else {
		helpNote = statusBarHelpStyle(" ? Help ")
	}

	var note string
	switch {
	case showStatusMessage:
		note = m.statusMessage
	case m.session.State() == engine.StateError:
		note = "device lost"
	case m.player.Err() != nil:
		note = m.player.Err().Error()
	default:
		note = m.cfg.Path
	}
	note = truncate.StringWithTail(" "+note+" ", uint(max(0, //nolint:gosec
		width-
			ansi.PrintableRuneWidth(logo)-
			ansi.PrintableRuneWidth(badge)-
			ansi.PrintableRuneWidth(helpNote),
	)), ellipsis)
	if showStatusMessage {
		note = statusBarMessageStyle(note)
	} else {
		note = statusBarNoteStyle(note)
	}

	// Empty space
	padding := max(0,
		width-
			ansi.PrintableRuneWidth(logo)-
			ansi.PrintableRuneWidth(note)-
			ansi.PrintableRuneWidth(badge)-
			ansi.PrintableRuneWidth(helpNote),
	)
	emptySpace := strings.Repeat(" ", padding)
	if showStatusMessage {
		emptySpace = statusBarMessageStyle(emptySpace)
	} else {
		emptySpace = statusBarNoteStyle(emptySpace)
	}

	fmt.Fprintf(b, "\n%s%s%s%s%s",
		logo,
		note,
		emptySpace,
		badge,
		helpNote,
	)
}

func (m model) helpView(width int) (s string) {
	col1 := []string{
		"n        next track",
		"p        previous track",
		"a/A      queue / play next",
		"tab      select stream",
		"+/-      stream gain",
		"r        reset after error",
		"o        reopen device",
	}

	s += "\n"
	s += "k/↑      up                  " + col1[0] + "\n"
	s += "j/↓      down                " + col1[1] + "\n"
	s += "enter    play selected       " + col1[2] + "\n"
	s += "space    play/pause          " + col1[3] + "\n"
	s += "←/→      seek 5s             " + col1[4] + "\n"
	s += "c        copy track path     " + col1[5] + "\n"
	s += "q        quit                " + col1[6]

	s = indent(s, 2)

	// Fill up empty cells with spaces for background coloring
	if width > 0 {
		lines := strings.Split(s, "\n")
		for i := 0; i < len(lines); i++ {
			l := runewidth.StringWidth(lines[i])
			n := max(width-l, 0)
			lines[i] += strings.Repeat(" ", n)
		}
		s = strings.Join(lines, "\n")
	}

	return helpViewStyle(s)
}

func errorView(err error, fatal bool) string {
	exitMsg := "press any key to "
	if fatal {
		exitMsg += "exit"
	} else {
		exitMsg += "return"
	}
	s := fmt.Sprintf("%s\n\n%v\n\n%s",
		errorStyle(" ERROR "),
		err,
		subtleStyle(exitMsg),
	)
	return "\n" + indent(s, 3)
}

// Lightweight version of reflow's indent function.
func indent(s string, n int) string {
	if n <= 0 || s == "" {
		return s
	}
	l := strings.Split(s, "\n")
	b := strings.Builder{}
	i := strings.Repeat(" ", n)
	for _, v := range l {
		fmt.Fprintf(&b, "%s%s\n", i, v)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
