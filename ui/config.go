package ui

import "time"

// Config contains TUI-specific configuration.
type Config struct {
	EnableMouse bool

	// Suggestions is how many random tracks to offer under the playlist.
	Suggestions int

	// Library root shown in the status bar
	Path string

	// GainStep is how much +/- change the selected stream's gain.
	GainStep float64

	// For debugging the UI
	RefreshInterval time.Duration `env:"DEVSOUND_UI_REFRESH" envDefault:"100ms"`
	ShowStreams     bool          `env:"DEVSOUND_UI_STREAMS" envDefault:"true"`
}
