package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
)

func getLogFilePath() (string, error) {
	dir, err := gap.NewScope(gap.User, "devsound").CacheDir()
	if err != nil {
		return "", fmt.Errorf("unable to find cache directory: %w", err)
	}
	return filepath.Join(dir, "devsound.log"), nil
}

// setupLog sends the default logger to a file in the user cache dir. The
// terminal belongs to the now-playing view, so nothing is logged to it
// unless --verbose is set.
func setupLog() (func() error, error) {
	log.SetOutput(io.Discard)

	logFile, err := getLogFilePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil { //nolint:gosec
		return nil, fmt.Errorf("unable to create log directory: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("unable to open log file: %w", err)
	}
	log.SetOutput(f)
	log.SetLevel(log.DebugLevel)
	return f.Close, nil
}

// applyLogOptions sets the level from config and, with verbose, logs to
// stderr instead of the log file.
func applyLogOptions(level string, verbose bool) {
	if level != "" {
		if lvl, err := log.ParseLevel(level); err == nil {
			log.SetLevel(lvl)
		} else {
			log.Warn("Unknown log level", "level", level)
		}
	}
	if verbose {
		log.SetOutput(os.Stderr)
		log.SetReportTimestamp(true)
	}
}
