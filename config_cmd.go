package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# audio backend: auto, malgo, oto or mock
backend: "auto"
# hardware device name, empty for the system default
device: ""
# mixing format
sample_rate: 44100
channels: 2
# frames per device period
buffer_frames: 1024
# allow recording while playing when the backend supports it
duplex: false
# consecutive short buffers before a stream is dropped
underrun_limit: 2

pool:
  # preallocated buffers for the render callback
  size: 8
  # longest the real-time thread waits for a free buffer
  acquire_timeout: "2ms"

library:
  # directory scanned for .wav and .flac files
  dir: ""
  # show files ignored by .gitignore
  all: false

cache:
  # decoded sample cache, empty uses the user cache dir
  dir: ""
  memory_mb: 64
  disk_mb: 512
  # zstd level for cached clips, 0 stores them raw
  compression_level: 3

metrics:
  # serve prometheus metrics on this address, e.g. ":9464"
  addr: ""

log:
  level: "info"

# mouse support (now-playing view)
mouse: false
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the devsound config file",
	Long:    paragraph(fmt.Sprintf("\n%s the devsound config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("devsound config\ndevsound config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("devsound", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
