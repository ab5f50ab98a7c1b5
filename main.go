// Package main provides the entry point for the devsound CLI application.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/devsound/devsound/internal/audio"
	"github.com/devsound/devsound/internal/cache"
	"github.com/devsound/devsound/internal/device"
	"github.com/devsound/devsound/internal/engine"
	"github.com/devsound/devsound/internal/library"
	"github.com/devsound/devsound/internal/metrics"
	"github.com/devsound/devsound/internal/playlist"
	"github.com/devsound/devsound/ui"
	"github.com/devsound/devsound/utils"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile   string
	backendName  string
	metricsAddr  string
	verbose      bool
	mouse        bool
	showAllFiles bool

	rootCmd = &cobra.Command{
		Use:   "devsound [DIR]",
		Short: "Play, mix and record audio from the terminal",
		Long: paragraph(
			fmt.Sprintf("\nPlay, mix and record audio from the terminal. With no command, %s in DIR (or the configured library) are opened in the now-playing view.", keyword("the tracks")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.MaximumNArgs(1),
		ValidArgsFunction: func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
			return nil, cobra.ShellCompDirectiveFilterDirs
		},
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return validateOptions()
		},
		RunE: execute,
	}
)

func validateOptions() error {
	// grab config values from Viper
	backendName = viper.GetString("backend")
	metricsAddr = viper.GetString("metrics.addr")
	mouse = viper.GetBool("mouse")
	showAllFiles = viper.GetBool("library.all")
	applyLogOptions(viper.GetString("log.level"), verbose)

	if !isBackend(backendName) {
		return fmt.Errorf("unknown backend %q", backendName)
	}
	if err := engineConfig().Validate(); err != nil {
		return fmt.Errorf("invalid audio configuration: %w", err)
	}
	level := viper.GetInt("cache.compression_level")
	if level < 0 || level > 22 {
		return fmt.Errorf("cache compression_level must be between 0 and 22, got %d", level)
	}
	return nil
}

func isBackend(name string) bool {
	for _, b := range device.BackendNames {
		if name == b {
			return true
		}
	}
	return false
}

// engineConfig builds the engine configuration from Viper.
func engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.SampleRate = viper.GetInt("sample_rate")
	cfg.Channels = viper.GetInt("channels")
	cfg.BufferFrames = viper.GetInt("buffer_frames")
	cfg.Duplex = viper.GetBool("duplex")
	cfg.PoolSize = viper.GetInt("pool.size")
	cfg.AcquireTimeout = viper.GetDuration("pool.acquire_timeout")
	cfg.UnderrunLimit = viper.GetInt("underrun_limit")
	cfg.DeviceName = viper.GetString("device")
	return cfg
}

// cacheConfig builds the clip cache configuration from Viper. The disk
// tier lives in the user cache dir unless cache.dir is set.
func cacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.MemoryCapacity = viper.GetInt64("cache.memory_mb") << 20
	cfg.DiskCapacity = viper.GetInt64("cache.disk_mb") << 20
	cfg.CompressionLevel = viper.GetInt("cache.compression_level")

	dir := utils.ExpandPath(viper.GetString("cache.dir"))
	if dir == "" {
		if d, err := gap.NewScope(gap.User, "devsound").CacheDir(); err == nil {
			dir = filepath.Join(d, "clips")
		}
	}
	if cfg.DiskCapacity <= 0 {
		dir = ""
	}
	cfg.Dir = dir
	return cfg
}

// audioSession is an initialised engine and the backend it owns.
type audioSession struct {
	*engine.Engine
	backend device.Backend
}

func (s *audioSession) Close() error {
	return errors.Join(s.Engine.Shutdown(), s.backend.Close())
}

// openSession opens the configured backend and initialises an engine on
// it. Metrics are served on --metrics-addr until ctx is done.
func openSession(ctx context.Context) (*audioSession, error) {
	backend, err := device.Open(backendName)
	if err != nil {
		return nil, fmt.Errorf("unable to open audio backend: %w", err)
	}

	m := metrics.NewUnregistered()
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if m, err = metrics.New(reg); err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("unable to register metrics: %w", err)
		}
		go func() {
			log.Info("Serving metrics", "addr", metricsAddr)
			if err := metrics.Serve(ctx, metricsAddr, reg); err != nil {
				log.Error("Metrics server stopped", "err", err)
			}
		}()
	}

	eng, err := engine.New(engineConfig(), backend,
		engine.WithMetrics(m),
		engine.WithLogger(log.WithPrefix("engine")),
	)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("unable to initialise audio engine: %w", err)
	}
	log.Debug("Audio session ready", "backend", backend.Name(), "format", eng.Format(), "session", eng.ID())
	return &audioSession{Engine: eng, backend: backend}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func libraryDir(args []string) (string, error) {
	dir := viper.GetString("library.dir")
	if len(args) > 0 {
		dir = args[0]
	}
	if dir == "" {
		dir = "."
	}
	dir = utils.AbsPath(dir)
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("unable to open library: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	return dir, nil
}

func execute(_ *cobra.Command, args []string) error {
	dir, err := libraryDir(args)
	if err != nil {
		return err
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("the now-playing view needs a terminal, use devsound play instead")
	}
	return runTUI(dir)
}

func runTUI(dir string) error {
	// Read environment to get debugging stuff
	cfg, err := env.ParseAs[ui.Config]()
	if err != nil {
		return fmt.Errorf("error parsing config: %v", err)
	}
	cfg.Path = dir
	cfg.EnableMouse = mouse
	cfg.Suggestions = 3

	ctx, cancel := signalContext()
	defer cancel()

	lib, err := library.New(dir, library.Options{
		ShowAll:     showAllFiles,
		MetadataTTL: time.Hour,
		Logger:      log.WithPrefix("library"),
	})
	if err != nil {
		return err
	}
	tracks, err := lib.Scan(ctx)
	if err != nil {
		return fmt.Errorf("unable to scan library: %w", err)
	}
	log.Info("Library scanned", "dir", dir, "tracks", len(tracks))

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Error("Could not close audio session", "err", err)
		}
	}()

	list := playlist.New(tracks)
	player := playlist.NewPlayer(list, sess.Engine, playlist.OpenFile, log.WithPrefix("playlist"))
	defer player.Close() //nolint:errcheck

	p := ui.NewProgram(cfg, sess.Engine, list, player)

	go func() {
		_ = player.Run(ctx, func(ev engine.Event) { p.Send(ui.EventMsg(ev)) })
	}()
	go func() {
		err := lib.Watch(ctx, 500*time.Millisecond, func(tracks []library.Track) {
			log.Debug("Library changed", "tracks", len(tracks))
			list.SetTracks(tracks)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("Library watch stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	// Run Bubble Tea program
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("unable to run tui program: %w", err)
	}
	return nil
}

// openClipCache opens the decoded-clip cache used for samples.
func openClipCache() (*cache.ClipCache, error) {
	c, err := cache.New(cacheConfig(), log.WithPrefix("cache"))
	if err != nil {
		return nil, fmt.Errorf("unable to open clip cache: %w", err)
	}
	return c, nil
}

// mixFormat is the format sources are decoded to before mixing.
func mixFormat() audio.Format {
	return engineConfig().Format()
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().StringVarP(&backendName, "backend", "b", device.BackendAuto, "audio backend (auto, malgo, oto, mock)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
	rootCmd.PersistentFlags().Bool("duplex", false, "allow recording while playing")
	rootCmd.Flags().BoolVarP(&showAllFiles, "all", "a", false, "show files ignored by .gitignore")
	rootCmd.Flags().BoolVarP(&mouse, "mouse", "m", false, "enable mouse support")
	_ = rootCmd.Flags().MarkHidden("mouse")

	// Config bindings
	_ = viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("metrics.addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	_ = viper.BindPFlag("duplex", rootCmd.PersistentFlags().Lookup("duplex"))
	_ = viper.BindPFlag("library.all", rootCmd.Flags().Lookup("all"))
	_ = viper.BindPFlag("mouse", rootCmd.Flags().Lookup("mouse"))

	d := engine.DefaultConfig()
	viper.SetDefault("backend", device.BackendAuto)
	viper.SetDefault("sample_rate", d.SampleRate)
	viper.SetDefault("channels", d.Channels)
	viper.SetDefault("buffer_frames", d.BufferFrames)
	viper.SetDefault("duplex", false)
	viper.SetDefault("underrun_limit", d.UnderrunLimit)
	viper.SetDefault("pool.size", d.PoolSize)
	viper.SetDefault("pool.acquire_timeout", d.AcquireTimeout)
	viper.SetDefault("library.dir", "")
	viper.SetDefault("cache.dir", "")
	viper.SetDefault("cache.memory_mb", 64)
	viper.SetDefault("cache.disk_mb", 512)
	viper.SetDefault("cache.compression_level", 3)
	viper.SetDefault("log.level", "info")

	rootCmd.AddCommand(configCmd, manCmd, playCmd, recordCmd, devicesCmd, libraryCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "devsound")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "devsound")}, dirs...)
	}

	if c := os.Getenv("DEVSOUND_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("devsound")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("devsound")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "devsound.yml")
	}
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
