package engine

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/devsound/devsound/internal/audio"
	"github.com/devsound/devsound/internal/metrics"
)

// Config holds the parameters an engine is initialised with.
type Config struct {
	SampleRate   int `mapstructure:"sample_rate"`
	BufferFrames int `mapstructure:"buffer_frames"`
	Channels     int `mapstructure:"channels"`

	// Duplex allows recording and playback at once when the backend can.
	Duplex bool `mapstructure:"duplex"`

	PoolSize       int           `mapstructure:"pool_size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`

	// UnderrunLimit is how many consecutive short or final buffers a
	// stream may report before it is removed.
	UnderrunLimit int `mapstructure:"underrun_limit"`

	// InputBuffer is how much captured audio may queue before frames are
	// dropped.
	InputBuffer time.Duration `mapstructure:"input_buffer"`

	// DeviceName selects a hardware device; empty uses the default.
	DeviceName string `mapstructure:"device"`

	// ReapInterval is how often finished streams are collected when no
	// render cycle signals it first.
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// DefaultConfig returns CD-quality stereo with a 1024 frame period.
func DefaultConfig() Config {
	return Config{
		SampleRate:     44100,
		BufferFrames:   1024,
		Channels:       2,
		PoolSize:       audio.DefaultPoolSize,
		AcquireTimeout: audio.DefaultAcquireTimeout,
		UnderrunLimit:  2,
		InputBuffer:    500 * time.Millisecond,
		ReapInterval:   20 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Channels == 0 {
		c.Channels = d.Channels
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.UnderrunLimit <= 0 {
		c.UnderrunLimit = d.UnderrunLimit
	}
	if c.InputBuffer <= 0 {
		c.InputBuffer = d.InputBuffer
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	return c
}

// Format returns the mixing format.
func (c Config) Format() audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// Validate reports an unusable configuration with audio.ErrUnsupportedConfig.
func (c Config) Validate() error {
	if err := c.Format().Validate(); err != nil {
		return err
	}
	if err := audio.ValidateBufferFrames(c.BufferFrames); err != nil {
		return err
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("%w: pool size %d", audio.ErrUnsupportedConfig, c.PoolSize)
	}
	return nil
}

// Option customises an engine.
type Option func(*Engine)

// WithMetrics reports engine activity to m.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger replaces the engine's logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(e *Engine) { e.eventCap = n }
}
