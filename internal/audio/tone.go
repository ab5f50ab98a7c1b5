package audio

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync/atomic"
	"time"
)

// Waveform selects the tone shape.
type Waveform int

const (
	Sine Waveform = iota
	Square
	Triangle
	Sawtooth
)

// String returns the waveform name.
func (w Waveform) String() string {
	switch w {
	case Sine:
		return "sine"
	case Square:
		return "square"
	case Triangle:
		return "triangle"
	case Sawtooth:
		return "sawtooth"
	default:
		return "unknown"
	}
}

// ParseWaveform parses a waveform name.
func ParseWaveform(s string) (Waveform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sine", "sin":
		return Sine, nil
	case "square", "sq":
		return Square, nil
	case "triangle", "tri":
		return Triangle, nil
	case "sawtooth", "saw":
		return Sawtooth, nil
	}
	return Sine, fmt.Errorf("%w: unknown waveform %q", ErrInvalidRange, s)
}

// ToneConfig describes a synthesized tone.
type ToneConfig struct {
	Frequency float64       // Hz
	Amplitude float64       // peak level in [0,1]
	Waveform  Waveform      // shape
	Duration  time.Duration // 0 plays forever
}

// DefaultToneConfig is a 440 Hz sine at half scale.
func DefaultToneConfig() ToneConfig {
	return ToneConfig{Frequency: 440, Amplitude: 0.5, Waveform: Sine}
}

// ToneGenerator synthesizes a periodic waveform. It never fails.
type ToneGenerator struct {
	cfg      ToneConfig
	format   Format
	phase    float64 // cycles, in [0,1)
	step     float64
	total    int64 // frames, 0 for unbounded
	produced atomic.Int64
}

// NewTone returns a tone source in the given format.
func NewTone(cfg ToneConfig, format Format) (*Source, error) {
	nyquist := float64(format.SampleRate) / 2
	if cfg.Frequency <= 0 || cfg.Frequency >= nyquist || math.IsNaN(cfg.Frequency) {
		return nil, fmt.Errorf("%w: frequency %.1f Hz (want 0..%.0f)", ErrInvalidRange, cfg.Frequency, nyquist)
	}
	if cfg.Amplitude < 0 || cfg.Amplitude > 1 || math.IsNaN(cfg.Amplitude) {
		return nil, fmt.Errorf("%w: amplitude %.2f", ErrInvalidRange, cfg.Amplitude)
	}
	if cfg.Duration < 0 {
		return nil, fmt.Errorf("%w: negative duration", ErrInvalidRange)
	}

	g := &ToneGenerator{
		cfg:    cfg,
		format: format,
		step:   cfg.Frequency / float64(format.SampleRate),
		total:  format.FramesFor(cfg.Duration),
	}
	return &Source{
		kind:   SourceTone,
		name:   fmt.Sprintf("%s %.0fHz", cfg.Waveform, cfg.Frequency),
		format: format,
		tone:   g,
	}, nil
}

// Config returns the tone parameters.
func (g *ToneGenerator) Config() ToneConfig { return g.cfg }

func (g *ToneGenerator) produce(buf *Buffer) (int, error) {
	want := buf.Remaining()
	done := g.produced.Load()
	if g.total > 0 {
		want = int(min(int64(want), g.total-done))
	}

	ch := buf.Channels()
	out := buf.Tail()
	amp := float32(g.cfg.Amplitude)
	for f := 0; f < want; f++ {
		v := amp * g.sample()
		for c := 0; c < ch; c++ {
			out[f*ch+c] = v
		}
		g.phase += g.step
		if g.phase >= 1 {
			g.phase -= 1
		}
	}
	_ = buf.Advance(want)
	g.produced.Add(int64(want))

	if g.total > 0 && done+int64(want) >= g.total {
		return want, io.EOF
	}
	return want, nil
}

func (g *ToneGenerator) sample() float32 {
	p := g.phase
	switch g.cfg.Waveform {
	case Square:
		if p < 0.5 {
			return 1
		}
		return -1
	case Triangle:
		return float32(1 - 4*math.Abs(p-0.5))
	case Sawtooth:
		return float32(2*p - 1)
	default:
		return float32(math.Sin(2 * math.Pi * p))
	}
}
