//go:build !nocgo
// +build !nocgo

package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"

	"github.com/devsound/devsound/internal/audio"
)

// oto allows a single context per process, so every OtoBackend shares it.
var (
	otoMu     sync.Mutex
	otoCtx    *oto.Context
	otoFormat audio.Format
)

func otoContext(platform *PlatformInfo, cfg StreamConfig) (*oto.Context, error) {
	otoMu.Lock()
	defer otoMu.Unlock()

	if otoCtx != nil {
		if otoFormat != cfg.Format {
			return nil, fmt.Errorf("%w: oto already running at %s", audio.ErrUnsupportedConfig, otoFormat)
		}
		return otoCtx, nil
	}

	options := &oto.NewContextOptions{
		SampleRate:   cfg.Format.SampleRate,
		ChannelCount: cfg.Format.Channels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   cfg.Format.DurationOf(int64(cfg.BufferFrames)),
	}
	log.Debug("initializing oto context",
		"platform", platform.OS,
		"subsystem", platform.Subsystem,
		"format", cfg.Format,
		"buffer", options.BufferSize)

	ctx, ready, err := oto.NewContext(options)
	if err != nil {
		return nil, fmt.Errorf("%w: oto context: %v", ErrBackendUnavailable, err)
	}

	timeout := 5 * time.Second
	if platform.OS == PlatformDarwin {
		timeout = 10 * time.Second
	}
	select {
	case <-ready:
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: oto context not ready after %v", ErrBackendUnavailable, timeout)
	}

	otoCtx, otoFormat = ctx, cfg.Format
	return ctx, nil
}

// OtoBackend plays through oto. It has no capture side.
type OtoBackend struct {
	platform *PlatformInfo
}

// NewOto returns an output-only backend.
func NewOto(platform *PlatformInfo) *OtoBackend {
	if platform == nil {
		platform = DetectPlatform()
	}
	return &OtoBackend{platform: platform}
}

// Name implements Backend.
func (b *OtoBackend) Name() string { return "oto" }

// Capabilities implements Backend.
func (b *OtoBackend) Capabilities() Capabilities { return Capabilities{Output: true} }

// Supports implements Backend.
func (b *OtoBackend) Supports(cfg StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	otoMu.Lock()
	defer otoMu.Unlock()
	if otoCtx != nil && otoFormat != cfg.Format {
		return fmt.Errorf("%w: oto already running at %s", audio.ErrUnsupportedConfig, otoFormat)
	}
	return nil
}

// OpenOutput implements Backend.
func (b *OtoBackend) OpenOutput(cfg StreamConfig, render RenderFunc, lost LostFunc) (Handle, error) {
	ctx, err := otoContext(b.platform, cfg)
	if err != nil {
		return nil, err
	}
	src := &otoReader{render: render, channels: cfg.Format.Channels}
	src.scratch = make([]float32, cfg.BufferFrames*cfg.Format.Channels)
	h := &otoHandle{player: ctx.NewPlayer(src), lost: lost, done: make(chan struct{})}
	go h.watch()
	return h, nil
}

// OpenInput implements Backend.
func (b *OtoBackend) OpenInput(StreamConfig, CaptureFunc, LostFunc) (Handle, error) {
	return nil, fmt.Errorf("%w: oto cannot capture", ErrBackendUnavailable)
}

// Close implements Backend. The shared context outlives the backend.
func (b *OtoBackend) Close() error { return nil }

// otoReader pulls rendered samples for the oto player.
type otoReader struct {
	render   RenderFunc
	channels int
	scratch  []float32
}

func (r *otoReader) Read(p []byte) (int, error) {
	frames := len(p) / (4 * r.channels)
	if frames == 0 {
		return 0, nil
	}
	n := frames * r.channels
	if n > len(r.scratch) {
		n = len(r.scratch) - len(r.scratch)%r.channels
	}
	out := r.scratch[:n]
	r.render(out)
	return audio.PutFloat32LE(p, out), nil
}

type otoHandle struct {
	player *oto.Player
	lost   LostFunc

	closed   atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// watch reports the player as lost once oto surfaces an error.
func (h *otoHandle) watch() {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-t.C:
			if err := h.player.Err(); err != nil && !h.closed.Load() {
				log.Warn("oto player failed", "err", err)
				if h.lost != nil {
					h.lost(Output, fmt.Errorf("%w: %v", audio.ErrDeviceLost, err))
				}
				return
			}
		}
	}
}

func (h *otoHandle) Start() error {
	h.player.Play()
	return nil
}

func (h *otoHandle) Stop() error {
	h.player.Pause()
	return nil
}

func (h *otoHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.doneOnce.Do(func() { close(h.done) })
	return h.player.Close()
}
