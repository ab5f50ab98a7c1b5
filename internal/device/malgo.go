//go:build !nocgo
// +build !nocgo

package device

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"

	"github.com/devsound/devsound/internal/audio"
)

// MalgoBackend drives hardware through miniaudio. It supports playback,
// capture and running both at once.
type MalgoBackend struct {
	ctx    *malgo.AllocatedContext
	logger *log.Logger

	mu      sync.Mutex
	handles map[*malgoHandle]struct{}
}

// NewMalgo initialises a miniaudio context with the platform's native API.
func NewMalgo() (*MalgoBackend, error) {
	var backends []malgo.Backend
	switch runtime.GOOS {
	case "linux":
		backends = []malgo.Backend{malgo.BackendPulseaudio, malgo.BackendAlsa}
	case "windows":
		backends = []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		backends = []malgo.Backend{malgo.BackendCoreaudio}
	}

	logger := log.WithPrefix("malgo")
	ctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, func(msg string) {
		logger.Debug(strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: malgo context: %v", ErrBackendUnavailable, err)
	}
	return &MalgoBackend{ctx: ctx, logger: logger, handles: make(map[*malgoHandle]struct{})}, nil
}

// Name implements Backend.
func (b *MalgoBackend) Name() string { return "malgo" }

// Capabilities implements Backend.
func (b *MalgoBackend) Capabilities() Capabilities {
	return Capabilities{Output: true, Input: true, Duplex: true}
}

// Supports implements Backend. miniaudio converts any rate internally.
func (b *MalgoBackend) Supports(cfg StreamConfig) error {
	return cfg.Validate()
}

// Devices implements Lister.
func (b *MalgoBackend) Devices(dir Direction) ([]Info, error) {
	kind := malgo.Playback
	if dir == Input {
		kind = malgo.Capture
	}
	infos, err := b.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("listing %s devices: %w", dir, err)
	}
	out := make([]Info, 0, len(infos))
	for _, i := range infos {
		out = append(out, Info{Name: i.Name(), Direction: dir, Default: i.IsDefault != 0})
	}
	return out, nil
}

func (b *MalgoBackend) findDevice(kind malgo.DeviceType, name string) (unsafe.Pointer, error) {
	if name == "" {
		return nil, nil
	}
	infos, err := b.ctx.Devices(kind)
	if err != nil {
		return nil, err
	}
	for _, i := range infos {
		if strings.Contains(strings.ToLower(i.Name()), strings.ToLower(name)) {
			return i.ID.Pointer(), nil
		}
	}
	return nil, fmt.Errorf("%w: no device matching %q", audio.ErrUnsupportedConfig, name)
}

// OpenOutput implements Backend.
func (b *MalgoBackend) OpenOutput(cfg StreamConfig, render RenderFunc, lost LostFunc) (Handle, error) {
	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	dc.SampleRate = uint32(cfg.Format.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.BufferFrames)
	dc.Playback.Format = malgo.FormatF32
	dc.Playback.Channels = uint32(cfg.Format.Channels)
	dc.Alsa.NoMMap = 1
	id, err := b.findDevice(malgo.Playback, cfg.DeviceName)
	if err != nil {
		return nil, err
	}
	dc.Playback.DeviceID = id

	h := &malgoHandle{backend: b, dir: Output, lost: lost}
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			if len(out) < 4 {
				return
			}
			render(unsafe.Slice((*float32)(unsafe.Pointer(&out[0])), len(out)/4))
		},
		Stop: h.onStop,
	}
	return b.init(h, dc, callbacks)
}

// OpenInput implements Backend.
func (b *MalgoBackend) OpenInput(cfg StreamConfig, capture CaptureFunc, lost LostFunc) (Handle, error) {
	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.SampleRate = uint32(cfg.Format.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.BufferFrames)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = uint32(cfg.Format.Channels)
	dc.Alsa.NoMMap = 1
	id, err := b.findDevice(malgo.Capture, cfg.DeviceName)
	if err != nil {
		return nil, err
	}
	dc.Capture.DeviceID = id

	h := &malgoHandle{backend: b, dir: Input, lost: lost}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			if len(in) < 4 {
				return
			}
			capture(unsafe.Slice((*float32)(unsafe.Pointer(&in[0])), len(in)/4))
		},
		Stop: h.onStop,
	}
	return b.init(h, dc, callbacks)
}

func (b *MalgoBackend) init(h *malgoHandle, dc malgo.DeviceConfig, callbacks malgo.DeviceCallbacks) (Handle, error) {
	dev, err := malgo.InitDevice(b.ctx.Context, dc, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init %s device: %w", h.dir, err)
	}
	h.dev = dev

	b.mu.Lock()
	b.handles[h] = struct{}{}
	b.mu.Unlock()
	return h, nil
}

// Close implements Backend.
func (b *MalgoBackend) Close() error {
	b.mu.Lock()
	handles := make([]*malgoHandle, 0, len(b.handles))
	for h := range b.handles {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	return err
}

type malgoHandle struct {
	backend *MalgoBackend
	dir     Direction
	dev     *malgo.Device
	lost    LostFunc

	// stopping is set while we stop the device ourselves so the Stop
	// callback is not mistaken for a disconnect.
	stopping atomic.Bool
	closed   atomic.Bool
	lostOnce sync.Once
}

func (h *malgoHandle) onStop() {
	if h.stopping.Load() || h.closed.Load() {
		return
	}
	h.lostOnce.Do(func() {
		h.backend.logger.Warn("device stopped unexpectedly", "direction", h.dir)
		if h.lost != nil {
			go h.lost(h.dir, audio.ErrDeviceLost)
		}
	})
}

func (h *malgoHandle) Start() error {
	h.stopping.Store(false)
	return h.dev.Start()
}

func (h *malgoHandle) Stop() error {
	if !h.dev.IsStarted() {
		return nil
	}
	h.stopping.Store(true)
	return h.dev.Stop()
}

func (h *malgoHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.stopping.Store(true)
	h.dev.Uninit()

	h.backend.mu.Lock()
	delete(h.backend.handles, h)
	h.backend.mu.Unlock()
	return nil
}
