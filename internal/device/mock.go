package device

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/devsound/devsound/internal/audio"
)

// MockConfig shapes the in-process device.
type MockConfig struct {
	// Duplex allows output and input to be open together.
	Duplex bool

	// NoInput removes the capture direction.
	NoInput bool

	// SampleRates restricts the accepted rates; empty accepts all.
	SampleRates []int

	// Clocked drives callbacks from a ticker at the real buffer period.
	// Otherwise callbacks run only on Tick.
	Clocked bool

	// InputSignal produces captured samples; nil captures silence.
	InputSignal func(frame int64, channel int) float32

	// OpenErr, when set, is returned by every open call.
	OpenErr error
}

// MockBackend is a device that exists only in memory. Tests drive its
// callbacks with Tick and simulate unplugging with Disconnect.
type MockBackend struct {
	cfg MockConfig

	mu      sync.Mutex
	handles []*mockHandle
	opened  map[Direction]int
	closed  bool
}

// NewMock returns an in-memory backend.
func NewMock(cfg MockConfig) *MockBackend {
	return &MockBackend{cfg: cfg, opened: make(map[Direction]int)}
}

// Name implements Backend.
func (b *MockBackend) Name() string { return "mock" }

// Capabilities implements Backend.
func (b *MockBackend) Capabilities() Capabilities {
	return Capabilities{Output: true, Input: !b.cfg.NoInput, Duplex: b.cfg.Duplex}
}

// Supports implements Backend.
func (b *MockBackend) Supports(cfg StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(b.cfg.SampleRates) > 0 && !slices.Contains(b.cfg.SampleRates, cfg.Format.SampleRate) {
		return fmt.Errorf("%w: mock device does not run at %d Hz", audio.ErrUnsupportedConfig, cfg.Format.SampleRate)
	}
	return nil
}

// OpenOutput implements Backend.
func (b *MockBackend) OpenOutput(cfg StreamConfig, render RenderFunc, lost LostFunc) (Handle, error) {
	return b.open(Output, cfg, render, nil, lost)
}

// OpenInput implements Backend.
func (b *MockBackend) OpenInput(cfg StreamConfig, capture CaptureFunc, lost LostFunc) (Handle, error) {
	if b.cfg.NoInput {
		return nil, fmt.Errorf("%w: mock device has no input", ErrBackendUnavailable)
	}
	return b.open(Input, cfg, nil, capture, lost)
}

func (b *MockBackend) open(dir Direction, cfg StreamConfig, render RenderFunc, capture CaptureFunc, lost LostFunc) (Handle, error) {
	if b.cfg.OpenErr != nil {
		return nil, b.cfg.OpenErr
	}
	if err := b.Supports(cfg); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendUnavailable
	}
	h := &mockHandle{
		backend: b,
		dir:     dir,
		cfg:     cfg,
		render:  render,
		capture: capture,
		lost:    lost,
		buf:     make([]float32, cfg.BufferFrames*cfg.Format.Channels),
	}
	b.handles = append(b.handles, h)
	b.opened[dir]++
	return h, nil
}

// Close implements Backend.
func (b *MockBackend) Close() error {
	b.mu.Lock()
	handles := slices.Clone(b.handles)
	b.closed = true
	b.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	return nil
}

func (b *MockBackend) live(dir Direction) []*mockHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*mockHandle
	for _, h := range b.handles {
		if h.dir == dir && h.isOpen() {
			out = append(out, h)
		}
	}
	return out
}

func (b *MockBackend) forget(h *mockHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles = slices.DeleteFunc(b.handles, func(x *mockHandle) bool { return x == h })
}

// Tick runs one callback on every started stream and returns how many ran.
func (b *MockBackend) Tick() int {
	n := 0
	for _, h := range append(b.live(Input), b.live(Output)...) {
		if h.tick() {
			n++
		}
	}
	return n
}

// LastOutput returns a copy of the most recent rendered output buffer.
func (b *MockBackend) LastOutput() []float32 {
	for _, h := range b.live(Output) {
		h.mu.Lock()
		out := slices.Clone(h.last)
		h.mu.Unlock()
		return out
	}
	return nil
}

// IsOpen reports whether a stream in dir is open.
func (b *MockBackend) IsOpen(dir Direction) bool { return len(b.live(dir)) > 0 }

// Opens returns how many streams were ever opened in dir.
func (b *MockBackend) Opens(dir Direction) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened[dir]
}

// Disconnect simulates the device in dir being unplugged.
func (b *MockBackend) Disconnect(dir Direction) {
	for _, h := range b.live(dir) {
		h.disconnect()
	}
}

type mockHandle struct {
	backend *MockBackend
	dir     Direction
	cfg     StreamConfig
	render  RenderFunc
	capture CaptureFunc
	lost    LostFunc

	mu      sync.Mutex
	running bool
	closed  bool
	gone    bool
	buf     []float32
	last    []float32
	frame   int64
	stop    chan struct{}
	done    chan struct{}
}

func (h *mockHandle) isOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

func (h *mockHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.gone {
		return audio.ErrDeviceLost
	}
	if h.running {
		return nil
	}
	h.running = true
	if h.backend.cfg.Clocked {
		h.stop = make(chan struct{})
		h.done = make(chan struct{})
		go h.clock(h.stop, h.done)
	}
	return nil
}

func (h *mockHandle) clock(stop, done chan struct{}) {
	defer close(done)
	period := time.Duration(h.cfg.BufferFrames) * time.Second / time.Duration(h.cfg.Format.SampleRate)
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			h.tick()
		}
	}
}

func (h *mockHandle) Stop() error {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.running = false
	h.stop, h.done = nil, nil
	h.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

func (h *mockHandle) Close() error {
	_ = h.Stop()
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.backend.forget(h)
	return nil
}

func (h *mockHandle) tick() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || h.gone {
		return false
	}

	switch h.dir {
	case Output:
		h.render(h.buf)
		h.last = append(h.last[:0], h.buf...)
	case Input:
		ch := h.cfg.Format.Channels
		for f := 0; f < h.cfg.BufferFrames; f++ {
			for c := 0; c < ch; c++ {
				var v float32
				if sig := h.backend.cfg.InputSignal; sig != nil {
					v = sig(h.frame+int64(f), c)
				}
				h.buf[f*ch+c] = v
			}
		}
		h.capture(h.buf)
	}
	h.frame += int64(h.cfg.BufferFrames)
	return true
}

func (h *mockHandle) disconnect() {
	h.mu.Lock()
	if h.gone {
		h.mu.Unlock()
		return
	}
	h.gone = true
	h.running = false
	h.mu.Unlock()

	if h.lost != nil {
		h.lost(h.dir, audio.ErrDeviceLost)
	}
}
