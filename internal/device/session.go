package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/devsound/devsound/internal/audio"
	"github.com/devsound/devsound/internal/metrics"
)

// StreamSet supplies the current mixing snapshot. Active is called on the
// render thread and must only perform an atomic load.
type StreamSet interface {
	Active() []*audio.Stream
}

// SessionConfig configures a device session.
type SessionConfig struct {
	Stream         StreamConfig
	PoolSize       int
	AcquireTimeout time.Duration
	Streams        StreamSet
	Metrics        *metrics.EngineMetrics

	// OnLost is called when an open handle's device disappears.
	OnLost LostFunc

	// Wake receives a non-blocking signal whenever a render cycle saw a
	// stream finish or underrun.
	Wake chan<- struct{}
}

// Session owns the device handles of an engine, at most one per direction,
// and runs the mixer on the output callback.
type Session struct {
	backend Backend
	cfg     SessionConfig
	pool    *audio.Pool
	mixer   *audio.Mixer
	metrics *metrics.EngineMetrics
	logger  *log.Logger

	mu        sync.Mutex
	output    Handle
	input     Handle
	lostDirs  map[Direction]bool
	reopenMic *audio.MicCapture

	mic    atomic.Pointer[audio.MicCapture]
	paused atomic.Bool
	cycles atomic.Uint64
}

// NewSession prepares a session. No device is opened until OpenOutput or
// OpenInput.
func NewSession(backend Backend, cfg SessionConfig) (*Session, error) {
	if err := backend.Supports(cfg.Stream); err != nil {
		return nil, err
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = audio.DefaultPoolSize
	}
	pool, err := audio.NewPool(cfg.PoolSize, cfg.Stream.Format, cfg.Stream.BufferFrames, cfg.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}

	return &Session{
		backend:  backend,
		cfg:      cfg,
		pool:     pool,
		mixer:    audio.NewMixer(cfg.Stream.Format, cfg.Stream.BufferFrames),
		metrics:  m,
		logger:   log.WithPrefix("device"),
		lostDirs: make(map[Direction]bool),
	}, nil
}

// Backend returns the backend the session opens streams on.
func (s *Session) Backend() Backend { return s.backend }

// Pool returns the buffer pool used by the render callback.
func (s *Session) Pool() *audio.Pool { return s.pool }

// Cycles returns the number of completed render callbacks.
func (s *Session) Cycles() uint64 { return s.cycles.Load() }

// SetPaused makes the render callback emit silence without mixing. The
// output handle stays open.
func (s *Session) SetPaused(p bool) { s.paused.Store(p) }

// Paused reports whether output is paused.
func (s *Session) Paused() bool { return s.paused.Load() }

// HasOutput reports whether an output handle is open.
func (s *Session) HasOutput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output != nil
}

// HasInput reports whether an input handle is open.
func (s *Session) HasInput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input != nil
}

// OpenOutput opens and starts the output stream.
func (s *Session) OpenOutput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.output != nil {
		return fmt.Errorf("%w: output already open", audio.ErrDeviceBusy)
	}
	return s.openOutputLocked()
}

func (s *Session) openOutputLocked() error {
	h, err := s.backend.OpenOutput(s.cfg.Stream, s.render, s.handleLost)
	if err != nil {
		return audio.NewError(err, "device", "open output")
	}
	if err := h.Start(); err != nil {
		_ = h.Close()
		return audio.NewError(err, "device", "start output")
	}
	s.output = h
	delete(s.lostDirs, Output)
	s.logger.Debug("output opened", "backend", s.backend.Name(), "format", s.cfg.Stream.Format, "frames", s.cfg.Stream.BufferFrames)
	return nil
}

// CloseOutput stops and closes the output stream if open.
func (s *Session) CloseOutput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeOutputLocked()
}

func (s *Session) closeOutputLocked() error {
	h := s.output
	if h == nil {
		return nil
	}
	s.output = nil
	delete(s.lostDirs, Output)
	s.paused.Store(false)
	err := errors.Join(h.Stop(), h.Close())
	s.logger.Debug("output closed")
	return err
}

// OpenInput opens the input stream and routes captured frames into mic.
func (s *Session) OpenInput(mic *audio.MicCapture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.input != nil {
		return fmt.Errorf("%w: input already open", audio.ErrDeviceBusy)
	}
	if !s.backend.Capabilities().Input {
		return fmt.Errorf("%w: %s backend cannot capture", audio.ErrUnsupportedConfig, s.backend.Name())
	}
	return s.openInputLocked(mic)
}

func (s *Session) openInputLocked(mic *audio.MicCapture) error {
	s.mic.Store(mic)
	h, err := s.backend.OpenInput(s.cfg.Stream, s.captureFrames, s.handleLost)
	if err != nil {
		s.mic.Store(nil)
		return audio.NewError(err, "device", "open input")
	}
	if err := h.Start(); err != nil {
		_ = h.Close()
		s.mic.Store(nil)
		return audio.NewError(err, "device", "start input")
	}
	s.input = h
	s.reopenMic = mic
	delete(s.lostDirs, Input)
	s.logger.Debug("input opened", "backend", s.backend.Name())
	return nil
}

// CloseInput stops and closes the input stream if open.
func (s *Session) CloseInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeInputLocked()
}

func (s *Session) closeInputLocked() error {
	h := s.input
	if h == nil {
		return nil
	}
	s.input = nil
	s.reopenMic = nil
	delete(s.lostDirs, Input)
	err := errors.Join(h.Stop(), h.Close())
	s.mic.Store(nil)
	s.logger.Debug("input closed")
	return err
}

// Reopen replaces every handle whose device was lost with a fresh one.
func (s *Session) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.lostDirs[Output] {
		if old := s.output; old != nil {
			_ = old.Close()
			s.output = nil
		}
		if err := s.openOutputLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.lostDirs[Input] {
		mic := s.reopenMic
		if old := s.input; old != nil {
			_ = old.Close()
			s.input = nil
		}
		if mic != nil {
			mic.Reset()
			if err := s.openInputLocked(mic); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Lost reports whether dir's device disappeared and was not reopened.
func (s *Session) Lost(dir Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lostDirs[dir]
}

// Close releases both handles.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.closeOutputLocked(), s.closeInputLocked())
}

func (s *Session) handleLost(dir Direction, err error) {
	s.mu.Lock()
	s.lostDirs[dir] = true
	s.mu.Unlock()

	if dir == Input {
		if m := s.mic.Load(); m != nil {
			m.MarkLost()
		}
	}
	s.metrics.DeviceLost(dir.String())
	if s.cfg.OnLost != nil {
		s.cfg.OnLost(dir, err)
	}
}

// render is the output callback. It must not allocate, lock or block.
func (s *Session) render(out []float32) {
	if s.paused.Load() {
		clear(out)
		s.cycles.Add(1)
		return
	}

	start := time.Now()
	ch := s.cfg.Stream.Format.Channels
	chunk := s.pool.Frames()
	underruns := 0
	notify := false

	for off := 0; off < len(out); off += chunk * ch {
		frames := min(chunk, (len(out)-off)/ch)
		if frames == 0 {
			break
		}
		dst := out[off : off+frames*ch]

		buf := s.pool.AcquireOrSilence(frames)
		if buf.IsSilence() {
			clear(dst)
			s.metrics.PoolExhausted()
			continue
		}
		res := s.mixer.Mix(s.cfg.Streams.Active(), buf)
		copy(dst, buf.Samples())
		_ = s.pool.Release(buf)

		underruns += res.Underruns
		notify = notify || res.Underruns > 0 || res.Finished > 0
	}

	s.cycles.Add(1)
	s.metrics.ObserveRender(time.Since(start), underruns)
	if notify && s.cfg.Wake != nil {
		select {
		case s.cfg.Wake <- struct{}{}:
		default:
		}
	}
}

func (s *Session) captureFrames(in []float32) {
	if m := s.mic.Load(); m != nil {
		m.Push(in)
	}
}
