// Package engine is the control surface of an audio session: it owns the
// device session, the set of active streams and the mode state machine.
//
// Control calls are serialized by the engine. The render callback only ever
// sees immutable stream snapshots published with an atomic pointer swap.
package engine

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/devsound/devsound/internal/audio"
	"github.com/devsound/devsound/internal/device"
	"github.com/devsound/devsound/internal/metrics"
)

// snapshot is the stream set the render callback mixes.
type snapshot struct {
	p atomic.Pointer[[]*audio.Stream]
}

// Active implements device.StreamSet.
func (s *snapshot) Active() []*audio.Stream {
	if p := s.p.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *snapshot) publish(streams []*audio.Stream) {
	s.p.Store(&streams)
}

type lostNotice struct {
	dir device.Direction
	err error
}

// Engine is one audio session.
type Engine struct {
	id      string
	cfg     Config
	format  audio.Format
	backend device.Backend
	session *device.Session
	metrics *metrics.EngineMetrics
	logger  *log.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	machine   *stateMachine
	streams   []*audio.Stream
	recorders map[audio.StreamID]*recorder
	lastID    audio.StreamID
	lastErr   error
	underruns uint64
	closed    bool

	active snapshot

	lost     chan lostNotice
	wake     chan struct{}
	quit     chan struct{}
	events   chan Event
	eventCap int
	wg       sync.WaitGroup
}

// New initialises an engine on backend. No device is opened until the
// first Play or Record. An invalid sample rate or buffer size, or one the
// backend cannot run, fails with audio.ErrUnsupportedConfig.
func New(cfg Config, backend device.Backend, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: no backend", audio.ErrUnsupportedConfig)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		id:        uuid.NewString(),
		cfg:       cfg,
		format:    cfg.Format(),
		backend:   backend,
		recorders: make(map[audio.StreamID]*recorder),
		limiter:   rate.NewLimiter(rate.Every(time.Second), 3),
		lost:      make(chan lostNotice, 4),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		eventCap:  64,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewUnregistered()
	}
	if e.logger == nil {
		e.logger = log.WithPrefix("engine")
	}
	e.logger = e.logger.With("session", e.id[:8])
	e.events = make(chan Event, e.eventCap)
	e.machine = newStateMachine(e.stateChanged)
	e.metrics.SetState(StateIdle.String(), stateNames())

	session, err := device.NewSession(backend, device.SessionConfig{
		Stream: device.StreamConfig{
			Format:       e.format,
			BufferFrames: cfg.BufferFrames,
			DeviceName:   cfg.DeviceName,
		},
		PoolSize:       cfg.PoolSize,
		AcquireTimeout: cfg.AcquireTimeout,
		Streams:        &e.active,
		Metrics:        e.metrics,
		OnLost:         e.onLost,
		Wake:           e.wake,
	})
	if err != nil {
		return nil, err
	}
	e.session = session
	e.active.publish(nil)

	e.wg.Add(1)
	go e.supervise()

	e.logger.Debug("engine initialised", "backend", backend.Name(), "format", e.format, "frames", cfg.BufferFrames, "duplex", e.duplex())
	return e, nil
}

// ID returns the session identifier.
func (e *Engine) ID() string { return e.id }

// Format returns the mixing format.
func (e *Engine) Format() audio.Format { return e.format }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Backend returns the device backend.
func (e *Engine) Backend() device.Backend { return e.backend }

// Events delivers state changes and stream lifecycle notifications. It is
// closed by Shutdown.
func (e *Engine) Events() <-chan Event { return e.events }

// PoolStats returns the render buffer pool counters.
func (e *Engine) PoolStats() audio.PoolStats { return e.session.Pool().Stats() }

// State returns the current mode.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.current
}

// Err returns the error that moved the engine into StateError, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Streams lists the active streams in mixing order.
func (e *Engine) Streams() []StreamInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StreamInfo, 0, len(e.streams))
	for _, s := range e.streams {
		out = append(out, streamInfo(s))
	}
	return out
}

// Stream returns the view of one stream.
func (e *Engine) Stream(id audio.StreamID) (StreamInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.find(id)
	if err != nil {
		return StreamInfo{}, err
	}
	return streamInfo(s), nil
}

func (e *Engine) duplex() bool {
	return e.cfg.Duplex && e.backend.Capabilities().Duplex
}

// Play adds a playback stream over src and returns its id. The engine
// takes ownership of src. Microphone sources cannot be played, and src must
// produce the engine format.
func (e *Engine) Play(src *audio.Source) (audio.StreamID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usableLocked("play"); err != nil {
		return 0, err
	}
	if src == nil {
		return 0, fmt.Errorf("%w: nil source", audio.ErrInvalidState)
	}
	if src.Kind() == audio.SourceMic {
		return 0, fmt.Errorf("%w: microphone sources are recorded, not played", audio.ErrInvalidState)
	}
	if src.Format() != e.format {
		return 0, fmt.Errorf("%w: source is %s, engine runs %s", audio.ErrUnsupportedFormat, src.Format(), e.format)
	}
	if e.recordingLocked() && !e.duplex() {
		return 0, fmt.Errorf("%w: recording in progress and duplex is off", audio.ErrDeviceBusy)
	}

	if !e.session.HasOutput() {
		if err := e.session.OpenOutput(); err != nil {
			return 0, err
		}
	}

	id := e.lastID + 1
	s, err := audio.NewStream(id, audio.Playback, src, 1)
	if err != nil {
		return 0, err
	}
	e.lastID = id
	e.streams = append(e.streams, s)
	e.publishLocked()
	e.settleLocked()
	e.emit(Event{Kind: EventStreamStarted, Stream: id})
	e.logger.Info("playing", "stream", id, "source", src.Name(), "kind", src.Kind())
	return id, nil
}

// Record starts capturing from the input device into dst and returns the
// record stream's id. The engine takes ownership of dst and closes it when
// the stream stops.
func (e *Engine) Record(dst audio.Destination) (audio.StreamID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usableLocked("record"); err != nil {
		return 0, err
	}
	if dst == nil {
		return 0, fmt.Errorf("%w: nil destination", audio.ErrInvalidState)
	}
	if e.recordingLocked() {
		return 0, fmt.Errorf("%w: already recording", audio.ErrDeviceBusy)
	}
	if e.playingLocked() && !e.duplex() {
		return 0, fmt.Errorf("%w: playback in progress and duplex is off", audio.ErrDeviceBusy)
	}
	if !e.backend.Capabilities().Input {
		return 0, fmt.Errorf("%w: %s backend has no input", audio.ErrUnsupportedConfig, e.backend.Name())
	}

	src := audio.NewMicCapture(e.format, e.cfg.InputBuffer, e.cfg.BufferFrames)
	if err := e.session.OpenInput(src.Mic()); err != nil {
		return 0, err
	}

	id := e.lastID + 1
	s, err := audio.NewStream(id, audio.Record, src, 1)
	if err != nil {
		_ = e.session.CloseInput()
		return 0, err
	}
	e.lastID = id
	e.streams = append(e.streams, s)

	r := newRecorder(s, dst, e.cfg.BufferFrames, e.metrics, e.logger)
	e.recorders[id] = r
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.run()
	}()

	e.settleLocked()
	e.emit(Event{Kind: EventStreamStarted, Stream: id})
	e.logger.Info("recording", "stream", id)
	return id, nil
}

// Stop removes a stream. It takes effect before the next mixing cycle and
// never cuts a buffer in half. Stopping a stream that already ended is a
// no-op; an id that was never issued fails with audio.ErrStreamNotFound.
func (e *Engine) Stop(id audio.StreamID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return audio.ErrEngineShutdown
	}
	s, err := e.find(id)
	if err != nil {
		if id > 0 && id <= e.lastID {
			return nil
		}
		return err
	}
	err = e.removeLocked(s, ReasonStopped)
	e.settleLocked()
	return err
}

// Pause excludes a playback stream from mixing. The session becomes Paused
// once every playback stream is paused.
func (e *Engine) Pause(id audio.StreamID) error {
	return e.setPaused(id, true)
}

// Resume reverses Pause.
func (e *Engine) Resume(id audio.StreamID) error {
	return e.setPaused(id, false)
}

func (e *Engine) setPaused(id audio.StreamID, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usableLocked("pause"); err != nil {
		return err
	}
	s, err := e.find(id)
	if err != nil {
		return err
	}
	if s.Kind != audio.Playback {
		return fmt.Errorf("%w: stream %s is not a playback stream", audio.ErrInvalidState, id)
	}
	if paused {
		s.Pause()
	} else {
		s.Resume()
	}
	e.settleLocked()
	return nil
}

// PauseAll pauses every playback stream.
func (e *Engine) PauseAll() error {
	return e.setAllPaused(true)
}

// ResumeAll resumes every playback stream.
func (e *Engine) ResumeAll() error {
	return e.setAllPaused(false)
}

func (e *Engine) setAllPaused(paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usableLocked("pause"); err != nil {
		return err
	}
	for _, s := range e.streams {
		if s.Kind != audio.Playback {
			continue
		}
		if paused {
			s.Pause()
		} else {
			s.Resume()
		}
	}
	e.settleLocked()
	return nil
}

// SetGain sets a stream's linear gain. Values outside [0,1] fail with
// audio.ErrInvalidRange and leave the gain unchanged.
func (e *Engine) SetGain(id audio.StreamID, gain float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return audio.ErrEngineShutdown
	}
	s, err := e.find(id)
	if err != nil {
		return err
	}
	return s.SetGain(gain)
}

// Seek restarts a file or clip stream at pos. The stream keeps its id,
// gain and pause state.
func (e *Engine) Seek(id audio.StreamID, pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usableLocked("seek"); err != nil {
		return err
	}
	s, err := e.find(id)
	if err != nil {
		return err
	}
	if s.Kind != audio.Playback || !s.Source().Seekable() {
		return fmt.Errorf("%w: stream %s is not seekable", audio.ErrInvalidState, id)
	}

	src, err := s.Source().Reopen(pos)
	if err != nil {
		return err
	}
	ns := s.WithSource(src)
	i := slices.Index(e.streams, s)
	e.streams[i] = ns
	s.Stop()
	e.publishLocked()
	if err := s.Source().Close(); err != nil {
		e.logger.Warn("closing replaced source", "stream", id, "err", err)
	}
	e.logger.Debug("seek", "stream", id, "position", pos)
	return nil
}

// Position returns how far a stream has played and its total length. The
// length is zero for unbounded sources.
func (e *Engine) Position(id audio.StreamID) (pos, dur time.Duration, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.find(id)
	if err != nil {
		return 0, 0, err
	}
	return s.Source().Position(), s.Source().Duration(), nil
}

// Reset stops every stream, releases the device handles and returns the
// engine to Idle. It is the way out of StateError.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return audio.ErrEngineShutdown
	}
	errs := []error{e.removeAllLocked(ReasonReset), e.session.Close()}
	e.lastErr = nil
	e.machine.transition(StateIdle)
	e.logger.Info("engine reset")
	return errors.Join(errs...)
}

// Reopen replaces lost device handles and returns to the mode the engine
// was in before the loss, keeping every stream.
func (e *Engine) Reopen() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return audio.ErrEngineShutdown
	}
	if e.machine.current != StateError {
		return fmt.Errorf("%w: reopen from %s", audio.ErrInvalidState, e.machine.current)
	}
	if err := e.session.Reopen(); err != nil {
		return err
	}
	e.lastErr = nil
	e.machine.transition(e.targetLocked())
	// Streams stopped while in Error left their handles open.
	e.settleLocked()
	e.logger.Info("device reopened", "state", e.machine.current)
	return nil
}

// Shutdown stops every stream, releases the device handles and stops the
// engine's goroutines. It is safe to call more than once. The backend is
// not closed.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	errs := []error{e.removeAllLocked(ReasonShutdown), e.session.Close()}
	e.machine.transition(StateClosed)
	e.closed = true
	e.mu.Unlock()

	close(e.quit)
	e.wg.Wait()

	e.mu.Lock()
	close(e.events)
	e.mu.Unlock()
	e.logger.Debug("engine shut down")
	return errors.Join(errs...)
}

func (e *Engine) usableLocked(action string) error {
	switch {
	case e.closed:
		return audio.ErrEngineShutdown
	case e.machine.current == StateError:
		return audio.NewError(fmt.Errorf("%w: reset the engine first", audio.ErrDeviceLost), "engine", action).
			WithSeverity(audio.SeverityError)
	}
	return nil
}

func (e *Engine) find(id audio.StreamID) (*audio.Stream, error) {
	for _, s := range e.streams {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", audio.ErrStreamNotFound, id)
}

func (e *Engine) playingLocked() bool {
	return slices.ContainsFunc(e.streams, func(s *audio.Stream) bool { return s.Kind == audio.Playback })
}

func (e *Engine) recordingLocked() bool {
	return len(e.recorders) > 0
}

// publishLocked swaps in a snapshot of the playback streams.
func (e *Engine) publishLocked() {
	var next []*audio.Stream
	for _, s := range e.streams {
		if s.Kind == audio.Playback {
			next = append(next, s)
		}
	}
	e.active.publish(next)
	e.metrics.SetActiveStreams(len(e.streams))
}

// removeLocked takes s out of the session and releases its source.
func (e *Engine) removeLocked(s *audio.Stream, reason string) error {
	s.Stop()
	e.streams = slices.DeleteFunc(e.streams, func(x *audio.Stream) bool { return x == s })
	e.publishLocked()

	var err error
	if r, ok := e.recorders[s.ID]; ok {
		delete(e.recorders, s.ID)
		err = errors.Join(r.close(), e.session.CloseInput())
	}
	err = errors.Join(err, s.Source().Close())

	e.metrics.StreamRemoved(reason)
	e.emit(Event{Kind: EventStreamEnded, Stream: s.ID, Reason: reason, Err: err})
	e.logger.Debug("stream removed", "stream", s.ID, "reason", reason)
	return err
}

func (e *Engine) removeAllLocked(reason string) error {
	streams := slices.Clone(e.streams)
	for _, s := range streams {
		s.Stop()
	}
	e.streams = nil
	e.publishLocked()

	var g errgroup.Group
	for _, s := range streams {
		r := e.recorders[s.ID]
		g.Go(func() error {
			var err error
			if r != nil {
				err = r.close()
			}
			return errors.Join(err, s.Source().Close())
		})
		e.metrics.StreamRemoved(reason)
		e.emit(Event{Kind: EventStreamEnded, Stream: s.ID, Reason: reason})
	}
	clear(e.recorders)
	return g.Wait()
}

// targetLocked derives the mode from the streams present.
func (e *Engine) targetLocked() State {
	playback, paused := 0, 0
	for _, s := range e.streams {
		if s.Kind != audio.Playback {
			continue
		}
		playback++
		if s.Paused() {
			paused++
		}
	}
	switch {
	case playback > 0 && paused == playback:
		return StatePaused
	case playback > 0:
		return StatePlaying
	case e.recordingLocked():
		return StateRecording
	default:
		return StateIdle
	}
}

// settleLocked moves the state machine to match the streams and releases
// the output handle when nothing plays.
func (e *Engine) settleLocked() {
	cur := e.machine.current
	if cur == StateError || cur == StateClosed {
		return
	}
	to := e.targetLocked()
	if to == StatePaused && !e.machine.can(StatePaused) {
		to = StatePlaying
	}
	e.session.SetPaused(to == StatePaused)

	if !e.playingLocked() && e.session.HasOutput() {
		if err := e.session.CloseOutput(); err != nil {
			e.logger.Warn("closing output", "err", err)
		}
	}
	if !e.machine.transition(to) {
		e.logger.Error("illegal transition", "from", cur, "to", to)
	}
}

func (e *Engine) stateChanged(from, to State) {
	e.metrics.SetState(to.String(), stateNames())
	e.emit(Event{Kind: EventStateChanged, From: from, To: to})
	e.logger.Debug("state", "from", from, "to", to)
}

// emit must be called with e.mu held.
func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}
