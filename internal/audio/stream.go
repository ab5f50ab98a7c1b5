package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"
)

// StreamID identifies a stream for the lifetime of an engine. IDs are
// issued in increasing order and never reused.
type StreamID uint64

func (id StreamID) String() string { return fmt.Sprintf("#%d", uint64(id)) }

// StreamKind separates mixed playback streams from capture streams.
type StreamKind uint8

const (
	Playback StreamKind = iota
	Record
)

func (k StreamKind) String() string {
	if k == Record {
		return "record"
	}
	return "playback"
}

// Stream binds a Source to a gain and playback flags. The render callback
// reads a Stream only through atomics.
type Stream struct {
	ID      StreamID
	Kind    StreamKind
	Created time.Time

	source *Source
	gain   atomic.Uint32

	paused    atomic.Bool
	stopped   atomic.Bool
	ended     atomic.Bool
	misses    atomic.Int32
	underruns atomic.Uint64
}

// NewStream creates a stream over src at the given gain.
func NewStream(id StreamID, kind StreamKind, src *Source, gain float64) (*Stream, error) {
	s := &Stream{ID: id, Kind: kind, Created: time.Now(), source: src}
	if err := s.SetGain(gain); err != nil {
		return nil, err
	}
	return s, nil
}

// Source returns the producer this stream reads from.
func (s *Stream) Source() *Source { return s.source }

// Gain returns the current linear gain.
func (s *Stream) Gain() float32 { return math.Float32frombits(s.gain.Load()) }

// SetGain sets the linear gain; values outside [0,1] are rejected.
func (s *Stream) SetGain(g float64) error {
	if math.IsNaN(g) || g < 0 || g > 1 {
		return fmt.Errorf("%w: gain %v (want 0..1)", ErrInvalidRange, g)
	}
	s.gain.Store(math.Float32bits(float32(g)))
	return nil
}

// Pause excludes the stream from mixing without removing it.
func (s *Stream) Pause() { s.paused.Store(true) }

// Resume includes the stream in mixing again.
func (s *Stream) Resume() { s.paused.Store(false) }

// Paused reports whether the stream is paused.
func (s *Stream) Paused() bool { return s.paused.Load() }

// Stop marks the stream for removal. The mixer skips it from the next
// buffer on.
func (s *Stream) Stop() { s.stopped.Store(true) }

// Stopped reports whether Stop was called.
func (s *Stream) Stopped() bool { return s.stopped.Load() }

// Ended reports whether the source reached its end.
func (s *Stream) Ended() bool { return s.ended.Load() }

// Misses returns the number of consecutive buffers the source failed to fill.
func (s *Stream) Misses() int { return int(s.misses.Load()) }

// Underruns returns the total number of short buffers.
func (s *Stream) Underruns() uint64 { return s.underruns.Load() }

// Expired reports whether the stream missed at least limit buffers in a row.
func (s *Stream) Expired(limit int) bool {
	return s.Stopped() || s.Misses() >= limit
}

// WithSource returns a copy of the stream identity and gain over a new
// source, used when seeking replaces the decoder.
func (s *Stream) WithSource(src *Source) *Stream {
	n := &Stream{ID: s.ID, Kind: s.Kind, Created: s.Created, source: src}
	n.gain.Store(s.gain.Load())
	n.paused.Store(s.paused.Load())
	return n
}

// produceOutcome classifies the error of one Produce call.
type produceOutcome uint8

const (
	produceFull produceOutcome = iota
	produceEnded
	produceUnderrun
	produceFailed
)

func outcomeOf(err error) produceOutcome {
	switch {
	case err == nil:
		return produceFull
	case errors.Is(err, io.EOF):
		return produceEnded
	case errors.Is(err, ErrUnderrun):
		return produceUnderrun
	default:
		return produceFailed
	}
}

// Observe records the outcome of one Produce call.
func (s *Stream) Observe(err error) {
	switch outcomeOf(err) {
	case produceFull:
		s.misses.Store(0)
	case produceEnded:
		s.ended.Store(true)
		s.misses.Add(1)
	case produceUnderrun:
		s.underruns.Add(1)
		s.misses.Add(1)
	default:
		s.misses.Add(1)
	}
}
