package engine

import (
	"fmt"
	"time"

	"github.com/devsound/devsound/internal/audio"
)

// EventKind classifies engine notifications.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventStreamStarted
	EventStreamEnded
	EventDeviceLost
	EventUnderrun
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventStreamStarted:
		return "started"
	case EventStreamEnded:
		return "ended"
	case EventDeviceLost:
		return "device-lost"
	case EventUnderrun:
		return "underrun"
	default:
		return "unknown"
	}
}

// Reasons a stream leaves the session.
const (
	ReasonStopped  = "stopped"
	ReasonFinished = "finished"
	ReasonUnderrun = "underrun"
	ReasonReset    = "reset"
	ReasonShutdown = "shutdown"
)

// Event is delivered on Engine.Events. Slow consumers miss events rather
// than stall the engine.
type Event struct {
	Kind   EventKind
	Time   time.Time
	Stream audio.StreamID
	From   State
	To     State
	Reason string
	Err    error
}

func (e Event) String() string {
	switch e.Kind {
	case EventStateChanged:
		return fmt.Sprintf("%s -> %s", e.From, e.To)
	case EventStreamStarted:
		return fmt.Sprintf("stream %s started", e.Stream)
	case EventStreamEnded:
		return fmt.Sprintf("stream %s ended (%s)", e.Stream, e.Reason)
	case EventDeviceLost:
		return fmt.Sprintf("device lost: %v", e.Err)
	case EventUnderrun:
		return fmt.Sprintf("stream %s underrun", e.Stream)
	default:
		return e.Kind.String()
	}
}

// StreamInfo is a point-in-time view of a stream.
type StreamInfo struct {
	ID         audio.StreamID
	Kind       audio.StreamKind
	Source     string
	SourceKind audio.SourceKind
	Gain       float32
	Paused     bool
	Position   time.Duration
	Duration   time.Duration
	Underruns  uint64
	Created    time.Time
}

func streamInfo(s *audio.Stream) StreamInfo {
	src := s.Source()
	return StreamInfo{
		ID:         s.ID,
		Kind:       s.Kind,
		Source:     src.Name(),
		SourceKind: src.Kind(),
		Gain:       s.Gain(),
		Paused:     s.Paused(),
		Position:   src.Position(),
		Duration:   src.Duration(),
		Underruns:  s.Underruns(),
		Created:    s.Created,
	}
}
