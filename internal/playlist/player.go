package playlist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/devsound/devsound/internal/audio"
	"github.com/devsound/devsound/internal/engine"
	"github.com/devsound/devsound/internal/library"
)

// Engine is the part of the session controller the player drives.
type Engine interface {
	Play(src *audio.Source) (audio.StreamID, error)
	Stop(id audio.StreamID) error
	Pause(id audio.StreamID) error
	Resume(id audio.StreamID) error
	Seek(id audio.StreamID, pos time.Duration) error
	Position(id audio.StreamID) (pos, dur time.Duration, err error)
	Events() <-chan engine.Event
	Format() audio.Format
}

// OpenFunc turns a track into a playable source.
type OpenFunc func(t library.Track, format audio.Format) (*audio.Source, error)

// OpenFile streams the track from disk.
func OpenFile(t library.Track, format audio.Format) (*audio.Source, error) {
	src, err := audio.OpenFile(t.Path, format, audio.DefaultFileOptions())
	if err != nil {
		return nil, err
	}
	return src.Named(t.Title), nil
}

// Player plays the selected track of a playlist on an engine and moves to
// the next track when one finishes.
type Player struct {
	list   *Playlist
	eng    Engine
	open   OpenFunc
	logger *log.Logger

	unsubscribe func()

	mu      sync.Mutex
	stream  audio.StreamID
	track   library.Track
	paused  bool
	lastErr error
}

// NewPlayer subscribes a player to list. A nil open streams files from
// disk.
func NewPlayer(list *Playlist, eng Engine, open OpenFunc, logger *log.Logger) *Player {
	if open == nil {
		open = OpenFile
	}
	if logger == nil {
		logger = log.Default()
	}
	p := &Player{list: list, eng: eng, open: open, logger: logger}
	p.unsubscribe = list.Subscribe(p)
	return p
}

// TrackSelected starts the selected track, replacing the current stream.
func (p *Player) TrackSelected(t library.Track, _ int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.stopLocked(); err != nil {
		p.logger.Warn("stopping previous track", "err", err)
	}
	src, err := p.open(t, p.eng.Format())
	if err != nil {
		p.lastErr = err
		p.logger.Error("opening track", "track", t.Path, "err", err)
		return
	}
	id, err := p.eng.Play(src)
	if err != nil {
		_ = src.Close()
		p.lastErr = err
		p.logger.Error("playing track", "track", t.Path, "err", err)
		return
	}
	p.stream, p.track, p.paused, p.lastErr = id, t, false, nil
	p.logger.Debug("track started", "track", t.Title, "stream", id)
}

// PlaybackChanged pauses or resumes the current stream.
func (p *Player) PlaybackChanged(playing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == 0 || p.paused == !playing {
		return
	}
	var err error
	if playing {
		err = p.eng.Resume(p.stream)
	} else {
		err = p.eng.Pause(p.stream)
	}
	if err != nil {
		p.logger.Warn("changing playback", "playing", playing, "err", err)
		return
	}
	p.paused = !playing
}

// Toggle flips between playing and paused.
func (p *Player) Toggle() {
	p.list.SetPlaying(!p.list.Playing())
}

// Seek moves within the current track.
func (p *Player) Seek(pos time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == 0 {
		return audio.ErrStreamNotFound
	}
	return p.eng.Seek(p.stream, pos)
}

// Progress returns the position and duration of the current track.
func (p *Player) Progress() (library.Track, time.Duration, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == 0 {
		return library.Track{}, 0, 0, false
	}
	pos, dur, err := p.eng.Position(p.stream)
	if err != nil {
		return p.track, 0, p.track.Duration, true
	}
	if dur <= 0 {
		dur = p.track.Duration
	}
	return p.track, pos, dur, true
}

// Err returns the last open or play failure.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// HandleEvent advances the playlist when the current stream finishes.
// It returns true if the event was about the player's stream.
func (p *Player) HandleEvent(ev engine.Event) bool {
	if ev.Kind != engine.EventStreamEnded {
		return false
	}
	p.mu.Lock()
	mine := ev.Stream != 0 && ev.Stream == p.stream
	if mine {
		p.stream = 0
	}
	track := p.track
	p.mu.Unlock()
	if !mine {
		return false
	}

	switch ev.Reason {
	case engine.ReasonFinished:
		if _, err := p.list.Next(); err != nil && !errors.Is(err, ErrEmpty) {
			p.logger.Error("advancing playlist", "err", err)
		}
	case engine.ReasonUnderrun:
		p.logger.Warn("track starved, skipping", "track", track.Path)
		_, _ = p.list.Next()
	default:
		p.list.SetPlaying(false)
	}
	return true
}

// Run consumes engine events until ctx is done or the engine closes its
// event stream. forward, if set, receives every event after the player
// handled it.
func (p *Player) Run(ctx context.Context, forward func(engine.Event)) error {
	events := p.eng.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.HandleEvent(ev)
			if forward != nil {
				forward(ev)
			}
		}
	}
}

// Close stops the current stream and detaches from the playlist.
func (p *Player) Close() error {
	p.unsubscribe()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked()
}

func (p *Player) stopLocked() error {
	if p.stream == 0 {
		return nil
	}
	id := p.stream
	p.stream = 0
	err := p.eng.Stop(id)
	if errors.Is(err, audio.ErrStreamNotFound) {
		return nil
	}
	return err
}
