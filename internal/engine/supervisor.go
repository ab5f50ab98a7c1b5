package engine

import (
	"errors"
	"slices"
	"time"

	"github.com/devsound/devsound/internal/audio"
	"github.com/devsound/devsound/internal/device"
)

// onLost runs wherever the backend reports a disconnect, possibly with
// session locks held, so it only queues the notice.
func (e *Engine) onLost(dir device.Direction, err error) {
	select {
	case e.lost <- lostNotice{dir: dir, err: err}:
	default:
	}
}

// supervise applies device loss and reaps finished streams.
func (e *Engine) supervise() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.ReapInterval)
	defer t.Stop()

	for {
		select {
		case <-e.quit:
			return
		case n := <-e.lost:
			e.handleLost(n)
		case <-e.wake:
			e.reap()
		case <-t.C:
			e.reap()
		}
	}
}

func (e *Engine) handleLost(n lostNotice) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	err := n.err
	if err == nil {
		err = audio.ErrDeviceLost
	}
	err = audio.NewError(err, "device", n.dir.String())

	e.lastErr = err
	e.machine.transition(StateError)
	e.emit(Event{Kind: EventDeviceLost, Err: err})
	e.logger.Error("audio device lost", "direction", n.dir, "err", err)
}

// reap removes playback streams that ended or kept underrunning.
func (e *Engine) reap() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	var total uint64
	var expired []*audio.Stream
	for _, s := range e.streams {
		if s.Kind != audio.Playback {
			continue
		}
		total += s.Underruns()
		if s.Expired(e.cfg.UnderrunLimit) {
			expired = append(expired, s)
		}
	}

	if total > e.underruns {
		for _, s := range e.streams {
			if s.Misses() > 0 && !s.Ended() {
				e.emit(Event{Kind: EventUnderrun, Stream: s.ID})
			}
		}
		if e.limiter.Allow() {
			e.logger.Warn("streams underrunning", "underruns", total-e.underruns, "total", total)
		}
		e.underruns = total
	}

	if len(expired) == 0 {
		return
	}
	var errs []error
	for _, s := range expired {
		reason := ReasonUnderrun
		if s.Ended() {
			reason = ReasonFinished
		}
		if !slices.Contains(e.streams, s) {
			continue
		}
		errs = append(errs, e.removeLocked(s, reason))
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("releasing finished streams", "err", err)
	}
	e.settleLocked()
}
