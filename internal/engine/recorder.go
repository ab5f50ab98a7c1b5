package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/devsound/devsound/internal/audio"
	"github.com/devsound/devsound/internal/metrics"
)

// recorder moves captured frames from a microphone stream to its
// destination, off the real-time thread.
type recorder struct {
	stream  *audio.Stream
	dst     audio.Destination
	metrics *metrics.EngineMetrics
	logger  *log.Logger

	buf     *audio.Buffer
	dropped uint64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	closeErr error

	mu  sync.Mutex
	err error
}

func newRecorder(stream *audio.Stream, dst audio.Destination, frames int, m *metrics.EngineMetrics, logger *log.Logger) *recorder {
	return &recorder{
		stream:  stream,
		dst:     dst,
		metrics: m,
		logger:  logger,
		buf:     audio.NewBuffer(stream.Source().Format(), frames),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *recorder) run() {
	defer close(r.done)
	mic := r.stream.Source().Mic()
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()

	for {
		select {
		case <-r.stop:
			r.drain()
			return
		case <-mic.Ready():
		case <-t.C:
		}
		r.drain()
	}
}

func (r *recorder) drain() {
	src := r.stream.Source()
	mic := src.Mic()
	if d := mic.Dropped(); d > r.dropped {
		r.metrics.InputDropped(d - r.dropped)
		r.dropped = d
	}

	for {
		r.buf.Clear()
		n, err := src.Produce(r.buf)
		if n > 0 && r.failed() == nil {
			samples := r.buf.Samples()[:n*r.buf.Channels()]
			if g := r.stream.Gain(); g != 1 {
				for i := range samples {
					samples[i] *= g
				}
			}
			if werr := r.dst.Write(samples); werr != nil {
				r.fail(werr)
			} else {
				r.metrics.Recorded(n)
			}
		}
		if errors.Is(err, audio.ErrDeviceLost) || n < r.buf.Frames() {
			return
		}
	}
}

func (r *recorder) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
		r.logger.Error("recording write failed", "stream", r.stream.ID, "err", err)
	}
}

func (r *recorder) failed() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// close stops the drain loop after flushing what was captured and closes
// the destination.
func (r *recorder) close() error {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
		r.closeErr = errors.Join(r.failed(), r.dst.Close())
	})
	return r.closeErr
}
