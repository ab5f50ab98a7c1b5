package audio

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"
)

// MicCapture queues frames pushed by an input device callback until a
// consumer drains them through Produce.
type MicCapture struct {
	format Format
	ring   *ringbuffer.RingBuffer

	pushBuf []byte // input callback side
	readBuf []byte // consumer side

	captured atomic.Int64
	dropped  atomic.Uint64
	lost     atomic.Bool
	closed   atomic.Bool
	ready    chan struct{}
}

// NewMicCapture returns a capture queue holding up to capacity of audio.
// chunkFrames is the largest block a single Push or Produce handles at once.
func NewMicCapture(format Format, capacity time.Duration, chunkFrames int) *Source {
	bpf := format.BytesPerFrame()
	frames := max(int(format.FramesFor(capacity)), 4*chunkFrames)
	m := &MicCapture{
		format:  format,
		ring:    ringbuffer.New(frames * bpf),
		pushBuf: make([]byte, chunkFrames*bpf),
		readBuf: make([]byte, chunkFrames*bpf),
		ready:   make(chan struct{}, 1),
	}
	return &Source{kind: SourceMic, name: "microphone", format: format, mic: m}
}

// Push enqueues captured interleaved samples. It never blocks: frames that
// do not fit are dropped and counted.
func (m *MicCapture) Push(samples []float32) {
	if m.closed.Load() {
		return
	}
	ch := m.format.Channels
	bpf := m.format.BytesPerFrame()
	chunk := len(m.pushBuf) / 4

	for len(samples) >= ch {
		n := min(len(samples), chunk)
		n -= n % ch
		b := m.pushBuf[:PutFloat32LE(m.pushBuf, samples[:n])]
		// capacity and every read are whole frames, so a partial write is too
		w, err := ringTryWrite(m.ring, b)
		if err != nil && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
			w = 0
		}
		if dropped := (len(b) - w) / bpf; dropped > 0 {
			m.dropped.Add(uint64(dropped))
		}
		samples = samples[n:]
	}

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after every Push.
func (m *MicCapture) Ready() <-chan struct{} { return m.ready }

// MarkLost records that the input device went away. Produce reports
// ErrDeviceLost once the queue is drained.
func (m *MicCapture) MarkLost() {
	m.lost.Store(true)
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Lost reports whether the input device was lost.
func (m *MicCapture) Lost() bool { return m.lost.Load() }

// Dropped returns the number of frames discarded because the queue was full.
func (m *MicCapture) Dropped() uint64 { return m.dropped.Load() }

// Captured returns the number of frames handed to the consumer.
func (m *MicCapture) Captured() int64 { return m.captured.Load() }

// Reset empties the queue and clears the lost flag, used after the input
// device is reopened.
func (m *MicCapture) Reset() {
	m.ring.Reset()
	m.lost.Store(false)
}

func (m *MicCapture) produce(buf *Buffer) (int, error) {
	bpf := m.format.BytesPerFrame()
	ch := m.format.Channels
	written := 0
	for buf.Remaining() > 0 {
		want := min(buf.Remaining(), len(m.readBuf)/bpf) * bpf
		n, _ := ringTryRead(m.ring, m.readBuf[:want])
		frames := n / bpf
		if frames == 0 {
			break
		}
		Float32LE(buf.Tail()[:frames*ch], m.readBuf[:frames*bpf])
		_ = buf.Advance(frames)
		written += frames
	}
	m.captured.Add(int64(written))

	if written == 0 && m.lost.Load() {
		return 0, ErrDeviceLost
	}
	return written, nil
}

func (m *MicCapture) close() {
	m.closed.Store(true)
}
