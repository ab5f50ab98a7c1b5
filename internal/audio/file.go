package audio

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/smallnest/ringbuffer"
)

// FileOptions tunes a streaming file decoder.
type FileOptions struct {
	// Prefetch is how much decoded audio is kept ahead of the render callback.
	Prefetch time.Duration

	// ChunkFrames is the largest single Produce request expected. It sizes
	// the render-side scratch space.
	ChunkFrames int

	// Start skips this much audio before the first frame.
	Start time.Duration
}

// DefaultFileOptions returns half a second of prefetch.
func DefaultFileOptions() FileOptions {
	return FileOptions{Prefetch: 500 * time.Millisecond, ChunkFrames: 1024}
}

// FileDecoder streams a WAV or FLAC file. A prefetch goroutine decodes,
// converts and resamples into a ring buffer; the render side only performs
// non-blocking reads from the ring.
type FileDecoder struct {
	info   FileInfo
	format Format
	opts   FileOptions

	ring    *ringbuffer.RingBuffer
	scratch []byte

	startFrame int64
	consumed   atomic.Int64
	underruns  atomic.Uint64
	eof        atomic.Bool

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	decodeErr atomic.Pointer[error]
}

// OpenFile opens path and starts prefetching frames in format.
func OpenFile(path string, format Format, opts FileOptions) (*Source, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = DefaultFileOptions().Prefetch
	}
	if opts.ChunkFrames <= 0 {
		opts.ChunkFrames = DefaultFileOptions().ChunkFrames
	}

	r, err := openPCM(path)
	if err != nil {
		return nil, NewError(err, "decoder", "open").WithContext("path", path)
	}
	meta := r.info()
	if opts.Start > meta.Duration && meta.Duration > 0 {
		r.close()
		return nil, fmt.Errorf("%w: start %s beyond %s", ErrInvalidRange, opts.Start, meta.Duration)
	}

	bpf := format.BytesPerFrame()
	ringFrames := max(int(format.FramesFor(opts.Prefetch)), 2*opts.ChunkFrames)
	d := &FileDecoder{
		info:       meta,
		format:     format,
		opts:       opts,
		ring:       ringbuffer.New(ringFrames * bpf),
		scratch:    make([]byte, opts.ChunkFrames*bpf),
		startFrame: format.FramesFor(opts.Start),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	go d.prefetch(r)

	return &Source{
		kind:   SourceFile,
		name:   filepath.Base(path),
		format: format,
		file:   d,
	}, nil
}

// Info returns the file header.
func (d *FileDecoder) Info() FileInfo { return d.info }

// Underruns returns how many Produce calls came up short.
func (d *FileDecoder) Underruns() uint64 { return d.underruns.Load() }

// Buffered returns how much decoded audio is waiting in the ring.
func (d *FileDecoder) Buffered() time.Duration {
	return d.format.DurationOf(int64(d.ring.Length() / d.format.BytesPerFrame()))
}

// Err returns the decode error that ended the stream early, if any.
func (d *FileDecoder) Err() error {
	if p := d.decodeErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (d *FileDecoder) position() int64 {
	return d.startFrame + d.consumed.Load()
}

func (d *FileDecoder) produce(buf *Buffer) (int, error) {
	bpf := d.format.BytesPerFrame()
	ch := d.format.Channels
	// loaded before reading so an empty ring after it means the decoder is done
	finished := d.eof.Load()
	drained := false
	written := 0

	for buf.Remaining() > 0 {
		// read whole frames only; the writer never leaves a partial one
		want := min(buf.Remaining(), len(d.scratch)/bpf) * bpf
		n, err := ringTryRead(d.ring, d.scratch[:want])
		if errors.Is(err, ringbuffer.ErrIsEmpty) {
			drained = true
		}
		frames := n / bpf
		if frames == 0 {
			break
		}
		Float32LE(buf.Tail()[:frames*ch], d.scratch[:frames*bpf])
		_ = buf.Advance(frames)
		written += frames
	}

	if written > 0 {
		d.consumed.Add(int64(written))
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}

	switch {
	case buf.Remaining() == 0:
		return written, nil
	case finished && drained:
		return written, io.EOF
	default:
		d.underruns.Add(1)
		return written, ErrUnderrun
	}
}

func (d *FileDecoder) prefetch(r pcmReader) {
	defer close(d.done)
	defer r.close()
	defer d.eof.Store(true)

	meta := r.info()
	conv := newConverter(meta, d.format)
	chunk := make([]float32, 2048*meta.Channels)
	var out []float32
	var bytes []byte

	skip := int64(d.opts.Start) * int64(meta.SampleRate) / int64(time.Second) * int64(meta.Channels)
	bpf := d.format.BytesPerFrame()

	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for {
		n, err := r.read(chunk)
		in := chunk[:n]
		if skip > 0 {
			drop := min(int64(len(in)), skip)
			skip -= drop
			in = in[drop:]
		}
		if len(in) > 0 {
			out = conv.convert(out[:0], in)
			if cap(bytes) < len(out)*4 {
				bytes = make([]byte, len(out)*4)
			}
			pending := bytes[:PutFloat32LE(bytes[:len(out)*4], out)]

			for len(pending) > 0 {
				free := d.ring.Free() / bpf * bpf
				if free > 0 {
					w, _ := d.ring.Write(pending[:min(free, len(pending))])
					pending = pending[w:]
					continue
				}
				select {
				case <-d.stop:
					return
				case <-d.wake:
				case <-poll.C:
				}
			}
		}

		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			d.decodeErr.Store(&err)
			log.Warn("decode stopped early", "file", filepath.Base(meta.Path), "err", err)
			return
		}

		select {
		case <-d.stop:
			return
		default:
		}
	}
}

func (d *FileDecoder) close() error {
	d.closeOnce.Do(func() {
		close(d.stop)
	})
	<-d.done
	return nil
}
