package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Destination receives recorded frames. Writes happen off the real-time
// thread.
type Destination interface {
	Write(samples []float32) error
	Close() error
}

// WAVWriter records 16-bit PCM into a WAV file.
type WAVWriter struct {
	path   string
	f      *os.File
	enc    *wav.Encoder
	buf    *goaudio.IntBuffer
	format Format
	frames int64
	closed bool
}

// CreateWAV creates path and writes a WAV header for format.
func CreateWAV(path string, format Format) (*WAVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating recording directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating recording: %w", err)
	}
	return &WAVWriter{
		path:   path,
		f:      f,
		enc:    wav.NewEncoder(f, format.SampleRate, 16, format.Channels, 1),
		format: format,
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
			SourceBitDepth: 16,
		},
	}, nil
}

// Path returns the file being written.
func (w *WAVWriter) Path() string { return w.path }

// Duration returns how much audio has been written.
func (w *WAVWriter) Duration() time.Duration { return w.format.DurationOf(w.frames) }

// Write appends interleaved samples.
func (w *WAVWriter) Write(samples []float32) error {
	if w.closed {
		return os.ErrClosed
	}
	if len(samples) == 0 {
		return nil
	}
	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = int(FloatToInt16(s))
	}
	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("writing WAV frames: %w", err)
	}
	w.frames += int64(len(samples) / w.format.Channels)
	return nil
}

// Close finalizes the header and closes the file.
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(w.enc.Close(), w.f.Close())
}

// PCMEncoding selects the raw sample layout of a PCMWriter.
type PCMEncoding int

const (
	S16LE PCMEncoding = iota
	F32LE
)

// ParsePCMEncoding parses "s16le" or "f32le".
func ParsePCMEncoding(s string) (PCMEncoding, error) {
	switch strings.ToLower(s) {
	case "s16le", "s16", "":
		return S16LE, nil
	case "f32le", "f32":
		return F32LE, nil
	}
	return S16LE, fmt.Errorf("%w: unknown PCM encoding %q", ErrInvalidRange, s)
}

// PCMWriter writes raw headerless samples to an io.Writer.
type PCMWriter struct {
	w       io.Writer
	enc     PCMEncoding
	scratch []byte
	frames  int64
	format  Format
}

// NewPCMWriter returns a raw PCM destination.
func NewPCMWriter(w io.Writer, format Format, enc PCMEncoding) *PCMWriter {
	return &PCMWriter{w: w, enc: enc, format: format}
}

// Write encodes and writes samples.
func (p *PCMWriter) Write(samples []float32) error {
	width := 2
	if p.enc == F32LE {
		width = 4
	}
	need := len(samples) * width
	if cap(p.scratch) < need {
		p.scratch = make([]byte, need)
	}
	b := p.scratch[:need]
	if p.enc == F32LE {
		PutFloat32LE(b, samples)
	} else {
		PutInt16LE(b, samples)
	}
	if _, err := p.w.Write(b); err != nil {
		return err
	}
	p.frames += int64(len(samples) / p.format.Channels)
	return nil
}

// Frames returns how many frames were written.
func (p *PCMWriter) Frames() int64 { return p.frames }

// Close closes the underlying writer if it is an io.Closer.
func (p *PCMWriter) Close() error {
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
