package audio

import (
	"fmt"
	"io"
	"time"
)

// SourceKind tags the variant held by a Source.
type SourceKind uint8

const (
	// SourceTone is a synthesized periodic waveform
	SourceTone SourceKind = iota + 1

	// SourceFile streams a decoded WAV or FLAC file
	SourceFile

	// SourceMic drains frames captured from an input device
	SourceMic

	// SourceClip plays PCM held in memory
	SourceClip
)

// String returns the kind name.
func (k SourceKind) String() string {
	switch k {
	case SourceTone:
		return "tone"
	case SourceFile:
		return "file"
	case SourceMic:
		return "mic"
	case SourceClip:
		return "clip"
	default:
		return "unknown"
	}
}

// Source is a closed union of frame producers. Exactly one variant field is
// set, selected by kind; Produce dispatches with a switch so the render path
// never goes through an interface call.
type Source struct {
	kind   SourceKind
	name   string
	format Format

	tone *ToneGenerator
	file *FileDecoder
	mic  *MicCapture
	clip *ClipPlayer
}

// Kind returns the variant tag.
func (s *Source) Kind() SourceKind { return s.kind }

// Name returns a human readable label.
func (s *Source) Name() string { return s.name }

// Format returns the output format the source produces.
func (s *Source) Format() Format { return s.format }

// Named relabels the source, typically with a track title, and returns it.
// It must be called before the source is played.
func (s *Source) Named(name string) *Source {
	s.name = name
	return s
}

// Produce writes up to buf.Remaining() frames at the buffer cursor and
// advances it.
//
// A full buffer returns a nil error. A short buffer returns ErrUnderrun and
// leaves the rest silent. io.EOF marks the end of a finite source and may
// accompany a final partial buffer. A lost microphone returns ErrDeviceLost.
func (s *Source) Produce(buf *Buffer) (int, error) {
	switch s.kind {
	case SourceTone:
		return s.tone.produce(buf)
	case SourceFile:
		return s.file.produce(buf)
	case SourceMic:
		return s.mic.produce(buf)
	case SourceClip:
		return s.clip.produce(buf)
	default:
		return 0, io.EOF
	}
}

// Position returns how much audio the source has produced, counted from
// the start of its material.
func (s *Source) Position() time.Duration {
	switch s.kind {
	case SourceTone:
		return s.format.DurationOf(s.tone.produced.Load())
	case SourceFile:
		return s.format.DurationOf(s.file.position())
	case SourceMic:
		return s.format.DurationOf(s.mic.captured.Load())
	case SourceClip:
		return s.format.DurationOf(s.clip.position())
	default:
		return 0
	}
}

// Duration returns the total length, or 0 when unbounded or unknown.
func (s *Source) Duration() time.Duration {
	switch s.kind {
	case SourceTone:
		return s.tone.cfg.Duration
	case SourceFile:
		return s.file.info.Duration
	case SourceClip:
		if s.clip.loop {
			return 0
		}
		return s.format.DurationOf(int64(s.clip.clip.Frames()))
	default:
		return 0
	}
}

// Seekable reports whether Reopen can start the source at an offset.
func (s *Source) Seekable() bool {
	return s.kind == SourceFile || s.kind == SourceClip
}

// Reopen returns a fresh source over the same material starting at offset.
// The receiver is left untouched.
func (s *Source) Reopen(offset time.Duration) (*Source, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset %s", ErrInvalidRange, offset)
	}
	if d := s.Duration(); d > 0 && offset > d {
		return nil, fmt.Errorf("%w: offset %s beyond duration %s", ErrInvalidRange, offset, d)
	}

	switch s.kind {
	case SourceFile:
		opts := s.file.opts
		opts.Start = offset
		return OpenFile(s.file.info.Path, s.format, opts)
	case SourceClip:
		src := NewClipSource(s.clip.clip, s.clip.loop)
		src.clip.seek(s.format.FramesFor(offset))
		return src, nil
	default:
		return nil, fmt.Errorf("%w: %s source is not seekable", ErrInvalidState, s.kind)
	}
}

// Close releases decoder resources. Produce keeps working after Close and
// reports io.EOF once buffered frames are gone.
func (s *Source) Close() error {
	switch s.kind {
	case SourceFile:
		return s.file.close()
	case SourceMic:
		s.mic.close()
	}
	return nil
}

// Tone returns the generator of a tone source.
func (s *Source) Tone() *ToneGenerator { return s.tone }

// File returns the decoder of a file source.
func (s *Source) File() *FileDecoder { return s.file }

// Mic returns the capture queue of a microphone source.
func (s *Source) Mic() *MicCapture { return s.mic }
