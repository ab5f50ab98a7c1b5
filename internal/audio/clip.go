package audio

import (
	"io"
	"path/filepath"
	"sync/atomic"
)

// Clip is immutable decoded PCM that any number of players can share.
type Clip struct {
	Name    string
	format  Format
	samples []float32
}

// NewClip wraps interleaved samples in format.
func NewClip(name string, format Format, samples []float32) *Clip {
	n := len(samples) - len(samples)%format.Channels
	return &Clip{Name: name, format: format, samples: samples[:n]}
}

// LoadClip decodes a whole file into a clip.
func LoadClip(path string, format Format) (*Clip, error) {
	samples, info, err := DecodeFile(path, format)
	if err != nil {
		return nil, NewError(err, "decoder", "load clip").WithContext("path", path)
	}
	return NewClip(filepath.Base(info.Path), format, samples), nil
}

// Format returns the clip's sample format.
func (c *Clip) Format() Format { return c.format }

// Frames returns the clip length in frames.
func (c *Clip) Frames() int { return len(c.samples) / c.format.Channels }

// Samples returns the clip data. Callers must not modify it.
func (c *Clip) Samples() []float32 { return c.samples }

// ClipPlayer reads a Clip from a cursor, optionally looping.
type ClipPlayer struct {
	clip   *Clip
	loop   bool
	cursor int // frames, owned by the render side
	pos    atomic.Int64
}

// NewClipSource returns a source playing clip from the start.
func NewClipSource(clip *Clip, loop bool) *Source {
	return &Source{
		kind:   SourceClip,
		name:   clip.Name,
		format: clip.format,
		clip:   &ClipPlayer{clip: clip, loop: loop},
	}
}

func (p *ClipPlayer) seek(frame int64) {
	f := int(min(frame, int64(p.clip.Frames())))
	p.cursor = f
	p.pos.Store(int64(f))
}

func (p *ClipPlayer) position() int64 { return p.pos.Load() }

func (p *ClipPlayer) produce(buf *Buffer) (int, error) {
	ch := p.clip.format.Channels
	total := p.clip.Frames()
	written := 0

	for buf.Remaining() > 0 {
		if p.cursor >= total {
			if !p.loop || total == 0 {
				p.pos.Store(int64(p.cursor))
				return written, io.EOF
			}
			p.cursor = 0
		}
		n := min(buf.Remaining(), total-p.cursor)
		copy(buf.Tail(), p.clip.samples[p.cursor*ch:(p.cursor+n)*ch])
		_ = buf.Advance(n)
		p.cursor += n
		written += n
	}

	p.pos.Store(int64(p.cursor))
	if !p.loop && p.cursor >= total {
		return written, io.EOF
	}
	return written, nil
}
