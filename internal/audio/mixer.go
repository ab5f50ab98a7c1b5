package audio

import "math"

// softClipKnee is the level above which the clipper starts to saturate.
const softClipKnee = 0.75

// SoftClip passes samples below the knee unchanged and bends everything
// above it with tanh so the result stays within [-1,1].
func SoftClip(x float32) float32 {
	if x != x {
		return 0
	}
	a := x
	if a < 0 {
		a = -a
	}
	if a <= softClipKnee {
		return x
	}
	y := softClipKnee + (1-softClipKnee)*float32(math.Tanh(float64((a-softClipKnee)/(1-softClipKnee))))
	if y > 1 {
		y = 1
	}
	if x < 0 {
		return -y
	}
	return y
}

// MixResult summarises one mix cycle.
type MixResult struct {
	Mixed     int // streams that contributed
	Underruns int // streams that came up short
	Finished  int // streams that reached their end
}

// Mixer sums playback streams into an output buffer. Its only state is the
// working buffer each stream renders into.
type Mixer struct {
	work *Buffer
}

// NewMixer returns a mixer for buffers of up to maxFrames frames.
func NewMixer(format Format, maxFrames int) *Mixer {
	return &Mixer{work: NewBuffer(format, maxFrames)}
}

// Mix renders every active playback stream into out, applies gain and the
// soft clipper, and records each stream's produce outcome. Stopped and
// paused streams contribute nothing for the whole buffer.
func (m *Mixer) Mix(streams []*Stream, out *Buffer) MixResult {
	var res MixResult
	frames := min(out.Frames(), m.work.Capacity())
	acc := out.Samples()[:frames*out.Channels()]
	clear(out.Samples())

	for _, s := range streams {
		if s.Kind != Playback || s.paused.Load() || s.stopped.Load() {
			continue
		}

		m.work.Clear()
		_ = m.work.SetLength(frames)
		_, err := s.source.Produce(m.work)
		s.Observe(err)
		switch outcomeOf(err) {
		case produceUnderrun:
			res.Underruns++
		case produceEnded, produceFailed:
			res.Finished++
		}

		g := s.Gain()
		if g == 0 {
			continue
		}
		res.Mixed++
		for i, v := range m.work.Samples() {
			acc[i] += v * g
		}
	}

	for i, v := range acc {
		acc[i] = SoftClip(v)
	}
	_ = out.Advance(out.Remaining())
	return res
}
