package audio

import (
	"encoding/binary"
	"math"
)

// PutFloat32LE encodes samples as little-endian float32 into dst and returns
// the number of bytes written. dst must hold 4*len(src) bytes.
func PutFloat32LE(dst []byte, src []float32) int {
	for i, s := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
	return len(src) * 4
}

// Float32LE decodes little-endian float32 bytes into dst and returns the
// number of samples decoded.
func Float32LE(dst []float32, src []byte) int {
	n := min(len(dst), len(src)/4)
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return n
}

// PutInt16LE encodes samples as clamped signed 16-bit little-endian PCM.
func PutInt16LE(dst []byte, src []float32) int {
	for i, s := range src {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(FloatToInt16(s)))
	}
	return len(src) * 2
}

// IntToFloat scales a signed integer sample of the given bit depth to [-1,1).
func IntToFloat(v, bitDepth int) float32 {
	return float32(float64(v) / float64(int64(1)<<(bitDepth-1)))
}

// FloatToInt16 converts a float sample to int16 with clamping.
func FloatToInt16(s float32) int16 {
	switch {
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	case s != s:
		return 0
	}
	return int16(s * math.MaxInt16)
}

// ConvertChannels appends in, re-laid out from fromCh to toCh channels, to dst.
// Downmixing to mono averages; upmixing repeats the last source channel.
func ConvertChannels(dst, in []float32, fromCh, toCh int) []float32 {
	if fromCh == toCh {
		return append(dst, in...)
	}
	frames := len(in) / fromCh
	for f := 0; f < frames; f++ {
		frame := in[f*fromCh : (f+1)*fromCh]
		if toCh == 1 {
			var sum float32
			for _, s := range frame {
				sum += s
			}
			dst = append(dst, sum/float32(fromCh))
			continue
		}
		for c := 0; c < toCh; c++ {
			dst = append(dst, frame[min(c, fromCh-1)])
		}
	}
	return dst
}

// Resampler converts an interleaved stream between sample rates with linear
// interpolation. It keeps the last frame of each chunk so consecutive
// Process calls join without clicks.
type Resampler struct {
	from, to int
	channels int
	step     float64
	pos      float64
	last     []float32
	primed   bool
}

// NewResampler returns a resampler from one rate to another.
func NewResampler(from, to, channels int) *Resampler {
	return &Resampler{
		from:     from,
		to:       to,
		channels: channels,
		step:     float64(from) / float64(to),
		last:     make([]float32, channels),
	}
}

// Passthrough reports whether the rates match.
func (r *Resampler) Passthrough() bool { return r.from == r.to }

// Process appends the resampled form of in to dst.
func (r *Resampler) Process(dst, in []float32) []float32 {
	if r.Passthrough() {
		return append(dst, in...)
	}
	ch := r.channels
	n := len(in) / ch
	if n == 0 {
		return dst
	}
	if !r.primed {
		// index -1 refers to r.last; seed it with the first frame
		copy(r.last, in[:ch])
		r.pos = -1
		r.primed = true
	}

	for r.pos < float64(n-1) {
		i := int(math.Floor(r.pos))
		frac := float32(r.pos - float64(i))
		for c := 0; c < ch; c++ {
			var a float32
			if i < 0 {
				a = r.last[c]
			} else {
				a = in[i*ch+c]
			}
			b := in[(i+1)*ch+c]
			dst = append(dst, a+(b-a)*frac)
		}
		r.pos += r.step
	}
	r.pos -= float64(n)
	copy(r.last, in[(n-1)*ch:])
	return dst
}

// Reset forgets the carried frame.
func (r *Resampler) Reset() {
	r.primed = false
	r.pos = 0
}

// RMS returns the root mean square of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float32 {
	var p float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		p = max(p, s)
	}
	return p
}
