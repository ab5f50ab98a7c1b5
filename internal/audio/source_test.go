package audio

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTone_RMSMatchesAmplitude(t *testing.T) {
	tests := []struct {
		wave Waveform
		rms  float64 // relative to amplitude
	}{
		{Sine, 1 / math.Sqrt2},
		{Square, 1},
		{Triangle, 1 / math.Sqrt(3)},
		{Sawtooth, 1 / math.Sqrt(3)},
	}
	for _, tt := range tests {
		t.Run(tt.wave.String(), func(t *testing.T) {
			src, err := NewTone(ToneConfig{Frequency: 441, Amplitude: 0.5, Waveform: tt.wave}, stereo44k)
			require.NoError(t, err)
			buf := NewBuffer(stereo44k, 4410)
			n, err := src.Produce(buf)
			require.NoError(t, err)
			assert.Equal(t, 4410, n)
			assert.InEpsilon(t, 0.5*tt.rms, RMS(buf.Samples()), 0.02)
		})
	}
}

func TestTone_FiniteEndsWithEOF(t *testing.T) {
	src, err := NewTone(ToneConfig{Frequency: 440, Amplitude: 0.2, Duration: 10 * time.Millisecond}, stereo44k)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, src.Duration())

	buf := NewBuffer(stereo44k, 1024)
	n, err := src.Produce(buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 441, n)

	buf.Clear()
	n, err = src.Produce(buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)
}

func TestTone_Validation(t *testing.T) {
	bad := []ToneConfig{
		{Frequency: 0, Amplitude: 0.5},
		{Frequency: 30000, Amplitude: 0.5},
		{Frequency: 440, Amplitude: 1.5},
		{Frequency: 440, Amplitude: -0.1},
		{Frequency: 440, Amplitude: 0.5, Duration: -time.Second},
	}
	for _, cfg := range bad {
		_, err := NewTone(cfg, stereo44k)
		assert.ErrorIs(t, err, ErrInvalidRange, "%+v", cfg)
	}

	w, err := ParseWaveform("SAW")
	require.NoError(t, err)
	assert.Equal(t, Sawtooth, w)
	_, err = ParseWaveform("noise")
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func writeTestWAV(t *testing.T, format Format, dur time.Duration) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	w, err := CreateWAV(path, format)
	require.NoError(t, err)

	src, err := NewTone(ToneConfig{Frequency: 440, Amplitude: 0.5, Duration: dur}, format)
	require.NoError(t, err)
	buf := NewBuffer(format, 1000)
	for {
		buf.Clear()
		_, err := src.Produce(buf)
		require.NoError(t, w.Write(buf.Samples()[:buf.Cursor()*format.Channels]))
		if errors.Is(err, io.EOF) {
			break
		}
	}
	require.NoError(t, w.Close())
	return path
}

func drain(t *testing.T, src *Source, chunk int) ([]float32, int) {
	t.Helper()
	var out []float32
	underruns := 0
	buf := NewBuffer(src.Format(), chunk)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		buf.Clear()
		_, err := src.Produce(buf)
		out = append(out, buf.Samples()[:buf.Cursor()*src.Format().Channels]...)
		switch {
		case errors.Is(err, io.EOF):
			return out, underruns
		case errors.Is(err, ErrUnderrun):
			underruns++
			time.Sleep(time.Millisecond)
		case err != nil:
			t.Fatalf("produce: %v", err)
		}
	}
	t.Fatal("file never reached EOF")
	return nil, 0
}

func TestFile_WAVRoundTripWithResample(t *testing.T) {
	mono22k := Format{SampleRate: 22050, Channels: 1}
	path := writeTestWAV(t, mono22k, 250*time.Millisecond)

	info, err := ProbeFile(path)
	require.NoError(t, err)
	assert.Equal(t, CodecWAV, info.Codec)
	assert.Equal(t, 22050, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, 16, info.BitDepth)
	assert.InDelta(t, 250*time.Millisecond, info.Duration, float64(5*time.Millisecond))

	src, err := OpenFile(path, stereo44k, FileOptions{ChunkFrames: 512})
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, SourceFile, src.Kind())
	assert.True(t, src.Seekable())

	out, _ := drain(t, src, 512)
	frames := len(out) / 2
	assert.InDelta(t, 11025, frames, 8)
	assert.InEpsilon(t, 0.5/math.Sqrt2, RMS(out), 0.05)
	assert.InDelta(t, 250*time.Millisecond, src.Position(), float64(2*time.Millisecond))
}

func TestFile_WAVFrameCountExact(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		frames int
	}{
		{"stereo 44.1k one second", stereo44k, 44100},
		{"mono 22.05k odd length", Format{SampleRate: 22050, Channels: 1}, 5000},
		{"stereo 48k short", Format{SampleRate: 48000, Channels: 2}, 480},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "exact.wav")
			w, err := CreateWAV(path, tt.format)
			require.NoError(t, err)
			samples := make([]float32, tt.frames*tt.format.Channels)
			for i := range samples {
				samples[i] = 0.25
			}
			require.NoError(t, w.Write(samples))
			require.NoError(t, w.Close())

			info, err := ProbeFile(path)
			require.NoError(t, err)
			assert.Equal(t, int64(tt.frames), info.Frames, "header bytes must not count as frames")
			assert.Equal(t, time.Duration(tt.frames)*time.Second/time.Duration(tt.format.SampleRate), info.Duration)

			src, err := OpenFile(path, tt.format, FileOptions{ChunkFrames: 256})
			require.NoError(t, err)
			defer src.Close()
			assert.Equal(t, info.Duration, src.Duration())

			out, _ := drain(t, src, 256)
			assert.Equal(t, tt.frames, len(out)/tt.format.Channels)
		})
	}
}

func TestFile_SeekViaReopen(t *testing.T) {
	path := writeTestWAV(t, stereo44k, 200*time.Millisecond)
	src, err := OpenFile(path, stereo44k, DefaultFileOptions())
	require.NoError(t, err)
	defer src.Close()

	later, err := src.Reopen(150 * time.Millisecond)
	require.NoError(t, err)
	defer later.Close()

	out, _ := drain(t, later, 256)
	assert.InDelta(t, 2205, len(out)/2, 4)

	_, err = src.Reopen(time.Second)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestFile_CloseStopsPrefetch(t *testing.T) {
	path := writeTestWAV(t, stereo44k, 2*time.Second)
	src, err := OpenFile(path, stereo44k, FileOptions{Prefetch: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	buf := NewBuffer(stereo44k, 64)
	_, err = src.Produce(buf)
	assert.True(t, err == nil || errors.Is(err, io.EOF), "got %v", err)
}

func TestDetectCodec_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))
	_, err := DetectCodec(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = OpenFile(path, stereo44k, DefaultFileOptions())
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestMic_PushProduce(t *testing.T) {
	src := NewMicCapture(stereo44k, time.Millisecond, 64)
	mic := src.Mic()

	in := make([]float32, 2*100)
	for i := range in {
		in[i] = 0.25
	}
	mic.Push(in)
	select {
	case <-mic.Ready():
	default:
		t.Fatal("push did not signal readiness")
	}

	buf := NewBuffer(stereo44k, 256)
	n, err := src.Produce(buf)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, float32(0.25), buf.Samples()[0])

	// queue holds 4*64 frames at most; the rest is dropped
	mic.Push(make([]float32, 2*1000))
	assert.Equal(t, uint64(1000-256), mic.Dropped())

	mic.MarkLost()
	buf.Clear()
	n, err = src.Produce(buf)
	require.NoError(t, err, "queued frames drain before the loss is reported")
	assert.Equal(t, 256, n)
	buf.Clear()
	_, err = src.Produce(buf)
	assert.ErrorIs(t, err, ErrDeviceLost)
}

func TestClip_LoopAndSeek(t *testing.T) {
	samples := make([]float32, 2*10)
	for i := range samples {
		samples[i] = float32(i / 2)
	}
	clip := NewClip("ramp", stereo44k, samples)

	looped := NewClipSource(clip, true)
	buf := NewBuffer(stereo44k, 25)
	n, err := looped.Produce(buf)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, float32(4), buf.Samples()[2*24])

	once := NewClipSource(clip, false)
	seeked, err := once.Reopen(stereo44k.DurationOf(8))
	require.NoError(t, err)
	buf.Clear()
	n, err = seeked.Produce(buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)
}

func TestResampler_LengthAndContinuity(t *testing.T) {
	r := NewResampler(22050, 44100, 1)
	var out []float32
	in := make([]float32, 100)
	for i := range in {
		in[i] = float32(i)
	}
	for c := 0; c < 10; c++ {
		out = r.Process(out, in)
	}
	assert.InDelta(t, 2000, len(out), 3)

	for i := 1; i < len(out); i++ {
		d := out[i] - out[i-1]
		if d < -50 {
			continue // wrap between chunks of the ramp
		}
		assert.LessOrEqual(t, d, float32(0.51), "jump at %d", i)
	}
}

func TestPCMWriter_Encodings(t *testing.T) {
	var buf bytes.Buffer
	w := NewPCMWriter(&buf, stereo44k, S16LE)
	require.NoError(t, w.Write([]float32{1, -1, 0, 0.5}))
	assert.Equal(t, 8, buf.Len())
	assert.Equal(t, int64(2), w.Frames())

	buf.Reset()
	w = NewPCMWriter(&buf, stereo44k, F32LE)
	require.NoError(t, w.Write([]float32{0.5, 0.5}))
	got := make([]float32, 2)
	Float32LE(got, buf.Bytes())
	assert.Equal(t, []float32{0.5, 0.5}, got)

	_, err := ParsePCMEncoding("mp3")
	assert.ErrorIs(t, err, ErrInvalidRange)
}
