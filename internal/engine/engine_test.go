package engine

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devsound/devsound/internal/audio"
	"github.com/devsound/devsound/internal/device"
)

var stereo44k = audio.Format{SampleRate: 44100, Channels: 2}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleRate = 44100
	cfg.BufferFrames = 1024
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, mockCfg device.MockConfig) (*Engine, *device.MockBackend) {
	t.Helper()
	mock := device.NewMock(mockCfg)
	e, err := New(cfg, mock)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, e.Shutdown())
		require.NoError(t, mock.Close())
	})
	return e, mock
}

func tone(t *testing.T, freq, amp float64) *audio.Source {
	t.Helper()
	src, err := audio.NewTone(audio.ToneConfig{Frequency: freq, Amplitude: amp}, stereo44k)
	require.NoError(t, err)
	return src
}

func waitState(t *testing.T, e *Engine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return e.State() == want }, time.Second, 5*time.Millisecond,
		"engine stayed %s, want %s", e.State(), want)
}

func TestNew_UnsupportedConfig(t *testing.T) {
	mock := device.NewMock(device.MockConfig{})
	tests := []struct {
		name string
		cfg  Config
	}{
		{"odd rate", Config{SampleRate: 12345, BufferFrames: 1024}},
		{"zero rate", Config{BufferFrames: 1024}},
		{"zero buffer", Config{SampleRate: 44100}},
		{"huge buffer", Config{SampleRate: 44100, BufferFrames: 1 << 20}},
		{"five channels", Config{SampleRate: 44100, BufferFrames: 1024, Channels: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, mock)
			assert.ErrorIs(t, err, audio.ErrUnsupportedConfig)
		})
	}

	_, err := New(testConfig(), device.NewMock(device.MockConfig{SampleRates: []int{48000}}))
	assert.ErrorIs(t, err, audio.ErrUnsupportedConfig)
}

func TestEngine_ToneLevel(t *testing.T) {
	e, mock := newTestEngine(t, testConfig(), device.MockConfig{})
	assert.Equal(t, StateIdle, e.State())

	_, err := e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, e.State())

	require.Equal(t, 1, mock.Tick())
	out := mock.LastOutput()
	require.Len(t, out, 1024*2)

	want := 0.5 / math.Sqrt2
	got := audio.RMS(out)
	assert.Greater(t, got, 0.0)
	assert.InEpsilon(t, want, got, 0.05)
}

func TestEngine_StopWithinOneCycle(t *testing.T) {
	e, mock := newTestEngine(t, testConfig(), device.MockConfig{})

	a, err := e.Play(tone(t, 440, 0.3))
	require.NoError(t, err)
	b, err := e.Play(tone(t, 440, 0.3))
	require.NoError(t, err)

	mock.Tick()
	both := audio.RMS(mock.LastOutput())

	require.NoError(t, e.Stop(b))
	mock.Tick()
	one := audio.RMS(mock.LastOutput())

	assert.InEpsilon(t, both/2, one, 0.05, "stopped stream must be gone from the very next buffer")
	streams := e.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, a, streams[0].ID)

	require.NoError(t, e.Stop(a))
	assert.Equal(t, StateIdle, e.State())
	assert.False(t, mock.IsOpen(device.Output), "output closes when nothing plays")
}

func TestEngine_StopTwiceIsNoop(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), device.MockConfig{})

	id, err := e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)
	require.NoError(t, e.Stop(id))
	state := e.State()
	require.NoError(t, e.Stop(id))
	assert.Equal(t, state, e.State())

	assert.ErrorIs(t, e.Stop(id+10), audio.ErrStreamNotFound)
}

func TestEngine_RecordWhilePlayingIsBusy(t *testing.T) {
	e, mock := newTestEngine(t, testConfig(), device.MockConfig{})

	a, err := e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)

	_, err = e.Record(audio.NewPCMWriter(&bytes.Buffer{}, stereo44k, audio.S16LE))
	assert.ErrorIs(t, err, audio.ErrDeviceBusy)

	assert.Equal(t, StatePlaying, e.State())
	require.Len(t, e.Streams(), 1)
	assert.Equal(t, a, e.Streams()[0].ID)
	assert.False(t, mock.IsOpen(device.Input))
	mock.Tick()
	assert.NotZero(t, audio.Peak(mock.LastOutput()))
}

func TestEngine_PlayWhileRecordingIsBusy(t *testing.T) {
	e, mock := newTestEngine(t, testConfig(), device.MockConfig{})

	_, err := e.Record(audio.NewPCMWriter(&bytes.Buffer{}, stereo44k, audio.S16LE))
	require.NoError(t, err)
	assert.Equal(t, StateRecording, e.State())

	_, err = e.Play(tone(t, 440, 0.5))
	assert.ErrorIs(t, err, audio.ErrDeviceBusy)
	assert.Equal(t, StateRecording, e.State())
	assert.False(t, mock.IsOpen(device.Output))

	_, err = e.Record(audio.NewPCMWriter(&bytes.Buffer{}, stereo44k, audio.S16LE))
	assert.ErrorIs(t, err, audio.ErrDeviceBusy)
}

func TestEngine_DuplexNeedsBackendSupport(t *testing.T) {
	cfg := testConfig()
	cfg.Duplex = true
	e, _ := newTestEngine(t, cfg, device.MockConfig{Duplex: false})

	_, err := e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)
	_, err = e.Record(audio.NewPCMWriter(&bytes.Buffer{}, stereo44k, audio.S16LE))
	assert.ErrorIs(t, err, audio.ErrDeviceBusy)
}

func TestEngine_Duplex(t *testing.T) {
	cfg := testConfig()
	cfg.Duplex = true
	e, mock := newTestEngine(t, cfg, device.MockConfig{Duplex: true})

	play, err := e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)
	rec, err := e.Record(audio.NewPCMWriter(&bytes.Buffer{}, stereo44k, audio.S16LE))
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, e.State())
	assert.True(t, mock.IsOpen(device.Output))
	assert.True(t, mock.IsOpen(device.Input))

	require.NoError(t, e.Stop(play))
	assert.Equal(t, StateRecording, e.State())

	_, err = e.Play(tone(t, 220, 0.5))
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, e.State())

	require.NoError(t, e.Stop(rec))
	assert.Equal(t, StatePlaying, e.State())
	assert.False(t, mock.IsOpen(device.Input))
}

func TestEngine_DisconnectMovesToError(t *testing.T) {
	e, mock := newTestEngine(t, testConfig(), device.MockConfig{})

	_, err := e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)

	mock.Disconnect(device.Output)
	waitState(t, e, StateError)
	assert.ErrorIs(t, e.Err(), audio.ErrDeviceLost)

	_, err = e.Play(tone(t, 440, 0.5))
	assert.ErrorIs(t, err, audio.ErrDeviceLost)
	_, err = e.Record(audio.NewPCMWriter(&bytes.Buffer{}, stereo44k, audio.S16LE))
	assert.ErrorIs(t, err, audio.ErrDeviceLost)

	// the error state sticks until reset
	time.Sleep(3 * e.Config().ReapInterval)
	assert.Equal(t, StateError, e.State())

	require.NoError(t, e.Reset())
	assert.Equal(t, StateIdle, e.State())
	assert.Empty(t, e.Streams())
	assert.NoError(t, e.Err())

	_, err = e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, e.State())
	assert.Equal(t, 1, mock.Tick())
}

func TestEngine_ReopenKeepsStreams(t *testing.T) {
	e, mock := newTestEngine(t, testConfig(), device.MockConfig{})

	id, err := e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)

	assert.ErrorIs(t, e.Reopen(), audio.ErrInvalidState)

	mock.Disconnect(device.Output)
	waitState(t, e, StateError)

	require.NoError(t, e.Reopen())
	assert.Equal(t, StatePlaying, e.State())
	assert.Equal(t, 2, mock.Opens(device.Output))
	require.Len(t, e.Streams(), 1)
	assert.Equal(t, id, e.Streams()[0].ID)

	mock.Tick()
	assert.NotZero(t, audio.Peak(mock.LastOutput()))
}

func TestEngine_StopDuringErrorThenReopenIsIdle(t *testing.T) {
	e, mock := newTestEngine(t, testConfig(), device.MockConfig{})

	id, err := e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)

	mock.Disconnect(device.Output)
	waitState(t, e, StateError)

	require.NoError(t, e.Stop(id))
	assert.Equal(t, StateError, e.State())
	assert.Empty(t, e.Streams())

	require.NoError(t, e.Reopen())
	assert.Equal(t, StateIdle, e.State())
	assert.False(t, mock.IsOpen(device.Output), "output closes when nothing plays")

	// the next play opens the output again
	_, err = e.Play(tone(t, 220, 0.5))
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, e.State())
	assert.True(t, mock.IsOpen(device.Output))
}

func TestEngine_SetGain(t *testing.T) {
	e, mock := newTestEngine(t, testConfig(), device.MockConfig{})

	id, err := e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)

	for _, g := range []float64{-0.1, 1.01, math.NaN(), math.Inf(1)} {
		assert.ErrorIs(t, e.SetGain(id, g), audio.ErrInvalidRange, "gain %v", g)
	}
	info, err := e.Stream(id)
	require.NoError(t, err)
	assert.Equal(t, float32(1), info.Gain)

	require.NoError(t, e.SetGain(id, 0))
	mock.Tick()
	assert.Zero(t, audio.Peak(mock.LastOutput()))

	require.NoError(t, e.SetGain(id, 0.5))
	mock.Tick()
	assert.InEpsilon(t, 0.25/math.Sqrt2, audio.RMS(mock.LastOutput()), 0.05)

	assert.ErrorIs(t, e.SetGain(id+1, 0.5), audio.ErrStreamNotFound)
}

func TestEngine_PauseResume(t *testing.T) {
	e, mock := newTestEngine(t, testConfig(), device.MockConfig{})

	a, err := e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)
	b, err := e.Play(tone(t, 660, 0.5))
	require.NoError(t, err)

	require.NoError(t, e.Pause(a))
	assert.Equal(t, StatePlaying, e.State())
	require.NoError(t, e.Pause(b))
	assert.Equal(t, StatePaused, e.State())
	assert.True(t, mock.IsOpen(device.Output), "pausing keeps the device open")

	mock.Tick()
	assert.Zero(t, audio.Peak(mock.LastOutput()))

	require.NoError(t, e.Resume(b))
	assert.Equal(t, StatePlaying, e.State())
	mock.Tick()
	assert.NotZero(t, audio.Peak(mock.LastOutput()))

	require.NoError(t, e.PauseAll())
	assert.Equal(t, StatePaused, e.State())
	_, err = e.Play(tone(t, 880, 0.5))
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, e.State())

	require.NoError(t, e.ResumeAll())
	for _, s := range e.Streams() {
		assert.False(t, s.Paused)
	}
}

func TestEngine_FiniteStreamIsReaped(t *testing.T) {
	e, mock := newTestEngine(t, testConfig(), device.MockConfig{})

	src, err := audio.NewTone(audio.ToneConfig{Frequency: 440, Amplitude: 0.5, Duration: 10 * time.Millisecond}, stereo44k)
	require.NoError(t, err)
	id, err := e.Play(src)
	require.NoError(t, err)

	mock.Tick()
	mock.Tick()

	require.Eventually(t, func() bool { return len(e.Streams()) == 0 }, time.Second, 5*time.Millisecond)
	waitState(t, e, StateIdle)
	assert.False(t, mock.IsOpen(device.Output))
	require.NoError(t, e.Stop(id), "stopping a reaped stream is a no-op")

	var ended *Event
	for len(e.Events()) > 0 {
		ev := <-e.Events()
		if ev.Kind == EventStreamEnded && ev.Stream == id {
			ended = &ev
		}
	}
	require.NotNil(t, ended)
	assert.Equal(t, ReasonFinished, ended.Reason)
}

func TestEngine_FiniteStreamSurvivesOneMiss(t *testing.T) {
	cfg := testConfig()
	cfg.ReapInterval = time.Millisecond
	e, mock := newTestEngine(t, cfg, device.MockConfig{})

	src, err := audio.NewTone(audio.ToneConfig{Frequency: 440, Amplitude: 0.5, Duration: 10 * time.Millisecond}, stereo44k)
	require.NoError(t, err)
	_, err = e.Play(src)
	require.NoError(t, err)

	mock.Tick()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, e.Streams(), 1, "one short buffer is not enough to remove a stream")
}

func TestEngine_Record(t *testing.T) {
	e, mock := newTestEngine(t, testConfig(), device.MockConfig{
		InputSignal: func(int64, int) float32 { return 0.5 },
	})

	var out bytes.Buffer
	dst := audio.NewPCMWriter(&out, stereo44k, audio.F32LE)
	id, err := e.Record(dst)
	require.NoError(t, err)
	require.NoError(t, e.SetGain(id, 0.5))

	for i := 0; i < 3; i++ {
		mock.Tick()
	}
	require.NoError(t, e.Stop(id))
	assert.Equal(t, StateIdle, e.State())
	assert.False(t, mock.IsOpen(device.Input))

	assert.Equal(t, int64(3*1024), dst.Frames())
	samples := make([]float32, out.Len()/4)
	audio.Float32LE(samples, out.Bytes())
	assert.InDelta(t, 0.25, samples[0], 1e-6)
	assert.InDelta(t, 0.25, samples[len(samples)-1], 1e-6)
}

func TestEngine_RecordToWAV(t *testing.T) {
	e, mock := newTestEngine(t, testConfig(), device.MockConfig{
		InputSignal: func(f int64, _ int) float32 { return float32(math.Sin(float64(f) / 10)) },
	})

	path := filepath.Join(t.TempDir(), "take.wav")
	w, err := audio.CreateWAV(path, stereo44k)
	require.NoError(t, err)
	id, err := e.Record(w)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		mock.Tick()
	}
	require.NoError(t, e.Stop(id))

	info, err := audio.ProbeFile(path)
	require.NoError(t, err)
	assert.Equal(t, 44100, info.SampleRate)
	assert.Equal(t, 2, info.Channels)
	assert.Equal(t, int64(5*1024), info.Frames)
}

func TestEngine_InputLossDuringRecording(t *testing.T) {
	e, mock := newTestEngine(t, testConfig(), device.MockConfig{})

	id, err := e.Record(audio.NewPCMWriter(&bytes.Buffer{}, stereo44k, audio.S16LE))
	require.NoError(t, err)

	mock.Disconnect(device.Input)
	waitState(t, e, StateError)

	require.NoError(t, e.Reopen())
	assert.Equal(t, StateRecording, e.State())
	require.NoError(t, e.Stop(id))
	assert.Equal(t, StateIdle, e.State())
}

func TestEngine_PlayRejectsBadSources(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), device.MockConfig{})

	_, err := e.Play(audio.NewMicCapture(stereo44k, time.Second, 1024))
	assert.ErrorIs(t, err, audio.ErrInvalidState)

	mono, err := audio.NewTone(audio.DefaultToneConfig(), audio.Format{SampleRate: 44100, Channels: 1})
	require.NoError(t, err)
	_, err = e.Play(mono)
	assert.ErrorIs(t, err, audio.ErrUnsupportedFormat)

	_, err = e.Play(nil)
	assert.ErrorIs(t, err, audio.ErrInvalidState)
	assert.Equal(t, StateIdle, e.State())
}

func TestEngine_SeekClip(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), device.MockConfig{})

	samples := make([]float32, 44100*2)
	for i := range samples {
		samples[i] = 0.1
	}
	clip := audio.NewClip("ramp", stereo44k, samples)
	id, err := e.Play(audio.NewClipSource(clip, false))
	require.NoError(t, err)

	pos, dur, err := e.Position(id)
	require.NoError(t, err)
	assert.Zero(t, pos)
	assert.Equal(t, time.Second, dur)

	require.NoError(t, e.Seek(id, 250*time.Millisecond))
	pos, _, err = e.Position(id)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, pos)
	require.Len(t, e.Streams(), 1)
	assert.Equal(t, id, e.Streams()[0].ID)

	assert.ErrorIs(t, e.Seek(id, 2*time.Second), audio.ErrInvalidRange)

	toneID, err := e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)
	assert.ErrorIs(t, e.Seek(toneID, time.Second), audio.ErrInvalidState)
}

func TestEngine_Shutdown(t *testing.T) {
	mock := device.NewMock(device.MockConfig{Duplex: true})
	defer mock.Close()
	cfg := testConfig()
	cfg.Duplex = true
	e, err := New(cfg, mock)
	require.NoError(t, err)

	id, err := e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)
	_, err = e.Record(audio.NewPCMWriter(&bytes.Buffer{}, stereo44k, audio.S16LE))
	require.NoError(t, err)

	require.NoError(t, e.Shutdown())
	require.NoError(t, e.Shutdown())
	assert.Equal(t, StateClosed, e.State())
	assert.False(t, mock.IsOpen(device.Output))
	assert.False(t, mock.IsOpen(device.Input))

	_, err = e.Play(tone(t, 440, 0.5))
	assert.ErrorIs(t, err, audio.ErrEngineShutdown)
	assert.ErrorIs(t, e.Stop(id), audio.ErrEngineShutdown)

	for range e.Events() {
	}
}

func TestEngine_Events(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), device.MockConfig{})

	id, err := e.Play(tone(t, 440, 0.5))
	require.NoError(t, err)
	require.NoError(t, e.Stop(id))

	var kinds []EventKind
	for len(e.Events()) > 0 {
		kinds = append(kinds, (<-e.Events()).Kind)
	}
	assert.Equal(t, []EventKind{
		EventStateChanged, // idle -> playing
		EventStreamStarted,
		EventStreamEnded,
		EventStateChanged, // playing -> idle
	}, kinds)
}
