package device

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devsound/devsound/internal/audio"
)

var stereo44k = audio.Format{SampleRate: 44100, Channels: 2}

type staticSet struct {
	streams atomic.Pointer[[]*audio.Stream]
}

func (s *staticSet) set(streams ...*audio.Stream) { s.streams.Store(&streams) }

func (s *staticSet) Active() []*audio.Stream {
	if p := s.streams.Load(); p != nil {
		return *p
	}
	return nil
}

func newTestSession(t *testing.T, mock *MockBackend, set StreamSet) *Session {
	t.Helper()
	s, err := NewSession(mock, SessionConfig{
		Stream:  StreamConfig{Format: stereo44k, BufferFrames: 256},
		Streams: set,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_RendersMix(t *testing.T) {
	mock := NewMock(MockConfig{})
	set := &staticSet{}
	src, err := audio.NewTone(audio.ToneConfig{Frequency: 440, Amplitude: 0.5}, stereo44k)
	require.NoError(t, err)
	st, err := audio.NewStream(1, audio.Playback, src, 1)
	require.NoError(t, err)
	set.set(st)

	s := newTestSession(t, mock, set)
	require.NoError(t, s.OpenOutput())
	assert.True(t, mock.IsOpen(Output))

	require.Equal(t, 1, mock.Tick())
	out := mock.LastOutput()
	require.Len(t, out, 256*2)
	assert.Greater(t, audio.RMS(out), 0.3)
	assert.Equal(t, uint64(1), s.Cycles())
	assert.Equal(t, 0, s.Pool().Stats().InUse, "render must release its buffer")
}

func TestSession_PausedRendersSilence(t *testing.T) {
	mock := NewMock(MockConfig{})
	set := &staticSet{}
	src, err := audio.NewTone(audio.DefaultToneConfig(), stereo44k)
	require.NoError(t, err)
	st, err := audio.NewStream(1, audio.Playback, src, 1)
	require.NoError(t, err)
	set.set(st)

	s := newTestSession(t, mock, set)
	require.NoError(t, s.OpenOutput())
	s.SetPaused(true)
	mock.Tick()
	assert.Zero(t, audio.Peak(mock.LastOutput()))

	s.SetPaused(false)
	mock.Tick()
	assert.NotZero(t, audio.Peak(mock.LastOutput()))
}

func TestSession_DirectionBusy(t *testing.T) {
	mock := NewMock(MockConfig{Duplex: true})
	s := newTestSession(t, mock, &staticSet{})

	require.NoError(t, s.OpenOutput())
	assert.ErrorIs(t, s.OpenOutput(), audio.ErrDeviceBusy)

	mic := audio.NewMicCapture(stereo44k, 100*time.Millisecond, 256)
	require.NoError(t, s.OpenInput(mic.Mic()))
	assert.ErrorIs(t, s.OpenInput(mic.Mic()), audio.ErrDeviceBusy)

	require.NoError(t, s.CloseOutput())
	require.NoError(t, s.CloseOutput())
	assert.False(t, s.HasOutput())
	assert.True(t, s.HasInput())
}

func TestSession_CaptureFeedsMic(t *testing.T) {
	mock := NewMock(MockConfig{InputSignal: func(int64, int) float32 { return 0.25 }})
	s := newTestSession(t, mock, &staticSet{})

	src := audio.NewMicCapture(stereo44k, 100*time.Millisecond, 256)
	require.NoError(t, s.OpenInput(src.Mic()))
	mock.Tick()
	mock.Tick()

	buf := audio.NewBuffer(stereo44k, 512)
	n, err := src.Produce(buf)
	require.NoError(t, err)
	assert.Equal(t, 512, n)
	assert.Equal(t, int64(512), src.Mic().Captured())
	assert.InDelta(t, 0.25, buf.Samples()[0], 1e-6)
}

func TestSession_DisconnectAndReopen(t *testing.T) {
	mock := NewMock(MockConfig{})
	var (
		mu   sync.Mutex
		lost []Direction
	)
	s, err := NewSession(mock, SessionConfig{
		Stream:  StreamConfig{Format: stereo44k, BufferFrames: 256},
		Streams: &staticSet{},
		OnLost: func(dir Direction, err error) {
			assert.ErrorIs(t, err, audio.ErrDeviceLost)
			mu.Lock()
			lost = append(lost, dir)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.OpenOutput())
	mock.Disconnect(Output)

	mu.Lock()
	assert.Equal(t, []Direction{Output}, lost)
	mu.Unlock()
	assert.True(t, s.Lost(Output))
	assert.Zero(t, mock.Tick(), "a lost device stops calling back")

	require.NoError(t, s.Reopen())
	assert.False(t, s.Lost(Output))
	assert.Equal(t, 2, mock.Opens(Output))
	assert.Equal(t, 1, mock.Tick())
}

func TestSession_InputLossMarksMic(t *testing.T) {
	mock := NewMock(MockConfig{})
	s := newTestSession(t, mock, &staticSet{})

	src := audio.NewMicCapture(stereo44k, 100*time.Millisecond, 256)
	require.NoError(t, s.OpenInput(src.Mic()))
	mock.Disconnect(Input)
	assert.True(t, src.Mic().Lost())

	buf := audio.NewBuffer(stereo44k, 256)
	_, err := src.Produce(buf)
	assert.ErrorIs(t, err, audio.ErrDeviceLost)

	require.NoError(t, s.Reopen())
	assert.False(t, src.Mic().Lost())
}

func TestSession_PoolExhaustionYieldsSilence(t *testing.T) {
	mock := NewMock(MockConfig{})
	set := &staticSet{}
	src, err := audio.NewTone(audio.DefaultToneConfig(), stereo44k)
	require.NoError(t, err)
	st, err := audio.NewStream(1, audio.Playback, src, 1)
	require.NoError(t, err)
	set.set(st)

	s, err := NewSession(mock, SessionConfig{
		Stream:         StreamConfig{Format: stereo44k, BufferFrames: 256},
		PoolSize:       1,
		AcquireTimeout: time.Millisecond,
		Streams:        set,
	})
	require.NoError(t, err)
	defer s.Close()

	held, err := s.Pool().Acquire(256)
	require.NoError(t, err)

	require.NoError(t, s.OpenOutput())
	mock.Tick()
	assert.Zero(t, audio.Peak(mock.LastOutput()))
	assert.Equal(t, uint64(1), s.Pool().Stats().Exhausted)

	require.NoError(t, s.Pool().Release(held))
	mock.Tick()
	assert.NotZero(t, audio.Peak(mock.LastOutput()))
}

func TestSession_UnsupportedConfig(t *testing.T) {
	mock := NewMock(MockConfig{SampleRates: []int{48000}})
	_, err := NewSession(mock, SessionConfig{Stream: StreamConfig{Format: stereo44k, BufferFrames: 256}})
	assert.ErrorIs(t, err, audio.ErrUnsupportedConfig)

	_, err = NewSession(NewMock(MockConfig{}), SessionConfig{Stream: StreamConfig{Format: stereo44k, BufferFrames: 3}})
	assert.ErrorIs(t, err, audio.ErrUnsupportedConfig)
}

func TestSession_WakeOnFinish(t *testing.T) {
	mock := NewMock(MockConfig{})
	set := &staticSet{}
	src, err := audio.NewTone(audio.ToneConfig{Frequency: 440, Amplitude: 0.5, Duration: time.Millisecond}, stereo44k)
	require.NoError(t, err)
	st, err := audio.NewStream(1, audio.Playback, src, 1)
	require.NoError(t, err)
	set.set(st)

	wake := make(chan struct{}, 1)
	s, err := NewSession(mock, SessionConfig{
		Stream:  StreamConfig{Format: stereo44k, BufferFrames: 256},
		Streams: set,
		Wake:    wake,
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.OpenOutput())
	mock.Tick()
	select {
	case <-wake:
	default:
		t.Fatal("expected a wake signal after the tone ended")
	}
	assert.True(t, st.Ended())
}
