package audio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stereo44k = Format{SampleRate: 44100, Channels: 2}

func TestPool_AcquireReleaseClears(t *testing.T) {
	pool, err := NewPool(2, stereo44k, 256, time.Millisecond)
	require.NoError(t, err)

	b, err := pool.Acquire(256)
	require.NoError(t, err)
	for i := range b.Samples() {
		b.Samples()[i] = 0.5
	}
	require.NoError(t, b.Advance(100))
	require.NoError(t, pool.Release(b))

	// drain both slots so the released buffer must come back
	b1, err := pool.Acquire(256)
	require.NoError(t, err)
	b2, err := pool.Acquire(256)
	require.NoError(t, err)

	for _, got := range []*Buffer{b1, b2} {
		assert.Equal(t, 0, got.Cursor())
		assert.Equal(t, float32(0), Peak(got.Samples()), "buffer not cleared")
	}
}

func TestPool_Exhaustion(t *testing.T) {
	pool, err := NewPool(1, stereo44k, 64, time.Millisecond)
	require.NoError(t, err)

	b, err := pool.Acquire(64)
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Acquire(64)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "acquire must be bounded")

	silence := pool.AcquireOrSilence(64)
	assert.True(t, silence.IsSilence())
	assert.NoError(t, pool.Release(silence))

	require.NoError(t, pool.Release(b))
	stats := pool.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.GreaterOrEqual(t, stats.Exhausted, uint64(2))
}

func TestPool_ReleaseErrors(t *testing.T) {
	pool, err := NewPool(1, stereo44k, 64, time.Millisecond)
	require.NoError(t, err)
	other, err := NewPool(1, stereo44k, 64, time.Millisecond)
	require.NoError(t, err)

	b, err := other.Acquire(32)
	require.NoError(t, err)
	assert.ErrorIs(t, pool.Release(b), ErrNotOwned)
	assert.ErrorIs(t, pool.Release(nil), ErrNotOwned)
	assert.ErrorIs(t, pool.Release(NewBuffer(stereo44k, 32)), ErrNotOwned)

	require.NoError(t, other.Release(b))
	assert.ErrorIs(t, other.Release(b), ErrNotOwned, "double release")
}

func TestPool_InvalidRequests(t *testing.T) {
	_, err := NewPool(0, stereo44k, 64, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = NewPool(1, stereo44k, 4, 0)
	assert.ErrorIs(t, err, ErrUnsupportedConfig)

	pool, err := NewPool(1, stereo44k, 64, 0)
	require.NoError(t, err)
	_, err = pool.Acquire(65)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = pool.Acquire(0)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestPool_ConcurrentOwnership(t *testing.T) {
	pool, err := NewPool(4, stereo44k, 64, 50*time.Millisecond)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders = map[*Buffer]bool{}
		dup     bool
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b, err := pool.Acquire(64)
				if errors.Is(err, ErrPoolExhausted) {
					continue
				}
				mu.Lock()
				if holders[b] {
					dup = true
				}
				holders[b] = true
				mu.Unlock()

				b.Samples()[0] = 1

				mu.Lock()
				delete(holders, b)
				mu.Unlock()
				_ = pool.Release(b)
			}
		}()
	}
	wg.Wait()

	assert.False(t, dup, "a buffer was handed to two owners")
	assert.Equal(t, 0, pool.Stats().InUse)
}

func TestBuffer_CursorBounds(t *testing.T) {
	b := NewBuffer(stereo44k, 10)
	require.NoError(t, b.Advance(10))
	assert.ErrorIs(t, b.Advance(1), ErrInvalidRange)
	assert.Equal(t, 0, b.Remaining())

	require.NoError(t, b.SetLength(5))
	assert.Equal(t, 0, b.Cursor())
	assert.Len(t, b.Samples(), 10)
	assert.ErrorIs(t, b.SetLength(11), ErrInvalidRange)
}
