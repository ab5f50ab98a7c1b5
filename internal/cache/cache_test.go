package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devsound/devsound/internal/audio"
)

var mono8k = audio.Format{SampleRate: 8000, Channels: 1}

func testClip(name string, frames int) *audio.Clip {
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = float32(i%100) / 100
	}
	return audio.NewClip(name, mono8k, samples)
}

func writeWAV(t *testing.T, dir, name string, frames int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	w, err := audio.CreateWAV(path, mono8k)
	require.NoError(t, err)
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = 0.25
	}
	require.NoError(t, w.Write(samples))
	require.NoError(t, w.Close())
	return path
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	// room for two 100-frame clips
	mc := NewMemoryCache(800)

	require.NoError(t, mc.Put("a", testClip("a", 100)))
	require.NoError(t, mc.Put("b", testClip("b", 100)))
	_, ok := mc.Get("a")
	require.True(t, ok)

	require.NoError(t, mc.Put("c", testClip("c", 100)))
	assert.True(t, mc.Contains("a"))
	assert.False(t, mc.Contains("b"), "least recently used clip should be evicted")
	assert.True(t, mc.Contains("c"))

	stats := mc.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(800), stats.Size)
	assert.Equal(t, int64(2), stats.Items)
}

func TestMemoryCache_TooLarge(t *testing.T) {
	mc := NewMemoryCache(100)
	assert.ErrorIs(t, mc.Put("big", testClip("big", 1000)), ErrItemTooLarge)
	assert.Zero(t, mc.Size())
}

func TestMemoryCache_ReplaceAndResize(t *testing.T) {
	mc := NewMemoryCache(4000)
	require.NoError(t, mc.Put("a", testClip("a", 100)))
	require.NoError(t, mc.Put("a", testClip("a", 200)))
	assert.Equal(t, int64(800), mc.Size())

	require.NoError(t, mc.Put("b", testClip("b", 100)))
	mc.Resize(500)
	assert.False(t, mc.Contains("a"))
	assert.True(t, mc.Contains("b"))

	mc.Clear()
	assert.Zero(t, mc.Size())
	_, ok := mc.Get("b")
	assert.False(t, ok)
}

func TestDiskCache_RoundTripCompressed(t *testing.T) {
	for _, level := range []int{0, 3} {
		dc, err := NewDiskCache(t.TempDir(), 1<<20, level)
		require.NoError(t, err)

		clip := testClip("kick.wav", 4000)
		require.NoError(t, dc.Put("kick", clip))

		got, ok := dc.Get("kick")
		require.True(t, ok, "level %d", level)
		assert.Equal(t, "kick.wav", got.Name)
		assert.Equal(t, mono8k, got.Format())
		assert.Equal(t, clip.Samples(), got.Samples())
		require.NoError(t, dc.Close())
	}
}

func TestDiskCache_IndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dc, err := NewDiskCache(dir, 1<<20, 3)
	require.NoError(t, err)
	require.NoError(t, dc.Put("snare", testClip("snare", 500)))
	size := dc.Size()
	require.NoError(t, dc.Close())

	dc, err = NewDiskCache(dir, 1<<20, 3)
	require.NoError(t, err)
	defer dc.Close()
	assert.True(t, dc.Contains("snare"))
	assert.Equal(t, size, dc.Size())
}

func TestDiskCache_CorruptEntryDropped(t *testing.T) {
	dir := t.TempDir()
	dc, err := NewDiskCache(dir, 1<<20, 0)
	require.NoError(t, err)
	defer dc.Close()

	require.NoError(t, dc.Put("hat", testClip("hat", 100)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hat.clip"), []byte("junk"), 0o644))

	_, ok := dc.Get("hat")
	assert.False(t, ok)
	assert.False(t, dc.Contains("hat"))
}

func TestDiskCache_EvictionAndExpiry(t *testing.T) {
	dc, err := NewDiskCache(t.TempDir(), 5000, 0)
	require.NoError(t, err)
	defer dc.Close()

	require.NoError(t, dc.Put("a", testClip("a", 500)))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, dc.Put("b", testClip("b", 500)))
	assert.Equal(t, []string{"a", "b"}, dc.LRU(5))

	// uncompressed entries are ~2000 bytes each; a third forces one out
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, dc.Put("c", testClip("c", 500)))
	assert.False(t, dc.Contains("a"))
	assert.Equal(t, int64(1), dc.Stats().Evictions)

	assert.Equal(t, 2, dc.RemoveUnusedSince(time.Now().Add(time.Second)))
	assert.Zero(t, dc.Size())
}

func TestKey_ChangesWithFileAndFormat(t *testing.T) {
	dir := t.TempDir()
	path := writeWAV(t, dir, "tone.wav", 100)

	k1, err := KeyFor(path, mono8k)
	require.NoError(t, err)
	k2, err := KeyFor(path, audio.Format{SampleRate: 44100, Channels: 2})
	require.NoError(t, err)
	assert.NotEqual(t, k1.String(), k2.String())

	writeWAV(t, dir, "tone.wav", 200)
	k3, err := KeyFor(path, mono8k)
	require.NoError(t, err)
	assert.NotEqual(t, k1.String(), k3.String())

	_, err = KeyFor(filepath.Join(dir, "missing.wav"), mono8k)
	assert.Error(t, err)
}

func TestClipCache_TiersAndPromotion(t *testing.T) {
	dir := t.TempDir()
	path := writeWAV(t, dir, "pad.wav", 800)

	cfg := DefaultConfig()
	cfg.Dir = filepath.Join(dir, "cache")
	cfg.CleanupInterval = 0

	c, err := New(cfg, nil)
	require.NoError(t, err)

	clip, err := c.Load(path, mono8k)
	require.NoError(t, err)
	assert.Equal(t, 800, clip.Frames())
	assert.Equal(t, "pad.wav", clip.Name)

	_, err = c.Load(path, mono8k)
	require.NoError(t, err)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Decodes)
	assert.Equal(t, int64(1), stats.MemoryHits)
	require.NoError(t, c.Close())

	// a fresh cache starts with an empty memory tier and finds the disk copy
	c, err = New(cfg, nil)
	require.NoError(t, err)
	defer c.Close()
	again, err := c.Load(path, mono8k)
	require.NoError(t, err)
	assert.Equal(t, clip.Samples(), again.Samples())
	stats = c.Stats()
	assert.Equal(t, int64(0), stats.Decodes)
	assert.Equal(t, int64(1), stats.DiskHits)
	assert.Equal(t, int64(1), stats.Memory.Items)
}

func TestClipCache_SourcePlaysClip(t *testing.T) {
	dir := t.TempDir()
	path := writeWAV(t, dir, "blip.wav", 300)

	c, err := New(Config{MemoryCapacity: 1 << 20}, nil)
	require.NoError(t, err)
	defer c.Close()

	src, err := c.Source(path, mono8k, false)
	require.NoError(t, err)
	buf := audio.NewBuffer(mono8k, 256)
	n, err := src.Produce(buf)
	require.NoError(t, err)
	assert.Equal(t, 256, n)
	assert.InDelta(t, 0.25, buf.Samples()[10], 0.001)

	c.Invalidate(path, mono8k)
	assert.Equal(t, int64(0), c.Stats().Memory.Items)
}

func TestClipCache_MissingFile(t *testing.T) {
	c, err := New(Config{MemoryCapacity: 1 << 20}, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Load(filepath.Join(t.TempDir(), "nope.wav"), mono8k)
	assert.Error(t, err)
}

func TestClipCache_CleanupExpires(t *testing.T) {
	dir := t.TempDir()
	path := writeWAV(t, dir, "old.wav", 100)

	cfg := DefaultConfig()
	cfg.Dir = filepath.Join(dir, "cache")
	cfg.TTL = time.Millisecond
	cfg.CleanupInterval = 5 * time.Millisecond

	c, err := New(cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Load(path, mono8k)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Stats().Disk.Items == 0 }, time.Second, 5*time.Millisecond)
	assert.Positive(t, c.Stats().CleanupRuns)
}
