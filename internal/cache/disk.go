package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"

	"github.com/devsound/devsound/internal/audio"
)

const (
	indexFile = "clips.index"
	clipMagic = "DSCL"
	clipVer   = 1
)

// DiskCache is the L2 tier: clips serialized as float32 PCM, zstd
// compressed, one file per clip, with a gob index.
type DiskCache struct {
	dir      string
	capacity int64
	size     int64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	index map[string]*diskEntry

	mu    sync.Mutex
	stats Stats
}

type diskEntry struct {
	Key        string
	File       string
	Size       int64 // on disk
	Raw        int64 // decoded sample bytes
	Created    time.Time
	LastAccess time.Time
	Hits       int64
	Compressed bool
}

// NewDiskCache opens or creates a disk cache in dir. A level of 0
// disables compression.
func NewDiskCache(dir string, capacity int64, level int) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	dc := &DiskCache{
		dir:      dir,
		capacity: capacity,
		index:    make(map[string]*diskEntry),
		stats:    Stats{Capacity: capacity},
	}

	if level > 0 {
		var err error
		dc.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		dc.decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
	}

	if err := dc.loadIndex(); err != nil {
		log.Warn("clip cache index unreadable, starting empty", "dir", dir, "err", err)
		dc.index = make(map[string]*diskEntry)
	}
	for key, e := range dc.index {
		if _, err := os.Stat(e.File); err != nil {
			delete(dc.index, key)
			continue
		}
		dc.size += e.Size
	}
	return dc, nil
}

// Get loads the clip stored under key. Unreadable entries are dropped.
func (dc *DiskCache) Get(key string) (*audio.Clip, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	entry, ok := dc.index[key]
	if !ok {
		dc.stats.Misses++
		return nil, false
	}
	clip, err := dc.read(entry)
	if err != nil {
		log.Debug("dropping clip cache entry", "key", key, "err", err)
		dc.removeLocked(key)
		dc.stats.Misses++
		return nil, false
	}
	entry.LastAccess = time.Now()
	entry.Hits++
	dc.stats.Hits++
	dc.stats.LastAccess = entry.LastAccess
	return clip, true
}

// Put writes clip under key, evicting the least recently used entries.
func (dc *DiskCache) Put(key string, clip *audio.Clip) error {
	raw := encodeClip(clip)
	data := raw
	compressed := false
	if dc.encoder != nil {
		if z := dc.encoder.EncodeAll(raw, nil); len(z) < len(raw) {
			data, compressed = z, true
		}
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	if _, ok := dc.index[key]; ok {
		dc.removeLocked(key)
	}
	size := int64(len(data))
	if size > dc.capacity {
		return ErrItemTooLarge
	}
	for dc.size+size > dc.capacity && len(dc.index) > 0 {
		dc.evictOldest()
	}

	path := filepath.Join(dc.dir, key+".clip")
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("writing clip cache file: %w", err)
	}
	now := time.Now()
	dc.index[key] = &diskEntry{
		Key:        key,
		File:       path,
		Size:       size,
		Raw:        int64(len(raw)),
		Created:    now,
		LastAccess: now,
		Compressed: compressed,
	}
	dc.size += size
	return nil
}

// Contains reports whether key is indexed.
func (dc *DiskCache) Contains(key string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	_, ok := dc.index[key]
	return ok
}

// Delete removes key if present.
func (dc *DiskCache) Delete(key string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.removeLocked(key)
}

// Clear removes every entry and persists the empty index.
func (dc *DiskCache) Clear() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for key := range dc.index {
		dc.removeLocked(key)
	}
	return dc.saveIndex()
}

// RemoveUnusedSince drops entries last used before cutoff.
func (dc *DiskCache) RemoveUnusedSince(cutoff time.Time) int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	removed := 0
	for key, e := range dc.index {
		if e.LastAccess.Before(cutoff) {
			dc.removeLocked(key)
			removed++
		}
	}
	return removed
}

// LRU returns up to n keys, least recently used first.
func (dc *DiskCache) LRU(n int) []string {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	entries := make([]*diskEntry, 0, len(dc.index))
	for _, e := range dc.index {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *diskEntry) int { return a.LastAccess.Compare(b.LastAccess) })
	keys := make([]string, 0, min(n, len(entries)))
	for _, e := range entries[:min(n, len(entries))] {
		keys = append(keys, e.Key)
	}
	return keys
}

// Size returns the bytes on disk.
func (dc *DiskCache) Size() int64 {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.size
}

// Stats returns the tier counters.
func (dc *DiskCache) Stats() Stats {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	s := dc.stats
	s.Size = dc.size
	s.Items = int64(len(dc.index))
	s.updateHitRate()
	return s
}

// Close persists the index and releases the codecs.
func (dc *DiskCache) Close() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	err := dc.saveIndex()
	if dc.encoder != nil {
		err = errors.Join(err, dc.encoder.Close())
		dc.decoder.Close()
	}
	return err
}

func (dc *DiskCache) read(e *diskEntry) (*audio.Clip, error) {
	data, err := os.ReadFile(e.File)
	if err != nil {
		return nil, err
	}
	if e.Compressed {
		if dc.decoder == nil {
			return nil, fmt.Errorf("%w: compressed entry with compression disabled", ErrCacheCorrupted)
		}
		if data, err = dc.decoder.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
		}
	}
	return decodeClip(data)
}

func (dc *DiskCache) removeLocked(key string) {
	e, ok := dc.index[key]
	if !ok {
		return
	}
	_ = os.Remove(e.File)
	delete(dc.index, key)
	dc.size -= e.Size
}

func (dc *DiskCache) evictOldest() {
	var oldest *diskEntry
	for _, e := range dc.index {
		if oldest == nil || e.LastAccess.Before(oldest.LastAccess) {
			oldest = e
		}
	}
	if oldest != nil {
		dc.removeLocked(oldest.Key)
		dc.stats.Evictions++
		dc.stats.LastEvict = time.Now()
	}
}

func (dc *DiskCache) loadIndex() error {
	f, err := os.Open(filepath.Join(dc.dir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(&dc.index)
}

func (dc *DiskCache) saveIndex() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dc.index); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dc.dir, indexFile), buf.Bytes())
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// clip file layout: magic, version, rate u32, channels u8, name length u16,
// name, float32 LE samples.
func encodeClip(c *audio.Clip) []byte {
	name := c.Name
	if len(name) > 0xffff {
		name = name[:0xffff]
	}
	samples := c.Samples()
	buf := make([]byte, 0, len(clipMagic)+8+len(name)+len(samples)*4)
	buf = append(buf, clipMagic...)
	buf = append(buf, clipVer)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.Format().SampleRate))
	buf = append(buf, byte(c.Format().Channels))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	pcm := make([]byte, len(samples)*4)
	audio.PutFloat32LE(pcm, samples)
	return append(buf, pcm...)
}

func decodeClip(data []byte) (*audio.Clip, error) {
	r := bytes.NewReader(data)
	head := make([]byte, len(clipMagic)+1)
	if _, err := io.ReadFull(r, head); err != nil || string(head[:4]) != clipMagic || head[4] != clipVer {
		return nil, fmt.Errorf("%w: bad header", ErrCacheCorrupted)
	}
	var (
		rate     uint32
		channels uint8
		nameLen  uint16
	)
	for _, v := range []any{&rate, &channels, &nameLen} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
		}
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
	}
	pcm, _ := io.ReadAll(r)
	if len(pcm)%4 != 0 {
		return nil, fmt.Errorf("%w: truncated samples", ErrCacheCorrupted)
	}
	format := audio.Format{SampleRate: int(rate), Channels: int(channels)}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
	}
	samples := make([]float32, len(pcm)/4)
	audio.Float32LE(samples, pcm)
	return audio.NewClip(string(name), format, samples), nil
}
