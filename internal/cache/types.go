package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/devsound/devsound/internal/audio"
)

var (
	// ErrItemTooLarge is returned when a clip exceeds a tier's capacity.
	ErrItemTooLarge = errors.New("item too large for cache")

	// ErrCacheCorrupted is returned when a disk entry cannot be decoded.
	ErrCacheCorrupted = errors.New("cache data corrupted")
)

// Level is a cache tier.
type Level int

const (
	LevelMemory Level = iota
	LevelDisk
)

func (l Level) String() string {
	switch l {
	case LevelMemory:
		return "memory"
	case LevelDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// Stats holds the counters of one tier.
type Stats struct {
	Capacity  int64
	Size      int64
	Items     int64
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64

	LastAccess time.Time
	LastEvict  time.Time
}

func (s *Stats) updateHitRate() {
	if s.Hits+s.Misses > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Hits+s.Misses)
	}
}

// Config sizes the two tiers.
type Config struct {
	MemoryCapacity int64 // bytes of decoded samples
	DiskCapacity   int64 // bytes on disk, after compression
	Dir            string

	// CompressionLevel is the zstd level (1-22); 0 stores samples raw.
	CompressionLevel int

	// TTL removes disk entries not used for this long; 0 keeps them.
	TTL             time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns 64MB in memory and 512MB on disk.
func DefaultConfig() Config {
	return Config{
		MemoryCapacity:   64 << 20,
		DiskCapacity:     512 << 20,
		CompressionLevel: 3,
		TTL:              30 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
	}
}

// Key identifies a decoded clip: the file, its modification time and size,
// and the format it was decoded to. Editing the file changes the key.
type Key struct {
	Path    string
	ModTime time.Time
	Size    int64
	Format  audio.Format
}

// KeyFor stats path and builds its key for format.
func KeyFor(path string, format audio.Format) (Key, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Key{}, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return Key{}, fmt.Errorf("stat clip: %w", err)
	}
	return Key{Path: abs, ModTime: fi.ModTime().UTC(), Size: fi.Size(), Format: format}, nil
}

// String returns a stable hash of the key.
func (k Key) String() string {
	h := sha256.New()
	for _, part := range []string{
		k.Path,
		strconv.FormatInt(k.ModTime.UnixNano(), 10),
		strconv.FormatInt(k.Size, 10),
		strconv.Itoa(k.Format.SampleRate),
		strconv.Itoa(k.Format.Channels),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func clipBytes(c *audio.Clip) int64 {
	return int64(len(c.Samples())) * 4
}
