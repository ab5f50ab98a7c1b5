package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/devsound/devsound/internal/audio"
)

// ClipCache decodes audio files once and serves the decoded clips from
// memory, then disk, before decoding again.
type ClipCache struct {
	memory *MemoryCache
	disk   *DiskCache
	cfg    Config
	logger *log.Logger

	loads singleflight.Group

	stop chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	stats ClipStats
}

// ClipStats counts where loads were served from.
type ClipStats struct {
	MemoryHits  int64
	DiskHits    int64
	Decodes     int64
	Promotions  int64
	CleanupRuns int64
	LastCleanup time.Time
	Memory      Stats
	Disk        Stats
}

// New opens a clip cache. An empty Dir keeps clips in memory only.
func New(cfg Config, logger *log.Logger) (*ClipCache, error) {
	if logger == nil {
		logger = log.Default()
	}
	c := &ClipCache{
		memory: NewMemoryCache(cfg.MemoryCapacity),
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
	}
	if cfg.Dir != "" {
		disk, err := NewDiskCache(cfg.Dir, cfg.DiskCapacity, cfg.CompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("opening disk cache: %w", err)
		}
		c.disk = disk
		if cfg.TTL > 0 && cfg.CleanupInterval > 0 {
			c.wg.Add(1)
			go c.cleanupLoop()
		}
	}
	return c, nil
}

// Load returns the clip for path decoded to format.
func (c *ClipCache) Load(path string, format audio.Format) (*audio.Clip, error) {
	key, err := KeyFor(path, format)
	if err != nil {
		return nil, audio.NewError(err, "cache", "load").WithContext("path", path)
	}
	k := key.String()

	if clip, ok := c.memory.Get(k); ok {
		c.count(func(s *ClipStats) { s.MemoryHits++ })
		return clip, nil
	}

	v, err, _ := c.loads.Do(k, func() (any, error) {
		if c.disk != nil {
			if clip, ok := c.disk.Get(k); ok {
				c.count(func(s *ClipStats) { s.DiskHits++; s.Promotions++ })
				c.putMemory(k, clip)
				return clip, nil
			}
		}
		clip, err := audio.LoadClip(key.Path, format)
		if err != nil {
			return nil, err
		}
		c.count(func(s *ClipStats) { s.Decodes++ })
		c.putMemory(k, clip)
		if c.disk != nil {
			if err := c.disk.Put(k, clip); err != nil {
				c.logger.Debug("clip not stored on disk", "path", key.Path, "err", err)
			}
		}
		return clip, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*audio.Clip), nil
}

// Source loads path and wraps it in a playable source.
func (c *ClipCache) Source(path string, format audio.Format, loop bool) (*audio.Source, error) {
	clip, err := c.Load(path, format)
	if err != nil {
		return nil, err
	}
	return audio.NewClipSource(clip, loop), nil
}

// Invalidate drops every cached decoding of path.
func (c *ClipCache) Invalidate(path string, format audio.Format) {
	key, err := KeyFor(path, format)
	if err != nil {
		return
	}
	k := key.String()
	c.memory.Delete(k)
	if c.disk != nil {
		c.disk.Delete(k)
	}
}

// Clear empties both tiers.
func (c *ClipCache) Clear() error {
	c.memory.Clear()
	if c.disk != nil {
		return c.disk.Clear()
	}
	return nil
}

// Stats returns load counters and per tier statistics.
func (c *ClipCache) Stats() ClipStats {
	c.mu.Lock()
	s := c.stats
	c.mu.Unlock()
	s.Memory = c.memory.Stats()
	if c.disk != nil {
		s.Disk = c.disk.Stats()
	}
	return s
}

// Close stops cleanup and persists the disk index.
func (c *ClipCache) Close() error {
	select {
	case <-c.stop:
		return nil
	default:
	}
	close(c.stop)
	c.wg.Wait()
	if c.disk != nil {
		return c.disk.Close()
	}
	return nil
}

func (c *ClipCache) putMemory(key string, clip *audio.Clip) {
	if err := c.memory.Put(key, clip); err != nil && !errors.Is(err, ErrItemTooLarge) {
		c.logger.Debug("clip not kept in memory", "clip", clip.Name, "err", err)
	}
}

func (c *ClipCache) count(f func(*ClipStats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

func (c *ClipCache) cleanupLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.cleanup()
		}
	}
}

func (c *ClipCache) cleanup() {
	n := c.disk.RemoveUnusedSince(time.Now().Add(-c.cfg.TTL))
	c.count(func(s *ClipStats) {
		s.CleanupRuns++
		s.LastCleanup = time.Now()
	})
	if n > 0 {
		c.logger.Debug("expired cached clips", "removed", n)
	}
}
