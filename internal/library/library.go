// Package library discovers WAV and FLAC files under a directory and keeps
// their metadata.
package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/muesli/gitcha"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sahilm/fuzzy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"

	"github.com/devsound/devsound/internal/audio"
)

// ErrNotFound is returned for unknown track ids.
var ErrNotFound = errors.New("track not found")

var patterns = []string{"*.wav", "*.WAV", "*.flac", "*.FLAC"}

var folder = cases.Fold()

// Options tunes scanning.
type Options struct {
	// ShowAll ignores .gitignore rules while scanning.
	ShowAll bool
	Ignore  []string
	// Workers bounds concurrent header probes.
	Workers int
	// MetadataTTL is how long probed headers are reused between scans.
	MetadataTTL time.Duration
	Logger      *log.Logger
}

// Library is the set of tracks found under a root directory.
type Library struct {
	root   string
	opts   Options
	meta   *gocache.Cache
	logger *log.Logger

	mu     sync.RWMutex
	tracks []Track
	byID   map[string]int
}

// New returns an empty library rooted at dir.
func New(dir string, opts Options) (*Library, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening library: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("opening library: %s is not a directory", dir)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.MetadataTTL <= 0 {
		opts.MetadataTTL = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Library{
		root:   root,
		opts:   opts,
		meta:   gocache.New(opts.MetadataTTL, 2*opts.MetadataTTL),
		logger: logger,
		byID:   map[string]int{},
	}, nil
}

// Root returns the scanned directory.
func (l *Library) Root() string { return l.root }

// Scan walks the root and probes every audio file. Files that cannot be
// read are skipped. Tracks are sorted by title.
func (l *Library) Scan(ctx context.Context) ([]Track, error) {
	var (
		ch  chan gitcha.SearchResult
		err error
	)
	if l.opts.ShowAll {
		ch, err = gitcha.FindAllFilesExcept(l.root, patterns, l.opts.Ignore)
	} else {
		ch, err = gitcha.FindFilesExcept(l.root, patterns, l.opts.Ignore)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", l.root, err)
	}

	var found []gitcha.SearchResult
	for res := range ch {
		if res.Info == nil || res.Info.IsDir() {
			continue
		}
		found = append(found, res)
	}

	tracks := make([]*Track, len(found))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)
	for i, res := range found {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t, err := l.probe(res.Path, res.Info)
			if err != nil {
				l.logger.Warn("skipping unreadable track", "path", res.Path, "err", err)
				return nil
			}
			tracks[i] = &t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		if t != nil {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b Track) int {
		if c := strings.Compare(folder.String(a.Title), folder.String(b.Title)); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})

	l.mu.Lock()
	l.tracks = out
	l.byID = make(map[string]int, len(out))
	for i, t := range out {
		l.byID[t.ID] = i
	}
	l.mu.Unlock()

	l.logger.Debug("library scanned", "root", l.root, "tracks", len(out), "files", len(found))
	return slices.Clone(out), nil
}

func (l *Library) probe(path string, fi os.FileInfo) (Track, error) {
	key := path + "|" + strconv.FormatInt(fi.ModTime().UnixNano(), 10) + "|" + strconv.FormatInt(fi.Size(), 10)
	if v, ok := l.meta.Get(key); ok {
		return v.(Track), nil
	}
	info, err := audio.ProbeFile(path)
	if err != nil {
		return Track{}, err
	}
	t := newTrack(l.root, info, fi.ModTime())
	l.meta.SetDefault(key, t)
	return t, nil
}

// Tracks returns the result of the last scan.
func (l *Library) Tracks() []Track {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.tracks)
}

// Len returns the number of tracks.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tracks)
}

// Get looks a track up by id.
func (l *Library) Get(id string) (Track, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[id]
	if !ok {
		return Track{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return l.tracks[i], nil
}

// CachedMetadata returns how many probed headers are held.
func (l *Library) CachedMetadata() int { return l.meta.ItemCount() }

type trackSource []Track

func (s trackSource) String(i int) string { return s[i].searchText() }
func (s trackSource) Len() int            { return len(s) }

// Search fuzzy matches query against title, artist and album, best first.
// An empty query returns every track.
func (l *Library) Search(query string) []Track {
	tracks := l.Tracks()
	if strings.TrimSpace(query) == "" {
		return tracks
	}
	matches := fuzzy.FindFrom(query, trackSource(tracks))
	out := make([]Track, 0, len(matches))
	for _, m := range matches {
		out = append(out, tracks[m.Index])
	}
	return out
}
