package library

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/devsound/devsound/internal/audio"
)

// Watch rescans the library whenever audio files under the root change,
// calling onChange with the new track list. Events are coalesced over
// settle. It blocks until ctx is done.
func (l *Library) Watch(ctx context.Context, settle time.Duration, onChange func([]Track)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	if err := l.addDirs(w, l.root); err != nil {
		return err
	}
	l.logger.Info("watching library", "root", l.root)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if isDir(ev.Name) {
					if err := l.addDirs(w, ev.Name); err != nil {
						l.logger.Debug("fsnotify add failed", "dir", ev.Name, "err", err)
					}
					continue
				}
			}
			if !isAudio(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug("fsnotify event", "file", ev.Name, "event", ev.Op)
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			pending = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Debug("fsnotify error", "root", l.root, "err", err)
		case <-pending:
			pending = nil
			tracks, err := l.Scan(ctx)
			if err != nil {
				l.logger.Error("rescanning library", "err", err)
				continue
			}
			onChange(tracks)
		}
	}
}

func (l *Library) addDirs(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func isAudio(path string) bool {
	return slices.Contains(audio.Extensions, strings.ToLower(filepath.Ext(path)))
}
