package library

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/devsound/devsound/internal/audio"
)

const (
	UnknownArtist = "Unknown Artist"
	UnknownAlbum  = "Unknown Album"

	// DefaultDuration stands in for files whose header reports no length.
	DefaultDuration = 3 * time.Minute
)

var titleCaser = cases.Title(language.English, cases.NoLower)

// Track is one playable file of the library.
type Track struct {
	ID     string
	Path   string
	Title  string
	Artist string
	Album  string

	Codec      audio.Codec
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
	Size       int64
	ModTime    time.Time
}

func newTrack(root string, info audio.FileInfo, modTime time.Time) Track {
	artist, title := splitName(info.Path)
	album := UnknownAlbum
	if dir := filepath.Dir(info.Path); dir != filepath.Clean(root) {
		album = titleCaser.String(cleanName(filepath.Base(dir)))
	}
	dur := info.Duration
	if dur <= 0 {
		dur = DefaultDuration
	}
	return Track{
		ID:         TrackID(info.Path),
		Path:       info.Path,
		Title:      title,
		Artist:     artist,
		Album:      album,
		Codec:      info.Codec,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
		BitDepth:   info.BitDepth,
		Duration:   dur,
		Size:       info.Size,
		ModTime:    modTime,
	}
}

// TrackID derives a stable id from the file path.
func TrackID(path string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(path))).String()
}

// splitName reads "Artist - Title.ext" style names.
func splitName(path string) (artist, title string) {
	name := cleanName(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	artist = UnknownArtist
	if a, t, ok := strings.Cut(name, " - "); ok && strings.TrimSpace(a) != "" && strings.TrimSpace(t) != "" {
		artist, name = titleCaser.String(strings.TrimSpace(a)), strings.TrimSpace(t)
	}
	if name == "" {
		name = "Unknown Title"
	}
	return artist, titleCaser.String(name)
}

func cleanName(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "_", " ")), " ")
}

// FormattedDuration renders the length as m:ss.
func (t Track) FormattedDuration() string {
	return FormatDuration(t.Duration)
}

// FormatDuration renders d as m:ss, truncating to whole seconds.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// HumanSize returns the file size for display.
func (t Track) HumanSize() string {
	return humanize.Bytes(uint64(t.Size))
}

// Format returns the file's native sample format.
func (t Track) Format() audio.Format {
	return audio.Format{SampleRate: t.SampleRate, Channels: t.Channels}
}

func (t Track) String() string {
	return fmt.Sprintf("%s - %s (%s)", t.Artist, t.Title, t.FormattedDuration())
}

// searchText is what fuzzy search matches against.
func (t Track) searchText() string {
	return t.Title + " " + t.Artist + " " + t.Album
}
