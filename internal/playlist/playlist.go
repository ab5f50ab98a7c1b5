package playlist

import (
	"container/heap"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/devsound/devsound/internal/library"
)

var (
	// ErrEmpty is returned when moving through a playlist without tracks.
	ErrEmpty = errors.New("playlist is empty")

	// ErrInvalidIndex is returned for selections outside the playlist.
	ErrInvalidIndex = errors.New("invalid track index")
)

// Observer is notified of selection and playback changes. Calls happen
// outside the playlist lock, in the goroutine that made the change.
type Observer interface {
	TrackSelected(t library.Track, index int)
	PlaybackChanged(playing bool)
}

// Playlist is an ordered list of tracks with a current position and an
// up-next queue that is played before the list order resumes.
type Playlist struct {
	mu        sync.Mutex
	tracks    []library.Track
	current   int
	playing   bool
	upNext    upNextQueue
	seq       int64
	observers []Observer
	rng       *rand.Rand
	stats     Stats
}

// Stats counts playlist movement.
type Stats struct {
	Selections int64
	Skips      int64
	Queued     int64
	PeakQueued int
	LastChange time.Time
}

// New returns a playlist over tracks with nothing selected.
func New(tracks []library.Track) *Playlist {
	return &Playlist{
		tracks:  slices.Clone(tracks),
		current: -1,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x64657673)),
	}
}

// SetTracks replaces the list. The current track is kept if still present.
func (p *Playlist) SetTracks(tracks []library.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var currentID string
	if p.current >= 0 {
		currentID = p.tracks[p.current].ID
	}
	p.tracks = slices.Clone(tracks)
	p.current = slices.IndexFunc(p.tracks, func(t library.Track) bool { return t.ID == currentID })

	valid := p.upNext[:0]
	for _, it := range p.upNext {
		if i := slices.IndexFunc(p.tracks, func(t library.Track) bool { return t.ID == it.id }); i >= 0 {
			it.index = i
			valid = append(valid, it)
		}
	}
	p.upNext = valid
	heap.Init(&p.upNext)
}

// Tracks returns a copy of the list.
func (p *Playlist) Tracks() []library.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.tracks)
}

// Len returns the number of tracks.
func (p *Playlist) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks)
}

// Current returns the selected track and its index.
func (p *Playlist) Current() (library.Track, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current < 0 {
		return library.Track{}, -1, false
	}
	return p.tracks[p.current], p.current, true
}

// Playing reports the playback flag.
func (p *Playlist) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Select makes index current and marks the playlist playing. Observers
// only hear about the track when the selection changed.
func (p *Playlist) Select(index int) error {
	return p.selectIndex(index, false)
}

// ForceSelect is Select that notifies even when index is already current,
// restarting the track.
func (p *Playlist) ForceSelect(index int) error {
	return p.selectIndex(index, true)
}

func (p *Playlist) selectIndex(index int, force bool) error {
	p.mu.Lock()
	if index < 0 || index >= len(p.tracks) {
		n := len(p.tracks)
		p.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrInvalidIndex, index, n)
	}
	changed := force || index != p.current
	p.current = index
	p.playing = true
	p.stats.Selections++
	p.stats.LastChange = time.Now()
	track := p.tracks[index]
	obs := slices.Clone(p.observers)
	p.mu.Unlock()

	for _, o := range obs {
		if changed {
			o.TrackSelected(track, index)
		}
		o.PlaybackChanged(true)
	}
	return nil
}

// Next selects the first queued track, or the one after the current track,
// wrapping to the start.
func (p *Playlist) Next() (library.Track, error) {
	p.mu.Lock()
	if len(p.tracks) == 0 {
		p.mu.Unlock()
		return library.Track{}, ErrEmpty
	}
	index := (p.current + 1) % len(p.tracks)
	if p.upNext.Len() > 0 {
		index = heap.Pop(&p.upNext).(*queued).index
	}
	p.stats.Skips++
	p.mu.Unlock()

	return p.selected(index, p.ForceSelect(index))
}

// Prev selects the track before the current one, wrapping to the end.
func (p *Playlist) Prev() (library.Track, error) {
	p.mu.Lock()
	if len(p.tracks) == 0 {
		p.mu.Unlock()
		return library.Track{}, ErrEmpty
	}
	index := p.current - 1
	if index < 0 {
		index = len(p.tracks) - 1
	}
	p.stats.Skips++
	p.mu.Unlock()

	return p.selected(index, p.ForceSelect(index))
}

func (p *Playlist) selected(index int, err error) (library.Track, error) {
	if err != nil {
		return library.Track{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracks[index], nil
}

// Enqueue puts index in the up-next queue. Priority entries go ahead of
// normal ones; within a class entries keep their order.
func (p *Playlist) Enqueue(index int, priority bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.tracks) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidIndex, index, len(p.tracks))
	}
	p.seq++
	heap.Push(&p.upNext, &queued{
		id:       p.tracks[index].ID,
		index:    index,
		priority: priority,
		seq:      p.seq,
	})
	p.stats.Queued++
	p.stats.PeakQueued = max(p.stats.PeakQueued, p.upNext.Len())
	return nil
}

// UpNext lists the queued tracks in play order.
func (p *Playlist) UpNext() []library.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := slices.Clone(p.upNext)
	slices.SortFunc(items, func(a, b *queued) int {
		if a.less(b) {
			return -1
		}
		return 1
	})
	out := make([]library.Track, 0, len(items))
	for _, it := range items {
		out = append(out, p.tracks[it.index])
	}
	return out
}

// ClearQueue empties the up-next queue.
func (p *Playlist) ClearQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upNext = p.upNext[:0]
}

// SetPlaying updates the playback flag and notifies observers.
func (p *Playlist) SetPlaying(playing bool) {
	p.mu.Lock()
	p.playing = playing
	obs := slices.Clone(p.observers)
	p.mu.Unlock()

	for _, o := range obs {
		o.PlaybackChanged(playing)
	}
}

// Subscribe registers o. If a track is selected, o is told about it right
// away. The returned func unregisters o.
func (p *Playlist) Subscribe(o Observer) (unsubscribe func()) {
	p.mu.Lock()
	if !slices.Contains(p.observers, o) {
		p.observers = append(p.observers, o)
	}
	current, index, playing := library.Track{}, p.current, p.playing
	if index >= 0 {
		current = p.tracks[index]
	}
	p.mu.Unlock()

	if index >= 0 {
		o.TrackSelected(current, index)
		o.PlaybackChanged(playing)
	}
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.observers = slices.DeleteFunc(p.observers, func(x Observer) bool { return x == o })
	}
}

// Suggestions returns up to count distinct random tracks, optionally
// leaving out the current one.
func (p *Playlist) Suggestions(count int, excludeCurrent bool) []library.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	if count <= 0 || len(p.tracks) == 0 {
		return nil
	}
	pool := slices.Clone(p.tracks)
	if excludeCurrent && p.current >= 0 {
		pool = slices.Delete(pool, p.current, p.current+1)
	}
	if len(pool) <= count {
		return pool
	}
	p.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:count]
}

// Stats returns the playlist counters.
func (p *Playlist) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

type queued struct {
	id       string
	index    int
	priority bool
	seq      int64
}

func (q *queued) less(o *queued) bool {
	if q.priority != o.priority {
		return q.priority
	}
	return q.seq < o.seq
}

// upNextQueue implements heap.Interface.
type upNextQueue []*queued

func (q upNextQueue) Len() int           { return len(q) }
func (q upNextQueue) Less(i, j int) bool { return q[i].less(q[j]) }
func (q upNextQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *upNextQueue) Push(x any) { *q = append(*q, x.(*queued)) }

func (q *upNextQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
