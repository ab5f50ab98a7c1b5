package audio

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// Buffer is a fixed-capacity block of interleaved float32 samples.
//
// A Buffer has exactly one owner at a time. Pooled buffers change owner
// only through Pool.Acquire and Pool.Release.
type Buffer struct {
	samples []float32
	format  Format
	length  int // frames
	cursor  int // frames
	slot    int
	pool    *Pool
	silent  bool
}

// NewBuffer allocates an unpooled buffer of the given capacity.
func NewBuffer(format Format, frames int) *Buffer {
	return &Buffer{
		samples: make([]float32, frames*format.Channels),
		format:  format,
		length:  frames,
		slot:    -1,
	}
}

// Format returns the buffer's sample format.
func (b *Buffer) Format() Format { return b.format }

// Channels returns the number of interleaved channels.
func (b *Buffer) Channels() int { return b.format.Channels }

// Frames returns the active length in frames.
func (b *Buffer) Frames() int { return b.length }

// Capacity returns the maximum length in frames.
func (b *Buffer) Capacity() int { return len(b.samples) / b.format.Channels }

// Cursor returns how many frames have been written or consumed.
func (b *Buffer) Cursor() int { return b.cursor }

// Remaining returns frames between the cursor and the end.
func (b *Buffer) Remaining() int { return b.length - b.cursor }

// IsSilence reports whether this is a pool's shared silence buffer.
func (b *Buffer) IsSilence() bool { return b.silent }

// Samples returns the active window of samples.
func (b *Buffer) Samples() []float32 {
	return b.samples[:b.length*b.format.Channels]
}

// Tail returns the samples from the cursor to the end.
func (b *Buffer) Tail() []float32 {
	ch := b.format.Channels
	return b.samples[b.cursor*ch : b.length*ch]
}

// Advance moves the cursor forward by n frames.
func (b *Buffer) Advance(n int) error {
	if n < 0 || b.cursor+n > b.length {
		return fmt.Errorf("%w: advance %d past %d/%d frames", ErrInvalidRange, n, b.cursor, b.length)
	}
	b.cursor += n
	return nil
}

// SetLength changes the active length and rewinds the cursor.
func (b *Buffer) SetLength(frames int) error {
	if frames < 0 || frames > b.Capacity() {
		return fmt.Errorf("%w: length %d exceeds capacity %d", ErrInvalidRange, frames, b.Capacity())
	}
	b.length = frames
	b.cursor = 0
	return nil
}

// Rewind moves the cursor back to the start without touching samples.
func (b *Buffer) Rewind() { b.cursor = 0 }

// Clear zeroes all samples and rewinds the cursor.
func (b *Buffer) Clear() {
	clear(b.samples)
	b.cursor = 0
}

// Default pool tuning.
const (
	DefaultPoolSize       = 8
	DefaultAcquireTimeout = 2 * time.Millisecond
	spinsBeforeYield      = 64
)

// PoolStats is a point-in-time view of pool usage.
type PoolStats struct {
	Capacity   int
	InUse      int
	Acquires   uint64
	Exhausted  uint64
	FrameLimit int
}

type poolSlot struct {
	owned atomic.Bool
	buf   *Buffer
	_     [48]byte
}

// Pool hands out pre-allocated buffers without locks or allocation.
//
// Ownership of each slot is a single atomic flag flipped with
// compare-and-swap, so Acquire and Release are safe on a real-time thread.
type Pool struct {
	format  Format
	frames  int
	timeout time.Duration
	slots   []poolSlot
	silence *Buffer

	next      atomic.Uint32
	inUse     atomic.Int32
	acquires  atomic.Uint64
	exhausted atomic.Uint64
}

// NewPool pre-allocates size buffers of frames frames each.
func NewPool(size int, format Format, frames int, timeout time.Duration) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: pool size %d", ErrInvalidRange, size)
	}
	if err := ValidateBufferFrames(frames); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	p := &Pool{
		format:  format,
		frames:  frames,
		timeout: timeout,
		slots:   make([]poolSlot, size),
	}
	for i := range p.slots {
		b := NewBuffer(format, frames)
		b.slot = i
		b.pool = p
		p.slots[i].buf = b
	}
	p.silence = NewBuffer(format, frames)
	p.silence.pool = p
	p.silence.silent = true
	return p, nil
}

// Acquire takes exclusive ownership of a cleared buffer of the given length.
// It spins, then yields, for at most the pool timeout before failing with
// ErrPoolExhausted.
func (p *Pool) Acquire(frames int) (*Buffer, error) {
	if frames <= 0 || frames > p.frames {
		return nil, fmt.Errorf("%w: %d frames requested from pool of %d", ErrInvalidRange, frames, p.frames)
	}

	var deadline time.Time
	for spin := 0; ; spin++ {
		if b := p.tryAcquire(); b != nil {
			b.length = frames
			b.cursor = 0
			p.acquires.Add(1)
			p.inUse.Add(1)
			return b, nil
		}

		switch {
		case spin == 0:
			deadline = time.Now().Add(p.timeout)
		case spin < spinsBeforeYield:
		default:
			if !time.Now().Before(deadline) {
				p.exhausted.Add(1)
				return nil, ErrPoolExhausted
			}
			runtime.Gosched()
		}
	}
}

// AcquireOrSilence is Acquire for the render path: on exhaustion it returns
// the shared silence buffer, which callers must not write to.
func (p *Pool) AcquireOrSilence(frames int) *Buffer {
	b, err := p.Acquire(frames)
	if err != nil {
		return p.silence
	}
	return b
}

func (p *Pool) tryAcquire() *Buffer {
	n := uint32(len(p.slots))
	start := p.next.Add(1)
	for i := uint32(0); i < n; i++ {
		s := &p.slots[(start+i)%n]
		if s.owned.CompareAndSwap(false, true) {
			return s.buf
		}
	}
	return nil
}

// Release clears the buffer and returns it to the pool. Releasing the
// silence buffer is a no-op.
func (p *Pool) Release(b *Buffer) error {
	if b == nil || b.pool != p {
		return ErrNotOwned
	}
	if b.silent {
		return nil
	}

	s := &p.slots[b.slot]
	if !s.owned.Load() {
		return ErrNotOwned
	}
	b.Clear()
	b.length = p.frames
	if !s.owned.CompareAndSwap(true, false) {
		return ErrNotOwned
	}
	p.inUse.Add(-1)
	return nil
}

// Frames returns the per-buffer capacity in frames.
func (p *Pool) Frames() int { return p.frames }

// Stats returns current usage counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Capacity:   len(p.slots),
		InUse:      int(p.inUse.Load()),
		Acquires:   p.acquires.Load(),
		Exhausted:  p.exhausted.Load(),
		FrameLimit: p.frames,
	}
}

func (s PoolStats) String() string {
	return fmt.Sprintf("pool: %d/%d in use, %d acquires, %d exhausted",
		s.InUse, s.Capacity, s.Acquires, s.Exhausted)
}
