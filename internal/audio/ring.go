package audio

import (
	"errors"
	"runtime"

	"github.com/smallnest/ringbuffer"
)

// ringLockSpins bounds how often the real-time side retries a ring whose
// lock is held by the other end. Holders only copy a few kilobytes.
const ringLockSpins = 256

func ringTryRead(r *ringbuffer.RingBuffer, p []byte) (int, error) {
	for i := 0; ; i++ {
		n, err := r.TryRead(p)
		if !errors.Is(err, ringbuffer.ErrAcquireLock) || i >= ringLockSpins {
			return n, err
		}
		if i >= spinsBeforeYield {
			runtime.Gosched()
		}
	}
}

func ringTryWrite(r *ringbuffer.RingBuffer, p []byte) (int, error) {
	for i := 0; ; i++ {
		n, err := r.TryWrite(p)
		if !errors.Is(err, ringbuffer.ErrAcquireLock) || i >= ringLockSpins {
			return n, err
		}
		if i >= spinsBeforeYield {
			runtime.Gosched()
		}
	}
}
