package audio

import (
	"fmt"
	"slices"
	"time"
)

// SupportedSampleRates lists the rates an engine can be initialised with.
var SupportedSampleRates = []int{8000, 11025, 16000, 22050, 32000, 44100, 48000, 88200, 96000, 176400, 192000}

// Buffer size bounds in frames.
const (
	MinBufferFrames = 16
	MaxBufferFrames = 16384
)

// Format describes interleaved float32 PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate checks that the format is one the engine can mix.
func (f Format) Validate() error {
	if !slices.Contains(SupportedSampleRates, f.SampleRate) {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedConfig, f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedConfig, f.Channels)
	}
	return nil
}

// FramesFor converts a duration to the nearest frame count.
func (f Format) FramesFor(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return (int64(d)*int64(f.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}

// DurationOf converts a frame count to a duration.
func (f Format) DurationOf(frames int64) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// BytesPerFrame is the size of one float32 frame.
func (f Format) BytesPerFrame() int {
	return 4 * f.Channels
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// ValidateBufferFrames checks a device period size.
func ValidateBufferFrames(frames int) error {
	if frames < MinBufferFrames || frames > MaxBufferFrames {
		return fmt.Errorf("%w: buffer of %d frames (want %d..%d)",
			ErrUnsupportedConfig, frames, MinBufferFrames, MaxBufferFrames)
	}
	return nil
}
