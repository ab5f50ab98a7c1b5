// Package device connects the engine to audio hardware. A Backend opens
// output and input streams whose callbacks run on the platform's real-time
// thread; the Session owns those handles and mixes on the output callback.
package device

import (
	"errors"
	"fmt"

	"github.com/devsound/devsound/internal/audio"
)

// Direction is the data flow of a device stream.
type Direction int

const (
	Output Direction = iota
	Input
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// ErrBackendUnavailable is returned when a backend cannot be used on this
// build or machine.
var ErrBackendUnavailable = errors.New("audio backend unavailable")

// Capabilities describes what a backend can open.
type Capabilities struct {
	Output bool
	Input  bool
	// Duplex means output and input may be open at the same time.
	Duplex bool
}

// StreamConfig is the format and period requested from a backend.
type StreamConfig struct {
	Format       audio.Format
	BufferFrames int
	// DeviceName selects a device by name; empty uses the system default.
	DeviceName string
}

// Validate checks the config against the engine limits.
func (c StreamConfig) Validate() error {
	if err := c.Format.Validate(); err != nil {
		return err
	}
	return audio.ValidateBufferFrames(c.BufferFrames)
}

// RenderFunc fills out with interleaved samples. It runs on the real-time
// thread and must not block.
type RenderFunc func(out []float32)

// CaptureFunc receives captured interleaved samples on the real-time thread.
type CaptureFunc func(in []float32)

// LostFunc is called once when a stream's device goes away. It may run on
// any goroutine and must not block.
type LostFunc func(dir Direction, err error)

// Handle is an open device stream.
type Handle interface {
	Start() error
	Stop() error
	Close() error
}

// Backend opens device streams.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	// Supports reports whether the backend can run cfg, wrapping
	// audio.ErrUnsupportedConfig when it cannot.
	Supports(cfg StreamConfig) error
	OpenOutput(cfg StreamConfig, render RenderFunc, lost LostFunc) (Handle, error)
	OpenInput(cfg StreamConfig, capture CaptureFunc, lost LostFunc) (Handle, error)
	Close() error
}

// Info describes a hardware device.
type Info struct {
	Name      string
	Direction Direction
	Default   bool
}

func (i Info) String() string {
	if i.Default {
		return fmt.Sprintf("%s (default %s)", i.Name, i.Direction)
	}
	return fmt.Sprintf("%s (%s)", i.Name, i.Direction)
}

// Lister is implemented by backends that can enumerate devices.
type Lister interface {
	Devices(dir Direction) ([]Info, error)
}
