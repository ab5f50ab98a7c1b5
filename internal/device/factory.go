package device

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/devsound/devsound/internal/audio"
)

// Backend names accepted by Open.
const (
	BackendAuto  = "auto"
	BackendMalgo = "malgo"
	BackendOto   = "oto"
	BackendMock  = "mock"
)

var defaultProbeFormat = audio.Format{SampleRate: 44100, Channels: 2}

// BackendNames lists the names Open accepts.
var BackendNames = []string{BackendAuto, BackendMalgo, BackendOto, BackendMock}

// Open returns the named backend. "auto" picks the best one available on
// this host and falls back to the mock when there is no usable hardware.
func Open(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendAuto:
		return openAuto(DetectPlatform()), nil
	case BackendMalgo:
		return NewMalgo()
	case BackendOto:
		return NewOto(nil), nil
	case BackendMock:
		return NewMock(MockConfig{Duplex: true, Clocked: true}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want one of %s)", name, strings.Join(BackendNames, ", "))
	}
}

func openAuto(platform *PlatformInfo) Backend {
	if platform.ShouldUseMock() {
		log.Info("no audio hardware, using mock backend", "platform", platform)
		return NewMock(MockConfig{Duplex: true, Clocked: true})
	}

	b, err := withRetry(platform, NewMalgo)
	if err == nil {
		return b
	}
	log.Warn("malgo unavailable, falling back to oto", "err", err)

	fallback := NewOto(platform)
	if err := fallback.Supports(StreamConfig{Format: defaultProbeFormat, BufferFrames: 1024}); errors.Is(err, ErrBackendUnavailable) {
		log.Warn("oto unavailable, using mock backend")
		return NewMock(MockConfig{Duplex: true, Clocked: true})
	}
	return fallback
}

// withRetry calls open up to the platform's retry policy.
func withRetry[B Backend](platform *PlatformInfo, open func() (B, error)) (B, error) {
	attempts, delay := platform.RetryPolicy()
	var (
		b       B
		lastErr error
	)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			log.Debug("retrying backend initialization", "attempt", i+1, "of", attempts)
			time.Sleep(delay)
		}
		b, lastErr = open()
		if lastErr == nil {
			return b, nil
		}
		log.Debug("backend initialization failed", "attempt", i+1, "err", lastErr)
	}
	return b, fmt.Errorf("backend initialization failed after %d attempts: %w", attempts, lastErr)
}
