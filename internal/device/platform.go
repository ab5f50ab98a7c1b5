package device

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Platform identifies the host operating system.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

// Subsystem is the host sound system.
type Subsystem string

const (
	SubsystemALSA       Subsystem = "alsa"
	SubsystemPulseAudio Subsystem = "pulseaudio"
	SubsystemCoreAudio  Subsystem = "coreaudio"
	SubsystemWASAPI     Subsystem = "wasapi"
	SubsystemNone       Subsystem = "none"
)

// PlatformInfo is what auto-selection knows about the host.
type PlatformInfo struct {
	OS        Platform
	Subsystem Subsystem
	HasDevice bool
	IsCI      bool
}

// DetectPlatform inspects the host sound setup.
func DetectPlatform() *PlatformInfo {
	info := &PlatformInfo{OS: currentPlatform(), IsCI: IsCI()}

	switch info.OS {
	case PlatformLinux:
		info.Subsystem = detectLinuxSubsystem()
		info.HasDevice = linuxHasDevice()
	case PlatformDarwin:
		info.Subsystem = SubsystemCoreAudio
		info.HasDevice = true
	case PlatformWindows:
		info.Subsystem = SubsystemWASAPI
		info.HasDevice = true
	default:
		info.Subsystem = SubsystemNone
	}

	log.Debug("platform detected",
		"os", info.OS,
		"subsystem", info.Subsystem,
		"has_device", info.HasDevice,
		"ci", info.IsCI)
	return info
}

// IsCI reports whether we run under a CI system or mock audio was requested.
func IsCI() bool {
	for _, v := range []string{"CI", "CONTINUOUS_INTEGRATION", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "BUILDKITE"} {
		if val := os.Getenv(v); val != "" && val != "false" {
			return true
		}
	}
	return os.Getenv("DEVSOUND_MOCK_AUDIO") == "true"
}

func currentPlatform() Platform {
	switch runtime.GOOS {
	case "linux":
		return PlatformLinux
	case "darwin":
		return PlatformDarwin
	case "windows":
		return PlatformWindows
	default:
		return PlatformUnknown
	}
}

func detectLinuxSubsystem() Subsystem {
	if _, err := exec.LookPath("pactl"); err == nil {
		if out, err := exec.Command("pactl", "info").Output(); err == nil && strings.Contains(string(out), "Server Name") {
			return SubsystemPulseAudio
		}
	}
	if _, err := os.Stat("/proc/asound"); err == nil {
		return SubsystemALSA
	}
	return SubsystemNone
}

func linuxHasDevice() bool {
	if entries, err := os.ReadDir("/dev/snd"); err == nil {
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "pcm") {
				return true
			}
		}
	}
	if b, err := os.ReadFile("/proc/asound/cards"); err == nil && len(b) > 0 && !strings.Contains(string(b), "no soundcards") {
		return true
	}
	return false
}

// ShouldUseMock reports whether auto-selection should skip real hardware.
func (p *PlatformInfo) ShouldUseMock() bool {
	return p.IsCI || p.Subsystem == SubsystemNone || !p.HasDevice
}

// RetryPolicy returns how often opening a hardware backend is attempted.
// CoreAudio and a starting PulseAudio daemon fail transiently.
func (p *PlatformInfo) RetryPolicy() (attempts int, delay time.Duration) {
	switch {
	case p.OS == PlatformDarwin:
		return 3, 200 * time.Millisecond
	case p.OS == PlatformWindows:
		return 2, 150 * time.Millisecond
	case p.Subsystem == SubsystemPulseAudio:
		return 2, 100 * time.Millisecond
	default:
		return 1, 0
	}
}

func (p *PlatformInfo) String() string {
	return fmt.Sprintf("Platform{OS: %s, Audio: %s, HasDevice: %v, IsCI: %v}",
		p.OS, p.Subsystem, p.HasDevice, p.IsCI)
}
