//go:build nocgo
// +build nocgo

package device

// Stubs for builds without cgo. Auto-selection falls back to the mock.

type MalgoBackend struct{ MockBackend }

func NewMalgo() (*MalgoBackend, error) {
	return nil, ErrBackendUnavailable
}

func (b *MalgoBackend) Devices(Direction) ([]Info, error) {
	return nil, ErrBackendUnavailable
}

type OtoBackend struct{ MockBackend }

func NewOto(*PlatformInfo) *OtoBackend {
	return &OtoBackend{}
}

func (b *OtoBackend) Supports(StreamConfig) error { return ErrBackendUnavailable }

func (b *OtoBackend) OpenOutput(StreamConfig, RenderFunc, LostFunc) (Handle, error) {
	return nil, ErrBackendUnavailable
}

func (b *MalgoBackend) Name() string { return "malgo" }

func (b *OtoBackend) Name() string { return "oto" }
