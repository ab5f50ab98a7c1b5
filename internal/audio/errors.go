package audio

import (
	"errors"
	"fmt"
	"time"
)

// Engine error taxonomy. Callers compare with errors.Is.
var (
	// ErrPoolExhausted is returned when no buffer became free within the acquire timeout
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	// ErrUnderrun is reported by a source that could not fill a buffer in time
	ErrUnderrun = errors.New("source underrun")

	// ErrDeviceLost is returned once an audio device disconnected
	ErrDeviceLost = errors.New("audio device lost")

	// ErrDeviceBusy is returned when a device direction is already in use
	ErrDeviceBusy = errors.New("audio device busy")

	// ErrUnsupportedConfig is returned for sample rates, buffer sizes or
	// channel layouts the engine or backend cannot run
	ErrUnsupportedConfig = errors.New("unsupported audio configuration")

	// ErrInvalidRange is returned for gains or sizes outside their domain
	ErrInvalidRange = errors.New("value out of range")

	// ErrNotOwned is returned when releasing a buffer the caller does not own
	ErrNotOwned = errors.New("buffer not owned by caller")

	// ErrStreamNotFound is returned for stream ids the engine never issued
	ErrStreamNotFound = errors.New("stream not found")

	// ErrInvalidState is returned when an operation is not allowed in the current session state
	ErrInvalidState = errors.New("invalid session state")

	// ErrEngineShutdown is returned by every operation after Shutdown
	ErrEngineShutdown = errors.New("engine is shut down")

	// ErrUnsupportedFormat is returned for files that are neither WAV nor FLAC
	ErrUnsupportedFormat = errors.New("unsupported audio file format")
)

// IsRecoverable reports whether the engine absorbs err locally and keeps running.
func IsRecoverable(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrUnderrun),
		errors.Is(err, ErrPoolExhausted),
		errors.Is(err, ErrInvalidRange),
		errors.Is(err, ErrDeviceBusy):
		return true
	default:
		return false
	}
}

// Severity classifies how bad an error is for the running session.
type Severity int

const (
	// SeverityInfo is for expected conditions such as a stream finishing
	SeverityInfo Severity = iota

	// SeverityWarning is for glitches the engine recovers from
	SeverityWarning

	// SeverityError is for failed operations that leave the session usable
	SeverityError

	// SeverityFatal is for conditions that move the session to Error
	SeverityFatal
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SeverityOf maps an error to its default severity.
func SeverityOf(err error) Severity {
	switch {
	case err == nil:
		return SeverityInfo
	case errors.Is(err, ErrDeviceLost):
		return SeverityFatal
	case IsRecoverable(err):
		return SeverityWarning
	default:
		return SeverityError
	}
}

// Error carries the component and action an engine error came from.
type Error struct {
	Err       error
	Component string
	Action    string
	Severity  Severity
	Timestamp time.Time
	Context   map[string]any
}

// NewError wraps err with the component and action that produced it.
func NewError(err error, component, action string) *Error {
	return &Error{
		Err:       err,
		Component: component,
		Action:    action,
		Severity:  SeverityOf(err),
		Timestamp: time.Now(),
		Context:   make(map[string]any),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("%s: %v", e.Component, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Action, e.Err)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithSeverity overrides the severity.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// WithContext attaches a key/value pair for logging.
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// KeyVals flattens the error into charmbracelet/log key/value pairs.
func (e *Error) KeyVals() []any {
	kv := []any{"component", e.Component, "action", e.Action, "severity", e.Severity.String()}
	for k, v := range e.Context {
		kv = append(kv, k, v)
	}
	return kv
}
