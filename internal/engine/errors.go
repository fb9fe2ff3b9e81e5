package engine

import (
	"context"
	"errors"
	"fmt"
)

// Capability names the gateway capabilities for error reporting.
type Capability string

const (
	CapabilityTranscribe Capability = "transcribe"
	CapabilityGenerate   Capability = "generate"
	CapabilitySynthesize Capability = "synthesize"
	CapabilityEmbed      Capability = "embed"
)

var (
	// ErrCapabilityDisabled is returned when a capability has been
	// administratively disabled. Instantiation is never attempted.
	ErrCapabilityDisabled = errors.New("capability disabled")

	// ErrCapabilityUnavailable is returned when the underlying engine
	// failed to initialize.
	ErrCapabilityUnavailable = errors.New("capability unavailable")
)

// InvocationError wraps a runtime failure of an engine invocation with the
// capability that produced it.
type InvocationError struct {
	Capability Capability
	Err        error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s invocation failed: %v", e.Capability, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether an invocation error was caused by the
// per-capability deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
