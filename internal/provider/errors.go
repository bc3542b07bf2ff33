package provider

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// ErrUnsupportedOperation indicates the provider cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// ConfigurationError reports a missing credential, base URL or an unknown auth type.
// It is raised when a generator is constructed, never on first use.
type ConfigurationError struct {
	AuthType string
	Message  string
}

func (e *ConfigurationError) Error() string {
	if e.AuthType == "" {
		return "configuration error: " + e.Message
	}
	return fmt.Sprintf("configuration error (%s): %s", e.AuthType, e.Message)
}

// TransportError wraps a network failure that happened before a response was received
// or that interrupted a stream.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BackendError carries the status code and raw body of a non-2xx backend response.
type BackendError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: backend returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend returned status %d: %s", e.Provider, e.StatusCode, body)
}

// ProtocolError reports a backend payload that could not be decoded.
type ProtocolError struct {
	Provider string
	Payload  string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: malformed payload: %v", e.Provider, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// UnsupportedCapabilityError reports an operation a backend does not implement.
type UnsupportedCapabilityError struct {
	Provider   string
	Capability string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Provider, e.Capability)
}

// Is lets errors.Is match ErrUnsupportedOperation.
func (e *UnsupportedCapabilityError) Is(target error) bool {
	return target == ErrUnsupportedOperation
}
