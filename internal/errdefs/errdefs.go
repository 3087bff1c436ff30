// Package errdefs defines the error kinds surfaced by the interaction client.
package errdefs

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// ErrInvalidState is matched by every InvalidStateError.
var ErrInvalidState = errors.New("invalid client state")

// ConfigurationError reports every invalid builder field at once.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	violations := e.Violations()
	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, v.Error())
	}
	return "invalid client configuration: " + strings.Join(msgs, "; ")
}

// Violations returns the individual validation failures.
func (e *ConfigurationError) Violations() []error {
	return multierr.Errors(e.Err)
}

func (e *ConfigurationError) Unwrap() []error {
	return e.Violations()
}

// FieldError is a single configuration violation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

// KeyGenerationError is returned when key material cannot be produced.
type KeyGenerationError struct {
	Bits int
	Err  error
}

func (e *KeyGenerationError) Error() string {
	return fmt.Sprintf("generate %d-bit key material: %v", e.Bits, e.Err)
}

func (e *KeyGenerationError) Unwrap() error { return e.Err }

// TransportError is a network-level failure. It is always retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports that the caller may retry the operation.
func (e *TransportError) Temporary() bool { return true }

// ServerRejectionError is a protocol-level failure returned by the server.
type ServerRejectionError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServerRejectionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server rejected request with status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server rejected request with status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Unauthorized reports whether the server refused the auth token.
func (e *ServerRejectionError) Unauthorized() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// Decryption stages.
const (
	StageKey    = "key"
	StageDecode = "decode"
	StageData   = "data"
	StageParse  = "parse"
)

// DecryptionError describes one entry of a poll batch that could not be
// turned into an interaction. Index is -1 for the batch key.
type DecryptionError struct {
	Index  int
	Source string
	Stage  string
	Raw    string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("decrypt %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("decrypt %s[%d] (%s): %v", e.Source, e.Index, e.Stage, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// InvalidStateError is returned when an operation is attempted in a state
// that does not allow it. It is a caller bug and never retryable.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: not allowed in state %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}
