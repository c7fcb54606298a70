package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures. Kinds are never downgraded as they
// propagate; the orchestrator only records which stage produced them.
type ErrorKind string

const (
	// KindMalformedDocument means the input could not be parsed as JSON/JSON-LD.
	KindMalformedDocument ErrorKind = "MalformedDocument"

	// KindMissingConfigEntity means an RO-Crate has no SoftwareSourceCode
	// entity pointing at a configuration file.
	KindMissingConfigEntity ErrorKind = "MissingConfigEntity"

	// KindFileNotFound means a referenced file does not resolve inside the crate
	// (or a source path/URL could not be read).
	KindFileNotFound ErrorKind = "FileNotFound"

	// KindInvalidSpec means the normalized spec violates an invariant.
	KindInvalidSpec ErrorKind = "InvalidSpec"

	// KindRenderError means the composer cannot satisfy a backend's required fields.
	KindRenderError ErrorKind = "RenderError"

	// KindBackendUnavailable means a required external tool or API is unreachable.
	KindBackendUnavailable ErrorKind = "BackendUnavailable"

	// KindProvisionFailed means the backend ran and reported failure.
	KindProvisionFailed ErrorKind = "ProvisionFailed"
)

// Error is a classified pipeline error.
type Error struct {
	// Kind is the failure classification
	Kind ErrorKind `json:"kind"`

	// Message is a short human-readable description
	Message string `json:"message"`

	// Diagnostic carries captured detail (stderr text, provider message)
	Diagnostic string `json:"diagnostic,omitempty"`

	// Err is the underlying cause, if any
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error wrapping err (which may be nil).
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDiagnostic returns a copy of e carrying diagnostic text.
func (e *Error) WithDiagnostic(diagnostic string) *Error {
	c := *e
	c.Diagnostic = diagnostic
	return &c
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// DiagnosticOf returns the diagnostic text carried by err, falling back to
// the error string.
func DiagnosticOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Diagnostic != "" {
		return e.Diagnostic
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
