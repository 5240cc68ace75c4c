package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/dashlog/internal/registry"
)

// FailureCode categorizes why a handler produced no record.
type FailureCode string

const (
	// FailHandlerNotFound: no handler is registered for the event's
	// (type, version) slot.
	FailHandlerNotFound FailureCode = "HANDLER_NOT_FOUND"

	// FailAmbiguousHandler: more than one handler is registered for the slot.
	FailAmbiguousHandler FailureCode = "AMBIGUOUS_HANDLER"

	// FailVersionMismatch: the handler is not at the current schema version.
	FailVersionMismatch FailureCode = "VERSION_MISMATCH"

	// FailMissingPayload: the event's external payload could not be loaded.
	FailMissingPayload FailureCode = "MISSING_PAYLOAD"

	// FailTransform: the transform returned an error or panicked.
	FailTransform FailureCode = "TRANSFORM_FAILED"
)

// ProcessingFailure is the failure recorded in a processed row. Its Error
// text is what the row's error column holds.
type ProcessingFailure struct {
	Code    FailureCode
	EventID string
	Handler string
	Err     error
}

// Error implements the error interface.
func (f *ProcessingFailure) Error() string {
	if f.Handler != "" {
		return fmt.Sprintf("%s: %v (handler=%s)", f.Code, f.Err, f.Handler)
	}
	return fmt.Sprintf("%s: %v", f.Code, f.Err)
}

// Unwrap returns the underlying cause.
func (f *ProcessingFailure) Unwrap() error {
	return f.Err
}

// resolveFailure classifies a registry.Resolve error.
func resolveFailure(eventID string, err error) *ProcessingFailure {
	code := FailHandlerNotFound
	if errors.Is(err, registry.ErrAmbiguousHandler) {
		code = FailAmbiguousHandler
	}
	return &ProcessingFailure{Code: code, EventID: eventID, Err: err}
}

// runFailure classifies a registry.Run error.
func runFailure(eventID, handler string, err error) *ProcessingFailure {
	code := FailTransform
	var vm *registry.VersionMismatchError
	if errors.As(err, &vm) {
		code = FailVersionMismatch
	}
	return &ProcessingFailure{Code: code, EventID: eventID, Handler: handler, Err: err}
}

// IsFailureCode reports whether err is a ProcessingFailure with the given code.
func IsFailureCode(err error, code FailureCode) bool {
	var f *ProcessingFailure
	if errors.As(err, &f) {
		return f.Code == code
	}
	return false
}
