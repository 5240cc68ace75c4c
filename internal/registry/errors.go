package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrHandlerNotFound is returned by Resolve when no handler covers the
	// (event type, version) pair.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrAmbiguousHandler is returned by Resolve when more than one handler
	// covers the (event type, version) pair.
	ErrAmbiguousHandler = errors.New("ambiguous handler")
)

// RegistrationErrorCode categorizes registration errors.
type RegistrationErrorCode string

const (
	// ErrCodeEmptyName indicates an event type or handler without a name.
	ErrCodeEmptyName RegistrationErrorCode = "EMPTY_NAME"

	// ErrCodeDuplicateEventType indicates an event type registered twice.
	ErrCodeDuplicateEventType RegistrationErrorCode = "DUPLICATE_EVENT_TYPE"

	// ErrCodeUnsupportedStorage indicates a storage policy other than inline
	// or JSON file.
	ErrCodeUnsupportedStorage RegistrationErrorCode = "UNSUPPORTED_STORAGE"

	// ErrCodeUnknownEventType indicates a handler or hook for an event type
	// that is not registered.
	ErrCodeUnknownEventType RegistrationErrorCode = "UNKNOWN_EVENT_TYPE"

	// ErrCodeDuplicateHandler indicates a second handler for one
	// (event type, version) pair.
	ErrCodeDuplicateHandler RegistrationErrorCode = "DUPLICATE_HANDLER"

	// ErrCodeMissingHandler indicates an event type with no handler at the
	// current version.
	ErrCodeMissingHandler RegistrationErrorCode = "MISSING_HANDLER"

	// ErrCodeMissingTransform indicates a catalog handler with no bound
	// transform.
	ErrCodeMissingTransform RegistrationErrorCode = "MISSING_TRANSFORM"
)

// RegistrationError is a startup-time error: the registry cannot be used
// until it is fixed.
type RegistrationError struct {
	Code      RegistrationErrorCode
	Message   string
	EventType string
	Handler   string
}

func (e *RegistrationError) Error() string {
	var ctx []string
	if e.EventType != "" {
		ctx = append(ctx, "event_type="+e.EventType)
	}
	if e.Handler != "" {
		ctx = append(ctx, "handler="+e.Handler)
	}
	if len(ctx) > 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(ctx, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationErrorCode categorizes rejected log_event calls.
type ValidationErrorCode string

const (
	ErrCodeUnknownType  ValidationErrorCode = "UNKNOWN_EVENT_TYPE"
	ErrCodeMissingField ValidationErrorCode = "MISSING_FIELD"
)

// ValidationError rejects an event before any row is written.
type ValidationError struct {
	Code      ValidationErrorCode
	EventType string
	Field     string
	Message   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (event_type=%s, field=%s)", e.Code, e.Message, e.EventType, e.Field)
	}
	return fmt.Sprintf("%s: %s (event_type=%s)", e.Code, e.Message, e.EventType)
}

// VersionMismatchError aborts a handler run whose version is not the
// registry's current version.
type VersionMismatchError struct {
	Handler        string
	HandlerVersion string
	CurrentVersion string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: handler %s has version %s but the current version is %s",
		e.Handler, e.HandlerVersion, e.CurrentVersion)
}

// IsRegistrationError reports whether err is a RegistrationError with the
// given code. Uses errors.As to handle wrapped errors.
func IsRegistrationError(err error, code RegistrationErrorCode) bool {
	var re *RegistrationError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
