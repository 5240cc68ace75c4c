package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // rejected event, failed hook, failed scenario, non-deterministic replay
	ExitCommandError = 2 // bad flags or paths, unreadable database or catalog
)

// Error codes carried in JSON error responses.
const (
	ErrCodeGeneric      = "E001"
	ErrCodeNotFound     = "E005" // path not found
	ErrCodeCatalog      = "E101" // catalog does not compile
	ErrCodeRegistration = "E102" // registry rejects the catalog
	ErrCodeTestFailed   = "E_TEST_FAILED"
	ErrCodeDeterminism  = "E_DETERMINISM"
)

// ExitError is a command error that selects the process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError around err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to an exit code. Errors that are not ExitErrors,
// nil included, map to ExitFailure; callers only ask when a command failed.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the envelope of every JSON output.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failed command in a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// OutputFormatter writes command results as text or JSON.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose diagnostics; Writer when nil
	Verbose   bool
}

// JSON reports whether results are written as JSON.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// Success writes data in an ok envelope, or prints it as text.
func (f *OutputFormatter) Success(data any) error {
	if f.JSON() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Document writes data in an ok envelope, indented. Used for results a
// person is likely to read: traces, replays and test runs.
func (f *OutputFormatter) Document(data any) error {
	return f.encodeIndented(CLIResponse{Status: "ok", Data: data})
}

// Failure writes data in an indented error envelope. The command still
// returns its own ExitError.
func (f *OutputFormatter) Failure(data any, code, message string, details any) error {
	return f.encodeIndented(CLIResponse{
		Status: "error",
		Data:   data,
		Error:  &CLIError{Code: code, Message: message, Details: details},
	})
}

func (f *OutputFormatter) encodeIndented(resp CLIResponse) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// Error writes an error envelope, or an "Error [code]" line as text.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.JSON() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog prints a diagnostic line when verbose. Diagnostics go to
// ErrWriter so they never mix with JSON on Writer.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
