package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/dashlog/internal/catalog"
	"github.com/roach88/dashlog/internal/dashboard"
	"github.com/roach88/dashlog/internal/registry"
)

// ValidationIssue is one problem found in a catalog.
type ValidationIssue struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Catalog  string            `json:"catalog"`
	Version  string            `json:"version"`
	Events   int               `json:"events"`
	Handlers int               `json:"handlers"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [catalog-dir]",
		Short: "Validate an event catalog",
		Long: `Validate the CUE event catalog: every event type must compile, every
handler must cover known event types, and every event type must have
exactly one handler at the current schema version.

Without an argument the configured catalog is validated, or the built-in
one when none is configured. The database is not opened.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runValidate(rootOpts, dir, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return outputValidateError(formatter, ErrCodeGeneric, err.Error(), nil)
	}
	if dir == "" {
		dir = cfg.Catalog
	}

	result := ValidationResult{Catalog: dir, Version: cfg.Schema.Version}
	if dir == "" {
		result.Catalog = "(built-in)"
	}

	var cat *catalog.Catalog
	if dir == "" {
		cat, err = catalog.Default()
	} else {
		if _, statErr := os.Stat(dir); statErr != nil {
			return outputValidateError(formatter, ErrCodeNotFound, fmt.Sprintf("catalog directory not found: %s", dir), nil)
		}
		formatter.VerboseLog("Loading catalog from %s", dir)
		cat, err = catalog.LoadDir(dir)
	}
	if err != nil {
		return outputValidationErrors(formatter, result, []ValidationIssue{catalogIssue(err)})
	}
	result.Events = len(cat.Events)
	result.Handlers = len(cat.Handlers)
	formatter.VerboseLog("Compiled %d event type(s) and %d handler(s)", result.Events, result.Handlers)

	reg, err := registry.FromCatalog(cat, cfg.Schema.Version, dashboard.Transforms(nil))
	if err == nil {
		err = reg.Validate()
	}
	if err != nil {
		return outputValidationErrors(formatter, result, []ValidationIssue{registrationIssue(err)})
	}

	result.Valid = true
	return outputValidateSuccess(formatter, result)
}

func catalogIssue(err error) ValidationIssue {
	var cErr *catalog.CompileError
	if errors.As(err, &cErr) {
		issue := ValidationIssue{Code: ErrCodeCatalog, Field: cErr.Field, Message: cErr.Message}
		if cErr.Pos.IsValid() {
			issue.Line = cErr.Pos.Line()
		}
		return issue
	}
	return ValidationIssue{Code: ErrCodeCatalog, Message: err.Error()}
}

func registrationIssue(err error) ValidationIssue {
	var rErr *registry.RegistrationError
	if errors.As(err, &rErr) {
		field := rErr.EventType
		if rErr.Handler != "" {
			field = rErr.Handler
		}
		return ValidationIssue{Code: string(rErr.Code), Field: field, Message: rErr.Message}
	}
	return ValidationIssue{Code: ErrCodeRegistration, Message: err.Error()}
}

// outputValidateSuccess outputs the success message.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Catalog valid: %d event types, %d handlers (schema %s)\n",
		result.Events, result.Handlers, result.Version)
	return nil
}

// outputValidateError outputs a single command error.
func outputValidateError(formatter *OutputFormatter, code, message string, details interface{}) error {
	_ = formatter.Error(code, message, details)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs the problems found in the catalog.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult, issues []ValidationIssue) error {
	result.Valid = false
	result.Errors = issues

	if formatter.JSON() {
		if err := formatter.Failure(result, issues[0].Code, issues[0].Message, nil); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", issue.Line)
		}
		if issue.Field != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", issue.Code, issue.Field, issue.Message)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
		}
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}
