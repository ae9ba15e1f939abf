package ux

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/flotilla/internal/errors"
)

// ErrorWithSuggestion wraps an error with a recovery hint
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

func (e *ErrorWithSuggestion) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%v\n\nSuggestion: %s", e.Err, e.Suggestion)
	}
	return e.Err.Error()
}

func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// NewErrorWithSuggestion creates a new error with a suggestion
func NewErrorWithSuggestion(err error, suggestion string) error {
	if err == nil {
		return nil
	}
	return &ErrorWithSuggestion{Err: err, Suggestion: suggestion}
}

// EnhanceError adds a hint for common environment problems. Structured errors
// that already carry suggestions are returned unchanged.
func EnhanceError(err error) error {
	if err == nil {
		return nil
	}
	var fe *errors.FlotillaError
	if stderrors.As(err, &fe) && len(fe.Suggestions) > 0 {
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, `"git": executable file not found`):
		return NewErrorWithSuggestion(err, "Install git and make sure it is on PATH")
	case strings.Contains(msg, `"gh": executable file not found`):
		return NewErrorWithSuggestion(err,
			"Install the GitHub CLI or set integration.reviews to local")
	case strings.Contains(msg, "not a git repository"):
		return NewErrorWithSuggestion(err,
			"Run flotilla inside a git repository or set integration.repo")
	case strings.Contains(msg, "database is locked"):
		return NewErrorWithSuggestion(err,
			"Another process holds the approval store; retry or check store.path")
	case strings.Contains(msg, "address already in use"):
		return NewErrorWithSuggestion(err, "Pick another address with --addr or metrics.addr")
	}
	return err
}

// FormatError enhances err and prefixes it with what was being done
func FormatError(err error, context string) error {
	if err == nil {
		return nil
	}
	enhanced := EnhanceError(err)
	if context != "" {
		return fmt.Errorf("%s: %w", context, enhanced)
	}
	return enhanced
}
