package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// PRD document errors (PRD-001 to PRD-099)
	ErrCodePRDNotFound      ErrorCode = "PRD-001"
	ErrCodePRDInvalid       ErrorCode = "PRD-002"
	ErrCodePRDUnmarshal     ErrorCode = "PRD-003"
	ErrCodePRDUnknownTask   ErrorCode = "PRD-004"
	ErrCodePRDBadTransition ErrorCode = "PRD-005"
	ErrCodePlanCyclicDep    ErrorCode = "PLAN-005"

	// Scheduling errors (SCHED-001 to SCHED-099)
	ErrCodeSchedUnmetDependency ErrorCode = "SCHED-001"
	ErrCodeSchedUnknownTask     ErrorCode = "SCHED-002"

	// Integration line errors (MERGE-001 to MERGE-099)
	ErrCodeMergeConflict      ErrorCode = "MERGE-001"
	ErrCodeMergeFailed        ErrorCode = "MERGE-002"
	ErrCodeBranchMissing      ErrorCode = "MERGE-003"
	ErrCodeBranchNotMerged    ErrorCode = "MERGE-004"
	ErrCodeLedgerCorrupt      ErrorCode = "MERGE-005"
	ErrCodeCheckpointFailed   ErrorCode = "CHECKPOINT-001"
	ErrCodeCheckpointNotFound ErrorCode = "CHECKPOINT-002"
	ErrCodeCheckpointEmpty    ErrorCode = "CHECKPOINT-003"

	// Approval errors (APPROVAL-001 to APPROVAL-099)
	ErrCodeApprovalNotFound ErrorCode = "APPROVAL-001"
	ErrCodeApprovalInvalid  ErrorCode = "APPROVAL-002"
	ErrCodeApprovalConsumed ErrorCode = "APPROVAL-003"
	ErrCodeApprovalRejected ErrorCode = "APPROVAL-004"
	ErrCodeApprovalTimeout  ErrorCode = "APPROVAL-005"

	// Store errors (STORE-001 to STORE-099)
	ErrCodeStoreOpen  ErrorCode = "STORE-001"
	ErrCodeStoreQuery ErrorCode = "STORE-002"

	// Execution errors (EXEC-001 to EXEC-099)
	ErrCodeExecDeadlock    ErrorCode = "EXEC-001"
	ErrCodeExecSpawnFailed ErrorCode = "EXEC-002"
	ErrCodeExecAborted     ErrorCode = "EXEC-003"
	ErrCodeExecPartial     ErrorCode = "EXEC-004"

	// Configuration errors (CONFIG-001 to CONFIG-099)
	ErrCodeConfigInvalid ErrorCode = "CONFIG-001"

	// File I/O errors (IO-001 to IO-099)
	ErrCodeFileNotFound    ErrorCode = "IO-001"
	ErrCodeFileReadFailed  ErrorCode = "IO-002"
	ErrCodeFileWriteFailed ErrorCode = "IO-003"
	ErrCodeDirectoryFailed ErrorCode = "IO-004"
)

// FlotillaError represents an enhanced error with code, suggestions, and documentation
type FlotillaError struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	DocsURL     string
	Cause       error
}

// Error implements the error interface
func (e *FlotillaError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	if e.DocsURL != "" {
		b.WriteString(fmt.Sprintf("\n\nDocumentation: %s", e.DocsURL))
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *FlotillaError) Unwrap() error {
	return e.Cause
}

// New creates a new FlotillaError
func New(code ErrorCode, message string) *FlotillaError {
	return &FlotillaError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new FlotillaError with a formatted message
func Newf(code ErrorCode, format string, args ...any) *FlotillaError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new FlotillaError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *FlotillaError {
	return &FlotillaError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *FlotillaError) WithSuggestion(suggestion string) *FlotillaError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *FlotillaError) WithSuggestions(suggestions ...string) *FlotillaError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithDocs adds a documentation URL to the error
func (e *FlotillaError) WithDocs(url string) *FlotillaError {
	e.DocsURL = url
	return e
}

// CodeOf returns the code of the first FlotillaError in err's chain, or ""
func CodeOf(err error) ErrorCode {
	var fe *FlotillaError
	if stderrors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode reports whether err's chain contains a FlotillaError with code
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var fe *FlotillaError
		if !stderrors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Cause
	}
	return false
}

// Common error constructors for frequently used errors

// NewPRDNotFoundError creates a PRD file not found error
func NewPRDNotFoundError(path string) *FlotillaError {
	return New(ErrCodePRDNotFound, fmt.Sprintf("PRD document not found: %s", path)).
		WithSuggestion("Check if the file path is correct").
		WithSuggestion("PRD documents are YAML or JSON files with an id and a list of tasks")
}

// NewPRDInvalidError creates a PRD validation error
func NewPRDInvalidError(details string) *FlotillaError {
	return New(ErrCodePRDInvalid, fmt.Sprintf("invalid PRD document: %s", details)).
		WithSuggestion("Run 'flotilla schedule <prd>' to validate the document")
}

// NewCyclicDependencyError creates a dependency cycle error naming the cycle
func NewCyclicDependencyError(cycle []string) *FlotillaError {
	return New(ErrCodePlanCyclicDep, fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> "))).
		WithSuggestion("Remove one of the dependencies in the cycle")
}

// NewUnmetDependencyError creates a forced spawn error for a dependency that is not merged yet
func NewUnmetDependencyError(taskID, depID string) *FlotillaError {
	return New(ErrCodeSchedUnmetDependency,
		fmt.Sprintf("cannot force spawn task %s: dependency %s is not merged", taskID, depID)).
		WithSuggestion(fmt.Sprintf("Wait until %s has been merged into the integration branch", depID))
}

// NewDeadlockError creates an execution deadlock error
func NewDeadlockError(prdID string, stuck []string) *FlotillaError {
	return New(ErrCodeExecDeadlock,
		fmt.Sprintf("PRD %s is deadlocked: %d task(s) can never become ready (%s)", prdID, len(stuck), strings.Join(stuck, ", "))).
		WithSuggestion("Check the task dependencies for circular or unsatisfiable references")
}

// NewApprovalNotFoundError creates an approval lookup error
func NewApprovalNotFoundError(id string) *FlotillaError {
	return New(ErrCodeApprovalNotFound, fmt.Sprintf("approval request not found: %s", id)).
		WithSuggestion("Run 'flotilla approvals list' to see pending requests")
}

// NewFileNotFoundError creates a file not found error
func NewFileNotFoundError(path string) *FlotillaError {
	return New(ErrCodeFileNotFound, fmt.Sprintf("file not found: %s", path)).
		WithSuggestion("Check if the file path is correct").
		WithSuggestion("Verify the file exists and you have read permissions")
}
