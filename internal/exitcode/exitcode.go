package exitcode

import (
	"context"
	stderrors "errors"
	"os"
	"strings"

	"github.com/felixgeelhaar/flotilla/internal/errors"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success indicates successful execution
	Success = 0

	// GeneralError indicates a general error condition
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// PartialSuccess indicates a run that finished with failed or cancelled tasks
	PartialSuccess = 3

	// Deadlock indicates a PRD whose remaining tasks can never become ready
	Deadlock = 4

	// ApprovalDenied indicates a rejected or expired approval request
	ApprovalDenied = 5

	// ConfigError indicates an invalid configuration or PRD document
	ConfigError = 6

	// Interrupted indicates the run was cancelled by a signal
	Interrupted = 130
)

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	if err == nil {
		Exit(Success)
		return
	}
	Exit(DetermineExitCode(err))
}

// DetermineExitCode maps an error to an exit code. Structured errors are
// classified by code; anything else falls back to message matching.
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	if stderrors.Is(err, context.Canceled) {
		return Interrupted
	}

	switch code := errors.CodeOf(err); {
	case code == errors.ErrCodeExecPartial:
		return PartialSuccess
	case code == errors.ErrCodeExecDeadlock:
		return Deadlock
	case code == errors.ErrCodeExecAborted:
		return Interrupted
	case code == errors.ErrCodeApprovalRejected, code == errors.ErrCodeApprovalTimeout:
		return ApprovalDenied
	case code == errors.ErrCodeConfigInvalid, code == errors.ErrCodePlanCyclicDep,
		strings.HasPrefix(string(code), "PRD-"):
		return ConfigError
	case code != "":
		return GeneralError
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "invalid flag") || strings.Contains(errMsg, "unknown command") {
		return UsageError
	}
	if strings.Contains(errMsg, "required flag") || strings.Contains(errMsg, "accepts") && strings.Contains(errMsg, "arg(s)") {
		return UsageError
	}
	return GeneralError
}

// GetExitCodeDescription returns a human-readable description of an exit code
func GetExitCodeDescription(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags or arguments)"
	case PartialSuccess:
		return "Run finished with failed or cancelled tasks"
	case Deadlock:
		return "PRD deadlocked"
	case ApprovalDenied:
		return "Approval rejected or timed out"
	case ConfigError:
		return "Invalid configuration or PRD"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
