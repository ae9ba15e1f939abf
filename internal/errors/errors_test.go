package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodePRDNotFound, "test error message")

	if err.Code != ErrCodePRDNotFound {
		t.Errorf("expected code %s, got %s", ErrCodePRDNotFound, err.Code)
	}

	if err.Message != "test error message" {
		t.Errorf("expected message 'test error message', got '%s'", err.Message)
	}

	if err.Cause != nil {
		t.Errorf("expected nil cause, got %v", err.Cause)
	}
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := Wrap(ErrCodeFileReadFailed, "failed to read file", cause)

	if err.Code != ErrCodeFileReadFailed {
		t.Errorf("expected code %s, got %s", ErrCodeFileReadFailed, err.Code)
	}

	if !errors.Is(err, cause) {
		t.Errorf("Wrap should support errors.Is")
	}
	if errors.Unwrap(err) != cause {
		t.Errorf("Unwrap should return the cause")
	}
}

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *FlotillaError
		wantCode string
		wantMsg  string
	}{
		{
			name:     "simple error",
			err:      New(ErrCodePRDInvalid, "invalid prd"),
			wantCode: "PRD-002",
			wantMsg:  "invalid prd",
		},
		{
			name:     "error with cause",
			err:      Wrap(ErrCodeFileReadFailed, "read failed", fmt.Errorf("permission denied")),
			wantCode: "IO-002",
			wantMsg:  "permission denied",
		},
		{
			name:     "formatted",
			err:      Newf(ErrCodeMergeFailed, "merge of %s failed", "agent/x"),
			wantCode: "MERGE-002",
			wantMsg:  "merge of agent/x failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errStr := tt.err.Error()

			if !strings.Contains(errStr, tt.wantCode) {
				t.Errorf("error string should contain code %s, got: %s", tt.wantCode, errStr)
			}

			if !strings.Contains(errStr, tt.wantMsg) {
				t.Errorf("error string should contain message '%s', got: %s", tt.wantMsg, errStr)
			}
		})
	}
}

func TestErrorChaining(t *testing.T) {
	err := New(ErrCodePRDInvalid, "validation failed").
		WithSuggestion("Check field 'id'").
		WithSuggestions("Check field 'tasks'").
		WithDocs("https://example.com/docs")

	if len(err.Suggestions) != 2 {
		t.Errorf("expected 2 suggestions, got %d", len(err.Suggestions))
	}

	errStr := err.Error()
	for _, want := range []string{"PRD-002", "Check field 'id'", "Check field 'tasks'", "https://example.com/docs"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should contain %q, got: %s", want, errStr)
		}
	}
}

func TestHasCode(t *testing.T) {
	inner := NewUnmetDependencyError("d", "a")
	outer := Wrap(ErrCodeExecSpawnFailed, "spawn failed", inner)
	plain := fmt.Errorf("context: %w", outer)

	if !HasCode(plain, ErrCodeExecSpawnFailed) {
		t.Error("expected outer code to be found through fmt wrapping")
	}
	if !HasCode(plain, ErrCodeSchedUnmetDependency) {
		t.Error("expected inner code to be found")
	}
	if HasCode(plain, ErrCodeExecDeadlock) {
		t.Error("unexpected code match")
	}
	if HasCode(nil, ErrCodeExecDeadlock) {
		t.Error("nil error has no code")
	}
	if got := CodeOf(plain); got != ErrCodeExecSpawnFailed {
		t.Errorf("CodeOf = %s, want %s", got, ErrCodeExecSpawnFailed)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf plain error = %q, want empty", got)
	}
}

func TestNewCyclicDependencyError(t *testing.T) {
	err := NewCyclicDependencyError([]string{"a", "b", "a"})

	if err.Code != ErrCodePlanCyclicDep {
		t.Errorf("expected code %s, got %s", ErrCodePlanCyclicDep, err.Code)
	}
	if !strings.Contains(err.Error(), "a -> b -> a") {
		t.Errorf("error should name the cycle, got: %s", err.Error())
	}
}

func TestNewDeadlockError(t *testing.T) {
	err := NewDeadlockError("prd-1", []string{"x", "y"})

	if err.Code != ErrCodeExecDeadlock {
		t.Errorf("expected code %s, got %s", ErrCodeExecDeadlock, err.Code)
	}
	if !strings.Contains(err.Message, "2 task(s)") || !strings.Contains(err.Message, "x, y") {
		t.Errorf("unexpected message: %s", err.Message)
	}
}

func TestNewFileNotFoundError(t *testing.T) {
	err := NewFileNotFoundError("/path/to/file.yaml")

	if err.Code != ErrCodeFileNotFound {
		t.Errorf("expected code %s, got %s", ErrCodeFileNotFound, err.Code)
	}
	if !strings.Contains(err.Message, "/path/to/file.yaml") {
		t.Errorf("error message should contain file path")
	}
	if len(err.Suggestions) == 0 {
		t.Errorf("expected suggestions")
	}
}

func TestErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		ErrCodePRDNotFound,
		ErrCodePRDInvalid,
		ErrCodePlanCyclicDep,
		ErrCodeSchedUnmetDependency,
		ErrCodeMergeConflict,
		ErrCodeMergeFailed,
		ErrCodeCheckpointFailed,
		ErrCodeApprovalConsumed,
		ErrCodeStoreOpen,
		ErrCodeExecDeadlock,
		ErrCodeConfigInvalid,
		ErrCodeFileNotFound,
	}

	for _, code := range codes {
		parts := strings.Split(string(code), "-")
		if len(parts) != 2 {
			t.Errorf("error code %s should have format CATEGORY-NNN", code)
			continue
		}
		if len(parts[1]) != 3 {
			t.Errorf("error code %s should have 3-digit number", code)
		}
	}
}
