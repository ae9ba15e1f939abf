package domain

import (
	"strings"
	"testing"
)

func TestNewTaskID(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "simple", value: "task-001"},
		{name: "upper case", value: "A"},
		{name: "path like", value: "auth/login-form"},
		{name: "dotted", value: "T1.2_b"},
		{name: "starts with digit", value: "1-setup"},
		{name: "empty", value: "", wantErr: true},
		{name: "starts with hyphen", value: "-task", wantErr: true},
		{name: "starts with slash", value: "/task", wantErr: true},
		{name: "contains space", value: "my task", wantErr: true},
		{name: "too long", value: "a" + strings.Repeat("b", 100), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewTaskID(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTaskID(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.value {
				t.Errorf("NewTaskID(%q) = %q", tt.value, got)
			}
		})
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{StatusPending, StatusAssigned, true},
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusAssigned, StatusRunning, true},
		{StatusAssigned, StatusFailed, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, false},
		{StatusAssigned, StatusPending, false},
		{StatusRunning, StatusRunning, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusCancelled, StatusRunning, false},
		{StatusPending, TaskStatus("BOGUS"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	}
	for _, s := range AllStatuses {
		if s.IsTerminal() != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v", s, s.IsTerminal())
		}
		if err := s.Validate(); err != nil {
			t.Errorf("%s should be valid: %v", s, err)
		}
	}
	if TaskStatus("done").Validate() == nil {
		t.Error("unknown status should not validate")
	}
}

func TestRiskLevel(t *testing.T) {
	r, err := ParseRiskLevel(" HIGH ")
	if err != nil {
		t.Fatalf("ParseRiskLevel: %v", err)
	}
	if r != RiskHigh {
		t.Errorf("got %q, want high", r)
	}
	if _, err := ParseRiskLevel("severe"); err == nil {
		t.Error("expected error for unknown risk level")
	}

	if !RiskCritical.IsHigherThan(RiskHigh) || RiskLow.IsHigherThan(RiskMedium) {
		t.Error("unexpected risk ordering")
	}
	if !RiskMedium.AtLeast(RiskMedium) || RiskLow.AtLeast(RiskMedium) {
		t.Error("unexpected AtLeast result")
	}
}

func TestParsePhase(t *testing.T) {
	for _, in := range []string{"plan", "Execute", "REVIEW", " verify", "learn "} {
		if _, err := ParsePhase(in); err != nil {
			t.Errorf("ParsePhase(%q): %v", in, err)
		}
	}
	if _, err := ParsePhase("deploy"); err == nil {
		t.Error("expected error for unknown phase")
	}
}
