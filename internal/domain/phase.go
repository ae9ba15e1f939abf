package domain

import (
	"fmt"
	"strings"
)

// Phase is the stage of the agent workflow an operation belongs to
type Phase string

const (
	PhasePlan    Phase = "PLAN"
	PhaseExecute Phase = "EXECUTE"
	PhaseReview  Phase = "REVIEW"
	PhaseVerify  Phase = "VERIFY"
	PhaseLearn   Phase = "LEARN"
)

// AllPhases lists the workflow phases in order
var AllPhases = []Phase{PhasePlan, PhaseExecute, PhaseReview, PhaseVerify, PhaseLearn}

// ParsePhase parses a case-insensitive phase name
func ParsePhase(value string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(value)))
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

// Validate checks if the phase is valid
func (p Phase) Validate() error {
	for _, known := range AllPhases {
		if p == known {
			return nil
		}
	}
	return fmt.Errorf("invalid phase %q: must be one of PLAN, EXECUTE, REVIEW, VERIFY, LEARN", string(p))
}

// String returns the string representation
func (p Phase) String() string {
	return string(p)
}
