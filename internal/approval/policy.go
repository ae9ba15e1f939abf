package approval

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/flotilla/internal/domain"
)

// PolicyResult is the auto-approval verdict for one request
type PolicyResult struct {
	// AutoApprove skips the queue entirely
	AutoApprove bool
	// Logged marks auto-approvals that deserve an audit log line on top of the
	// decision log entry
	Logged    bool
	Rationale string
}

// Policy decides which requests need a human
type Policy interface {
	Evaluate(phase domain.Phase, risk domain.RiskLevel, operation string) PolicyResult
	Name() string
}

// DefaultPolicy auto-approves low risk everywhere and medium risk outside
// EXECUTE and REVIEW. High and critical risk always need a human.
type DefaultPolicy struct{}

func (DefaultPolicy) Name() string { return "default" }

func (DefaultPolicy) Evaluate(phase domain.Phase, risk domain.RiskLevel, _ string) PolicyResult {
	switch risk {
	case domain.RiskLow:
		return PolicyResult{
			AutoApprove: true,
			Rationale:   fmt.Sprintf("low risk %s operations are auto-approved", phase),
		}
	case domain.RiskMedium:
		if phase == domain.PhaseExecute || phase == domain.PhaseReview {
			return PolicyResult{Rationale: fmt.Sprintf("medium risk %s operations require human approval", phase)}
		}
		return PolicyResult{
			AutoApprove: true,
			Logged:      true,
			Rationale:   fmt.Sprintf("medium risk %s operation auto-approved; logged for review", phase),
		}
	default:
		return PolicyResult{Rationale: fmt.Sprintf("%s risk operations require human approval", risk)}
	}
}

// ManualPolicy sends every request to a human
type ManualPolicy struct{}

func (ManualPolicy) Name() string { return "manual" }

func (ManualPolicy) Evaluate(phase domain.Phase, risk domain.RiskLevel, _ string) PolicyResult {
	return PolicyResult{Rationale: fmt.Sprintf("manual policy: %s risk %s operation requires human approval", risk, phase)}
}

// OperationPolicy requires a human for operations containing any of the
// listed substrings and auto-approves everything else
type OperationPolicy struct {
	RequireHuman []string
}

func (OperationPolicy) Name() string { return "operations" }

func (p OperationPolicy) Evaluate(_ domain.Phase, _ domain.RiskLevel, operation string) PolicyResult {
	op := strings.ToLower(operation)
	for _, pattern := range p.RequireHuman {
		if pattern != "" && strings.Contains(op, strings.ToLower(pattern)) {
			return PolicyResult{Rationale: fmt.Sprintf("operation matches %q and requires human approval", pattern)}
		}
	}
	return PolicyResult{AutoApprove: true, Rationale: "operation is not on the review list"}
}

// CompositePolicy auto-approves only when every policy does. The first
// policy that wants a human supplies the rationale.
type CompositePolicy struct {
	policies []Policy
}

// NewCompositePolicy combines policies
func NewCompositePolicy(policies ...Policy) *CompositePolicy {
	return &CompositePolicy{policies: policies}
}

func (c *CompositePolicy) Name() string {
	names := make([]string, len(c.policies))
	for i, p := range c.policies {
		names[i] = p.Name()
	}
	return "composite(" + strings.Join(names, ",") + ")"
}

func (c *CompositePolicy) Evaluate(phase domain.Phase, risk domain.RiskLevel, operation string) PolicyResult {
	if len(c.policies) == 0 {
		return ManualPolicy{}.Evaluate(phase, risk, operation)
	}
	var rationales []string
	logged := false
	for _, p := range c.policies {
		res := p.Evaluate(phase, risk, operation)
		if !res.AutoApprove {
			return res
		}
		logged = logged || res.Logged
		rationales = append(rationales, res.Rationale)
	}
	return PolicyResult{AutoApprove: true, Logged: logged, Rationale: strings.Join(rationales, "; ")}
}

// PolicyByName returns a built-in policy
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "", "default":
		return DefaultPolicy{}, nil
	case "manual":
		return ManualPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown approval policy %q (expected default or manual)", name)
	}
}
