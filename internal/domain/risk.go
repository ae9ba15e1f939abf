package domain

import (
	"fmt"
	"strings"
)

// RiskLevel grades how dangerous an operation is.
// This is a value object that enforces valid risk values.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AllRiskLevels lists the risk levels from least to most severe
var AllRiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// ParseRiskLevel parses a case-insensitive risk name
func ParseRiskLevel(value string) (RiskLevel, error) {
	r := RiskLevel(strings.ToLower(strings.TrimSpace(value)))
	if err := r.Validate(); err != nil {
		return "", err
	}
	return r, nil
}

// Validate checks if the risk level is valid
func (r RiskLevel) Validate() error {
	if riskRank(r) == 0 {
		return fmt.Errorf("invalid risk level %q: must be low, medium, high, or critical", string(r))
	}
	return nil
}

// String returns the string representation
func (r RiskLevel) String() string {
	return string(r)
}

// IsHigherThan checks if this risk is more severe than another
func (r RiskLevel) IsHigherThan(other RiskLevel) bool {
	return riskRank(r) > riskRank(other)
}

// AtLeast reports whether r is at least as severe as min
func (r RiskLevel) AtLeast(min RiskLevel) bool {
	return riskRank(r) >= riskRank(min)
}

func riskRank(r RiskLevel) int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}
