// Package approval implements the durable approval queue shared by agents
// and human reviewers, the auto-approval policy, and the gate agents block on.
package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/flotilla/internal/domain"
)

// Status is the lifecycle state of an approval request
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusConsumed Status = "consumed"
)

// AllStatuses lists the statuses in lifecycle order
var AllStatuses = []Status{StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusConsumed}

// ParseStatus parses a status name case-insensitively
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown approval status %q", s)
}

// Request is one row of the approval queue
type Request struct {
	ID             string            `json:"id"`
	AgentID        string            `json:"agent_id"`
	Phase          domain.Phase      `json:"phase"`
	Operation      string            `json:"operation"`
	RiskLevel      domain.RiskLevel  `json:"risk_level"`
	Context        map[string]string `json:"context,omitempty"`
	Status         Status            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	DecidedAt      *time.Time        `json:"decided_at,omitempty"`
	DecisionReason string            `json:"decision_reason,omitempty"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
}

// DecisionStatus classifies a decision log entry
type DecisionStatus string

const (
	DecisionAutoApproved DecisionStatus = "auto_approved"
	DecisionApproved     DecisionStatus = "approved"
	DecisionRejected     DecisionStatus = "rejected"
	DecisionTimeout      DecisionStatus = "timeout"
	DecisionWithdrawn    DecisionStatus = "withdrawn"
)

// Decision is one entry of the decision log. RequestID is empty for
// auto-approvals, which never reach the queue.
type Decision struct {
	ID        int64            `json:"id"`
	RequestID string           `json:"request_id,omitempty"`
	AgentID   string           `json:"agent_id"`
	Phase     domain.Phase     `json:"phase"`
	Operation string           `json:"operation"`
	RiskLevel domain.RiskLevel `json:"risk_level"`
	Status    DecisionStatus   `json:"status"`
	Rationale string           `json:"rationale"`
	CreatedAt time.Time        `json:"created_at"`
}

// QueueSnapshot is the reporting view of the queue
type QueueSnapshot struct {
	PendingByAgent map[string][]Request `json:"pending_by_agent"`
	Counts         map[Status]int       `json:"counts"`
	Decisions      []Decision           `json:"decisions"`
}

// Outcome is what the gate tells the caller
type Outcome string

const (
	OutcomeApproved     Outcome = "APPROVED"
	OutcomeRejected     Outcome = "REJECTED"
	OutcomeTimeout      Outcome = "TIMEOUT"
	OutcomeAutoApproved Outcome = "AUTO_APPROVED"
)

// Allowed reports whether the caller may proceed
func (o Outcome) Allowed() bool {
	return o == OutcomeApproved || o == OutcomeAutoApproved
}
