// Package hooks delivers orchestration lifecycle events to scripts,
// webhooks and Slack.
package hooks

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// EventType names a lifecycle event
type EventType string

const (
	// PRD-level events
	EventPRDStart    EventType = "on_prd_start"
	EventPRDComplete EventType = "on_prd_complete"
	EventPRDFailed   EventType = "on_prd_failed"

	// Task-level events
	EventTaskFailed EventType = "on_task_failed"

	// Integration line events
	EventMergeConflict     EventType = "on_merge_conflict"
	EventCheckpointCreated EventType = "on_checkpoint_created"

	// Approval events
	EventApprovalPending EventType = "on_approval_pending"
	EventApprovalDecided EventType = "on_approval_decided"
)

// AllEventTypes lists every event a hook can subscribe to
var AllEventTypes = []EventType{
	EventPRDStart, EventPRDComplete, EventPRDFailed,
	EventTaskFailed,
	EventMergeConflict, EventCheckpointCreated,
	EventApprovalPending, EventApprovalDecided,
}

// Validate checks that t is a known event type
func (t EventType) Validate() error {
	if slices.Contains(AllEventTypes, t) {
		return nil
	}
	return fmt.Errorf("unknown hook event %q", t)
}

// Event is one occurrence delivered to hooks
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	PRDID     string         `json:"prd_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current time
func NewEvent(eventType EventType, prdID string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		PRDID:     prdID,
		Data:      data,
	}
}

// GetString returns a string field of the event data
func (e *Event) GetString(key string) string {
	if s, ok := e.Data[key].(string); ok {
		return s
	}
	return ""
}

// GetInt returns an int field of the event data
func (e *Event) GetInt(key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Hook receives events
type Hook interface {
	Name() string
	EventTypes() []EventType
	Execute(ctx context.Context, event *Event) error
	Enabled() bool
}

// Config describes one configured hook
type Config struct {
	Name    string         `mapstructure:"name" yaml:"name" json:"name"`
	Type    string         `mapstructure:"type" yaml:"type" json:"type"`
	Events  []EventType    `mapstructure:"events" yaml:"events" json:"events"`
	Enabled bool           `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Config  map[string]any `mapstructure:"config" yaml:"config" json:"config"`
	Timeout time.Duration  `mapstructure:"timeout" yaml:"timeout" json:"timeout"`

	// FailureMode is ignore, warn or fail
	FailureMode string `mapstructure:"failure_mode" yaml:"failure_mode" json:"failure_mode"`
}

// Validate checks a hook configuration
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("hook name is required")
	}
	if c.Type == "" {
		return fmt.Errorf("hook %s: type is required", c.Name)
	}
	if len(c.Events) == 0 {
		return fmt.Errorf("hook %s: at least one event is required", c.Name)
	}
	for _, e := range c.Events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("hook %s: %w", c.Name, err)
		}
	}
	if c.FailureMode != "" && !IsValidFailureMode(c.FailureMode) {
		return fmt.Errorf("hook %s: invalid failure mode %q", c.Name, c.FailureMode)
	}
	return nil
}

// Factory builds a hook from configuration
type Factory func(cfg Config) (Hook, error)

// ExecutionResult reports one hook run
type ExecutionResult struct {
	HookName  string        `json:"hook_name"`
	EventType EventType     `json:"event_type"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// DefaultTimeout bounds a hook without its own timeout
const DefaultTimeout = 30 * time.Second

// ValidFailureModes lists the accepted failure modes
var ValidFailureModes = []string{"ignore", "warn", "fail"}

// IsValidFailureMode reports whether mode is accepted
func IsValidFailureMode(mode string) bool {
	return slices.Contains(ValidFailureModes, mode)
}
