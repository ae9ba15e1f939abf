// Package health checks the local dependencies a flotilla run needs: git
// with worktree support, the approval store, writable state directories and
// the agent command. The same checks back the readiness probe served next to
// /metrics and the 'flotilla doctor' command.
package health

import (
	"context"
	"time"
)

// Checker verifies one dependency. Check must respect the context deadline.
type Checker interface {
	Name() string
	Check(ctx context.Context) *Result
}

// Status is the outcome of a check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) String() string {
	return string(s)
}

// Result is the outcome of one check
type Result struct {
	Status  Status            `json:"status"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Latency time.Duration     `json:"latency"`
}

// NewResult creates a result with no details
func NewResult(status Status, message string) *Result {
	return &Result{Status: status, Message: message, Details: make(map[string]string)}
}

// WithDetail adds a detail and returns r
func (r *Result) WithDetail(key, value string) *Result {
	r.Details[key] = value
	return r
}

func Healthy(message string) *Result   { return NewResult(StatusHealthy, message) }
func Degraded(message string) *Result  { return NewResult(StatusDegraded, message) }
func Unhealthy(message string) *Result { return NewResult(StatusUnhealthy, message) }

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	CheckName string
	Fn        func(ctx context.Context) *Result
}

func (c CheckerFunc) Name() string                      { return c.CheckName }
func (c CheckerFunc) Check(ctx context.Context) *Result { return c.Fn(ctx) }
