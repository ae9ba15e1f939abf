package hooks

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/flotilla/internal/log"
	"github.com/felixgeelhaar/flotilla/internal/metrics"
)

// DefaultMaxConcurrency caps parallel hook executions per event
const DefaultMaxConcurrency = 10

// timeouter is implemented by hooks with their own timeout
type timeouter interface {
	Timeout() time.Duration
}

// Executor runs the hooks subscribed to an event
type Executor struct {
	maxConcurrency int
	timeout        time.Duration
	logger         *log.Logger
	metrics        *metrics.Metrics
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithMaxConcurrency bounds parallel hook executions
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithTimeout sets the timeout for hooks that configure none
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the executor logger
func WithLogger(l *log.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates a hook executor
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		maxConcurrency: DefaultMaxConcurrency,
		timeout:        DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.Nop()
	}
	e.logger = e.logger.WithComponent("hooks")
	return e
}

// ExecuteAll runs every hook against event in parallel and returns one
// result per hook, in the order the hooks were given. A failing hook never
// stops the others.
func (e *Executor) ExecuteAll(ctx context.Context, event *Event, hooks []Hook) []ExecutionResult {
	results := make([]ExecutionResult, len(hooks))
	if len(hooks) == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(e.maxConcurrency)
	for i, h := range hooks {
		timeout := e.timeout
		if t, ok := h.(timeouter); ok && t.Timeout() > 0 {
			timeout = t.Timeout()
		}
		g.Go(func() error {
			results[i] = e.Execute(ctx, event, h, timeout)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Execute runs a single hook with a timeout
func (e *Executor) Execute(ctx context.Context, event *Event, hook Hook, timeout time.Duration) ExecutionResult {
	if timeout <= 0 {
		timeout = e.timeout
	}
	start := time.Now()
	res := ExecutionResult{
		HookName:  hook.Name(),
		EventType: event.Type,
		Timestamp: start,
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := runHook(hctx, hook, event)
	res.Duration = time.Since(start)
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
	}
	e.metrics.RecordHook(hook.Name(), string(event.Type), err)
	return res
}

// runHook waits for the hook or the deadline, whichever comes first.
// A hook that ignores its context keeps running in the background.
func runHook(ctx context.Context, hook Hook, event *Event) (err error) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("hook panicked: %v", r)
			}
		}()
		done <- hook.Execute(ctx, event)
	}()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("hook timed out: %w", ctx.Err())
	}
}

// ExecuteAsync runs the hooks in the background and delivers the results
// on the returned channel
func (e *Executor) ExecuteAsync(ctx context.Context, event *Event, hooks []Hook) <-chan []ExecutionResult {
	out := make(chan []ExecutionResult, 1)
	go func() {
		out <- e.ExecuteAll(ctx, event, hooks)
		close(out)
	}()
	return out
}

// HandleResults logs results according to each hook's failure mode and
// returns an error for the first failed hook in "fail" mode
func (e *Executor) HandleResults(results []ExecutionResult, modes map[string]string) error {
	var first error
	for _, r := range results {
		if r.Success {
			e.logger.Debug("hook executed", "hook", r.HookName, "event", r.EventType, "duration", r.Duration)
			continue
		}
		switch modes[r.HookName] {
		case "ignore":
		case "fail":
			e.logger.Error("hook failed", "hook", r.HookName, "event", r.EventType, "error", r.Error)
			if first == nil {
				first = fmt.Errorf("hook %s failed: %s", r.HookName, r.Error)
			}
		default:
			e.logger.Warn("hook failed", "hook", r.HookName, "event", r.EventType, "error", r.Error)
		}
	}
	return first
}
