package approval

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/log"
	"github.com/felixgeelhaar/flotilla/internal/metrics"
	"github.com/felixgeelhaar/flotilla/internal/telemetry"
)

// DefaultTimeout bounds a wait when the input carries none
const DefaultTimeout = 30 * time.Minute

// Input describes an operation that needs sign-off
type Input struct {
	AgentID   string
	Phase     domain.Phase
	Operation string
	Risk      domain.RiskLevel
	Context   map[string]string
	Timeout   time.Duration
}

// DecisionNotifier is implemented by notifiers that also want to hear about
// the outcome of a request
type DecisionNotifier interface {
	NotifyDecision(ctx context.Context, req Request, outcome Outcome) error
}

// Gate blocks callers until a human decides, the policy waives the request,
// or the timeout passes
type Gate struct {
	store         *Store
	policy        Policy
	notifier      Notifier
	backoff       Backoff
	notifyTimeout time.Duration
	logger        *log.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

// GateOption configures a Gate
type GateOption func(*Gate)

// WithPolicy sets the auto-approval policy
func WithPolicy(p Policy) GateOption {
	return func(g *Gate) { g.policy = p }
}

// WithNotifier sets the pending-request notifier
func WithNotifier(n Notifier) GateOption {
	return func(g *Gate) { g.notifier = n }
}

// WithBackoff sets the poll and heartbeat cadence
func WithBackoff(b Backoff) GateOption {
	return func(g *Gate) { g.backoff = b }
}

// WithNotifyTimeout bounds each notification
func WithNotifyTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.notifyTimeout = d }
}

// WithGateLogger sets the gate logger
func WithGateLogger(l *log.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithGateMetrics sets the metrics sink
func WithGateMetrics(m *metrics.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a gate over store
func NewGate(store *Store, opts ...GateOption) *Gate {
	g := &Gate{
		store:         store,
		policy:        DefaultPolicy{},
		backoff:       DefaultBackoff(),
		notifyTimeout: 10 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = log.Nop()
	}
	g.logger = g.logger.WithComponent("approval")
	return g
}

// Store returns the underlying queue
func (g *Gate) Store() *Store {
	return g.store
}

// RequestApproval returns once the request is decided. A caller whose
// decided request was consumed by someone else gets APPROVAL-003. On context
// cancellation the request is withdrawn and the context error returned.
func (g *Gate) RequestApproval(ctx context.Context, in Input) (Outcome, error) {
	ctx, span := telemetry.StartApprovalSpan(ctx, string(in.Phase), string(in.Risk), in.Operation)
	defer span.End()

	start := g.now()
	outcome, err := g.request(ctx, in)
	if err != nil {
		telemetry.RecordError(span, err)
		g.metrics.RecordApproval(string(in.Phase), string(in.Risk), "error", g.now().Sub(start))
		return "", err
	}
	telemetry.RecordSuccess(span, attribute.String("outcome", string(outcome)))
	g.metrics.RecordApproval(string(in.Phase), string(in.Risk), string(outcome), g.now().Sub(start))
	return outcome, nil
}

func (g *Gate) request(ctx context.Context, in Input) (Outcome, error) {
	if err := in.Phase.Validate(); err != nil {
		return "", errors.Wrap(errors.ErrCodeApprovalInvalid, "invalid approval input", err)
	}
	if err := in.Risk.Validate(); err != nil {
		return "", errors.Wrap(errors.ErrCodeApprovalInvalid, "invalid approval input", err)
	}

	verdict := g.policy.Evaluate(in.Phase, in.Risk, in.Operation)
	if verdict.AutoApprove {
		_, err := g.store.AppendDecision(ctx, Decision{
			AgentID:   in.AgentID,
			Phase:     in.Phase,
			Operation: in.Operation,
			RiskLevel: in.Risk,
			Status:    DecisionAutoApproved,
			Rationale: verdict.Rationale,
		})
		if err != nil {
			return "", err
		}
		if verdict.Logged {
			g.logger.InfoContext(ctx, "auto-approved",
				"agent_id", in.AgentID, "phase", in.Phase, "risk", in.Risk,
				"operation", in.Operation, "rationale", verdict.Rationale)
		}
		return OutcomeAutoApproved, nil
	}

	req, err := g.store.Submit(ctx, Request{
		AgentID:   in.AgentID,
		Phase:     in.Phase,
		Operation: in.Operation,
		RiskLevel: in.Risk,
		Context:   in.Context,
	})
	if err != nil {
		return "", err
	}
	g.logger.InfoContext(ctx, "approval requested",
		"request_id", req.ID, "agent_id", req.AgentID, "phase", req.Phase,
		"risk", req.RiskLevel, "operation", req.Operation, "rationale", verdict.Rationale)
	g.notify(ctx, *req)

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return g.wait(ctx, req, timeout)
}

// notify delivers in the background; a slow or failing notifier never
// delays polling
func (g *Gate) notify(ctx context.Context, req Request) {
	if g.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.notifyTimeout)
	go func() {
		defer cancel()
		if err := g.notifier.Notify(nctx, req); err != nil {
			g.logger.WithError(err).Warn("approval notification failed", "request_id", req.ID)
		}
	}()
}

func (g *Gate) notifyDecision(ctx context.Context, req *Request, outcome Outcome) {
	dn, ok := g.notifier.(DecisionNotifier)
	if !ok {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.notifyTimeout)
	r := *req
	go func() {
		defer cancel()
		if err := dn.NotifyDecision(nctx, r, outcome); err != nil {
			g.logger.WithError(err).Warn("decision notification failed", "request_id", r.ID)
		}
	}()
}

func (g *Gate) wait(ctx context.Context, req *Request, timeout time.Duration) (Outcome, error) {
	start := g.now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	heartbeat := time.NewTicker(g.backoff.heartbeat())
	defer heartbeat.Stop()
	poll := time.NewTimer(0)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			g.withdraw(ctx, req, DecisionWithdrawn, fmt.Sprintf("requester cancelled: %v", ctx.Err()))
			return "", ctx.Err()

		case <-deadline.C:
			if g.withdraw(ctx, req, DecisionTimeout, fmt.Sprintf("no decision within %s", timeout)) {
				return OutcomeTimeout, nil
			}
			// a decision landed between the last poll and the deadline
			outcome, done, err := g.observe(ctx, req)
			if done {
				return outcome, err
			}
			return OutcomeTimeout, nil

		case <-heartbeat.C:
			if _, err := g.store.Heartbeat(ctx, req.ID); err != nil {
				g.logger.WithError(err).Warn("approval heartbeat failed", "request_id", req.ID)
			}

		case <-poll.C:
			outcome, done, err := g.observe(ctx, req)
			if done {
				return outcome, err
			}
			poll.Reset(g.backoff.Interval(g.now().Sub(start)))
		}
	}
}

// observe checks the request once. done is false while it is still pending.
func (g *Gate) observe(ctx context.Context, req *Request) (Outcome, bool, error) {
	current, err := g.store.Get(ctx, req.ID)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeApprovalNotFound) {
			return "", true, err
		}
		g.logger.WithError(err).Warn("approval poll failed", "request_id", req.ID)
		return "", false, nil
	}

	switch current.Status {
	case StatusPending:
		return "", false, nil

	case StatusApproved, StatusRejected:
		won, err := g.store.Consume(ctx, req.ID)
		if err != nil {
			return "", true, err
		}
		if !won {
			return "", true, errors.Newf(errors.ErrCodeApprovalConsumed,
				"approval request %s was consumed by another caller", req.ID)
		}
		outcome, status := OutcomeApproved, DecisionApproved
		if current.Status == StatusRejected {
			outcome, status = OutcomeRejected, DecisionRejected
		}
		g.logDecision(ctx, current, status, current.DecisionReason)
		g.notifyDecision(ctx, current, outcome)
		g.logger.InfoContext(ctx, "approval decided",
			"request_id", req.ID, "outcome", outcome, "reason", current.DecisionReason)
		return outcome, true, nil

	case StatusExpired:
		g.logDecision(ctx, current, DecisionTimeout, current.DecisionReason)
		g.notifyDecision(ctx, current, OutcomeTimeout)
		return OutcomeTimeout, true, nil

	default:
		return "", true, errors.Newf(errors.ErrCodeApprovalConsumed,
			"approval request %s was consumed by another caller", req.ID)
	}
}

// withdraw expires a pending request and logs why. It reports false when the
// request had already left PENDING.
func (g *Gate) withdraw(ctx context.Context, req *Request, status DecisionStatus, reason string) bool {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	ok, err := g.store.Withdraw(wctx, req.ID, reason)
	if err != nil {
		g.logger.WithError(err).Warn("failed to withdraw approval request", "request_id", req.ID)
		return false
	}
	if !ok {
		return false
	}
	g.logDecision(wctx, req, status, reason)
	if status == DecisionTimeout {
		g.notifyDecision(wctx, req, OutcomeTimeout)
	}
	g.logger.InfoContext(ctx, "approval request withdrawn", "request_id", req.ID, "reason", reason)
	return true
}

func (g *Gate) logDecision(ctx context.Context, req *Request, status DecisionStatus, rationale string) {
	_, err := g.store.AppendDecision(ctx, Decision{
		RequestID: req.ID,
		AgentID:   req.AgentID,
		Phase:     req.Phase,
		Operation: req.Operation,
		RiskLevel: req.RiskLevel,
		Status:    status,
		Rationale: rationale,
	})
	if err != nil {
		g.logger.WithError(err).Warn("failed to append decision", "request_id", req.ID)
	}
}
