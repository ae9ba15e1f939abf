package approval

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/metrics"
)

func mustDuration(t *testing.T, s string) time.Duration {
	t.Helper()
	d, err := time.ParseDuration(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func fastBackoff() Backoff {
	return Backoff{Tiers: []Tier{{Interval: 5 * time.Millisecond}}, Heartbeat: 10 * time.Millisecond}
}

type recordingNotifier struct {
	mu        sync.Mutex
	pending   chan Request
	decisions []Outcome
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{pending: make(chan Request, 8)}
}

func (n *recordingNotifier) Notify(_ context.Context, req Request) error {
	n.pending <- req
	return nil
}

func (n *recordingNotifier) NotifyDecision(_ context.Context, _ Request, outcome Outcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.decisions = append(n.decisions, outcome)
	return nil
}

// waitPending blocks until one pending request exists
func waitPending(t *testing.T, s *Store) Request {
	t.Helper()
	var pending []Request
	require.Eventually(t, func() bool {
		var err error
		pending, err = s.ListPending(context.Background())
		return err == nil && len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return pending[0]
}

type gateResult struct {
	outcome Outcome
	err     error
}

func requestAsync(ctx context.Context, g *Gate, in Input) <-chan gateResult {
	ch := make(chan gateResult, 1)
	go func() {
		o, err := g.RequestApproval(ctx, in)
		ch <- gateResult{o, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan gateResult) gateResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("gate did not return")
		return gateResult{}
	}
}

func TestLowRiskExecuteIsAutoApproved(t *testing.T) {
	s, _ := newTestStore(t)
	g := NewGate(s, WithBackoff(fastBackoff()))
	ctx := context.Background()

	outcome, err := g.RequestApproval(ctx, Input{
		AgentID: "agent-1", Phase: domain.PhaseExecute, Operation: "edit file", Risk: domain.RiskLow,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoApproved, outcome)

	decisions, err := s.Decisions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionAutoApproved, decisions[0].Status)
	assert.Empty(t, decisions[0].RequestID)
	assert.NotEmpty(t, decisions[0].Rationale)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all, "auto-approvals never reach the queue")
}

func TestAutoApprovalDeterminism(t *testing.T) {
	ctx := context.Background()
	for _, risk := range domain.AllRiskLevels {
		for _, phase := range domain.AllPhases {
			want := DefaultPolicy{}.Evaluate(phase, risk, "op").AutoApprove
			if !want {
				continue
			}
			s, _ := newTestStore(t)
			g := NewGate(s)
			outcome, err := g.RequestApproval(ctx, Input{Phase: phase, Risk: risk, Operation: "op"})
			require.NoError(t, err)
			assert.Equal(t, OutcomeAutoApproved, outcome, "%s/%s", risk, phase)
			counts, err := s.CountByStatus(ctx)
			require.NoError(t, err)
			assert.Zero(t, counts[StatusPending], "%s/%s must not create a row", risk, phase)
		}
	}
}

func TestCriticalRequestWaitsForHuman(t *testing.T) {
	s, _ := newTestStore(t)
	notifier := newRecordingNotifier()
	_, m := metrics.NewRegistry()
	g := NewGate(s, WithBackoff(fastBackoff()), WithNotifier(notifier), WithGateMetrics(m))
	ctx := context.Background()

	ch := requestAsync(ctx, g, Input{
		AgentID: "agent-1", Phase: domain.PhaseExecute, Operation: "migrate", Risk: domain.RiskCritical,
		Timeout: time.Minute,
	})

	req := waitPending(t, s)
	select {
	case n := <-notifier.pending:
		assert.Equal(t, req.ID, n.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was not called")
	}

	applied, err := s.Decide(ctx, req.ID, true, "go ahead")
	require.NoError(t, err)
	require.True(t, applied)

	res := await(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, OutcomeApproved, res.outcome)

	status, err := s.Check(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConsumed, status)

	decisions, err := s.Decisions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionApproved, decisions[0].Status)
	assert.Equal(t, "go ahead", decisions[0].Rationale)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.ApprovalRequests.WithLabelValues("EXECUTE", "critical", "APPROVED")))
}

func TestRejectedRequest(t *testing.T) {
	s, _ := newTestStore(t)
	g := NewGate(s, WithBackoff(fastBackoff()))
	ctx := context.Background()

	ch := requestAsync(ctx, g, Input{Phase: domain.PhaseReview, Operation: "merge", Risk: domain.RiskMedium, Timeout: time.Minute})
	req := waitPending(t, s)
	_, err := s.Decide(ctx, req.ID, false, "needs tests")
	require.NoError(t, err)

	res := await(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, OutcomeRejected, res.outcome)
	assert.False(t, res.outcome.Allowed())
}

func TestTimeoutWithdrawsRequest(t *testing.T) {
	s, _ := newTestStore(t)
	notifier := newRecordingNotifier()
	g := NewGate(s, WithBackoff(fastBackoff()), WithNotifier(notifier))
	ctx := context.Background()

	outcome, err := g.RequestApproval(ctx, Input{
		Phase: domain.PhaseExecute, Operation: "deploy", Risk: domain.RiskHigh, Timeout: 60 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, outcome)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, StatusExpired, all[0].Status)
	assert.True(t, all[0].LastHeartbeat.After(all[0].CreatedAt) || all[0].LastHeartbeat.Equal(all[0].CreatedAt))

	decisions, err := s.Decisions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionTimeout, decisions[0].Status)

	assert.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.decisions) == 1 && notifier.decisions[0] == OutcomeTimeout
	}, time.Second, 5*time.Millisecond)
}

func TestCancellationWithdrawsRequest(t *testing.T) {
	s, _ := newTestStore(t)
	g := NewGate(s, WithBackoff(fastBackoff()))
	ctx, cancel := context.WithCancel(context.Background())

	ch := requestAsync(ctx, g, Input{Phase: domain.PhaseExecute, Operation: "deploy", Risk: domain.RiskHigh, Timeout: time.Minute})
	req := waitPending(t, s)
	cancel()

	res := await(t, ch)
	assert.True(t, stderrors.Is(res.err, context.Canceled))

	status, err := s.Check(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, status)

	decisions, err := s.Decisions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionWithdrawn, decisions[0].Status)

	// a reviewer arriving late can no longer decide
	applied, err := s.Decide(context.Background(), req.ID, true, "")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestExpiredBySweeperReturnsTimeout(t *testing.T) {
	s, _ := newTestStore(t)
	g := NewGate(s, WithBackoff(fastBackoff()))
	ctx := context.Background()

	ch := requestAsync(ctx, g, Input{Phase: domain.PhaseExecute, Operation: "deploy", Risk: domain.RiskHigh, Timeout: time.Minute})
	req := waitPending(t, s)
	_, err := s.Withdraw(ctx, req.ID, "heartbeat timeout")
	require.NoError(t, err)

	res := await(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, OutcomeTimeout, res.outcome)
}

func TestLostConsumeRace(t *testing.T) {
	s, _ := newTestStore(t)
	g := NewGate(s, WithBackoff(Backoff{Tiers: []Tier{{Interval: 50 * time.Millisecond}}, Heartbeat: time.Second}))
	ctx := context.Background()

	ch := requestAsync(ctx, g, Input{Phase: domain.PhaseExecute, Operation: "deploy", Risk: domain.RiskHigh, Timeout: time.Minute})
	req := waitPending(t, s)
	_, err := s.Decide(ctx, req.ID, true, "")
	require.NoError(t, err)
	won, err := s.Consume(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, won)

	res := await(t, ch)
	assert.True(t, errors.HasCode(res.err, errors.ErrCodeApprovalConsumed), "got %v", res.err)
}

func TestSlowNotifierDoesNotBlock(t *testing.T) {
	s, _ := newTestStore(t)
	block := make(chan struct{})
	defer close(block)
	slow := NotifierFunc(func(ctx context.Context, _ Request) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return ctx.Err()
	})
	g := NewGate(s, WithBackoff(fastBackoff()), WithNotifier(slow))
	ctx := context.Background()

	ch := requestAsync(ctx, g, Input{Phase: domain.PhaseExecute, Operation: "deploy", Risk: domain.RiskHigh, Timeout: time.Minute})
	req := waitPending(t, s)
	_, err := s.Decide(ctx, req.ID, true, "")
	require.NoError(t, err)

	res := await(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, OutcomeApproved, res.outcome)
}

func TestHeartbeatWhileWaiting(t *testing.T) {
	s, _ := newTestStore(t)
	g := NewGate(s, WithBackoff(fastBackoff()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := requestAsync(ctx, g, Input{Phase: domain.PhaseExecute, Operation: "deploy", Risk: domain.RiskHigh, Timeout: time.Minute})
	req := waitPending(t, s)

	require.Eventually(t, func() bool {
		got, err := s.Get(context.Background(), req.ID)
		return err == nil && got.LastHeartbeat.After(got.CreatedAt)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	await(t, ch)
}

func TestInvalidInput(t *testing.T) {
	s, _ := newTestStore(t)
	g := NewGate(s)

	_, err := g.RequestApproval(context.Background(), Input{Phase: "SHIP", Risk: domain.RiskLow, Operation: "x"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeApprovalInvalid))
}

func TestSweeper(t *testing.T) {
	clock := newFakeClock()
	s, _ := newTestStore(t, WithStoreClock(clock.Now))
	ctx := context.Background()

	_, err := s.Submit(ctx, criticalRequest())
	require.NoError(t, err)
	clock.Advance(time.Hour)

	sw := &Sweeper{Store: s, HeartbeatTimeout: 10 * time.Minute, RetentionDays: 1}
	expired, deleted, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)
	assert.Zero(t, deleted)

	clock.Advance(48 * time.Hour)
	_, deleted, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, (&Sweeper{Store: s, Interval: time.Millisecond}).Run(runCtx), context.Canceled)
}
