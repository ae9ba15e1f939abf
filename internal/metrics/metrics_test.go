package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.RecordSchedule("full", []int{1, 2}, 3, nil)
	m.RecordMerge("merged", time.Second)
	m.RecordResolve(2, true)
	m.RecordCheckpoint(nil)
	m.RecordApproval("EXECUTE", "high", "APPROVED", time.Second)
	m.RecordTransition("consume", true)
	m.SetQueueDepth(3)
	m.RecordTaskStatus("RUNNING")
	m.SetRunning(1)
	m.RecordRun("succeeded", time.Minute)
	m.RecordHook("slack", "on_prd_start", nil)
	m.RecordError("EXEC-001", "executor")
}

func TestRecordSchedule(t *testing.T) {
	_, m := NewRegistry()

	m.RecordSchedule("full", []int{2, 1}, 4, nil)
	m.RecordSchedule("force", nil, 0, errors.New("unmet"))

	if got := testutil.ToFloat64(m.Schedules.WithLabelValues("full", "true")); got != 1 {
		t.Errorf("successful schedules = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Schedules.WithLabelValues("force", "false")); got != 1 {
		t.Errorf("failed schedules = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.WaveSize); got != 1 {
		t.Errorf("wave size series = %d, want 1", got)
	}
}

func TestRecordResolveAndMerge(t *testing.T) {
	_, m := NewRegistry()

	m.RecordMerge("merged", 100*time.Millisecond)
	m.RecordMerge("conflict", 50*time.Millisecond)
	m.RecordMerge("merged", 10*time.Millisecond)
	m.RecordResolve(100, true)
	m.RecordResolve(1, false)

	if got := testutil.ToFloat64(m.MergeOutcomes.WithLabelValues("merged")); got != 2 {
		t.Errorf("merged = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.LivenessTrips); got != 1 {
		t.Errorf("liveness trips = %v, want 1", got)
	}
}

func TestApprovalMetrics(t *testing.T) {
	_, m := NewRegistry()

	m.RecordApproval("EXECUTE", "low", "AUTO_APPROVED", 0)
	m.RecordTransition("consume", true)
	m.RecordTransition("consume", false)
	m.SetQueueDepth(4)

	if got := testutil.ToFloat64(m.ApprovalRequests.WithLabelValues("EXECUTE", "low", "AUTO_APPROVED")); got != 1 {
		t.Errorf("auto approvals = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ApprovalTransitions.WithLabelValues("consume", "false")); got != 1 {
		t.Errorf("lost consume = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ApprovalQueueDepth); got != 4 {
		t.Errorf("queue depth = %v, want 4", got)
	}
}

func TestRecordErrorSkipsEmptyCode(t *testing.T) {
	_, m := NewRegistry()

	m.RecordError("", "executor")
	m.RecordError("EXEC-001", "executor")

	if got := testutil.CollectAndCount(m.Errors); got != 1 {
		t.Errorf("error series = %d, want 1", got)
	}
}

func TestHandlerFor(t *testing.T) {
	reg, m := NewProcessRegistry()
	m.RecordRun("succeeded", time.Second)

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"flotilla_runs_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
