package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ServerRun("excel", true)
	m.ServerRun("excel", false)
	m.ServerRun("excel", true)
	m.ToolCall("create_workbook", true)
	m.PlanFallback(errors.New("parse"))
	m.AgentSteps(4)
	m.AgentSteps(0)

	if got := testutil.ToFloat64(m.serverRuns.WithLabelValues("excel", OutcomeSuccess)); got != 2 {
		t.Errorf("excel success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.serverRuns.WithLabelValues("excel", OutcomeError)); got != 1 {
		t.Errorf("excel error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.toolCalls.WithLabelValues("create_workbook", OutcomeSuccess)); got != 1 {
		t.Errorf("tool calls = %v", got)
	}
	if got := testutil.ToFloat64(m.planFallbacks); got != 1 {
		t.Errorf("plan fallbacks = %v", got)
	}
	if got := testutil.ToFloat64(m.agentSteps); got != 4 {
		t.Errorf("agent steps = %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ServerRun("x", true)
	m.ToolCall("x", false)
	m.PlanFallback(nil)
	m.AgentSteps(3)
	m.RunDuration("process", time.Second)
	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Errorf("nil WriteTextfile: %v", err)
	}
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ServerRun("excel", true)
	m.RunDuration("process", 1500*time.Millisecond)

	path := filepath.Join(t.TempDir(), "snapmark.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{
		`snapmark_server_runs_total{outcome="success",server="excel"} 1`,
		`snapmark_run_duration_seconds_count{kind="process"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}

	if err := m.WriteTextfile(""); err != nil {
		t.Errorf("empty path: %v", err)
	}
}
