// Package metrics defines the Prometheus collectors snapmark updates
// while processing. snapmark is a short-lived command, so instead of
// serving /metrics it writes the registry to a node_exporter textfile
// when a run ends.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "snapmark"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics holds the collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	serverRuns    *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	planFallbacks prometheus.Counter
	agentSteps    prometheus.Counter
	runDuration   *prometheus.HistogramVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		serverRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_runs_total",
			Help:      "Server interactions by server and outcome.",
		}, []string{"server", "outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "MCP tools/call requests by tool and outcome.",
		}, []string{"tool", "outcome"}),
		planFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_fallbacks_total",
			Help:      "Planning attempts that fell back to the default plan.",
		}),
		agentSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_steps_total",
			Help:      "Tool invocations made by the agent runtime.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of one invocation.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.serverRuns, m.toolCalls, m.planFallbacks, m.agentSteps, m.runDuration)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ServerRun counts one server interaction.
func (m *Metrics) ServerRun(server string, ok bool) {
	if m == nil {
		return
	}
	m.serverRuns.WithLabelValues(server, outcome(ok)).Inc()
}

// ToolCall counts one tools/call request.
func (m *Metrics) ToolCall(tool string, ok bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome(ok)).Inc()
}

// PlanFallback counts a planner fallback. Its signature matches the
// planner's fallback hook.
func (m *Metrics) PlanFallback(error) {
	if m == nil {
		return
	}
	m.planFallbacks.Inc()
}

// AgentSteps adds n agent tool invocations.
func (m *Metrics) AgentSteps(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.agentSteps.Add(float64(n))
}

// RunDuration observes the duration of one invocation of kind.
func (m *Metrics) RunDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// WriteTextfile writes the registry in the text exposition format to
// path, atomically. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeError
}
