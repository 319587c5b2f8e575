/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package metrics exposes Prometheus collectors for tool calls, task outcomes
// and observer streams. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchboard"

var serverStatuses = []global.ServerStatus{
	global.ServerDisconnected,
	global.ServerConnecting,
	global.ServerConnected,
	global.ServerError,
}

// Metrics holds the collectors and their registry
type Metrics struct {
	registry     *prometheus.Registry
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	serverStatus *prometheus.GaugeVec
	taskOutcomes *prometheus.CounterVec
	runs         *prometheus.CounterVec
	subscribers  prometheus.Gauge
}

// New creates the collectors on a private registry, together with the Go and
// process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by server, tool and outcome.",
		}, []string{"server", "tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency by server.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"server"}),
		serverStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_status",
			Help:      "1 for the current connection status of each tool server.",
		}, []string{"server", "status"}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Tasks reaching a terminal status.",
		}, []string{"status"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Orchestration runs by terminal state.",
		}, []string{"state"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observer_streams",
			Help:      "Open observer streams.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.toolCalls,
		m.toolDuration,
		m.serverStatus,
		m.taskOutcomes,
		m.runs,
		m.subscribers,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ServerStatus records a tool server's connection status
func (m *Metrics) ServerStatus(serverID string, status global.ServerStatus) {
	if m == nil {
		return
	}
	for _, s := range serverStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.serverStatus.WithLabelValues(serverID, string(s)).Set(v)
	}
}

// ServerRemoved drops the status series of a deregistered server
func (m *Metrics) ServerRemoved(serverID string) {
	if m == nil {
		return
	}
	m.serverStatus.DeletePartialMatch(prometheus.Labels{"server": serverID})
}

// ToolCall records one tool call
func (m *Metrics) ToolCall(serverID, tool string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(serverID, tool, Outcome(err)).Inc()
	m.toolDuration.WithLabelValues(serverID).Observe(elapsed.Seconds())
}

// Publish counts terminal task statuses and run states
func (m *Metrics) Publish(ev global.Event) {
	if m == nil {
		return
	}
	if ev.Run != nil {
		switch ev.Run.State {
		case global.RunCompleted, global.RunBlocked, global.RunStopped, global.RunFailed:
			m.runs.WithLabelValues(string(ev.Run.State)).Inc()
		}
	}
	if ev.TaskID != "" && ev.SubtaskID == "" {
		switch ev.Status {
		case global.TaskCompleted, global.TaskFailed:
			m.taskOutcomes.WithLabelValues(string(ev.Status)).Inc()
		}
	}
}

// SetSubscribers records the number of open observer streams
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// Outcome labels a tool call result
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, transport.ErrTimeout):
		return "timeout"
	case isValidation(err):
		return "invalid"
	default:
		return "error"
	}
}

func isValidation(err error) bool {
	_, ok := global.IsValidationError(err)
	return ok
}
