// Package metrics holds the Prometheus collectors for one running instance.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestDuration *prometheus.HistogramVec
	ToolCalls           *prometheus.CounterVec
	ToolCallDuration    *prometheus.HistogramVec
	TaskMutations       *prometheus.CounterVec
	AssistantSteps      prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskline_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"method", "route", "status"},
		),
		ToolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskline_tool_calls_total",
				Help: "Tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskline_tool_call_duration_seconds",
				Help:    "Tool invocation latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"tool"},
		),
		TaskMutations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskline_task_mutations_total",
				Help: "Committed task mutations by event type and source",
			},
			[]string{"type", "source"},
		),
		AssistantSteps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskline_assistant_steps",
			Help:    "Reasoning steps taken per chat turn",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		}),
	}
}

func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

func (m *Metrics) ObserveToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) IncTaskMutation(evtType, source string) {
	if m == nil {
		return
	}
	m.TaskMutations.WithLabelValues(evtType, source).Inc()
}

func (m *Metrics) ObserveAssistantSteps(n int) {
	if m == nil {
		return
	}
	m.AssistantSteps.Observe(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
