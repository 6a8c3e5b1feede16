// Package metrics exposes prometheus collectors for runs, tasks and scans.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

const namespace = "recon"

// Metrics holds the collectors fed by the scheduler and the scanner
type Metrics struct {
	registry *prometheus.Registry

	runCounter   *prometheus.CounterVec
	runDuration  prometheus.Histogram
	taskCounter  *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	runningTasks *prometheus.GaugeVec
	killed       prometheus.Counter
	findings     *prometheus.CounterVec
	filesScanned prometheus.Counter
}

// New creates the collectors on a private registry together with the
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.runCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "runs_total", Help: "Finished pipeline runs by status."},
		[]string{"target", "status"},
	)
	m.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: namespace, Name: "run_duration_seconds", Help: "Wall time of finished runs.", Buckets: prometheus.ExponentialBuckets(10, 3, 8)},
	)
	m.taskCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "tasks_total", Help: "Tasks reaching a terminal state."},
		[]string{"task", "state"},
	)
	m.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "task_duration_seconds", Help: "Duration of executed tasks.", Buckets: prometheus.ExponentialBuckets(1, 4, 8)},
		[]string{"task"},
	)
	m.runningTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "running_tasks", Help: "Tasks currently running per target."},
		[]string{"target"},
	)
	m.killed = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "forced_kills_total", Help: "Tasks that had to be killed after the grace period."},
	)
	m.findings = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "findings_total", Help: "Findings produced by scans, by rule."},
		[]string{"rule"},
	)
	m.filesScanned = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "files_scanned_total", Help: "Artifact files read by the heuristic engine."},
	)

	reg.MustRegister(
		m.runCounter, m.runDuration, m.taskCounter, m.taskDuration,
		m.runningTasks, m.killed, m.findings, m.filesScanned,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvent updates collectors from one appended event and the
// snapshot it produced.
func (m *Metrics) ObserveEvent(ev domain.Event, snap *domain.Snapshot) {
	if m == nil {
		return
	}
	target := snap.Run.Target
	m.runningTasks.WithLabelValues(target).Set(float64(len(snap.InState(domain.TaskRunning))))

	switch ev.Kind {
	case domain.EventRunFinished:
		m.runCounter.WithLabelValues(target, string(ev.Payload.Status)).Inc()
		if snap.Run.FinishedAt != nil {
			m.runDuration.Observe(snap.Run.FinishedAt.Sub(snap.Run.StartedAt).Seconds())
		}
	case domain.EventKilled:
		m.killed.Inc()
	default:
		state, ok := ev.Kind.TargetState()
		if !ok || !state.Terminal() {
			return
		}
		m.taskCounter.WithLabelValues(ev.Task, string(state)).Inc()
		if ev.Payload.DurationMs > 0 {
			m.taskDuration.WithLabelValues(ev.Task).Observe(float64(ev.Payload.DurationMs) / 1000)
		}
	}
}

// ObserveScan records one heuristic pass
func (m *Metrics) ObserveScan(filesScanned int, byRule map[string]int) {
	if m == nil {
		return
	}
	m.filesScanned.Add(float64(filesScanned))
	for rule, n := range byRule {
		m.findings.WithLabelValues(rule).Add(float64(n))
	}
}
