// Package metrics exposes Prometheus collectors for the queue and the
// executor loop.
//
// Each Metrics owns its registry so several instances can coexist in one
// test binary. All recording methods are safe on a nil *Metrics, which is
// what components get when metrics are disabled.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vizq"

// Metrics holds the collectors.
type Metrics struct {
	registry *prometheus.Registry

	enqueued        *prometheus.CounterVec
	claimed         prometheus.Counter
	completed       *prometheus.CounterVec
	discarded       prometheus.Counter
	swept           prometheus.Counter
	cleaned         prometheus.Counter
	loopIterations  prometheus.Counter
	loopErrors      prometheus.Counter
	handlerDuration *prometheus.HistogramVec
	historyDepth    prometheus.Gauge
	lastHeartbeat   prometheus.Gauge
}

// New creates collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_enqueued_total",
			Help:      "Commands submitted, labelled by whether the submission was a duplicate",
		}, []string{"duplicate"}),
		claimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_claimed_total",
			Help:      "Commands claimed by the executor",
		}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_completed_total",
			Help:      "Commands that reached a terminal status",
		}, []string{"status"}),
		discarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_updates_discarded_total",
			Help:      "Status writes dropped because the command was already terminal",
		}),
		swept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_swept_total",
			Help:      "Stale commands failed by the sweep",
		}),
		cleaned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_cleaned_total",
			Help:      "Terminal commands removed by retention cleanup",
		}),
		loopIterations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_iterations_total",
			Help:      "Executor loop iterations",
		}),
		loopErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_iteration_errors_total",
			Help:      "Executor iterations that ended in a recovered error",
		}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time by method",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method"}),
		historyDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_entries",
			Help:      "Entries currently held by the undo/redo history",
		}),
		lastHeartbeat: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executor_last_heartbeat_timestamp_seconds",
			Help:      "Unix time of the last executor heartbeat",
		}),
	}
}

// Registry returns the registry backing these collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Enqueued records a submission.
func (m *Metrics) Enqueued(duplicate bool) {
	if m == nil {
		return
	}
	label := "false"
	if duplicate {
		label = "true"
	}
	m.enqueued.WithLabelValues(label).Inc()
}

// Claimed records n claimed commands.
func (m *Metrics) Claimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.claimed.Add(float64(n))
}

// Completed records a terminal transition.
func (m *Metrics) Completed(status string) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(status).Inc()
}

// Discarded records a dropped late status write.
func (m *Metrics) Discarded() {
	if m == nil {
		return
	}
	m.discarded.Inc()
}

// Swept records n commands failed by the staleness sweep.
func (m *Metrics) Swept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

// Cleaned records n commands removed by retention.
func (m *Metrics) Cleaned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cleaned.Add(float64(n))
}

// Iteration records one executor loop pass.
func (m *Metrics) Iteration(failed bool) {
	if m == nil {
		return
	}
	m.loopIterations.Inc()
	if failed {
		m.loopErrors.Inc()
	}
}

// ObserveHandler records handler execution time.
func (m *Metrics) ObserveHandler(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(method).Observe(d.Seconds())
}

// HistoryDepth sets the current history length.
func (m *Metrics) HistoryDepth(n int) {
	if m == nil {
		return
	}
	m.historyDepth.Set(float64(n))
}

// Heartbeat records a heartbeat time.
func (m *Metrics) Heartbeat(at time.Time) {
	if m == nil {
		return
	}
	m.lastHeartbeat.Set(float64(at.Unix()))
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
