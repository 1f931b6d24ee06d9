// Package metrics owns the Prometheus registry of the forwarder.
//
// A private registry is used instead of the global default so tests can build
// as many instances as they like.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notifyfwd/internal/eventbus"
	"notifyfwd/internal/task/engine"
)

const namespace = "notifyfwd"

type Metrics struct {
	reg *prometheus.Registry

	decisions        *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	tasks            *prometheus.CounterVec
	busEvents        *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eligibility_decisions_total",
			Help:      "Created notifications by forwarding decision.",
		}, []string{"forwarded", "reason"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch runs by outcome.",
		}, []string{"outcome"}),
		dispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of dispatch runs, relay call included.",
			Buckets:   prometheus.DefBuckets,
		}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task engine lifecycle events.",
		}, []string{"task", "event"}),
		busEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_events_total",
			Help:      "Notification lifecycle events seen on the bus.",
		}, []string{"type"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests.",
		}, []string{"path", "method", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of admin HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Decision records an eligibility decision.
func (m *Metrics) Decision(forwarded bool, reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(strconv.FormatBool(forwarded), reason).Inc()
}

// Dispatch records the outcome of one dispatch run.
func (m *Metrics) Dispatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
	m.dispatchDuration.Observe(d.Seconds())
}

// ObserveBus exports the bus drop counter. Call it once per bus.
func (m *Metrics) ObserveBus(bus eventbus.Bus) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_dropped_total",
		Help:      "Bus deliveries lost to full subscriber buffers.",
	}, func() float64 { return float64(bus.Dropped()) }))
}

// WatchBus counts task and notification events until ctx ends.
func (m *Metrics) WatchBus(ctx context.Context, bus eventbus.Bus, types ...string) error {
	ch, unsub := bus.Subscribe(256, types...)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if te, ok := e.Data.(engine.TaskEvent); ok {
				m.tasks.WithLabelValues(te.Name, e.Type).Inc()
				continue
			}
			m.busEvents.WithLabelValues(e.Type).Inc()
		}
	}
}

// Middleware records RED metrics keyed by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := strconv.Itoa(ww.Status())
		m.httpDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(path, r.Method, status).Inc()
	})
}
