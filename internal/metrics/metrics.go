// Package metrics exposes Prometheus collectors fed from the event bus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dutybot/internal/eventbus"
	"dutybot/internal/storage"
)

const namespace = "dutybot"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	uploads          *prometheus.CounterVec
	scheduleChanges  *prometheus.CounterVec
	scheduleEntries  *prometheus.GaugeVec
	tasks            *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Sink deliveries by flow, sink and result.",
		}, []string{"flow", "sink", "result"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent delivering one message.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"flow", "sink"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Roster uploads by flow and result.",
		}, []string{"flow", "result"}),
		scheduleChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_changes_total",
			Help:      "Schedule updates and rollovers by flow.",
		}, []string{"flow", "kind"}),
		scheduleEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedule_entries",
			Help:      "Entries in the most recently changed period.",
		}, []string{"flow"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Engine task outcomes.",
		}, []string{"task", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task run time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.deliveries, m.deliveryDuration,
		m.uploads,
		m.scheduleChanges, m.scheduleEntries,
		m.tasks, m.taskDuration,
		m.httpRequests, m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe updates collectors for one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case eventbus.Delivery:
		flow, sink := storage.SplitTaskName(d.Sink)
		result := "ok"
		if ev.Type == eventbus.SinkFailed {
			result = "error"
		}
		m.deliveries.WithLabelValues(flow, sink, result).Inc()
		m.deliveryDuration.WithLabelValues(flow, sink).Observe(d.Duration.Seconds())
	case eventbus.Upload:
		result := "accepted"
		if ev.Type == eventbus.UploadRejected {
			result = "rejected"
		}
		m.uploads.WithLabelValues(d.Flow, result).Inc()
	case eventbus.ScheduleChange:
		kind := "update"
		if ev.Type == eventbus.ScheduleRollover {
			kind = "rollover"
		}
		m.scheduleChanges.WithLabelValues(d.Source, kind).Inc()
		m.scheduleEntries.WithLabelValues(d.Source).Set(float64(d.Entries))
	case eventbus.TaskInfo:
		switch ev.Type {
		case eventbus.TaskSucceeded:
			m.tasks.WithLabelValues(d.Name, "succeeded").Inc()
			m.taskDuration.WithLabelValues(d.Name).Observe(d.Duration.Seconds())
		case eventbus.TaskFailed:
			m.tasks.WithLabelValues(d.Name, "failed").Inc()
			m.taskDuration.WithLabelValues(d.Name).Observe(d.Duration.Seconds())
		case eventbus.TaskSkipped:
			m.tasks.WithLabelValues(d.Name, "skipped").Inc()
		case eventbus.TaskDropped:
			m.tasks.WithLabelValues(d.Name, "dropped").Inc()
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency. The route label is the
// matched mux pattern, so path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.statusCode)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
