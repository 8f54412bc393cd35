package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutybot/internal/eventbus"
)

func TestObserveDeliveries(t *testing.T) {
	m := New()
	m.Observe(eventbus.Event{Type: eventbus.SinkDelivered, Data: eventbus.Delivery{Sink: "ops/pushplus", Duration: time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.SinkFailed, Data: eventbus.Delivery{Sink: "ops/pushplus", Error: "boom"}})
	m.Observe(eventbus.Event{Type: eventbus.SinkFailed, Data: eventbus.Delivery{Sink: "ops/pushplus", Error: "boom"}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("ops", "pushplus", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("ops", "pushplus", "error")))
}

func TestObserveUploadsAndSchedule(t *testing.T) {
	m := New()
	m.Observe(eventbus.Event{Type: eventbus.UploadAccepted, Data: eventbus.Upload{Flow: "ops"}})
	m.Observe(eventbus.Event{Type: eventbus.UploadRejected, Data: eventbus.Upload{Flow: "ops"}})
	m.Observe(eventbus.Event{Type: eventbus.ScheduleUpdated, Data: eventbus.ScheduleChange{Source: "ops", Entries: 7}})
	m.Observe(eventbus.Event{Type: eventbus.ScheduleRollover, Data: eventbus.ScheduleChange{Source: "ops", Entries: 6}})
	m.Observe(eventbus.Event{Type: eventbus.TaskSkipped, Data: eventbus.TaskInfo{Name: "ops/log"}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("ops", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("ops", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scheduleChanges.WithLabelValues("ops", "rollover")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.scheduleEntries.WithLabelValues("ops")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("ops/log", "skipped")))
}

func TestRunConsumesBus(t *testing.T) {
	m := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		eventbus.Publish(bus, eventbus.UploadAccepted, eventbus.Upload{Flow: "ward"})
		return testutil.ToFloat64(m.uploads.WithLabelValues("ward", "accepted")) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := m.Middleware(mux)

	for _, id := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "GET /items/{id}", "418")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "dutybot_http_requests_total"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
