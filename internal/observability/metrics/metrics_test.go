package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"notifyfwd/internal/eventbus"
	"notifyfwd/internal/task/engine"
)

func TestDecisionAndDispatchCounters(t *testing.T) {
	m := New()
	m.Decision(true, "eligible")
	m.Decision(false, "disabled")
	m.Decision(false, "disabled")
	m.Dispatch("delivered", 20*time.Millisecond)

	if got := testutil.ToFloat64(m.decisions.WithLabelValues("false", "disabled")); got != 2 {
		t.Fatalf("disabled decisions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.dispatches.WithLabelValues("delivered")); got != 1 {
		t.Fatalf("delivered dispatches = %v, want 1", got)
	}

	var nilMetrics *Metrics
	nilMetrics.Decision(true, "eligible")
	nilMetrics.Dispatch("failed", time.Second)
}

func TestWatchBusCountsTaskEvents(t *testing.T) {
	m := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.WatchBus(ctx, bus)
		close(done)
	}()

	// The subscription is registered asynchronously; publish until it lands.
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.tasks.WithLabelValues("forward.dispatch", engine.EventFinished)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("task event never counted")
		}
		bus.Publish(eventbus.Event{Type: engine.EventFinished, Data: engine.TaskEvent{Name: "forward.dispatch"}})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestObserveBusExportsDrops(t *testing.T) {
	m := New()
	bus := eventbus.New()
	m.ObserveBus(bus)
	_, unsub := bus.Subscribe(1)
	defer unsub()
	for i := 0; i < 3; i++ {
		bus.Publish(eventbus.Event{Type: "x"})
	}

	want := `
# HELP notifyfwd_eventbus_dropped_total Bus deliveries lost to full subscriber buffers.
# TYPE notifyfwd_eventbus_dropped_total counter
notifyfwd_eventbus_dropped_total 2
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "notifyfwd_eventbus_dropped_total"); err != nil {
		t.Fatalf("GatherAndCompare() error = %v", err)
	}
}

func TestHandlerAndMiddleware(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/things/{id}", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	r.Method(http.MethodGet, "/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/things/42", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("/v1/things/{id}", "GET", "418")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "notifyfwd_http_requests_total") {
		t.Fatal("/metrics does not expose notifyfwd_http_requests_total")
	}
}
