package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventReceived("message.new")
	m.BatchDone(time.Millisecond, nil)
	m.StateTransition("a", "b")
	m.BusDropped("x")
	m.SyncResult("message", "COMPLETED")
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.EventReceived("message.new")
	m.EventReceived("message.new")
	m.BatchDone(time.Millisecond, nil)
	m.BatchDone(time.Millisecond, errors.New("flush"))
	m.StateTransition("CONNECTING", "CONNECTED")

	if got := testutil.ToFloat64(m.eventsReceived.WithLabelValues("message.new")); got != 2 {
		t.Errorf("events_received_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.batchesProcessed); got != 1 {
		t.Errorf("batches_processed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.batchesFailed); got != 1 {
		t.Errorf("batches_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.stateTransitions.WithLabelValues("CONNECTING", "CONNECTED")); got != 1 {
		t.Errorf("socket_state_transitions_total = %v, want 1", got)
	}
}

func TestServe(t *testing.T) {
	m := New()
	m.EventReceived("health.check")
	srv, err := m.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() { _ = srv.Serve() }()
	defer func() { _ = srv.Shutdown(context.Background()) }()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `chatkit_events_received_total{type="health.check"} 1`) {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}
