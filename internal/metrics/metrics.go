// Package metrics exposes Prometheus instrumentation for the client core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatkit"

type Metrics struct {
	registry         *prometheus.Registry
	eventsReceived   *prometheus.CounterVec
	batchesProcessed prometheus.Counter
	batchesFailed    prometheus.Counter
	batchDuration    prometheus.Histogram
	stateTransitions *prometheus.CounterVec
	busDrops         *prometheus.CounterVec
	syncResults      *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Realtime events received, by event type.",
		}, []string{"type"}),
		batchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_processed_total",
			Help:      "Event batches persisted successfully.",
		}),
		batchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Event batches whose flush failed.",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time to fetch, mutate and flush one event batch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_state_transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
		busDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Bus events discarded because a subscriber was full.",
		}, []string{"kind"}),
		syncResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_sync_results_total",
			Help:      "Sync status outcomes of local writes, by entity and status.",
		}, []string{"entity", "status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsReceived,
		m.batchesProcessed,
		m.batchesFailed,
		m.batchDuration,
		m.stateTransitions,
		m.busDrops,
		m.syncResults,
	)
	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventReceived(typ string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(typ).Inc()
}

// BatchDone records one batch outcome.
func (m *Metrics) BatchDone(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
	if err != nil {
		m.batchesFailed.Inc()
		return
	}
	m.batchesProcessed.Inc()
}

func (m *Metrics) StateTransition(from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) BusDropped(kind string) {
	if m == nil {
		return
	}
	m.busDrops.WithLabelValues(kind).Inc()
}

func (m *Metrics) SyncResult(entity, status string) {
	if m == nil {
		return
	}
	m.syncResults.WithLabelValues(entity, status).Inc()
}

// Server serves /metrics over HTTP.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr and prepares the handler. Serve must be called to accept.
func (m *Metrics) Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
