// Package metrics implements the two counters named in spec.md §6 as
// Prometheus collectors: a monotonic "connection made" counter and a
// ±1 "active connection" gauge, both labeled by port and transport.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	ConnectionsMade  *prometheus.CounterVec
	ActiveConnection *prometheus.GaugeVec
}

func New() *Metrics {
	return &Metrics{
		ConnectionsMade: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ssrelay_connections_made_total",
			Help: "Total TCP connections accepted or dialed upstream, and UDP client endpoints accepted.",
		}, []string{"port", "transport"}),
		ActiveConnection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ssrelay_active_connections",
			Help: "Currently active sessions and upstream TCP connections.",
		}, []string{"port", "transport"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.ConnectionsMade, m.ActiveConnection)
	return reg
}

// Serve starts a blocking HTTP server exposing the registry at /metrics
// and returns only when the listener fails; it has no shutdown path of
// its own. internal/server.Run runs it in its own goroutine and stops
// waiting on it once its context is cancelled.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
