// Package metrics wires the forwarder's counters into a private
// prometheus.Registry, exposed over HTTP by coremain (SPEC_FULL.md §4.6).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the event loop updates. It carries no
// mutex: every Inc/Set call happens from the single event-loop goroutine
// between epoll_wait returns, and the prometheus client's own atomics
// make concurrent Collect-time reads from the metrics HTTP goroutine
// safe without additional locking.
type Metrics struct {
	Registry *prometheus.Registry

	QueriesReceived prometheus.Counter
	QueriesAnswered prometheus.Counter
	QueriesDropped  *prometheus.CounterVec // label "reason": duplicate, table_full, no_roster
	IDRewrites      prometheus.Counter
	UnknownResponse prometheus.Counter
	PeerConnected   prometheus.Counter
	PeerLost        prometheus.Counter
	InFlight        prometheus.Gauge
}

// New builds a Metrics with a fresh, private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		QueriesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttdnsd_queries_received_total",
			Help: "UDP DNS queries accepted from clients.",
		}),
		QueriesAnswered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttdnsd_queries_answered_total",
			Help: "Answers forwarded back to UDP clients.",
		}),
		QueriesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttdnsd_queries_dropped_total",
			Help: "Queries dropped before reaching an upstream, by reason.",
		}, []string{"reason"}),
		IDRewrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttdnsd_id_rewrites_total",
			Help: "Transaction IDs rewritten due to a request-table bucket collision.",
		}),
		UnknownResponse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttdnsd_unknown_response_total",
			Help: "TCP response frames whose transaction ID matched no table entry.",
		}),
		PeerConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttdnsd_peer_connected_total",
			Help: "Successful upstream TCP connect completions.",
		}),
		PeerLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttdnsd_peer_lost_total",
			Help: "Connected upstream TCP sessions lost to EOF or a read/write failure.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ttdnsd_requests_in_flight",
			Help: "Occupied slots in the request table.",
		}),
	}

	reg.MustRegister(
		m.QueriesReceived, m.QueriesAnswered, m.QueriesDropped,
		m.IDRewrites, m.UnknownResponse, m.PeerConnected, m.PeerLost, m.InFlight,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
