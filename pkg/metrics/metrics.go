package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	FleetSockets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wafleet_sockets_total",
			Help: "Number of supervisors currently registered in the fleet",
		},
	)

	ActiveReconnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wafleet_active_reconnections",
			Help: "Reconnect attempts currently holding a semaphore slot",
		},
	)

	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wafleet_reconnect_attempts_total",
			Help: "Total reconnect admissions requested",
		},
	)

	// Session store metrics
	KeyFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wafleet_key_flushes_total",
			Help: "Total coalesced key-map writes issued to the datastore",
		},
	)
)

func init() {
	prometheus.MustRegister(FleetSockets)
	prometheus.MustRegister(ActiveReconnections)
	prometheus.MustRegister(ReconnectAttempts)
	prometheus.MustRegister(KeyFlushes)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
