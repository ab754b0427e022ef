package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trip_dispatch"

var (
	TripsCreated      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_created_total", Help: "Trips persisted in REQUESTED"})
	TripTransitions   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Trip status transitions by target status"}, []string{"status"})
	AcceptConflicts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accept calls that lost the race or found no REQUESTED trip"})
	TripsExpired      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_expired_total", Help: "Trips cancelled by the expiry scheduler"})
	CancellationFees  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "cancellation_fees_total", Help: "Cancellations that applied a fee"})
	MatchCandidates   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_candidates", Help: "Eligible drivers found per trip request", Buckets: []float64{0, 1, 2, 5, 10, 20, 50}})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})
	NoDriversTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "no_drivers_total", Help: "Trip requests rejected for lack of nearby drivers"})
	Notifications     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Events handed to a notification sink"}, []string{"sink", "result"})
	WSConnections     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Live WebSocket connections"})
	DriversOnline     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers with a live WebSocket connection"})
	LocationUpdates   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location reports by source"}, []string{"source"})
	ExpirySweepErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "expiry_sweep_errors_total", Help: "Failed expiry sweeps"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
