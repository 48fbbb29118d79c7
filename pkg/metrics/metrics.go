package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync metrics
	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairpilot_handshakes_total",
			Help: "Join handshakes by outcome (peer, grace, error)",
		},
		[]string{"outcome"},
	)

	UpdatesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairpilot_updates_sent_total",
			Help: "Updates broadcast by event",
		},
		[]string{"event"},
	)

	UpdatesAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairpilot_updates_applied_total",
			Help: "Remote updates merged by event",
		},
		[]string{"event"},
	)

	UpdatesRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairpilot_updates_rejected_total",
			Help: "Remote updates dropped because they could not be decoded",
		},
	)

	UpdateBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pairpilot_update_bytes",
			Help:    "Encoded update size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"direction"},
	)

	// Presence metrics
	PresencePeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairpilot_presence_peers",
			Help: "Remote connections currently visible through presence",
		},
	)

	// Run metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairpilot_runs_total",
			Help: "Runs started on this peer by final state",
		},
		[]string{"state"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pairpilot_run_duration_seconds",
			Help:    "Wall time of runs started on this peer",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"language"},
	)

	RunAdmissionDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairpilot_run_admission_denied_total",
			Help: "Run requests refused by reason",
		},
		[]string{"reason"},
	)

	RateLimitChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairpilot_ratelimit_checks_total",
			Help: "Rate-limit gate checks by result (allowed, throttled, error)",
		},
		[]string{"result"},
	)

	// Snapshot metrics
	SnapshotSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairpilot_snapshot_saves_total",
			Help: "Snapshot saves by result",
		},
		[]string{"result"},
	)

	SnapshotLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairpilot_snapshot_loads_total",
			Help: "Snapshot loads by result (hydrated, empty, error)",
		},
		[]string{"result"},
	)

	SnapshotSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pairpilot_snapshot_save_duration_seconds",
			Help:    "Time taken to persist a snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Relay metrics
	RelayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairpilot_relay_connections",
			Help: "Open relay websocket connections",
		},
	)

	RelayRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairpilot_relay_rooms",
			Help: "Rooms with at least one relay connection",
		},
	)

	RelayMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairpilot_relay_messages_total",
			Help: "Envelopes relayed by event",
		},
		[]string{"event"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairpilot_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pairpilot_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(HandshakesTotal)
	prometheus.MustRegister(UpdatesSentTotal)
	prometheus.MustRegister(UpdatesAppliedTotal)
	prometheus.MustRegister(UpdatesRejectedTotal)
	prometheus.MustRegister(UpdateBytes)
	prometheus.MustRegister(PresencePeers)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(RunAdmissionDeniedTotal)
	prometheus.MustRegister(RateLimitChecksTotal)
	prometheus.MustRegister(SnapshotSavesTotal)
	prometheus.MustRegister(SnapshotLoadsTotal)
	prometheus.MustRegister(SnapshotSaveDuration)
	prometheus.MustRegister(RelayConnections)
	prometheus.MustRegister(RelayRooms)
	prometheus.MustRegister(RelayMessagesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures how long an operation takes
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on the labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
