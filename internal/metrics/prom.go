package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Directions used as the "direction" label.
const (
	ClientToBackend = "client_to_backend"
	BackendToClient = "backend_to_client"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "wsbridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsbridge_sessions_active",
			Help: "Number of bridge sessions currently open",
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsbridge_sessions_total",
			Help: "Number of finished bridge sessions by close reason",
		},
		[]string{"reason"},
	)

	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsbridge_handshakes_total",
			Help: "Opening handshakes by outcome",
		},
		[]string{"outcome"},
	)

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsbridge_messages_total",
			Help: "Messages forwarded per direction",
		},
		[]string{"direction"},
	)

	bytesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsbridge_bytes_total",
			Help: "Payload bytes forwarded per direction",
		},
		[]string{"direction"},
	)

	controlFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsbridge_control_frames_total",
			Help: "Control frames received from WebSocket clients",
		},
		[]string{"opcode"},
	)

	backendKeepalives = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wsbridge_backend_keepalives_total",
			Help: "Zero-length frames consumed from the backend",
		},
	)

	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wsbridge_session_duration_seconds",
			Help:    "Session lifetime",
			Buckets: []float64{.1, 1, 10, 60, 300, 1800, 3600, 4 * 3600, 24 * 3600},
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, sessionsActive, sessionsTotal, handshakes, messages, bytesForwarded, controlFrames, backendKeepalives, sessionDuration)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SessionOpened increments the active session gauge.
func SessionOpened() {
	sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge and records why and
// after how long the session ended.
func SessionClosed(reason string, d time.Duration) {
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(reason).Inc()
	sessionDuration.Observe(d.Seconds())
}

// RecordHandshake counts an opening handshake outcome: upgraded, rejected or error.
func RecordHandshake(outcome string) {
	handshakes.WithLabelValues(outcome).Inc()
}

// RecordMessage counts one forwarded message of n payload bytes.
func RecordMessage(direction string, n int) {
	messages.WithLabelValues(direction).Inc()
	bytesForwarded.WithLabelValues(direction).Add(float64(n))
}

// RecordBytes counts payload bytes without counting a message, for messages
// streamed chunk by chunk.
func RecordBytes(direction string, n int) {
	bytesForwarded.WithLabelValues(direction).Add(float64(n))
}

// RecordMessageEnd counts a message whose bytes were already recorded.
func RecordMessageEnd(direction string) {
	messages.WithLabelValues(direction).Inc()
}

// RecordControlFrame counts a ping, pong or close frame.
func RecordControlFrame(opcode string) {
	controlFrames.WithLabelValues(opcode).Inc()
}

// RecordBackendKeepalive counts a zero-length backend frame.
func RecordBackendKeepalive() {
	backendKeepalives.Inc()
}
