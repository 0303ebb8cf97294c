package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Connection admission results.
const (
	ConnAccepted = "accepted"
	ConnRefused  = "refused"
)

// Packet directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbgwire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dbgwire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbgwire",
			Name:      "connections_total",
			Help:      "Connections offered to the server, by admission result.",
		},
		[]string{"result"},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dbgwire",
			Name:      "connections_active",
			Help:      "Connections currently open.",
		},
	)
	packetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbgwire",
			Name:      "packets_total",
			Help:      "Packets dispatched or sent, by direction.",
		},
		[]string{"direction"},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbgwire",
			Name:      "protocol_errors_total",
			Help:      "Error packets sent to peers, by error kind.",
		},
		[]string{"kind"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbgwire",
			Name:      "frame_errors_total",
			Help:      "Frames skipped or fatal framing failures, by kind.",
		},
		[]string{"kind"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dbgwire",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent in actor request handlers.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			connectionsTotal,
			connectionsActive,
			packetsTotal,
			protocolErrors,
			frameErrors,
			dispatchDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordConnection(result string) {
	RegisterMetrics()
	connectionsTotal.WithLabelValues(result).Inc()
}

// ConnectionOpened and ConnectionClosed move the active gauge.
func ConnectionOpened() {
	RegisterMetrics()
	connectionsActive.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	connectionsActive.Dec()
}

func RecordPacket(direction string) {
	RegisterMetrics()
	packetsTotal.WithLabelValues(direction).Inc()
}

func RecordProtocolError(kind string) {
	RegisterMetrics()
	protocolErrors.WithLabelValues(kind).Inc()
}

func RecordFrameError(kind string) {
	RegisterMetrics()
	frameErrors.WithLabelValues(kind).Inc()
}

// RecordDispatch observes one handler run. packetType must be a registered
// request type so peers cannot grow the label set.
func RecordDispatch(packetType string, duration time.Duration) {
	RegisterMetrics()
	dispatchDuration.WithLabelValues(packetType).Observe(duration.Seconds())
}
