package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	dispatchCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sfipc",
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Total dispatched commands.",
		},
		[]string{"command", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sfipc",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Dispatch round trip duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"command", "outcome"},
	)
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sfipc",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session lifecycle events.",
		},
		[]string{"service", "event", "outcome"},
	)
	relayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sfipc",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Requests served by the transport relay.",
		},
		[]string{"type", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(dispatchCalls, dispatchDuration, sessionEvents, relayRequests)
	})
}

func RecordDispatch(commandID uint32, outcome string, duration time.Duration) {
	RegisterMetrics()
	command := strconv.FormatUint(uint64(commandID), 10)
	dispatchCalls.WithLabelValues(command, outcome).Inc()
	dispatchDuration.WithLabelValues(command, outcome).Observe(duration.Seconds())
}

// RecordSession counts one create/close/convert/clone event.
func RecordSession(service, event, outcome string) {
	RegisterMetrics()
	sessionEvents.WithLabelValues(service, event, outcome).Inc()
}

func RecordRelay(kind string, success bool) {
	RegisterMetrics()
	relayRequests.WithLabelValues(kind, strconv.FormatBool(success)).Inc()
}
