package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "mcpcalc_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpcalc_sessions_active",
			Help: "Number of stateful sessions not yet closed",
		},
	)

	sessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpcalc_sessions_opened_total",
			Help: "Sessions opened by mode",
		},
		[]string{"mode"},
	)

	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpcalc_sessions_closed_total",
			Help: "Sessions closed by reason",
		},
		[]string{"reason"},
	)

	eventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpcalc_events_appended_total",
			Help: "Events appended to session streams",
		},
		[]string{"kind"},
	)

	replays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpcalc_replays_total",
			Help: "Stream resumptions by outcome",
		},
		[]string{"outcome"},
	)

	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpcalc_tool_calls_total",
			Help: "Tool invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpcalc_tool_call_duration_seconds",
			Help:    "Tool invocation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	rpcErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpcalc_rpc_errors_total",
			Help: "JSON-RPC error responses by code",
		},
		[]string{"code"},
	)

	callsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpcalc_calls_inflight",
			Help: "Requests currently being dispatched",
		},
	)
)

// Register registers all collectors with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, sessionsActive, sessionsOpened, sessionsClosed,
		eventsAppended, replays, toolCalls, toolDuration, rpcErrors, callsInflight)
}

// SetServerBuildInfo sets the build info metric.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SessionOpened records a new session.
func SessionOpened(mode string) {
	sessionsOpened.WithLabelValues(mode).Inc()
	if mode == "stateful" {
		sessionsActive.Inc()
	}
}

// SessionClosed records a stateful session reaching Closed.
func SessionClosed(reason string) {
	sessionsActive.Dec()
	sessionsClosed.WithLabelValues(reason).Inc()
}

// EventAppended counts an appended event.
func EventAppended(kind string) { eventsAppended.WithLabelValues(kind).Inc() }

// RecordReplay counts a resume attempt; outcome is "ok" or "gap".
func RecordReplay(outcome string) { replays.WithLabelValues(outcome).Inc() }

// RecordToolCall records a tool invocation.
func RecordToolCall(tool, outcome string, dur time.Duration) {
	toolCalls.WithLabelValues(tool, outcome).Inc()
	toolDuration.WithLabelValues(tool).Observe(dur.Seconds())
}

// RecordRPCError counts an error response.
func RecordRPCError(code int) { rpcErrors.WithLabelValues(strconv.Itoa(code)).Inc() }

// CallStart increments the in-flight gauge.
func CallStart() { callsInflight.Inc() }

// CallEnd decrements the in-flight gauge.
func CallEnd() { callsInflight.Dec() }
