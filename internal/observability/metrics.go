package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printconsole",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total console HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "printconsole",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Console HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	pulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printconsole",
			Subsystem: "sync",
			Name:      "pulls_total",
			Help:      "Snapshot pulls by loop and outcome.",
		},
		[]string{"loop", "success"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printconsole",
			Subsystem: "commands",
			Name:      "settled_total",
			Help:      "Settled operator commands by action and state.",
		},
		[]string{"action", "state"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "printconsole",
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Time from dispatch to settlement.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action"},
	)
	channelEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printconsole",
			Subsystem: "channel",
			Name:      "events_total",
			Help:      "Push channel events by type.",
		},
		[]string{"type"},
	)
	dataStale = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "printconsole",
			Subsystem: "sync",
			Name:      "data_stale",
			Help:      "1 while the view may be stale after consecutive pull failures.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, pulls, commands, commandDuration, channelEvents, dataStale)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPull(loop string, err error) {
	RegisterMetrics()
	pulls.WithLabelValues(loop, strconv.FormatBool(err == nil)).Inc()
}

func RecordCommand(action, state string, duration time.Duration) {
	RegisterMetrics()
	commands.WithLabelValues(action, state).Inc()
	if duration > 0 {
		commandDuration.WithLabelValues(action).Observe(duration.Seconds())
	}
}

func RecordChannelEvent(eventType string) {
	RegisterMetrics()
	channelEvents.WithLabelValues(eventType).Inc()
}

func SetDataStale(stale bool) {
	RegisterMetrics()
	if stale {
		dataStale.Set(1)
		return
	}
	dataStale.Set(0)
}
