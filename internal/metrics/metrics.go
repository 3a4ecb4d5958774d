package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var Registry = prometheus.NewRegistry()

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qms",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qms",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	queueActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qms",
			Name:      "queue_actions_total",
			Help:      "Queue state machine actions by outcome",
		},
		[]string{"action", "outcome"},
	)

	busPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qms",
			Name:      "bus_published_total",
			Help:      "Notifications published per channel and topic",
		},
		[]string{"channel", "topic"},
	)

	busPublishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qms",
			Name:      "bus_publish_errors_total",
			Help:      "Failed notification publishes per channel",
		},
		[]string{"channel"},
	)

	busNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qms",
			Name:      "bus_notifications_total",
			Help:      "Inbound notifications by reconciliation outcome",
		},
		[]string{"outcome"},
	)

	realtimeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "qms",
			Name:      "realtime_clients",
			Help:      "Connected realtime staff screens",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequestsTotal,
		httpRequestDuration,
		queueActionsTotal,
		busPublishedTotal,
		busPublishErrorsTotal,
		busNotificationsTotal,
		realtimeClients,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordQueueAction(action, outcome string) {
	queueActionsTotal.WithLabelValues(action, outcome).Inc()
}

func RecordPublish(channel, topic string) {
	busPublishedTotal.WithLabelValues(channel, topic).Inc()
}

func RecordPublishError(channel string) {
	busPublishErrorsTotal.WithLabelValues(channel).Inc()
}

func RecordNotification(outcome string) {
	busNotificationsTotal.WithLabelValues(outcome).Inc()
}

func RealtimeClientConnected()    { realtimeClients.Inc() }
func RealtimeClientDisconnected() { realtimeClients.Dec() }

// QueueActionCount is used by tests to assert on recorded outcomes.
func QueueActionCount(action, outcome string) float64 {
	return counterValue(queueActionsTotal.WithLabelValues(action, outcome))
}

func NotificationCount(outcome string) float64 {
	return counterValue(busNotificationsTotal.WithLabelValues(outcome))
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
