package telemetry

import "github.com/prometheus/client_golang/prometheus"

const meetcoreNamespace string = "meetcore"

var (
	promMeetingsOpen           prometheus.Gauge
	promNegotiationFailedTotal prometheus.Counter
	promChatMessagesTotal      prometheus.Counter
	ServiceOperationCounter    *prometheus.CounterVec
)

func init() {
	promMeetingsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: meetcoreNamespace,
		Subsystem: "meeting",
		Name:      "open",
	})

	promNegotiationFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: meetcoreNamespace,
		Subsystem: "negotiation",
		Name:      "failed_total",
	})

	promChatMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: meetcoreNamespace,
		Subsystem: "chat",
		Name:      "messages_total",
	})

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: meetcoreNamespace,
			Subsystem: "node",
			Name:      "service_operation",
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(promMeetingsOpen)
	prometheus.MustRegister(promNegotiationFailedTotal)
	prometheus.MustRegister(promChatMessagesTotal)
	prometheus.MustRegister(ServiceOperationCounter)
}

func MeetingOpened() {
	promMeetingsOpen.Inc()
}

func MeetingClosed() {
	promMeetingsOpen.Dec()
}

func NegotiationFailed() {
	promNegotiationFailedTotal.Inc()
}

func ChatMessageSent() {
	promChatMessagesTotal.Inc()
}
