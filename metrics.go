package mockwire

import "github.com/prometheus/client_golang/prometheus"

// Transport counters. They are live from process start but stay out of any
// registry until RegisterMetrics is called, so embedding test harnesses
// don't collide with the host application's default registry.
var (
	connectionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mockwire",
		Name:      "connections_opened_total",
		Help:      "Connections established, accepted and dialed combined.",
	})
	connectionsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mockwire",
		Name:      "connections_closed_total",
		Help:      "Connections terminated for any reason.",
	})
	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mockwire",
		Name:      "messages_received_total",
		Help:      "Complete framed messages extracted from the stream.",
	})
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mockwire",
		Name:      "messages_sent_total",
		Help:      "Framed messages written to the socket.",
	})
	framingErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mockwire",
		Name:      "framing_errors_total",
		Help:      "Fatal framing anomalies, e.g. oversized messages.",
	})
	codecErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mockwire",
		Name:      "codec_errors_total",
		Help:      "Encode and decode failures at the adapter boundary.",
	})
)

// RegisterMetrics registers the transport counters with the given registry.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		connectionsOpened,
		connectionsClosed,
		messagesReceived,
		messagesSent,
		framingErrors,
		codecErrors,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
