package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the relay.
	Registry = prometheus.NewRegistry()

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fanrelay_events_published_total", Help: "Events handed to the queue by result."},
		[]string{"result"},
	)
	QueueMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fanrelay_queue_messages_total", Help: "Queue messages by coordinator outcome."},
		[]string{"outcome"},
	)
	Orchestrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fanrelay_orchestrations_total", Help: "Fan-out instance runs by result."},
		[]string{"result"},
	)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fanrelay_webhook_deliveries_total", Help: "Webhook deliveries by outcome."},
		[]string{"outcome"},
	)
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanrelay_webhook_delivery_latency_ms",
			Help:    "Webhook delivery latency in ms.",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000},
		},
		[]string{"outcome"},
	)
)

var regOnce sync.Once

// Register adds the relay collectors and the Go/process collectors to Registry.
func Register() {
	regOnce.Do(func() {
		Registry.MustRegister(EventsPublished, QueueMessages, Orchestrations, WebhookDeliveries, WebhookLatency)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
