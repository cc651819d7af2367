// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

type Metrics struct {
	registry *prometheus.Registry

	EntriesReceived       prometheus.Counter
	MessagesRelayed       prometheus.Counter
	DuplicatesDropped     prometheus.Counter
	EmptyEntries          prometheus.Counter
	DecryptFailures       prometheus.Counter
	TimestampsSubstituted prometheus.Counter
	Deliveries            prometheus.Counter
	SubscriptionAttempts  prometheus.Counter
	StreamErrors          prometheus.Counter
	SubscriptionState     prometheus.Gauge
	Submissions           *prometheus.CounterVec
}

// New creates a metric set on its own registry, with Go runtime and
// process collectors included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		registry:              reg,
		EntriesReceived:       counter("entries_received_total", "Committed entries delivered by the subscription."),
		MessagesRelayed:       counter("messages_relayed_total", "Messages published to viewers."),
		DuplicatesDropped:     counter("duplicates_dropped_total", "Entries dropped as already relayed."),
		EmptyEntries:          counter("empty_entries_total", "Entries relayed with no payload, flagged as decrypt failures."),
		DecryptFailures:       counter("decrypt_failures_total", "Entries relayed with decryptFailed set."),
		TimestampsSubstituted: counter("timestamps_substituted_total", "Entries relayed with a local receive time."),
		Deliveries:            counter("viewer_deliveries_total", "Frames accepted by viewers."),
		SubscriptionAttempts:  counter("subscription_attempts_total", "Subscription establishment attempts."),
		StreamErrors:          counter("stream_errors_total", "Errors reported by an established subscription."),
		SubscriptionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscription_state",
			Help:      "Subscription state: 0 idle, 1 connecting, 2 subscribed, 3 failed, 4 stopped.",
		}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Messages submitted through the send endpoint.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.SubscriptionState, m.Submissions)
	return m
}

// RegisterViewerGauge exposes the live viewer count through fn.
func (m *Metrics) RegisterViewerGauge(fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "viewers",
		Help:      "Live viewer connections.",
	}, fn))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
