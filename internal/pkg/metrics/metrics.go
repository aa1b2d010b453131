// internal/pkg/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ordersPlaced    prometheus.Counter
	stockRejections prometheus.Counter
	transitions     *prometheus.CounterVec
	flowCommits     *prometheus.CounterVec
	sessionsExpired prometheus.Counter
	eventsDropped   prometheus.Counter
	gatherer        prometheus.Gatherer
}

// New registers the engine counters on the given registry
func New(namespace string, reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders committed by the order engine.",
		}),
		stockRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_rejections_total",
			Help:      "Conditional stock decrements rejected for insufficient stock.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order status transitions applied.",
		}, []string{"from", "to"}),
		flowCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_commits_total",
			Help:      "Conversational flows that reached their terminal step.",
		}, []string{"flow"}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Sessions discarded after the inactivity window.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Notification events dropped because the sink buffer was full.",
		}),
		gatherer: reg,
	}

	for _, c := range []prometheus.Collector{
		m.ordersPlaced, m.stockRejections, m.transitions,
		m.flowCommits, m.sessionsExpired, m.eventsDropped,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Handler exposes the registry over HTTP
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderPlaced() {
	if m != nil {
		m.ordersPlaced.Inc()
	}
}

func (m *Metrics) StockRejected() {
	if m != nil {
		m.stockRejections.Inc()
	}
}

func (m *Metrics) Transition(from, to string) {
	if m != nil {
		m.transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) FlowCommitted(flow string) {
	if m != nil {
		m.flowCommits.WithLabelValues(flow).Inc()
	}
}

func (m *Metrics) SessionsExpired(n int) {
	if m != nil && n > 0 {
		m.sessionsExpired.Add(float64(n))
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}
