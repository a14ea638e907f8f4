package adapthttp

import (
	"net/http"
	"strconv"
	"time"

	"barbershop/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the proxy and the route guard.
// A nil *Metrics records nothing.
type Metrics struct {
	gatherer         prometheus.Gatherer
	proxyRequests    *prometheus.CounterVec
	upstreamFailures prometheus.Counter
	upstreamSeconds  prometheus.Histogram
	guardDecisions   *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "barbershop",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Proxy requests by method and the status code sent to the browser.",
		}, []string{"method", "code"}),
		upstreamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "barbershop",
			Subsystem: "proxy",
			Name:      "upstream_failures_total",
			Help:      "Forwards that failed before the backend replied.",
		}),
		upstreamSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "barbershop",
			Subsystem: "proxy",
			Name:      "upstream_seconds",
			Help:      "Time spent waiting for the backend.",
			Buckets:   prometheus.DefBuckets,
		}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "barbershop",
			Subsystem: "guard",
			Name:      "decisions_total",
			Help:      "Route guard decisions by outcome.",
		}, []string{"decision"}),
	}
	reg.MustRegister(m.proxyRequests, m.upstreamFailures, m.upstreamSeconds, m.guardDecisions)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) observeProxy(method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.upstreamSeconds.Observe(elapsed.Seconds())
}

// observeProxyStatus counts a proxy request answered without a backend reply.
func (m *Metrics) observeProxyStatus(method string, code int) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) observeUpstreamFailure() {
	if m == nil {
		return
	}
	m.upstreamFailures.Inc()
}

func (m *Metrics) observeDecision(d domain.Decision) {
	if m == nil {
		return
	}
	m.guardDecisions.WithLabelValues(d.Kind.String()).Inc()
}
