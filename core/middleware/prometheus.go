package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector on top of
// prometheus/client_golang.
type PrometheusCollector struct {
	processed *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewPrometheusCollector creates a collector and registers its metrics with
// the given registerer. Pass prometheus.DefaultRegisterer for the default
// process registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnibus_messages_processed_total",
			Help: "Messages handled, by topic.",
		}, []string{"topic"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnibus_messages_failed_total",
			Help: "Messages whose handler returned an error, by topic.",
		}, []string{"topic"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omnibus_message_duration_seconds",
			Help:    "Handler execution time, by topic.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
	}
	reg.MustRegister(c.processed, c.failures, c.duration)
	return c
}

func (c *PrometheusCollector) MessageProcessed(topic string, duration time.Duration, err error) {
	c.processed.WithLabelValues(topic).Inc()
	if err != nil {
		c.failures.WithLabelValues(topic).Inc()
	}
	c.duration.WithLabelValues(topic).Observe(duration.Seconds())
}
