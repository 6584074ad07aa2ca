package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the pipeline's Prometheus metrics behind one registry so
// tests can create isolated instances.
type Collector struct {
	generationsEnqueued prometheus.Counter
	generationsAborted  prometheus.Counter
	eventsPublished     prometheus.Counter
	eventsDropped       prometheus.Counter
	rpcCalls            prometheus.Counter
	rpcTimeouts         prometheus.Counter
	cronDuration        *prometheus.HistogramVec

	registry *prometheus.Registry
}

func NewCollector() *Collector {
	c := &Collector{
		generationsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reportpipe_generations_enqueued_total",
			Help: "Generation requests published to the work queue.",
		}),
		generationsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reportpipe_generations_aborted_total",
			Help: "Dead-lettered generation requests converted to ABORTED events.",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reportpipe_events_published_total",
			Help: "Generation status events published to the event exchange.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reportpipe_events_dropped_total",
			Help: "Incoming event payloads dropped as invalid.",
		}),
		rpcCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reportpipe_rpc_calls_total",
			Help: "Unary RPC calls issued.",
		}),
		rpcTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reportpipe_rpc_timeouts_total",
			Help: "Unary RPC calls that got no reply before the deadline.",
		}),
		cronDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reportpipe_cron_duration_seconds",
			Help:    "Duration of cron trigger executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		c.generationsEnqueued,
		c.generationsAborted,
		c.eventsPublished,
		c.eventsDropped,
		c.rpcCalls,
		c.rpcTimeouts,
		c.cronDuration,
	)
	return c
}

// Handler exposes the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) IncGenerationsEnqueued() { c.generationsEnqueued.Inc() }
func (c *Collector) IncGenerationsAborted()  { c.generationsAborted.Inc() }
func (c *Collector) IncEventsPublished()     { c.eventsPublished.Inc() }
func (c *Collector) IncEventsDropped()       { c.eventsDropped.Inc() }
func (c *Collector) IncRPCCalls()            { c.rpcCalls.Inc() }
func (c *Collector) IncRPCTimeouts()         { c.rpcTimeouts.Inc() }

func (c *Collector) ObserveCronDuration(job string, d time.Duration) {
	c.cronDuration.WithLabelValues(job).Observe(d.Seconds())
}
