// Package metrics exposes this peer's cluster state and shard-pipeline
// activity as Prometheus metrics. Grounded on
// Livepeer-FrameWorks-monorepo/pkg/monitoring/metrics.go's
// MetricsCollector shape (sanitized-name constructor, MustRegister at
// construction, an HTTP middleware for request metrics).
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric this peer reports. Each Collector owns a
// private registry rather than the global default one, so multiple peers
// (or multiple tests) can coexist in one process without a duplicate
// registration panic.
type Collector struct {
	reg *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	currentTerm    prometheus.Gauge
	isMaster       prometheus.Gauge
	peersKnown     prometheus.Gauge
	electionsTotal prometheus.Counter

	shardsDistributed *prometheus.CounterVec
	shardsRequeued    prometheus.Counter
	shardDuration     prometheus.Histogram
	unreportedShards  prometheus.Gauge
}

// NewCollector builds and registers every metric for one peer. serviceName
// is sanitized the way the pack's monitoring package does (hyphens aren't
// legal in Prometheus metric names).
func NewCollector(serviceName string) *Collector {
	name := strings.ReplaceAll(serviceName, "-", "_")

	c := &Collector{
		reg: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name + "_http_requests_total",
			Help: "Total number of RPC-surface HTTP requests handled.",
		}, []string{"route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name + "_http_request_duration_seconds",
			Help:    "RPC-surface HTTP handler duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		currentTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name + "_election_current_term",
			Help: "This peer's current election term.",
		}),
		isMaster: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name + "_is_master",
			Help: "1 if this peer believes it is the master, 0 otherwise.",
		}),
		peersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name + "_peers_known",
			Help: "Number of peers in this node's registry.",
		}),
		electionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name + "_elections_started_total",
			Help: "Number of election rounds this peer has initiated.",
		}),
		shardsDistributed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name + "_shards_distributed_total",
			Help: "Shards handed to a worker, by outcome.",
		}, []string{"outcome"}),
		shardsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name + "_shards_requeued_total",
			Help: "Shards returned to the pending queue after every worker rejected them.",
		}),
		shardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name + "_shard_processing_duration_seconds",
			Help:    "Time from DistributeShard send to a status report arriving.",
			Buckets: prometheus.DefBuckets,
		}),
		unreportedShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name + "_unreported_shards",
			Help: "Shard status reports buffered because no master was reachable.",
		}),
	}

	c.reg.MustRegister(
		c.httpRequestsTotal, c.httpRequestDuration,
		c.currentTerm, c.isMaster, c.peersKnown, c.electionsTotal,
		c.shardsDistributed, c.shardsRequeued, c.shardDuration, c.unreportedShards,
	)
	return c
}

// Handler exposes the /metrics scrape endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Middleware times every RPC-surface request and records its outcome.
func (c *Collector) Middleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		c.httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		c.httpRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
	}
}

func (c *Collector) SetTerm(term uint64) { c.currentTerm.Set(float64(term)) }
func (c *Collector) SetIsMaster(v bool)  { c.isMaster.Set(boolToFloat(v)) }
func (c *Collector) SetPeersKnown(n int) { c.peersKnown.Set(float64(n)) }
func (c *Collector) ElectionStarted()    { c.electionsTotal.Inc() }

func (c *Collector) ShardDistributed(ok bool) {
	if ok {
		c.shardsDistributed.WithLabelValues("accepted").Inc()
	} else {
		c.shardsDistributed.WithLabelValues("rejected").Inc()
	}
}

func (c *Collector) ShardRequeued()                        { c.shardsRequeued.Inc() }
func (c *Collector) ObserveShardDuration(d time.Duration)  { c.shardDuration.Observe(d.Seconds()) }
func (c *Collector) SetUnreportedShards(n int)             { c.unreportedShards.Set(float64(n)) }

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
