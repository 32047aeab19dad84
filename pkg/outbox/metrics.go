package outbox

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// relayMetrics are shared by every publisher, relay and cleaner in the
// process; series are split by the outbox table label.
type relayMetrics struct {
	enqueued   *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	dead       *prometheus.CounterVec
	purged     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	pending    *prometheus.GaugeVec
	locked     *prometheus.GaugeVec
	leader     *prometheus.GaugeVec
}

var sharedMetrics = sync.OnceValue(func() *relayMetrics {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "workflow", Subsystem: "outbox", Name: name, Help: help}
	}
	return &relayMetrics{
		enqueued: promauto.NewCounterVec(prometheus.CounterOpts(opts(
			"enqueued_total", "Messages written to the outbox.")), []string{"table", "topic"}),
		dispatched: promauto.NewCounterVec(prometheus.CounterOpts(opts(
			"dispatched_total", "Dispatch attempts by result.")), []string{"table", "topic", "result"}),
		dead: promauto.NewCounterVec(prometheus.CounterOpts(opts(
			"dead_total", "Messages that ran out of delivery attempts.")), []string{"table", "topic"}),
		purged: promauto.NewCounterVec(prometheus.CounterOpts(opts(
			"purged_total", "Rows removed by the cleaner.")), []string{"table"}),
		latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workflow",
			Subsystem: "outbox",
			Name:      "dispatch_seconds",
			Help:      "Time spent dispatching one message.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 12),
		}, []string{"table", "topic", "result"}),
		pending: promauto.NewGaugeVec(prometheus.GaugeOpts(opts(
			"pending", "Unpublished messages.")), []string{"table"}),
		locked: promauto.NewGaugeVec(prometheus.GaugeOpts(opts(
			"locked", "Unpublished messages currently claimed by a relay.")), []string{"table"}),
		leader: promauto.NewGaugeVec(prometheus.GaugeOpts(opts(
			"relay_leader", "1 when this process relays the table.")), []string{"table"}),
	}
})
