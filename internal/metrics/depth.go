package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sentryal/insar-pipeline/internal/queue"
)

const depthScrapeTimeout = 5 * time.Second

// DepthSource is a queue that can report its bucket sizes.
type DepthSource interface {
	Name() string
	Depths(ctx context.Context) (queue.Depths, error)
}

var queueDepthDesc = prometheus.NewDesc(
	namespace+"_queue_depth",
	"Current number of members in a queue bucket.",
	[]string{"queue", "bucket"},
	nil,
)

// QueueDepthCollector reads queue depths live at scrape time instead of
// tracking them incrementally, so the gauge can never drift from Redis. A
// queue that cannot be read reports an invalid metric for that scrape rather
// than a stale or zero depth.
type QueueDepthCollector struct {
	queues []DepthSource
}

func NewQueueDepthCollector(queues ...DepthSource) *QueueDepthCollector {
	return &QueueDepthCollector{queues: queues}
}

func (c *QueueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
}

func (c *QueueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), depthScrapeTimeout)
	defer cancel()

	for _, q := range c.queues {
		depths, err := q.Depths(ctx)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(queueDepthDesc, err)
			continue
		}
		for bucket, depth := range map[string]int64{
			"waiting":   depths.Waiting,
			"delayed":   depths.Delayed,
			"active":    depths.Active,
			"completed": depths.Completed,
			"failed":    depths.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(
				queueDepthDesc, prometheus.GaugeValue, float64(depth), q.Name(), bucket)
		}
	}
}

// Compile-time check that QueueDepthCollector implements prometheus.Collector.
var _ prometheus.Collector = (*QueueDepthCollector)(nil)
