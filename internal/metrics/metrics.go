// Package metrics exposes queue activity to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/RezaEskandarii/firequeue/queue"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace      = "firequeue"
	collectTimeout = 5 * time.Second
)

// Observer counts job events. It implements queue.Observer and prometheus.Collector.
type Observer struct {
	events *prometheus.CounterVec
}

var _ queue.Observer = (*Observer)(nil)

func NewObserver() *Observer {
	return &Observer{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_events_total",
			Help:      "Job state transitions by queue, job type and event.",
		}, []string{"queue", "type", "event"}),
	}
}

func (o *Observer) Record(queueName, jobType string, event queue.Event) {
	o.events.WithLabelValues(queueName, jobType, string(event)).Inc()
}

func (o *Observer) Describe(ch chan<- *prometheus.Desc) { o.events.Describe(ch) }

func (o *Observer) Collect(ch chan<- prometheus.Metric) { o.events.Collect(ch) }

type StatsSource interface {
	Stats(ctx context.Context) (types.QueueStats, error)
}

// QueueCollector reads queue depths from storage on every scrape.
type QueueCollector struct {
	sources []StatsSource
	jobs    *prometheus.Desc
}

func NewQueueCollector(sources ...StatsSource) *QueueCollector {
	return &QueueCollector{
		sources: sources,
		jobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_jobs"),
			"Number of jobs in each queue by state.",
			[]string{"queue", "state"}, nil,
		),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	for _, src := range c.sources {
		stats, err := src.Stats(ctx)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(c.jobs, err)
			continue
		}
		for st, n := range map[string]int64{
			"queued":        stats.Queued,
			"leased":        stats.Leased,
			"dead_lettered": stats.DeadLettered,
			"completed":     stats.Completed,
		} {
			ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(n), stats.Queue, st)
		}
	}
}

// NewRegistry builds a registry with the observer, the queue collector and
// the Go runtime collectors.
func NewRegistry(o *Observer, sources ...StatsSource) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		o,
		NewQueueCollector(sources...),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}
