package exporter

import (
	"net/http"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var metricHelp = map[string]string{
	MetricSyncRuns:           "Completed sync runs by repository, branch and result.",
	MetricRecordsIngested:    "New records written by sync runs, by kind.",
	MetricLastSync:           "Unix time of the last successful sync per repository branch.",
	MetricWebhookEvents:      "Webhook deliveries by event and result.",
	MetricQueueDepth:         "Sync requests waiting for the worker.",
	MetricDependencyHealth:   "1 when the named dependency is healthy.",
	MetricIdentityLookups:    "Upstream identity lookups made by sync runs.",
	MetricTriggersSuppressed: "Sync triggers not queued, by reason.",
	MetricLeader:             "1 while this replica runs the scheduler and worker.",
}

// SnapshotReader reads metric snapshots.
type SnapshotReader interface {
	Snapshot() []MetricPoint
}

// NewOpenMetricsHandler serves registry snapshots, along with Go runtime and process
// metrics, in Prometheus text or OpenMetrics format depending on the Accept header.
func NewOpenMetricsHandler(reader SnapshotReader) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		&snapshotCollector{reader: reader},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// snapshotCollector is unchecked: series appear as syncs and webhooks observe them.
type snapshotCollector struct {
	reader SnapshotReader
}

func (c *snapshotCollector) Describe(_ chan<- *prometheus.Desc) {}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.reader == nil {
		return
	}
	for _, point := range c.reader.Snapshot() {
		if metric, ok := constMetric(point); ok {
			ch <- metric
		}
	}
}

func constMetric(point MetricPoint) (prometheus.Metric, bool) {
	if point.Name == "" {
		return nil, false
	}
	keys := make([]string, 0, len(point.Labels))
	for key := range point.Labels {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	values := make([]string, len(keys))
	for i, key := range keys {
		values[i] = point.Labels[key]
	}

	help, ok := metricHelp[point.Name]
	if !ok {
		help = point.Name
	}
	valueType := prometheus.GaugeValue
	if point.Type == TypeCounter {
		valueType = prometheus.CounterValue
	}
	metric, err := prometheus.NewConstMetric(prometheus.NewDesc(point.Name, help, keys, nil), valueType, point.Value, values...)
	if err != nil {
		return nil, false
	}
	return metric, true
}
