package exporter

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/collector"
	"github.com/cam3ron2/scm-ingest/internal/webhook"
)

// Operational metric names.
const (
	MetricSyncRuns           = "scm_ingest_sync_runs_total"
	MetricRecordsIngested    = "scm_ingest_records_ingested_total"
	MetricLastSync           = "scm_ingest_last_sync_unixtime"
	MetricWebhookEvents      = "scm_ingest_webhook_events_total"
	MetricQueueDepth         = "scm_ingest_queue_depth"
	MetricDependencyHealth   = "scm_ingest_dependency_health"
	MetricIdentityLookups    = "scm_ingest_identity_lookups_total"
	MetricTriggersSuppressed = "scm_ingest_sync_triggers_suppressed_total"
	MetricLeader             = "scm_ingest_leader"
)

// MetricType is the exposition type of a point.
type MetricType string

const (
	// TypeGauge is a point-in-time value.
	TypeGauge MetricType = "gauge"
	// TypeCounter only increases.
	TypeCounter MetricType = "counter"
)

// MetricPoint is one labelled series value.
type MetricPoint struct {
	Name      string
	Type      MetricType
	Labels    map[string]string
	Value     float64
	UpdatedAt time.Time
}

// Registry holds the service's operational series in memory.
type Registry struct {
	mu     sync.RWMutex
	points map[string]MetricPoint
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		points: make(map[string]MetricPoint),
		now:    time.Now,
	}
}

// Add increments a counter series.
func (r *Registry) Add(name string, labels map[string]string, delta float64) {
	if delta < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := seriesKey(name, labels)
	point, ok := r.points[key]
	if !ok {
		point = MetricPoint{Name: name, Type: TypeCounter, Labels: copyLabels(labels)}
	}
	point.Value += delta
	point.UpdatedAt = r.now()
	r.points[key] = point
}

// Set stores a gauge value.
func (r *Registry) Set(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points[seriesKey(name, labels)] = MetricPoint{
		Name:      name,
		Type:      TypeGauge,
		Labels:    copyLabels(labels),
		Value:     value,
		UpdatedAt: r.now(),
	}
}

// Snapshot returns every series ordered by name and labels.
func (r *Registry) Snapshot() []MetricPoint {
	r.mu.RLock()
	keys := make([]string, 0, len(r.points))
	for key := range r.points {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]MetricPoint, 0, len(keys))
	for _, key := range keys {
		point := r.points[key]
		point.Labels = copyLabels(point.Labels)
		out = append(out, point)
	}
	r.mu.RUnlock()
	return out
}

// ObserveSync records one finished sync run.
func (r *Registry) ObserveSync(result collector.Result) {
	labels := map[string]string{"repo": result.RepoURL, "branch": result.Branch}
	outcome := "success"
	if !result.Succeeded() {
		outcome = "failure"
	}
	r.Add(MetricSyncRuns, withLabel(labels, "result", outcome), 1)
	r.Add(MetricRecordsIngested, withLabel(labels, "kind", "commit"), float64(result.NewCommits))
	r.Add(MetricRecordsIngested, withLabel(labels, "kind", "pull"), float64(result.NewPulls))
	r.Add(MetricRecordsIngested, withLabel(labels, "kind", "issue"), float64(result.NewIssues))
	r.Add(MetricIdentityLookups, labels, float64(result.Lookups))
	if result.Succeeded() {
		r.Set(MetricLastSync, labels, float64(r.now().Unix()))
	}
}

// ObserveWebhook records one webhook delivery outcome.
func (r *Registry) ObserveWebhook(event string, outcome webhook.Outcome) {
	r.Add(MetricWebhookEvents, map[string]string{"event": event, "result": string(outcome.Status)}, 1)
}

// ObserveSuppressedTrigger records a sync trigger the dispatcher dropped.
func (r *Registry) ObserveSuppressedTrigger(reason string) {
	r.Add(MetricTriggersSuppressed, map[string]string{"reason": reason}, 1)
}

// SetQueueDepth records the pending sync request count.
func (r *Registry) SetQueueDepth(depth int) {
	r.Set(MetricQueueDepth, nil, float64(depth))
}

// SetDependencyHealth records a dependency as healthy (1) or not (0).
func (r *Registry) SetDependencyHealth(dependency string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1
	}
	r.Set(MetricDependencyHealth, map[string]string{"dependency": dependency}, value)
}

// SetLeader records whether this replica runs the scheduler and worker.
func (r *Registry) SetLeader(isLeader bool) {
	value := 0.0
	if isLeader {
		value = 1
	}
	r.Set(MetricLeader, nil, value)
}

func seriesKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(name)
	for _, key := range keys {
		builder.WriteByte('|')
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(labels[key])
	}
	return builder.String()
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for key, value := range labels {
		out[key] = value
	}
	return out
}

func withLabel(labels map[string]string, key, value string) map[string]string {
	out := copyLabels(labels)
	out[key] = value
	return out
}
