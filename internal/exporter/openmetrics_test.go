package exporter

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/collector"
	"github.com/cam3ron2/scm-ingest/internal/webhook"
)

func renderMetrics(t *testing.T, reader SnapshotReader) string {
	t.Helper()

	handler := NewOpenMetricsHandler(reader)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

func TestOpenMetricsHandler(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.now = func() time.Time { return time.Unix(1739836800, 0) }
	registry.ObserveSync(collector.Result{
		RepoURL:    "https://github.com/acme/widgets",
		Branch:     "main",
		State:      collector.StateFinish,
		NewCommits: 2,
		NewPulls:   1,
	})
	registry.ObserveSync(collector.Result{
		RepoURL: "https://github.com/acme/widgets",
		Branch:  "main",
		State:   collector.StateFailed,
		Err:     errors.New("boom"),
	})
	registry.ObserveWebhook("push", webhook.Outcome{Status: webhook.StatusProcessed})
	registry.SetQueueDepth(3)
	registry.SetDependencyHealth("store", true)
	registry.SetLeader(true)

	body := renderMetrics(t, registry)
	wantSubstrs := []string{
		`scm_ingest_sync_runs_total{branch="main",repo="https://github.com/acme/widgets",result="success"} 1.0`,
		`scm_ingest_sync_runs_total{branch="main",repo="https://github.com/acme/widgets",result="failure"} 1.0`,
		`scm_ingest_records_ingested_total{branch="main",kind="commit",repo="https://github.com/acme/widgets"} 2.0`,
		`scm_ingest_records_ingested_total{branch="main",kind="pull",repo="https://github.com/acme/widgets"} 1.0`,
		`scm_ingest_last_sync_unixtime{branch="main",repo="https://github.com/acme/widgets"} 1.7398368e+09`,
		`scm_ingest_webhook_events_total{event="push",result="processed"} 1.0`,
		`# TYPE scm_ingest_queue_depth gauge`,
		`# HELP scm_ingest_queue_depth Sync requests waiting for the worker.`,
		`scm_ingest_queue_depth 3.0`,
		`scm_ingest_dependency_health{dependency="store"} 1.0`,
		`scm_ingest_leader 1.0`,
		"go_goroutines",
		"# EOF",
	}
	for _, substr := range wantSubstrs {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics output missing %q:\n%s", substr, body)
		}
	}
}

func TestRegistryCountersAccumulateAndGaugesReplace(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		apply func(*Registry)
		want  float64
		gauge bool
	}{
		{
			name: "counter_accumulates",
			apply: func(r *Registry) {
				r.Add("c_total", map[string]string{"a": "1"}, 2)
				r.Add("c_total", map[string]string{"a": "1"}, 3)
			},
			want: 5,
		},
		{
			name: "negative_delta_is_ignored",
			apply: func(r *Registry) {
				r.Add("c_total", map[string]string{"a": "1"}, 2)
				r.Add("c_total", map[string]string{"a": "1"}, -1)
			},
			want: 2,
		},
		{
			name: "gauge_replaces",
			apply: func(r *Registry) {
				r.Set("g", map[string]string{"a": "1"}, 2)
				r.Set("g", map[string]string{"a": "1"}, 7)
			},
			want:  7,
			gauge: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			registry := NewRegistry()
			tc.apply(registry)
			points := registry.Snapshot()
			if len(points) != 1 {
				t.Fatalf("len(points) = %d, want 1", len(points))
			}
			if points[0].Value != tc.want {
				t.Fatalf("value = %v, want %v", points[0].Value, tc.want)
			}
			wantType := TypeCounter
			if tc.gauge {
				wantType = TypeGauge
			}
			if points[0].Type != wantType {
				t.Fatalf("type = %s, want %s", points[0].Type, wantType)
			}
		})
	}
}

func TestRegistrySnapshotIsDetached(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.Set("g", map[string]string{"a": "1"}, 1)
	points := registry.Snapshot()
	points[0].Labels["a"] = "mutated"

	again := registry.Snapshot()
	if again[0].Labels["a"] != "1" {
		t.Fatalf("label = %q, want unchanged", again[0].Labels["a"])
	}
}
