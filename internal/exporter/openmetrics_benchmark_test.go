package exporter

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cam3ron2/scm-ingest/internal/collector"
)

func BenchmarkOpenMetricsHandlerCardinality(b *testing.B) {
	registry := NewRegistry()

	const (
		owners          = 5
		reposPerOwner   = 300
		branchesPerRepo = 3
	)

	for ownerIndex := range owners {
		for repoIndex := range reposPerOwner {
			for branchIndex := range branchesPerRepo {
				registry.ObserveSync(collector.Result{
					RepoURL:    fmt.Sprintf("https://github.com/owner-%d/repo-%d", ownerIndex, repoIndex),
					Branch:     fmt.Sprintf("branch-%d", branchIndex),
					State:      collector.StateFinish,
					NewCommits: branchIndex + 1,
				})
			}
		}
	}

	handler := NewOpenMetricsHandler(registry)
	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.Header.Set("Accept", "application/openmetrics-text")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			b.Fatalf("status code = %d, want 200", rec.Code)
		}
	}
}
