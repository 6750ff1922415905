package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/identity"
	"github.com/cam3ron2/scm-ingest/internal/model"
	"go.uber.org/zap"
)

// ReconcileStore is the store surface the orphan pass reads and writes.
type ReconcileStore interface {
	FindOrphanCommits(ctx context.Context, repoURL, branch string, since time.Time) ([]model.Commit, error)
	FindMergedPullsSince(ctx context.Context, repoURL, branch string, since time.Time) ([]model.Request, error)
	UpsertCommit(ctx context.Context, commit model.Commit) (model.Commit, bool, error)
}

// Reconciler relinks orphan commits to recently merged pull requests.
type Reconciler struct {
	Store ReconcileStore
	// Window is how far back merged pull requests and orphans are considered.
	Window time.Duration
	// Tolerance bounds the distance between an orphan's authored time and a merge time
	// for the heuristic match.
	Tolerance time.Duration
	Now       func() time.Time
	Logger    *zap.Logger
}

// Run relinks orphans of one branch and returns how many commits gained a pull request number.
func (r *Reconciler) Run(ctx context.Context, repoURL, branch string) (int, error) {
	if r == nil || r.Store == nil {
		return 0, nil
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}

	windowStart := now().Add(-r.Window)
	pulls, err := r.Store.FindMergedPullsSince(ctx, repoURL, branch, windowStart)
	if err != nil {
		return 0, fmt.Errorf("find merged pull requests: %w", err)
	}
	if len(pulls) == 0 {
		return 0, nil
	}

	start := windowStart
	if oldest := oldestCommitTime(pulls); oldest.After(start) {
		start = oldest
	}
	orphans, err := r.Store.FindOrphanCommits(ctx, repoURL, branch, start)
	if err != nil {
		return 0, fmt.Errorf("find orphan commits: %w", err)
	}

	linked := 0
	for _, orphan := range orphans {
		number, ok := matchOrphan(orphan, pulls, branch, r.Tolerance)
		if !ok {
			continue
		}
		orphan.PullNumber = number
		if _, _, err := r.Store.UpsertCommit(ctx, orphan); err != nil {
			return linked, fmt.Errorf("link orphan %s: %w", orphan.Revision, err)
		}
		linked++
	}

	logger.Debug(
		"orphan reconciliation complete",
		zap.String("repo_url", repoURL),
		zap.String("branch", branch),
		zap.Time("window_start", start),
		zap.Int("orphans", len(orphans)),
		zap.Int("merged_pulls", len(pulls)),
		zap.Int("linked", linked),
	)
	return linked, nil
}

func oldestCommitTime(pulls []model.Request) time.Time {
	var oldest time.Time
	for _, pull := range pulls {
		candidate := pull.OldestCommitTime()
		if candidate.IsZero() {
			continue
		}
		if oldest.IsZero() || candidate.Before(oldest) {
			oldest = candidate
		}
	}
	return oldest
}

// matchOrphan prefers an exact revision or merge-commit match, then falls back to the closest
// merge by the same author on the same target branch within tolerance. Ties are left unmatched.
func matchOrphan(orphan model.Commit, pulls []model.Request, branch string, tolerance time.Duration) (int, bool) {
	for _, pull := range pulls {
		if pull.ContainsRevision(orphan.Revision) || (pull.MergeSHA != "" && pull.MergeSHA == orphan.Revision) {
			return pull.Number, true
		}
	}

	bestNumber := 0
	bestDelta := time.Duration(-1)
	ambiguous := false
	for _, pull := range pulls {
		if pull.TargetBranch != "" && pull.TargetBranch != branch {
			continue
		}
		if !sameAuthor(orphan, pull) {
			continue
		}
		delta := orphan.Timestamp.Sub(pull.MergedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > tolerance {
			continue
		}
		switch {
		case bestDelta < 0 || delta < bestDelta:
			bestNumber, bestDelta, ambiguous = pull.Number, delta, false
		case delta == bestDelta && pull.Number != bestNumber:
			ambiguous = true
		}
	}
	if bestDelta < 0 || ambiguous {
		return 0, false
	}
	return bestNumber, true
}

func sameAuthor(orphan model.Commit, pull model.Request) bool {
	handle := identity.Normalize(orphan.AuthorHandle)
	if handle != "" && handle != model.UnknownAuthor {
		if handle == identity.Normalize(pull.Author) || handle == identity.Normalize(pull.MergeAuthor) {
			return true
		}
	}
	name := strings.TrimSpace(orphan.AuthorName)
	if name == "" {
		return false
	}
	for _, commit := range pull.Commits {
		if strings.EqualFold(name, strings.TrimSpace(commit.AuthorName)) {
			return true
		}
	}
	return false
}
