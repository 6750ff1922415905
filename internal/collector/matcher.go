package collector

import (
	"context"
	"fmt"
	"strings"

	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/store"
)

// LinkStoredCommits stamps stored commits that a pull request lists with its number.
// A stored commit only counts as the same commit when revision, author name (case-insensitive),
// message and authored time all agree. It returns the number of commits relinked.
func LinkStoredCommits(ctx context.Context, commits store.CommitStore, request model.Request) (int, error) {
	if request.Type != model.RequestTypePull || request.Number <= 0 {
		return 0, nil
	}

	linked := 0
	for _, observed := range request.Commits {
		stored, found, err := commits.FindCommit(ctx, request.RepoURL, request.Branch, observed.Revision)
		if err != nil {
			return linked, fmt.Errorf("find commit %s: %w", observed.Revision, err)
		}
		if !found || stored.PullNumber == request.Number || !sameCommit(stored, observed) {
			continue
		}

		stored.PullNumber = request.Number
		if _, _, err := commits.UpsertCommit(ctx, stored); err != nil {
			return linked, fmt.Errorf("link commit %s: %w", observed.Revision, err)
		}
		linked++
	}
	return linked, nil
}

func sameCommit(stored, observed model.Commit) bool {
	return stored.Revision == observed.Revision &&
		strings.EqualFold(strings.TrimSpace(stored.AuthorName), strings.TrimSpace(observed.AuthorName)) &&
		stored.Message == observed.Message &&
		stored.Timestamp.Equal(observed.Timestamp)
}

// PropagatePullNumber applies rebase and squash semantics to a pushed batch: when exactly one
// commit of a multi-commit batch carries a pull request number, every commit gets it.
func PropagatePullNumber(batch []model.Commit) []model.Commit {
	result := make([]model.Commit, len(batch))
	copy(result, batch)
	if len(result) < 2 {
		return result
	}

	number := 0
	carriers := 0
	for _, commit := range result {
		if commit.HasPullRequest() {
			carriers++
			number = commit.PullNumber
		}
	}
	if carriers != 1 {
		return result
	}
	for i := range result {
		result[i].PullNumber = number
	}
	return result
}
