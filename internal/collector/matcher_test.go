package collector

import (
	"context"
	"testing"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedCommit(rev string, at time.Time, pull int) model.Commit {
	return model.Commit{
		RepoURL:      testRepoURL,
		Branch:       testBranch,
		Revision:     rev,
		AuthorName:   "Dev One",
		AuthorHandle: "dev-one",
		Message:      "change " + rev,
		Timestamp:    at,
		PullNumber:   pull,
	}
}

func TestLinkStoredCommits(t *testing.T) {
	t.Parallel()

	at := testNow.Add(-2 * time.Hour)
	testCases := []struct {
		name     string
		stored   model.Commit
		observed model.Commit
		request  func(model.Commit) model.Request
		want     int
		wantPull int
	}{
		{
			name:     "identical_commit_is_linked",
			stored:   storedCommit("a1", at, 0),
			observed: storedCommit("a1", at, 12),
			want:     1,
			wantPull: 12,
		},
		{
			name:   "author_name_compares_case_insensitively",
			stored: storedCommit("a1", at, 0),
			observed: func() model.Commit {
				c := storedCommit("a1", at, 12)
				c.AuthorName = "DEV ONE"
				return c
			}(),
			want:     1,
			wantPull: 12,
		},
		{
			name:   "different_message_is_not_the_same_commit",
			stored: storedCommit("a1", at, 0),
			observed: func() model.Commit {
				c := storedCommit("a1", at, 12)
				c.Message = "amended"
				return c
			}(),
			wantPull: 0,
		},
		{
			name:     "different_authored_time_is_not_the_same_commit",
			stored:   storedCommit("a1", at, 0),
			observed: storedCommit("a1", at.Add(time.Second), 12),
			wantPull: 0,
		},
		{
			name:     "already_linked_commit_is_left_alone",
			stored:   storedCommit("a1", at, 12),
			observed: storedCommit("a1", at, 12),
			wantPull: 12,
		},
		{
			name:     "issues_never_link",
			stored:   storedCommit("a1", at, 0),
			observed: storedCommit("a1", at, 12),
			request: func(c model.Commit) model.Request {
				return model.Request{RepoURL: testRepoURL, Branch: testBranch, Number: 12, Type: model.RequestTypeIssue, Commits: []model.Commit{c}}
			},
			wantPull: 0,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			st := store.NewMemoryStore()
			_, _, err := st.UpsertCommit(ctx, tc.stored)
			require.NoError(t, err)

			request := model.Request{
				RepoURL: testRepoURL,
				Branch:  testBranch,
				Number:  12,
				Type:    model.RequestTypePull,
				State:   model.StateMerged,
				Commits: []model.Commit{tc.observed, storedCommit("missing", at, 12)},
			}
			if tc.request != nil {
				request = tc.request(tc.observed)
			}

			linked, err := LinkStoredCommits(ctx, st, request)
			require.NoError(t, err)
			assert.Equal(t, tc.want, linked)

			got, found, err := st.FindCommit(ctx, testRepoURL, testBranch, "a1")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, tc.wantPull, got.PullNumber)

			_, found, err = st.FindCommit(ctx, testRepoURL, testBranch, "missing")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestPropagatePullNumber(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		pulls []int
		want  []int
	}{
		{name: "single_carrier_spreads_to_batch", pulls: []int{0, 42, 0}, want: []int{42, 42, 42}},
		{name: "no_carrier_leaves_batch", pulls: []int{0, 0}, want: []int{0, 0}},
		{name: "two_carriers_leave_batch", pulls: []int{41, 0, 42}, want: []int{41, 0, 42}},
		{name: "single_commit_is_unchanged", pulls: []int{0}, want: []int{0}},
		{name: "empty_batch", pulls: nil, want: []int{}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			batch := make([]model.Commit, 0, len(tc.pulls))
			for i, pull := range tc.pulls {
				batch = append(batch, storedCommit(string(rune('a'+i)), testNow, pull))
			}

			result := PropagatePullNumber(batch)
			got := make([]int, 0, len(result))
			for _, commit := range result {
				got = append(got, commit.PullNumber)
			}
			assert.Equal(t, tc.want, got)
			for i, pull := range tc.pulls {
				assert.Equal(t, pull, batch[i].PullNumber, "input batch must not change")
			}
		})
	}
}
