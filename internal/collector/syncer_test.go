package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/githubapi"
	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/query"
	"github.com/cam3ron2/scm-ingest/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFirstRunPersistsMergedPullAndLinkedCommits(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	reg := registerTestRepo(t, st, model.RepositoryRegistration{})
	upstream := &fakeUpstream{
		pages: func(int, query.Document) (githubapi.RepositoryNode, error) {
			return decodePage(t, mergedPullPage()), nil
		},
	}
	syncer := newTestSyncer(st, &fakeConnector{upstream: upstream})
	ctx := context.Background()

	result := syncer.Run(ctx, reg)
	require.NoError(t, result.Err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 2, result.NewCommits)
	assert.Equal(t, 1, result.NewPulls)
	assert.Zero(t, result.NewIssues)

	commits, err := st.ListCommits(ctx, testRepoURL, testBranch)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	for _, commit := range commits {
		assert.Equal(t, 7, commit.PullNumber, "revision %s", commit.Revision)
		assert.Equal(t, "CN=dev-one", commit.AuthorDN)
	}

	requests, err := st.ListRequests(ctx, testRepoURL, testBranch)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, model.RequestTypePull, requests[0].Type)
	assert.Equal(t, model.StateMerged, requests[0].State)
	assert.NotEmpty(t, requests[0].MergeSHA)
	assert.Len(t, requests[0].Commits, 2)

	docs := upstream.documents()
	require.Len(t, docs, 1)
	assert.Equal(t, testNow.Add(-30*24*time.Hour).Format(time.RFC3339), docs[0].Variables["since"])
	assert.ElementsMatch(t, []string{"dev-one", "maintainer"}, upstream.lookups)

	saved, found, err := st.FindRegistration(ctx, testRepoURL, testBranch)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, saved.LastSynced.Equal(testNow))
	assert.Empty(t, saved.Errors)
}

func TestSecondRunAgainstUnchangedUpstreamAddsNothing(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	registerTestRepo(t, st, model.RepositoryRegistration{})
	upstream := &fakeUpstream{
		pages: func(int, query.Document) (githubapi.RepositoryNode, error) {
			return decodePage(t, mergedPullPage()), nil
		},
	}
	syncer := newTestSyncer(st, &fakeConnector{upstream: upstream})
	ctx := context.Background()

	first, err := syncer.SyncOne(ctx, testRepoURL, testBranch)
	require.NoError(t, err)
	require.True(t, first.Succeeded())

	second, err := syncer.SyncOne(ctx, testRepoURL, testBranch)
	require.NoError(t, err)
	require.True(t, second.Succeeded(), "err=%v", second.Err)
	assert.Zero(t, second.NewCommits)
	assert.Zero(t, second.NewPulls)
	assert.Zero(t, second.NewIssues)

	docs := upstream.documents()
	require.Len(t, docs, 2)
	assert.Equal(t, testNow.Add(-5*time.Minute).Format(time.RFC3339), docs[1].Variables["since"])
	assert.Equal(t, "FetchRepositoryPage", docs[1].Operation)

	commits, err := st.ListCommits(ctx, testRepoURL, testBranch)
	require.NoError(t, err)
	assert.Len(t, commits, 2)
	requests, err := st.ListRequests(ctx, testRepoURL, testBranch)
	require.NoError(t, err)
	assert.Len(t, requests, 1)
}

func TestPagingFollowsCursorsAndDropsExhaustedStreams(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	reg := registerTestRepo(t, st, model.RepositoryRegistration{LastSynced: testNow.Add(-time.Hour)})
	upstream := &fakeUpstream{
		pages: func(call int, doc query.Document) (githubapi.RepositoryNode, error) {
			switch call {
			case 1:
				return decodePage(t, `{
					"ref":{"target":{"history":{"pageInfo":{"endCursor":"h1","hasNextPage":true},"nodes":[`+
					commitJSON("a2", "a1", "two", "2026-03-09T23:30:00Z")+`]}}},
					"pullRequests":{"pageInfo":{"hasNextPage":false},"nodes":[]},
					"issues":{"pageInfo":{"endCursor":"i1","hasNextPage":true},"nodes":[
						{"number":3,"title":"bug","state":"OPEN","updatedAt":"2026-03-09T23:00:00Z","author":{"login":"reporter"}}
					]}
				}`), nil
			case 2:
				return decodePage(t, `{
					"ref":{"target":{"history":{"pageInfo":{"hasNextPage":false},"nodes":[`+
					commitJSON("a1", "a0", "one", "2026-03-09T23:10:00Z")+`]}}},
					"issues":{"pageInfo":{"endCursor":"i2","hasNextPage":true},"nodes":[
						{"number":2,"title":"old","state":"CLOSED","updatedAt":"2026-03-01T00:00:00Z"}
					]}
				}`), nil
			default:
				return githubapi.RepositoryNode{}, errors.New("unexpected page")
			}
		},
	}
	syncer := newTestSyncer(st, &fakeConnector{upstream: upstream})

	result := syncer.Run(context.Background(), reg)
	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, 2, result.NewCommits)
	assert.Equal(t, 1, result.NewIssues)

	docs := upstream.documents()
	require.Len(t, docs, 2)
	assert.Nil(t, docs[0].Variables["commitsAfter"])
	assert.Equal(t, "h1", docs[1].Variables["commitsAfter"])
	assert.Equal(t, "i1", docs[1].Variables["issuesAfter"])
	assert.NotContains(t, docs[1].Variables, "pullsAfter")
	assert.Contains(t, docs[1].Text, "...issues")
	assert.NotContains(t, docs[1].Text, "...pullRequests")

	_, found, err := st.FindRequest(context.Background(), testRepoURL, testBranch, 2, model.RequestTypeIssue)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMissingCommitSubPassRepagesOlderHistory(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	reg := registerTestRepo(t, st, model.RepositoryRegistration{LastSynced: testNow.Add(-time.Hour)})
	old := commitJSON("old1", "root", "ancient", "2026-01-01T00:00:00Z")
	upstream := &fakeUpstream{
		pages: func(call int, doc query.Document) (githubapi.RepositoryNode, error) {
			switch call {
			case 1:
				return decodePage(t, `{
					"ref":{"target":{"history":{"pageInfo":{"hasNextPage":false},"nodes":[]}}},
					"pullRequests":{"pageInfo":{"hasNextPage":false},"nodes":[{
						"number":9,"state":"MERGED","updatedAt":"2026-03-09T23:50:00Z","mergedAt":"2026-03-09T23:50:00Z",
						"baseRefName":"main","author":{"login":"dev_one"},
						"commits":{"nodes":[{"commit":`+old+`}]}
					}]},
					"issues":{"pageInfo":{"hasNextPage":false},"nodes":[]}
				}`), nil
			case 2:
				if doc.Variables["since"] != "2026-01-01T00:00:00Z" {
					return githubapi.RepositoryNode{}, errors.New("sub-pass did not widen since")
				}
				return decodePage(t, `{"ref":{"target":{"history":{"pageInfo":{"hasNextPage":false},"nodes":[`+old+`]}}}}`), nil
			default:
				return githubapi.RepositoryNode{}, errors.New("unexpected page")
			}
		},
	}
	syncer := newTestSyncer(st, &fakeConnector{upstream: upstream})

	result := syncer.Run(context.Background(), reg)
	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.Pages)

	docs := upstream.documents()
	require.Len(t, docs, 2)
	assert.NotContains(t, docs[1].Text, "...pullRequests")
	assert.NotContains(t, docs[1].Text, "...issues")

	commit, found, err := st.FindCommit(context.Background(), testRepoURL, testBranch, "old1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 9, commit.PullNumber)
}

func TestNotFoundReResolvesRepositoryOnce(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		resolve   func(owner, name string) (githubapi.ResolvedRepository, error)
		pages     func(call int, doc query.Document) (githubapi.RepositoryNode, error)
		wantState State
		wantKind  model.ErrorKind
		wantDocs  int
	}{
		{
			name: "renamed_repository_is_followed",
			resolve: func(string, string) (githubapi.ResolvedRepository, error) {
				return githubapi.ResolvedRepository{Owner: "acme-labs", Name: "widgets-next", FullName: "acme-labs/widgets-next"}, nil
			},
			pages: func(call int, doc query.Document) (githubapi.RepositoryNode, error) {
				if doc.Variables["owner"] != "acme-labs" {
					return githubapi.RepositoryNode{}, model.NotFoundError("repository not found")
				}
				return emptyBranchPage(), nil
			},
			wantState: StateFinish,
			wantDocs:  2,
		},
		{
			name: "second_not_found_is_fatal",
			resolve: func(owner, name string) (githubapi.ResolvedRepository, error) {
				return githubapi.ResolvedRepository{Owner: owner, Name: name}, nil
			},
			pages: func(int, query.Document) (githubapi.RepositoryNode, error) {
				return githubapi.RepositoryNode{}, model.NotFoundError("repository not found")
			},
			wantState: StateFailed,
			wantKind:  model.KindMalformedResponse,
			wantDocs:  2,
		},
		{
			name: "deleted_repository_is_fatal",
			pages: func(int, query.Document) (githubapi.RepositoryNode, error) {
				return githubapi.RepositoryNode{}, model.NotFoundError("repository not found")
			},
			wantState: StateFailed,
			wantKind:  model.KindMalformedResponse,
			wantDocs:  1,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			st := store.NewMemoryStore()
			reg := registerTestRepo(t, st, model.RepositoryRegistration{})
			upstream := &fakeUpstream{pages: tc.pages, resolve: tc.resolve}
			result := newTestSyncer(st, &fakeConnector{upstream: upstream}).Run(context.Background(), reg)

			assert.Equal(t, tc.wantState, result.State)
			assert.Equal(t, 1, upstream.resolves)
			assert.Len(t, upstream.documents(), tc.wantDocs)
			if tc.wantKind != "" {
				assert.Equal(t, tc.wantKind, model.KindOf(result.Err), "err=%v", result.Err)
			}
		})
	}
}

func TestFailedRunRecordsErrorWithoutAdvancingTimestamp(t *testing.T) {
	t.Parallel()

	lastSynced := testNow.Add(-24 * time.Hour)
	st := store.NewMemoryStore()
	reg := registerTestRepo(t, st, model.RepositoryRegistration{
		LastSynced: lastSynced,
		Errors: []model.CollectorError{
			{Code: "old", Message: "first"},
			{Code: "old", Message: "second"},
		},
	})
	upstream := &fakeUpstream{
		pages: func(int, query.Document) (githubapi.RepositoryNode, error) {
			return githubapi.RepositoryNode{}, model.UnavailableError(errors.New("502 bad gateway"), "fetch page")
		},
	}

	result := newTestSyncer(st, &fakeConnector{upstream: upstream}).Run(context.Background(), reg)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, string(model.KindUnavailable), result.ErrorCode())

	saved, _, err := st.FindRegistration(context.Background(), testRepoURL, testBranch)
	require.NoError(t, err)
	assert.True(t, saved.LastSynced.Equal(lastSynced))
	require.Len(t, saved.Errors, 2)
	assert.Equal(t, "second", saved.Errors[0].Message)
	assert.Equal(t, string(model.KindUnavailable), saved.Errors[1].Code)
	assert.True(t, saved.Errors[1].Timestamp.Equal(testNow))
}

func TestMissingBranchFailsRun(t *testing.T) {
	t.Parallel()

	const emptyStreams = `"pullRequests":{"totalCount":0,"pageInfo":{"hasNextPage":false},"nodes":[]},` +
		`"issues":{"totalCount":0,"pageInfo":{"hasNextPage":false},"nodes":[]}`
	lastSynced := testNow.Add(-time.Hour)

	testCases := []struct {
		name       string
		page       string
		lastSynced time.Time
		wantState  State
		wantErrors int
	}{
		{
			name:       "null_ref_on_first_run_fails",
			page:       `{"ref":null,` + emptyStreams + `}`,
			wantState:  StateFailed,
			wantErrors: 1,
		},
		{
			name:       "null_ref_on_incremental_run_keeps_timestamp",
			page:       `{"ref":null,` + emptyStreams + `}`,
			lastSynced: lastSynced,
			wantState:  StateFailed,
			wantErrors: 1,
		},
		{
			name:      "existing_branch_without_history_finishes",
			page:      `{"ref":{"target":{"history":{"totalCount":0,"pageInfo":{"hasNextPage":false},"nodes":[]}}},` + emptyStreams + `}`,
			wantState: StateFinish,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			st := store.NewMemoryStore()
			reg := registerTestRepo(t, st, model.RepositoryRegistration{LastSynced: tc.lastSynced})
			upstream := &fakeUpstream{
				pages: func(int, query.Document) (githubapi.RepositoryNode, error) {
					return decodePage(t, tc.page), nil
				},
			}

			result := newTestSyncer(st, &fakeConnector{upstream: upstream}).Run(context.Background(), reg)
			if result.State != tc.wantState {
				t.Fatalf("Run() state = %q, want %q (err=%v)", result.State, tc.wantState, result.Err)
			}
			assert.Len(t, upstream.documents(), 1)

			saved, found, err := st.FindRegistration(context.Background(), testRepoURL, testBranch)
			require.NoError(t, err)
			require.True(t, found)
			require.Len(t, saved.Errors, tc.wantErrors)
			if tc.wantState == StateFinish {
				require.NoError(t, result.Err)
				assert.True(t, saved.LastSynced.Equal(testNow))
				return
			}

			assert.Equal(t, model.KindConfiguration, model.KindOf(result.Err), "err=%v", result.Err)
			assert.Contains(t, result.Err.Error(), "branch main not found in acme/widgets")
			assert.True(t, saved.LastSynced.Equal(tc.lastSynced), "last synced %s", saved.LastSynced)
			assert.Equal(t, string(model.KindConfiguration), saved.Errors[0].Code)
		})
	}
}

func TestTruncatedPullRequestCommitsAreLogged(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		totalCount int
		wantLogs   int
	}{
		{name: "complete_commit_list_is_quiet", totalCount: 1},
		{name: "truncated_commit_list_warns", totalCount: 150, wantLogs: 1},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			page := fmt.Sprintf(`{
				"ref":{"target":{"history":{"pageInfo":{"hasNextPage":false},"nodes":[]}}},
				"pullRequests":{"pageInfo":{"hasNextPage":false},"nodes":[{
					"number":11,"title":"large","state":"OPEN","updatedAt":"2026-03-09T23:00:00Z",
					"baseRefName":"main","author":{"login":"dev_one"},
					"commits":{"totalCount":%d,"nodes":[{"commit":%s}]}
				}]},
				"issues":{"pageInfo":{"hasNextPage":false},"nodes":[]}
			}`, tc.totalCount, commitJSON("p1", "base", "work", "2026-03-09T22:00:00Z"))
			upstream := &fakeUpstream{
				pages: func(int, query.Document) (githubapi.RepositoryNode, error) {
					return decodePage(t, page), nil
				},
			}

			core, logs := observer.New(zap.WarnLevel)
			st := store.NewMemoryStore()
			reg := registerTestRepo(t, st, model.RepositoryRegistration{LastSynced: testNow.Add(-time.Hour)})
			syncer := NewSyncer(st, &fakeConnector{upstream: upstream}, Config{
				FetchCount: 25,
				ClockSkew:  5 * time.Minute,
				Now:        func() time.Time { return testNow },
			}, zap.New(core))

			result := syncer.Run(context.Background(), reg)
			if !result.Succeeded() {
				t.Fatalf("Run() state = %q, err = %v", result.State, result.Err)
			}
			assert.Equal(t, 1, result.NewPulls)

			truncated := logs.FilterMessage("pull request commit list truncated").All()
			require.Len(t, truncated, tc.wantLogs)
			if tc.wantLogs == 0 {
				return
			}
			fields := truncated[0].ContextMap()
			assert.Equal(t, int64(11), fields["pull_number"])
			assert.Equal(t, int64(1), fields["listed_commits"])
			assert.Equal(t, int64(150), fields["total_commits"])
			assert.Equal(t, testRepoURL, fields["repo_url"])
		})
	}
}

func TestSyncAllContinuesPastFailedRegistration(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	registerTestRepo(t, st, model.RepositoryRegistration{})
	registerTestRepo(t, st, model.RepositoryRegistration{URL: "https://github.com/acme/broken"})
	connector := &fakeConnector{
		upstream: &fakeUpstream{},
		errFor: map[string]error{
			"https://github.com/acme/broken": model.ConfigurationError("private repository has no repository token"),
		},
	}

	results, err := newTestSyncer(st, connector).SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	byURL := map[string]Result{}
	for _, result := range results {
		byURL[result.RepoURL] = result
	}
	assert.Equal(t, StateFailed, byURL["https://github.com/acme/broken"].State)
	assert.Equal(t, string(model.KindConfiguration), byURL["https://github.com/acme/broken"].ErrorCode())
	assert.Equal(t, StateFinish, byURL[testRepoURL].State)
}

func TestSyncOneRejectsUnregisteredRepository(t *testing.T) {
	t.Parallel()

	syncer := newTestSyncer(store.NewMemoryStore(), &fakeConnector{upstream: &fakeUpstream{}})
	_, err := syncer.SyncOne(context.Background(), testRepoURL, testBranch)
	require.Error(t, err)
	assert.True(t, model.IsNotRegistered(err))
}

func TestSyncThroughGraphQLSession(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer service-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"repository":` + mergedPullPage() + `}}`))
	})
	mux.HandleFunc("/users/", func(w http.ResponseWriter, r *http.Request) {
		login := strings.TrimPrefix(r.URL.Path, "/users/")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"login":"` + login + `","type":"User","ldap_dn":"CN=` + login + `"}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	connector := githubapi.Connector{
		Sessions: githubapi.NewSessionFactory(githubapi.SessionConfig{
			GraphQLURL: server.URL + "/graphql",
			APIBaseURL: server.URL + "/",
			Timeout:    5 * time.Second,
			Retry:      githubapi.RetryConfig{MaxAttempts: 1},
			Sleep:      func(time.Duration) {},
		}),
		Tokens: githubapi.TokenProvider{Service: githubapi.StaticToken("service-token")},
	}
	st := store.NewMemoryStore()
	reg := registerTestRepo(t, st, model.RepositoryRegistration{})

	result := newTestSyncer(st, connector).Run(context.Background(), reg)
	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.NewCommits)
	assert.Equal(t, 1, result.NewPulls)
	assert.Equal(t, 2, result.Lookups)

	commit, found, err := st.FindCommit(context.Background(), testRepoURL, testBranch, "c1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 7, commit.PullNumber)
	assert.Equal(t, "CN=dev-one", commit.AuthorDN)
}
