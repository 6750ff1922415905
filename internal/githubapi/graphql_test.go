package githubapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type graphQLHarness struct {
	client *GraphQLClient
	sleeps *atomic.Int32
	calls  *atomic.Int32
}

func newGraphQLHarness(t *testing.T, handler func(call int, body map[string]any) (int, string)) graphQLHarness {
	t.Helper()

	calls := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		call := int(calls.Add(1))
		status, payload := handler(call, body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(server.Close)

	sleeps := &atomic.Int32{}
	requestClient := NewClient(server.Client(), RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}, RateLimitPolicy{SecondaryLimitBackoff: time.Millisecond}, nil)
	requestClient.Sleep = func(time.Duration) { sleeps.Add(1) }

	client, err := NewGraphQLClient(server.URL+"/graphql", requestClient)
	require.NoError(t, err)
	return graphQLHarness{client: client, sleeps: sleeps, calls: calls}
}

func pageDocument(t *testing.T) query.Document {
	t.Helper()
	doc, err := query.Build(query.ModeCommitsAndPulls, query.Params{
		Owner:  "acme",
		Name:   "widgets",
		Branch: "main",
		Since:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return doc
}

func TestGraphQLExecuteEncodesVariablesAsString(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	harness := newGraphQLHarness(t, func(_ int, body map[string]any) (int, string) {
		received <- body
		return http.StatusOK, `{"data":{"repository":{"ref":null}}}`
	})

	_, err := harness.client.FetchRepositoryPage(context.Background(), pageDocument(t))
	require.NoError(t, err)

	body := <-received
	require.IsType(t, "", body["variables"])
	decoded := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(body["variables"].(string)), &decoded))
	assert.Equal(t, "acme", decoded["owner"])
	assert.Equal(t, "main", decoded["branch"])
	assert.NotContains(t, decoded, "issuesAfter")
	assert.Contains(t, body["query"], "query FetchRepositoryPage")
}

func TestGraphQLExecuteClassifiesErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		status   int
		payload  string
		wantKind model.ErrorKind
	}{
		{
			name:     "not_found_is_recoverable",
			status:   http.StatusOK,
			payload:  `{"data":{"repository":null},"errors":[{"type":"NOT_FOUND","message":"Could not resolve to a Repository"}]}`,
			wantKind: model.KindNotFound,
		},
		{
			name:     "other_errors_are_malformed",
			status:   http.StatusOK,
			payload:  `{"errors":[{"type":"FORBIDDEN","message":"nope"}]}`,
			wantKind: model.KindMalformedResponse,
		},
		{
			name:     "undecodable_body_is_malformed",
			status:   http.StatusOK,
			payload:  `<html>`,
			wantKind: model.KindMalformedResponse,
		},
		{
			name:     "missing_data_is_malformed",
			status:   http.StatusOK,
			payload:  `{"data":null}`,
			wantKind: model.KindMalformedResponse,
		},
		{
			name:     "bad_credentials_are_configuration",
			status:   http.StatusUnauthorized,
			payload:  `{"message":"Bad credentials"}`,
			wantKind: model.KindConfiguration,
		},
		{
			name:     "persistent_rate_limit_escalates",
			status:   http.StatusOK,
			payload:  `{"errors":[{"type":"RATE_LIMITED","message":"API rate limit exceeded"}]}`,
			wantKind: model.KindRateLimited,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			harness := newGraphQLHarness(t, func(int, map[string]any) (int, string) {
				return tc.status, tc.payload
			})
			err := harness.client.Execute(context.Background(), pageDocument(t), &struct{}{})
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, model.KindOf(err), "err=%v", err)
		})
	}
}

func TestGraphQLExecuteRetriesRateLimitedPayload(t *testing.T) {
	t.Parallel()

	harness := newGraphQLHarness(t, func(call int, _ map[string]any) (int, string) {
		if call == 1 {
			return http.StatusOK, `{"errors":[{"type":"RATE_LIMITED","message":"slow down"}]}`
		}
		return http.StatusOK, `{"data":{"repository":{"issues":{"totalCount":0,"pageInfo":{"hasNextPage":false},"nodes":[]}}}}`
	})

	page, err := harness.client.FetchRepositoryPage(context.Background(), pageDocument(t))
	require.NoError(t, err)
	require.NotNil(t, page.Issues)
	assert.Equal(t, int32(2), harness.calls.Load())
	assert.Equal(t, int32(1), harness.sleeps.Load())
}

func TestGraphQLFetchRepositoryPageDecodesStreams(t *testing.T) {
	t.Parallel()

	harness := newGraphQLHarness(t, func(int, map[string]any) (int, string) {
		return http.StatusOK, `{"data":{"repository":{
			"ref":{"target":{"history":{"totalCount":2,"pageInfo":{"endCursor":"c1","hasNextPage":true},"nodes":[
				{"oid":"aaa","message":"fix","authoredDate":"2026-02-01T10:00:00Z","parents":{"totalCount":1,"nodes":[{"oid":"zzz"}]},
				 "author":{"name":"Jane","user":{"login":"jane_doe"}},"committer":{"name":"Jane","user":null}}
			]}}},
			"pullRequests":{"totalCount":1,"pageInfo":{"endCursor":"p1","hasNextPage":false},"nodes":[
				{"number":7,"state":"MERGED","mergedAt":"2026-02-02T10:00:00Z","mergeCommit":{"oid":"mmm"}}
			]}
		}}}`
	})

	page, err := harness.client.FetchRepositoryPage(context.Background(), pageDocument(t))
	require.NoError(t, err)

	history := page.History()
	require.NotNil(t, history)
	assert.Equal(t, 2, history.TotalCount)
	assert.Equal(t, "c1", history.PageInfo.EndCursor)
	require.Len(t, history.Nodes, 1)
	assert.Equal(t, []string{"zzz"}, history.Nodes[0].ParentOIDs())
	assert.Equal(t, "jane_doe", history.Nodes[0].Author.User.Login)
	assert.Nil(t, history.Nodes[0].Committer.User)

	require.NotNil(t, page.PullRequests)
	require.Len(t, page.PullRequests.Nodes, 1)
	pull := page.PullRequests.Nodes[0]
	assert.Equal(t, 7, pull.Number)
	require.NotNil(t, pull.MergedAt)
	assert.Equal(t, "mmm", pull.MergeCommit.OID)
	assert.Nil(t, page.Issues)
}

func TestGraphQLLookupCommitsMapsAliases(t *testing.T) {
	t.Parallel()

	harness := newGraphQLHarness(t, func(_ int, body map[string]any) (int, string) {
		return http.StatusOK, `{"data":{"repository":{
			"c0":{"oid":"aaa","message":"one","associatedPullRequests":{"nodes":[{"number":42}]}},
			"c1":null
		}}}`
	})

	resolved, err := harness.client.LookupCommits(context.Background(), "acme", "widgets", []string{"aaa", "bbb"})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, 42, resolved["aaa"].AssociatedPullNumber())
	_, ok := resolved["bbb"]
	assert.False(t, ok)
}

func TestGraphQLLookupPullRequestMissingIsNotFound(t *testing.T) {
	t.Parallel()

	harness := newGraphQLHarness(t, func(int, map[string]any) (int, string) {
		return http.StatusOK, `{"data":{"repository":{"pullRequest":null}}}`
	})

	_, err := harness.client.LookupPullRequest(context.Background(), "acme", "widgets", 9)
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}

func TestNewGraphQLClientRejectsBadEndpoint(t *testing.T) {
	t.Parallel()

	_, err := NewGraphQLClient("not a url", NewClient(http.DefaultClient, RetryConfig{}, RateLimitPolicy{}, nil))
	require.Error(t, err)
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))

	_, err = NewGraphQLClient("https://api.github.com/graphql", nil)
	require.Error(t, err)
}
