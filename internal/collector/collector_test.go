package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/githubapi"
	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/query"
	"github.com/cam3ron2/scm-ingest/internal/store"
	"github.com/stretchr/testify/require"
)

const (
	testRepoURL = "https://github.com/acme/widgets"
	testBranch  = "main"
)

var testNow = time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)

// fakeUpstream serves scripted pages and records every document it receives.
type fakeUpstream struct {
	mu       sync.Mutex
	pages    func(call int, doc query.Document) (githubapi.RepositoryNode, error)
	docs     []query.Document
	resolve  func(owner, name string) (githubapi.ResolvedRepository, error)
	resolves int
	lookups  []string
	commits  map[string]githubapi.CommitNode
	pulls    map[int]githubapi.PullRequestNode
}

func (u *fakeUpstream) FetchRepositoryPage(_ context.Context, doc query.Document) (githubapi.RepositoryNode, error) {
	u.mu.Lock()
	u.docs = append(u.docs, doc)
	call := len(u.docs)
	u.mu.Unlock()
	if u.pages == nil {
		return emptyBranchPage(), nil
	}
	return u.pages(call, doc)
}

func (u *fakeUpstream) LookupCommits(_ context.Context, _, _ string, oids []string) (map[string]githubapi.CommitNode, error) {
	result := make(map[string]githubapi.CommitNode, len(oids))
	for _, oid := range oids {
		if node, ok := u.commits[oid]; ok {
			result[oid] = node
		}
	}
	return result, nil
}

func (u *fakeUpstream) LookupPullRequest(_ context.Context, _, _ string, number int) (githubapi.PullRequestNode, error) {
	node, ok := u.pulls[number]
	if !ok {
		return githubapi.PullRequestNode{}, model.NotFoundError("pull request %d not found", number)
	}
	return node, nil
}

func (u *fakeUpstream) LookupUser(_ context.Context, login string) (model.Identity, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lookups = append(u.lookups, login)
	return model.Identity{DN: "CN=" + login, AccountType: "User"}, nil
}

func (u *fakeUpstream) ResolveRepository(_ context.Context, owner, name string) (githubapi.ResolvedRepository, error) {
	u.mu.Lock()
	u.resolves++
	u.mu.Unlock()
	if u.resolve == nil {
		return githubapi.ResolvedRepository{}, model.NotFoundError("repository %s/%s not found", owner, name)
	}
	return u.resolve(owner, name)
}

func (u *fakeUpstream) documents() []query.Document {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]query.Document(nil), u.docs...)
}

type fakeConnector struct {
	upstream *fakeUpstream
	errFor   map[string]error
}

func (c *fakeConnector) Connect(_ context.Context, reg model.RepositoryRegistration) (githubapi.Upstream, model.RepoLocation, error) {
	if err := c.errFor[reg.URL]; err != nil {
		return nil, model.RepoLocation{}, err
	}
	loc, err := model.ParseRepoURL(reg.URL)
	if err != nil {
		return nil, model.RepoLocation{}, err
	}
	return c.upstream, loc, nil
}

// emptyBranchPage is a page for an existing branch with nothing new on any stream.
func emptyBranchPage() githubapi.RepositoryNode {
	return githubapi.RepositoryNode{Ref: &githubapi.RefNode{Target: &githubapi.RefTarget{}}}
}

func decodePage(t *testing.T, raw string) githubapi.RepositoryNode {
	t.Helper()
	var page githubapi.RepositoryNode
	require.NoError(t, json.Unmarshal([]byte(raw), &page))
	return page
}

func commitJSON(oid, parent, message, authoredDate string) string {
	return fmt.Sprintf(`{"oid":%q,"message":%q,"authoredDate":%q,"parents":{"nodes":[{"oid":%q}]},`+
		`"author":{"name":"Dev One","user":{"login":"dev_one"}},"committer":{"name":"Dev One","user":{"login":"dev_one"}}}`,
		oid, message, authoredDate, parent)
}

// mergedPullPage is one repository with a single pull request merged from two commits.
func mergedPullPage() string {
	c1 := commitJSON("c1", "base", "first", "2026-03-05T09:00:00Z")
	c2 := commitJSON("c2", "c1", "second", "2026-03-05T10:00:00Z")
	return `{
		"ref":{"target":{"history":{"totalCount":2,"pageInfo":{"hasNextPage":false},"nodes":[` + c2 + `,` + c1 + `]}}},
		"pullRequests":{"totalCount":1,"pageInfo":{"hasNextPage":false},"nodes":[{
			"number":7,"title":"feature","state":"MERGED",
			"createdAt":"2026-03-04T00:00:00Z","updatedAt":"2026-03-05T12:00:00Z","mergedAt":"2026-03-05T12:00:00Z",
			"headRefName":"feature","baseRefName":"main","headRefOid":"c2",
			"author":{"login":"dev_one"},"mergedBy":{"login":"maintainer"},"mergeCommit":{"oid":"c2"},
			"commits":{"totalCount":2,"nodes":[{"commit":` + c1 + `},{"commit":` + c2 + `}]}
		}]},
		"issues":{"totalCount":0,"pageInfo":{"hasNextPage":false},"nodes":[]}
	}`
}

func newTestSyncer(st Store, connector Connector) *Syncer {
	return NewSyncer(st, connector, Config{
		FetchCount:   25,
		HistoryDepth: 30 * 24 * time.Hour,
		ClockSkew:    5 * time.Minute,
		MaxErrors:    2,
		Now:          func() time.Time { return testNow },
	}, nil)
}

func registerTestRepo(t *testing.T, st *store.MemoryStore, reg model.RepositoryRegistration) model.RepositoryRegistration {
	t.Helper()
	if reg.URL == "" {
		reg.URL = testRepoURL
	}
	if reg.Branch == "" {
		reg.Branch = testBranch
	}
	saved, err := st.SaveRegistration(context.Background(), reg)
	require.NoError(t, err)
	return saved
}
