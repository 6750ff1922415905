package githubapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/query"
	"golang.org/x/time/rate"
)

// SessionConfig configures upstream sessions. Empty endpoint overrides are derived from the
// repository host.
type SessionConfig struct {
	GraphQLURL    string
	APIBaseURL    string
	Timeout       time.Duration
	Retry         RetryConfig
	RatePolicy    RateLimitPolicy
	Limiter       *rate.Limiter
	BaseTransport http.RoundTripper
	// Sleep overrides the retry sleep, for tests.
	Sleep func(time.Duration)
}

// Session is the set of upstream clients bound to one token and host.
type Session struct {
	GraphQL *GraphQLClient
	REST    *RESTClient
}

// SessionFactory opens authenticated sessions. The proactive limiter is shared across sessions.
type SessionFactory struct {
	cfg SessionConfig
}

// NewSessionFactory creates a session factory.
func NewSessionFactory(cfg SessionConfig) *SessionFactory {
	return &SessionFactory{cfg: cfg}
}

// Open builds clients for loc authenticated with token.
func (f *SessionFactory) Open(loc model.RepoLocation, token string) (*Session, error) {
	httpClient, err := NewTokenHTTPClient(token, f.cfg.BaseTransport, f.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	requestClient := NewClient(httpClient, f.cfg.Retry, f.cfg.RatePolicy, f.cfg.Limiter)
	if f.cfg.Sleep != nil {
		requestClient.Sleep = f.cfg.Sleep
	}

	graphQLURL := strings.TrimSpace(f.cfg.GraphQLURL)
	if graphQLURL == "" {
		graphQLURL = loc.GraphQLURL()
	}
	graphQL, err := NewGraphQLClient(graphQLURL, requestClient)
	if err != nil {
		return nil, err
	}

	apiBaseURL := strings.TrimSpace(f.cfg.APIBaseURL)
	if apiBaseURL == "" {
		apiBaseURL = loc.RESTBaseURL()
	}
	rest, err := NewGitHubRESTClient(&http.Client{Transport: retryTransport{client: requestClient}}, apiBaseURL)
	if err != nil {
		return nil, model.ConfigurationError("%v", err)
	}

	return &Session{GraphQL: graphQL, REST: rest}, nil
}

// Upstream is the upstream surface consumed by sync runs and webhook processors.
type Upstream interface {
	FetchRepositoryPage(ctx context.Context, doc query.Document) (RepositoryNode, error)
	LookupCommits(ctx context.Context, owner, name string, oids []string) (map[string]CommitNode, error)
	LookupPullRequest(ctx context.Context, owner, name string, number int) (PullRequestNode, error)
	LookupUser(ctx context.Context, login string) (model.Identity, error)
	ResolveRepository(ctx context.Context, owner, name string) (ResolvedRepository, error)
}

// FetchRepositoryPage fetches one page of repository streams.
func (s *Session) FetchRepositoryPage(ctx context.Context, doc query.Document) (RepositoryNode, error) {
	return s.GraphQL.FetchRepositoryPage(ctx, doc)
}

// LookupCommits resolves commit oids.
func (s *Session) LookupCommits(ctx context.Context, owner, name string, oids []string) (map[string]CommitNode, error) {
	return s.GraphQL.LookupCommits(ctx, owner, name, oids)
}

// LookupPullRequest fetches one pull request.
func (s *Session) LookupPullRequest(ctx context.Context, owner, name string, number int) (PullRequestNode, error) {
	return s.GraphQL.LookupPullRequest(ctx, owner, name, number)
}

// LookupUser resolves a login to its directory identity.
func (s *Session) LookupUser(ctx context.Context, login string) (model.Identity, error) {
	return s.REST.LookupUser(ctx, login)
}

// ResolveRepository returns the current owner and name of a repository.
func (s *Session) ResolveRepository(ctx context.Context, owner, name string) (ResolvedRepository, error) {
	return s.REST.ResolveRepository(ctx, owner, name)
}

// Connector opens an upstream session for a registration with the credential it requires.
type Connector struct {
	Sessions *SessionFactory
	Tokens   TokenProvider
}

// Connect parses the registration URL, picks its token and opens a session.
func (c Connector) Connect(ctx context.Context, reg model.RepositoryRegistration) (Upstream, model.RepoLocation, error) {
	loc, err := model.ParseRepoURL(reg.URL)
	if err != nil {
		return nil, model.RepoLocation{}, err
	}
	if c.Sessions == nil {
		return nil, loc, model.ConfigurationError("no upstream session factory configured")
	}
	token, err := c.Tokens.TokenFor(ctx, reg)
	if err != nil {
		return nil, loc, err
	}
	session, err := c.Sessions.Open(loc, token)
	if err != nil {
		return nil, loc, err
	}
	return session, loc, nil
}
