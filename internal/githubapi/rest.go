package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/google/go-github/v75/github"
)

// RESTClient wraps the go-github REST client.
type RESTClient struct {
	Client *github.Client
}

// ResolvedRepository is the canonical identity of a repository after renames and transfers.
type ResolvedRepository struct {
	Owner         string
	Name          string
	FullName      string
	DefaultBranch string
	HTMLURL       string
	Private       bool
}

// NewGitHubRESTClient creates a go-github client with optional API base URL override.
func NewGitHubRESTClient(httpClient *http.Client, apiBaseURL string) (*RESTClient, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client := github.NewClient(httpClient)
	if strings.TrimSpace(apiBaseURL) == "" {
		return &RESTClient{Client: client}, nil
	}

	parsedURL, err := parseAPIBaseURL(apiBaseURL)
	if err != nil {
		return nil, err
	}
	client.BaseURL = parsedURL
	return &RESTClient{Client: client}, nil
}

// LookupUser resolves a login to its directory DN and account type. Unknown logins resolve
// to an empty identity.
func (c *RESTClient) LookupUser(ctx context.Context, login string) (model.Identity, error) {
	user, _, err := c.Client.Users.Get(ctx, login)
	if err != nil {
		classified := classifyRESTError("lookup user "+login, err)
		if model.IsNotFound(classified) {
			return model.Identity{}, nil
		}
		return model.Identity{}, classified
	}
	return model.Identity{
		DN:          user.GetLdapDn(),
		AccountType: user.GetType(),
	}, nil
}

// ResolveRepository follows renames and transfers to the repository's current owner and name.
func (c *RESTClient) ResolveRepository(ctx context.Context, owner, name string) (ResolvedRepository, error) {
	repo, _, err := c.Client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return ResolvedRepository{}, classifyRESTError(fmt.Sprintf("resolve repository %s/%s", owner, name), err)
	}
	return ResolvedRepository{
		Owner:         repo.GetOwner().GetLogin(),
		Name:          repo.GetName(),
		FullName:      repo.GetFullName(),
		DefaultBranch: repo.GetDefaultBranch(),
		HTMLURL:       repo.GetHTMLURL(),
		Private:       repo.GetPrivate(),
	}, nil
}

func classifyRESTError(operation string, err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	var respErr *github.ErrorResponse

	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return model.RateLimitedError(err, "%s", operation)
	case model.KindOf(err) != "":
		return fmt.Errorf("%s: %w", operation, err)
	case errors.As(err, &respErr) && respErr.Response != nil:
		status := respErr.Response.StatusCode
		switch {
		case status == http.StatusNotFound:
			return model.NotFoundError("%s: %s", operation, respErr.Message)
		case status == http.StatusUnauthorized, status == http.StatusForbidden:
			return model.ConfigurationError("%s: status %d", operation, status)
		case status >= 500:
			return model.UnavailableError(err, "%s", operation)
		default:
			return model.MalformedResponseError(err, "%s", operation)
		}
	default:
		return model.UnavailableError(err, "%s", operation)
	}
}

// retryTransport routes go-github requests through the retrying request client.
type retryTransport struct {
	client *Client
}

func (t retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, _, err := t.client.Do(req)
	return resp, err
}
