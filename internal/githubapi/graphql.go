package githubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/query"
	"github.com/cam3ron2/scm-ingest/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultGitHubAPIBaseURL = "https://api.github.com/"

	errorTypeNotFound    = "NOT_FOUND"
	errorTypeRateLimited = "RATE_LIMITED"
)

// GraphQLError is one entry of a GraphQL error payload.
type GraphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Path    []any  `json:"path"`
}

type graphQLRequest struct {
	Query string `json:"query"`
	// Variables is a JSON document encoded as a string, which the upstream dialect requires.
	Variables string `json:"variables"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors"`
}

// GraphQLClient posts query documents to one GraphQL endpoint.
type GraphQLClient struct {
	endpoint      string
	requestClient *Client
}

// NewGraphQLClient creates a GraphQL client over a retrying request client.
func NewGraphQLClient(endpoint string, requestClient *Client) (*GraphQLClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, model.ConfigurationError("parse graphql endpoint %q: %v", endpoint, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, model.ConfigurationError("graphql endpoint %q is missing scheme or host", endpoint)
	}
	return &GraphQLClient{
		endpoint:      parsed.String(),
		requestClient: requestClient,
	}, nil
}

// Execute runs doc and decodes its data object into out. RATE_LIMITED payloads are retried
// with the request client's schedule; NOT_FOUND is reported as a recoverable error and
// every other error payload as a malformed response.
func (c *GraphQLClient) Execute(ctx context.Context, doc query.Document, out any) error {
	ctx, span := telemetry.StartDependencySpan(ctx, "githubapi", "githubapi.graphql.execute",
		attribute.String("graphql.operation", doc.Operation),
	)
	if span != nil {
		defer span.End()
	}

	variables, err := json.Marshal(doc.Variables)
	if err != nil {
		return fmt.Errorf("encode %s variables: %w", doc.Operation, err)
	}
	body, err := json.Marshal(graphQLRequest{Query: doc.Text, Variables: string(variables)})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", doc.Operation, err)
	}

	var lastThrottle error
	for attempt := 1; attempt <= c.requestClient.MaxAttempts(); attempt++ {
		payload, metadata, err := c.post(ctx, doc.Operation, body)
		if err != nil {
			setSpanError(span, err.Error())
			return err
		}

		if len(payload.Errors) > 0 {
			classified := classifyGraphQLErrors(doc.Operation, payload.Errors)
			if model.KindOf(classified) == model.KindRateLimited {
				lastThrottle = classified
				if attempt < c.requestClient.MaxAttempts() {
					wait := c.requestClient.ratePolicy.ThrottleWait(metadata.LastRateHeaders)
					if backoff := c.requestClient.BackoffForAttempt(attempt); backoff > wait {
						wait = backoff
					}
					c.requestClient.Sleep(wait)
				}
				continue
			}
			setSpanError(span, classified.Error())
			return classified
		}

		if len(payload.Data) == 0 || string(payload.Data) == "null" {
			err := model.MalformedResponseError(nil, "%s returned no data", doc.Operation)
			setSpanError(span, err.Error())
			return err
		}
		if out != nil {
			if err := json.Unmarshal(payload.Data, out); err != nil {
				err = model.MalformedResponseError(err, "decode %s data", doc.Operation)
				setSpanError(span, err.Error())
				return err
			}
		}
		if span != nil {
			span.SetStatus(codes.Ok, "query completed")
		}
		return nil
	}

	setSpanError(span, "graphql rate limit retries exhausted")
	return model.RateLimitedError(lastThrottle, "%s rate limited after %d attempts", doc.Operation, c.requestClient.MaxAttempts())
}

func (c *GraphQLClient) post(ctx context.Context, operation string, body []byte) (graphQLResponse, CallMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return graphQLResponse{}, CallMetadata{}, fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, metadata, err := c.requestClient.Do(req)
	if err != nil {
		return graphQLResponse{}, metadata, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		closeBody(resp)
		return graphQLResponse{}, metadata, model.ConfigurationError("%s rejected credentials (status %d)", operation, resp.StatusCode)
	case resp.StatusCode == http.StatusForbidden:
		closeBody(resp)
		return graphQLResponse{}, metadata, model.ConfigurationError("%s forbidden (status %d)", operation, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		closeBody(resp)
		return graphQLResponse{}, metadata, model.ConfigurationError("graphql endpoint %s not found", c.endpoint)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		closeBody(resp)
		return graphQLResponse{}, metadata, model.MalformedResponseError(nil, "%s returned status %d", operation, resp.StatusCode)
	}

	payload := graphQLResponse{}
	if err := decodeJSONAndClose(resp, &payload); err != nil {
		return graphQLResponse{}, metadata, model.MalformedResponseError(err, "decode %s response", operation)
	}
	return payload, metadata, nil
}

func classifyGraphQLErrors(operation string, graphErrors []GraphQLError) error {
	messages := make([]string, 0, len(graphErrors))
	notFound := false
	for _, entry := range graphErrors {
		messages = append(messages, entry.Message)
		switch strings.ToUpper(entry.Type) {
		case errorTypeRateLimited:
			return model.RateLimitedError(nil, "%s: %s", operation, entry.Message)
		case errorTypeNotFound:
			notFound = true
		}
	}
	joined := strings.Join(messages, "; ")
	if notFound {
		return model.NotFoundError("%s: %s", operation, joined)
	}
	return model.MalformedResponseError(nil, "%s: %s", operation, joined)
}

// FetchRepositoryPage executes a page query and returns its repository object.
func (c *GraphQLClient) FetchRepositoryPage(ctx context.Context, doc query.Document) (RepositoryNode, error) {
	out := struct {
		Repository *RepositoryNode `json:"repository"`
	}{}
	if err := c.Execute(ctx, doc, &out); err != nil {
		return RepositoryNode{}, err
	}
	if out.Repository == nil {
		return RepositoryNode{}, model.NotFoundError("repository %v/%v not found", doc.Variables["owner"], doc.Variables["name"])
	}
	return *out.Repository, nil
}

// LookupCommits resolves every oid in one aliased query. Oids the upstream cannot resolve
// are absent from the result.
func (c *GraphQLClient) LookupCommits(ctx context.Context, owner, name string, oids []string) (map[string]CommitNode, error) {
	doc, err := query.BuildCommitLookup(owner, name, oids)
	if err != nil {
		return nil, err
	}
	out := struct {
		Repository map[string]*CommitNode `json:"repository"`
	}{}
	if err := c.Execute(ctx, doc, &out); err != nil {
		return nil, err
	}
	if out.Repository == nil {
		return nil, model.NotFoundError("repository %s/%s not found", owner, name)
	}

	resolved := make(map[string]CommitNode, len(oids))
	for i, oid := range oids {
		node := out.Repository[query.CommitAlias(i)]
		if node == nil || node.OID == "" {
			continue
		}
		resolved[oid] = *node
	}
	return resolved, nil
}

// LookupPullRequest fetches one pull request with its commits, reviews and comments.
func (c *GraphQLClient) LookupPullRequest(ctx context.Context, owner, name string, number int) (PullRequestNode, error) {
	doc, err := query.BuildPullRequestLookup(owner, name, number)
	if err != nil {
		return PullRequestNode{}, err
	}
	out := struct {
		Repository *struct {
			PullRequest *PullRequestNode `json:"pullRequest"`
		} `json:"repository"`
	}{}
	if err := c.Execute(ctx, doc, &out); err != nil {
		return PullRequestNode{}, err
	}
	if out.Repository == nil || out.Repository.PullRequest == nil {
		return PullRequestNode{}, model.NotFoundError("pull request %s/%s#%d not found", owner, name, number)
	}
	return *out.Repository.PullRequest, nil
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultGitHubAPIBaseURL
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

func decodeJSONAndClose(resp *http.Response, target any) error {
	defer resp.Body.Close()
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(target); err != nil {
		return err
	}
	return nil
}

