package model

import (
	"net/url"
	"strings"
)

const publicGitHubHost = "github.com"

// RepoLocation is a parsed repository URL.
type RepoLocation struct {
	Host  string
	Owner string
	Name  string
}

// ParseRepoURL parses https and ssh repository URLs, with or without a .git suffix.
func ParseRepoURL(raw string) (RepoLocation, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RepoLocation{}, ConfigurationError("repository url is empty")
	}

	var host, path string
	if strings.HasPrefix(trimmed, "git@") {
		rest := strings.TrimPrefix(trimmed, "git@")
		idx := strings.Index(rest, ":")
		if idx <= 0 {
			return RepoLocation{}, ConfigurationError("malformed repository url %q", raw)
		}
		host = rest[:idx]
		path = rest[idx+1:]
	} else {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return RepoLocation{}, ConfigurationError("malformed repository url %q: %v", raw, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" && parsed.Scheme != "ssh" {
			return RepoLocation{}, ConfigurationError("malformed repository url %q: unsupported scheme", raw)
		}
		host = parsed.Hostname()
		path = parsed.Path
	}

	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	segments := strings.Split(path, "/")
	if host == "" || len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return RepoLocation{}, ConfigurationError("malformed repository url %q: expected host/owner/name", raw)
	}

	return RepoLocation{
		Host:  strings.ToLower(host),
		Owner: segments[0],
		Name:  segments[1],
	}, nil
}

// FullName returns owner/name.
func (l RepoLocation) FullName() string {
	return l.Owner + "/" + l.Name
}

// IsPublicGitHub reports whether the repository lives on github.com.
func (l RepoLocation) IsPublicGitHub() bool {
	return l.Host == publicGitHubHost || l.Host == "www."+publicGitHubHost
}

// GraphQLURL returns the GraphQL endpoint serving the repository's host.
func (l RepoLocation) GraphQLURL() string {
	if l.IsPublicGitHub() {
		return "https://api.github.com/graphql"
	}
	return "https://" + l.Host + "/api/graphql"
}

// RESTBaseURL returns the REST API base serving the repository's host.
func (l RepoLocation) RESTBaseURL() string {
	if l.IsPublicGitHub() {
		return "https://api.github.com/"
	}
	return "https://" + l.Host + "/api/v3/"
}
