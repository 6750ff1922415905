package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/cam3ron2/scm-ingest/internal/model"
	"golang.org/x/oauth2"
)

// InstallationAuthConfig configures GitHub App installation authentication.
type InstallationAuthConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	APIBaseURL     string
	Timeout        time.Duration
	BaseTransport  http.RoundTripper
}

// TokenSource yields a bearer token for upstream calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource over a fixed token.
type StaticToken string

// Token returns the fixed token.
func (s StaticToken) Token(_ context.Context) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", model.ConfigurationError("static token is empty")
	}
	return token, nil
}

// InstallationTokenSource mints short-lived GitHub App installation tokens.
type InstallationTokenSource struct {
	transport *ghinstallation.Transport
}

// Token returns a valid installation token, refreshing it when expired.
func (s *InstallationTokenSource) Token(ctx context.Context) (string, error) {
	token, err := s.transport.Token(ctx)
	if err != nil {
		return "", model.UnavailableError(err, "mint installation token")
	}
	return token, nil
}

func newInstallationTransport(cfg InstallationAuthConfig) (*ghinstallation.Transport, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("app id must be > 0")
	}
	if cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("installation id must be > 0")
	}
	if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}

	transport, err := ghinstallation.NewKeyFromFile(baseTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("create github app transport: %w", err)
	}
	if strings.TrimSpace(cfg.APIBaseURL) != "" {
		parsed, err := parseAPIBaseURL(cfg.APIBaseURL)
		if err != nil {
			return nil, err
		}
		transport.BaseURL = strings.TrimSuffix(parsed.String(), "/")
	}
	return transport, nil
}

// NewInstallationTokenSource creates the App-backed service token source.
func NewInstallationTokenSource(cfg InstallationAuthConfig) (*InstallationTokenSource, error) {
	transport, err := newInstallationTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &InstallationTokenSource{transport: transport}, nil
}

// NewInstallationHTTPClient creates an authenticated HTTP client for one GitHub App installation.
func NewInstallationHTTPClient(cfg InstallationAuthConfig) (*http.Client, error) {
	transport, err := newInstallationTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}, nil
}

// NewTokenHTTPClient creates an HTTP client that sends token as a bearer credential.
func NewTokenHTTPClient(token string, base http.RoundTripper, timeout time.Duration) (*http.Client, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, model.ConfigurationError("upstream token is empty")
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: trimmed, TokenType: "Bearer"}),
			Base:   base,
		},
		Timeout: timeout,
	}, nil
}

// TokenProvider chooses the credential for a repository: the repository-scoped token for
// private repositories and the shared service token for public ones.
type TokenProvider struct {
	Service TokenSource
	// RepositoryTokens maps registration keys to repository-scoped tokens.
	RepositoryTokens map[string]string
}

// TokenFor returns the token to use for reg.
func (p TokenProvider) TokenFor(ctx context.Context, reg model.RepositoryRegistration) (string, error) {
	if reg.Private {
		if token := strings.TrimSpace(reg.Token); token != "" {
			return token, nil
		}
		if token := strings.TrimSpace(p.RepositoryTokens[reg.Key()]); token != "" {
			return token, nil
		}
		return "", model.ConfigurationError("private repository %s has no repository token", reg.URL)
	}

	if p.Service == nil {
		return "", model.ConfigurationError("no service token configured for public repository %s", reg.URL)
	}
	token, err := p.Service.Token(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(token) == "" {
		return "", model.ConfigurationError("service token is empty")
	}
	return token, nil
}
