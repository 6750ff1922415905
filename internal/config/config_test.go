package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
server:
  listen_addr: ":9090"
  log_level: "debug"
github:
  api_base_url: "https://ghe.example.com/api/v3/"
  graphql_url: "https://ghe.example.com/api/graphql"
  request_timeout: "30s"
  service_token: "file-token"
  app:
    app_id: 111
    installation_id: 222
    private_key_path: "/etc/scm-ingest/app.pem"
  requests_per_second: 5
  burst: 10
  unhealthy_failure_threshold: 4
  unhealthy_cooldown: "2m"
rate_limit:
  min_remaining_threshold: 200
  min_reset_buffer: "10s"
  secondary_limit_backoff: "60s"
retry:
  max_attempts: 5
  initial_backoff: "2s"
  max_backoff: "2m"
sync:
  interval: "10m"
  page_fetch_size: 25
  history_depth_days: 90
  clock_skew_minutes: 10
  reconcile_window: "2w"
  reconcile_match_tolerance: "15m"
  commit_exclusion_patterns: ["^chore\\(release\\)"]
  max_errors: 5
  repositories:
    - url: "https://github.com/acme/widgets"
      branch: "main"
    - url: "git@github.com:acme/secret.git"
      branch: "develop"
      private: true
      token_env: "ACME_SECRET_TOKEN"
webhook:
  secret: "file-secret"
  auto_register: true
queue:
  buffer: 64
  coalesce_window: "30s"
  dedup_ttl: "5m"
  max_enqueues_per_repo_per_minute: 3
  max_message_age: "2h"
store:
  backend: "redis"
  namespace: "ingest-test"
  redis_mode: "sentinel"
  redis_master_set: "mymaster"
  redis_sentinel_addrs: ["sentinel-0:26379", "sentinel-1:26379"]
  redis_password: "pw"
  redis_db: 2
leader_election:
  enabled: true
  identity: "replica-0"
  lease_duration: "20s"
  retry_period: "4s"
health:
  github_recover_success_threshold: 3
telemetry:
  otel_enabled: true
  otel_trace_mode: "sampled"
  otel_trace_sample_ratio: 0.25
`

func noEnv(string) (string, bool) { return "", false }

func envFrom(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestLoadFullConfiguration(t *testing.T) {
	t.Parallel()

	cfg, err := LoadWithEnv(strings.NewReader(fullConfig), envFrom(map[string]string{
		"ACME_SECRET_TOKEN": "repo-token",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.GitHub.RequestTimeout)
	assert.Equal(t, "file-token", cfg.GitHub.ServiceToken)
	assert.True(t, cfg.GitHub.App.Enabled())
	assert.Equal(t, 5.0, cfg.GitHub.RequestsPerSecond)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialBackoff)
	assert.Equal(t, 10*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 90*24*time.Hour, cfg.Sync.HistoryDepth())
	assert.Equal(t, 10*time.Minute, cfg.Sync.ClockSkew())
	assert.Equal(t, 14*24*time.Hour, cfg.Sync.ReconcileWindow)
	assert.Equal(t, 15*time.Minute, cfg.Sync.ReconcileMatchTolerance)

	require.Len(t, cfg.Sync.Repositories, 2)
	assert.Empty(t, cfg.Sync.Repositories[0].Token)
	assert.Equal(t, "repo-token", cfg.Sync.Repositories[1].Token)
	reg := cfg.Sync.Repositories[1].Registration()
	assert.True(t, reg.Private)
	assert.Equal(t, "develop", reg.Branch)

	exclusions, err := cfg.Sync.Exclusions()
	require.NoError(t, err)
	require.Len(t, exclusions, 1)
	assert.True(t, exclusions[0].MatchString("chore(release): v1.2.0"))

	assert.True(t, cfg.Webhook.AutoRegister)
	assert.Equal(t, 64, cfg.Queue.Buffer)
	assert.Equal(t, 2*time.Hour, cfg.Queue.MaxMessageAge)
	assert.Equal(t, "sentinel", cfg.Store.RedisMode)
	assert.Equal(t, []string{"sentinel-0:26379", "sentinel-1:26379"}, cfg.Store.RedisSentinelAddrs)
	assert.True(t, cfg.Leader.Enabled)
	assert.Equal(t, "ingest-test:leader", cfg.Leader.LeaseKey)
	assert.Equal(t, "replica-0", cfg.Leader.Identity)
	assert.Equal(t, 20*time.Second, cfg.Leader.LeaseDuration)
	assert.Equal(t, 4*time.Second, cfg.Leader.RetryPeriod)
	assert.Equal(t, 3, cfg.Health.GitHubRecoverSuccessThreshold)
	assert.Equal(t, "sampled", cfg.Telemetry.OTELTraceMode)
}

func TestLoadValidationErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		yaml       string
		errSubstrs []string
	}{
		{
			name: "invalid_log_level",
			yaml: `
server:
  log_level: "verbose"
`,
			errSubstrs: []string{"server.log_level"},
		},
		{
			name: "unknown_field_rejected",
			yaml: `
sync:
  intervals: "5m"
`,
			errSubstrs: []string{"unmarshal yaml", "intervals"},
		},
		{
			name: "bad_repository_entries",
			yaml: `
sync:
  repositories:
    - url: "not a url"
      branch: "main"
    - url: "https://github.com/acme/widgets"
    - url: "https://github.com/acme/private"
      branch: "main"
      private: true
`,
			errSubstrs: []string{
				"sync.repositories[0].url",
				"sync.repositories[1].branch is required",
				"sync.repositories[2].token_env is required",
			},
		},
		{
			name: "duplicate_repository",
			yaml: `
sync:
  repositories:
    - url: "https://github.com/acme/widgets"
      branch: "main"
    - url: "https://github.com/Acme/Widgets.git"
      branch: "main"
`,
			errSubstrs: []string{"duplicate repository"},
		},
		{
			name: "invalid_exclusion_pattern",
			yaml: `
sync:
  commit_exclusion_patterns: ["("]
`,
			errSubstrs: []string{"sync.commit_exclusion_patterns"},
		},
		{
			name: "page_size_out_of_range",
			yaml: `
sync:
  page_fetch_size: 500
`,
			errSubstrs: []string{"sync.page_fetch_size"},
		},
		{
			name: "partial_app_config",
			yaml: `
github:
  app:
    app_id: 1
`,
			errSubstrs: []string{"github.app.installation_id", "github.app.private_key_path"},
		},
		{
			name: "redis_backend_without_address",
			yaml: `
store:
  backend: "redis"
`,
			errSubstrs: []string{"store.redis_addr is required"},
		},
		{
			name: "sentinel_without_addresses",
			yaml: `
store:
  backend: "redis"
  redis_mode: "sentinel"
`,
			errSubstrs: []string{"store.redis_sentinel_addrs", "store.redis_master_set"},
		},
		{
			name: "postgres_without_dsn",
			yaml: `
store:
  backend: "postgres"
`,
			errSubstrs: []string{"store.postgres_dsn is required"},
		},
		{
			name: "unknown_backend_and_trace_mode",
			yaml: `
store:
  backend: "sqlite"
telemetry:
  otel_trace_mode: "verbose"
  otel_trace_sample_ratio: 2
`,
			errSubstrs: []string{"store.backend", "telemetry.otel_trace_mode", "telemetry.otel_trace_sample_ratio"},
		},
		{
			name: "leader_election_without_redis",
			yaml: `
leader_election:
  enabled: true
`,
			errSubstrs: []string{"leader_election requires store.backend=redis"},
		},
		{
			name: "leader_retry_not_shorter_than_lease",
			yaml: `
store:
  backend: "redis"
  redis_addr: "localhost:6379"
leader_election:
  enabled: true
  lease_duration: "5s"
  retry_period: "10s"
`,
			errSubstrs: []string{"leader_election.retry_period"},
		},
		{
			name: "backoff_inverted",
			yaml: `
retry:
  initial_backoff: "1m"
  max_backoff: "10s"
`,
			errSubstrs: []string{"retry.max_backoff"},
		},
		{
			name: "invalid_duration_unit",
			yaml: `
sync:
  interval: "5 fortnights"
`,
			errSubstrs: []string{"invalid unit"},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadWithEnv(strings.NewReader(tc.yaml), noEnv)
			if err == nil {
				t.Fatalf("Load() expected error, got nil")
			}
			for _, substr := range tc.errSubstrs {
				if !strings.Contains(err.Error(), substr) {
					t.Fatalf("Load() error = %q, missing substring %q", err.Error(), substr)
				}
			}
		})
	}
}

func TestLoadAdditionalBehaviors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		reader      io.Reader
		env         map[string]string
		wantErr     bool
		errContains string
		assert      func(t *testing.T, cfg *Config)
	}{
		{
			name:        "nil_reader_returns_error",
			reader:      nil,
			wantErr:     true,
			errContains: "config reader is nil",
		},
		{
			name:        "invalid_yaml_returns_parse_error",
			reader:      strings.NewReader("server: [oops"),
			wantErr:     true,
			errContains: "unmarshal yaml",
		},
		{
			name:   "empty_document_applies_defaults",
			reader: strings.NewReader(""),
			assert: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, ":8080", cfg.Server.ListenAddr)
				assert.Equal(t, "info", cfg.Server.LogLevel)
				assert.Equal(t, "memory", cfg.Store.Backend)
				assert.Equal(t, "standalone", cfg.Store.RedisMode)
				assert.Equal(t, "scm-ingest", cfg.Store.Namespace)
				assert.Equal(t, 3, cfg.Retry.MaxAttempts)
				assert.Equal(t, time.Second, cfg.Retry.InitialBackoff)
				assert.Equal(t, 30*24*time.Hour, cfg.Sync.HistoryDepth())
				assert.Equal(t, 5*time.Minute, cfg.Sync.ClockSkew())
				assert.Equal(t, cfg.Queue.CoalesceWindow, cfg.Queue.DedupTTL)
				assert.NotEmpty(t, cfg.Sync.CommitExclusionPatterns)
				assert.Equal(t, "off", cfg.Telemetry.OTELTraceMode)
				assert.False(t, cfg.Leader.Enabled)
				assert.Equal(t, "scm-ingest:leader", cfg.Leader.LeaseKey)
				assert.NotEmpty(t, cfg.Leader.Identity)
				assert.Equal(t, 30*time.Second, cfg.Leader.LeaseDuration)
			},
		},
		{
			name: "explicit_zero_backoff_and_skew_are_kept",
			reader: strings.NewReader(`
retry:
  initial_backoff: "0s"
sync:
  clock_skew_minutes: 0
`),
			assert: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Zero(t, cfg.Retry.InitialBackoff)
				assert.Zero(t, cfg.Sync.ClockSkew())
			},
		},
		{
			name: "parses_day_and_week_durations",
			reader: strings.NewReader(`
sync:
  reconcile_window: "3d"
queue:
  max_message_age: "1w"
`),
			assert: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, 3*24*time.Hour, cfg.Sync.ReconcileWindow)
				assert.Equal(t, 7*24*time.Hour, cfg.Queue.MaxMessageAge)
			},
		},
		{
			name: "environment_overrides_file_values",
			reader: strings.NewReader(`
github:
  service_token: "file-token"
webhook:
  secret: "file-secret"
store:
  backend: "postgres"
  postgres_dsn: "postgres://file"
`),
			env: map[string]string{
				EnvServiceToken:   "env-token",
				EnvWebhookSecret:  "env-secret",
				EnvPostgresDSN:    "postgres://env",
				EnvLeaderIdentity: "pod-7",
			},
			assert: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, "pod-7", cfg.Leader.Identity)
				assert.Equal(t, "env-token", cfg.GitHub.ServiceToken)
				assert.Equal(t, "env-secret", cfg.Webhook.Secret)
				assert.Equal(t, "postgres://env", cfg.Store.PostgresDSN)
			},
		},
		{
			name: "blank_environment_values_are_ignored",
			reader: strings.NewReader(`
github:
  service_token: "file-token"
`),
			env: map[string]string{EnvServiceToken: "  "},
			assert: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, "file-token", cfg.GitHub.ServiceToken)
			},
		},
		{
			name: "postgres_dsn_from_environment_satisfies_validation",
			reader: strings.NewReader(`
store:
  backend: "postgres"
`),
			env: map[string]string{EnvPostgresDSN: "postgres://env"},
			assert: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, "postgres://env", cfg.Store.PostgresDSN)
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := LoadWithEnv(tc.reader, envFrom(tc.env))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Load() expected error, got nil")
				}
				if tc.errContains != "" && !strings.Contains(err.Error(), tc.errContains) {
					t.Fatalf("Load() error = %q, missing %q", err.Error(), tc.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() unexpected error: %v", err)
			}
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("SCM_INGEST_TEST_LOADENV=from-file\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("SCM_INGEST_TEST_LOADENV") })

	require.NoError(t, LoadEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv("SCM_INGEST_TEST_LOADENV"))
}
