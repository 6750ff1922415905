package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/telemetry"
	"gopkg.in/yaml.v3"
)

var (
	validLogLevels   = []string{"debug", "info", "warn", "error"}
	validBackends    = []string{"memory", "redis", "postgres"}
	defaultExclusion = []string{`(?i)\[ci skip\]`, `(?i)\[skip ci\]`}
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	GitHub    GitHubConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
	Sync      SyncConfig
	Webhook   WebhookConfig
	Queue     QueueConfig
	Store     StoreConfig
	Leader    LeaderElectionConfig
	Health    HealthConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// GitHubConfig configures upstream API interactions.
type GitHubConfig struct {
	// APIBaseURL and GraphQLURL override the endpoints derived from each repository's host.
	APIBaseURL     string
	GraphQLURL     string
	RequestTimeout time.Duration
	// ServiceToken is the shared credential for public repositories.
	ServiceToken              string
	App                       GitHubAppConfig
	RequestsPerSecond         float64
	Burst                     int
	UnhealthyFailureThreshold int
	UnhealthyCooldown         time.Duration
}

// GitHubAppConfig configures an optional GitHub App used to mint the service token.
type GitHubAppConfig struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// Enabled reports whether any App field is set.
func (a GitHubAppConfig) Enabled() bool {
	return a.AppID != 0 || a.InstallationID != 0 || strings.TrimSpace(a.PrivateKeyPath) != ""
}

// RateLimitConfig configures rate-limit controls.
type RateLimitConfig struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
}

// RetryConfig configures retries. A zero InitialBackoff retries without delay.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// SyncConfig configures the bulk sync path.
type SyncConfig struct {
	Interval                time.Duration
	PageFetchSize           int
	HistoryDepthDays        int
	ClockSkewMinutes        int
	ReconcileWindow         time.Duration
	ReconcileMatchTolerance time.Duration
	CommitExclusionPatterns []string
	MaxErrors               int
	Repositories            []RepositoryConfig
}

// HistoryDepth is the first-run look-back.
func (s SyncConfig) HistoryDepth() time.Duration {
	return time.Duration(s.HistoryDepthDays) * 24 * time.Hour
}

// ClockSkew is the offset subtracted from the last-synced time.
func (s SyncConfig) ClockSkew() time.Duration {
	return time.Duration(s.ClockSkewMinutes) * time.Minute
}

// Exclusions compiles CommitExclusionPatterns.
func (s SyncConfig) Exclusions() ([]*regexp.Regexp, error) {
	return model.CompilePatterns(s.CommitExclusionPatterns)
}

// RepositoryConfig seeds one registration.
type RepositoryConfig struct {
	URL      string `yaml:"url"`
	Branch   string `yaml:"branch"`
	Private  bool   `yaml:"private"`
	TokenEnv string `yaml:"token_env"`
	// Token is resolved from TokenEnv and never read from the file.
	Token string `yaml:"-"`
}

// Registration converts the seed into a registration.
func (r RepositoryConfig) Registration() model.RepositoryRegistration {
	return model.RepositoryRegistration{
		URL:     r.URL,
		Branch:  r.Branch,
		Private: r.Private,
		Token:   r.Token,
	}
}

// WebhookConfig configures inbound webhook handling.
type WebhookConfig struct {
	Secret       string `yaml:"secret"`
	AutoRegister bool   `yaml:"auto_register"`
}

// QueueConfig configures the sync request queue.
type QueueConfig struct {
	Buffer                      int
	CoalesceWindow              time.Duration
	DedupTTL                    time.Duration
	MaxEnqueuesPerRepoPerMinute int
	MaxMessageAge               time.Duration
}

// StoreConfig configures record storage.
type StoreConfig struct {
	Backend            string
	Namespace          string
	RedisMode          string
	RedisAddr          string
	RedisMasterSet     string
	RedisSentinelAddrs []string
	RedisPassword      string
	RedisDB            int
	PostgresDSN        string
}

// LeaderElectionConfig configures which replica runs the scheduler and sync worker when
// several replicas share a Redis store.
type LeaderElectionConfig struct {
	Enabled       bool
	LeaseKey      string
	Identity      string
	LeaseDuration time.Duration
	RetryPeriod   time.Duration
}

// HealthConfig configures health probe behavior.
type HealthConfig struct {
	GitHubRecoverSuccessThreshold int
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML, applies process environment overrides and validates the result.
func Load(reader io.Reader) (*Config, error) {
	return LoadWithEnv(reader, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(reader io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)
	applyEnv(cfg, lookup)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		errs = append(errs, "server.listen_addr is required")
	}

	if c.GitHub.RequestTimeout <= 0 {
		errs = append(errs, "github.request_timeout must be > 0")
	}
	if c.GitHub.RequestsPerSecond < 0 {
		errs = append(errs, "github.requests_per_second must be >= 0")
	}
	if c.GitHub.Burst < 0 {
		errs = append(errs, "github.burst must be >= 0")
	}
	if app := c.GitHub.App; app.Enabled() {
		if app.AppID <= 0 {
			errs = append(errs, "github.app.app_id must be > 0")
		}
		if app.InstallationID <= 0 {
			errs = append(errs, "github.app.installation_id must be > 0")
		}
		if strings.TrimSpace(app.PrivateKeyPath) == "" {
			errs = append(errs, "github.app.private_key_path is required")
		}
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be >= 1")
	}
	if c.Retry.InitialBackoff < 0 {
		errs = append(errs, "retry.initial_backoff must be >= 0")
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, "retry.max_backoff must be >= retry.initial_backoff")
	}

	if c.Sync.Interval <= 0 {
		errs = append(errs, "sync.interval must be > 0")
	}
	if c.Sync.PageFetchSize < 1 || c.Sync.PageFetchSize > 100 {
		errs = append(errs, "sync.page_fetch_size must be between 1 and 100")
	}
	if c.Sync.HistoryDepthDays <= 0 {
		errs = append(errs, "sync.history_depth_days must be > 0")
	}
	if c.Sync.ClockSkewMinutes < 0 {
		errs = append(errs, "sync.clock_skew_minutes must be >= 0")
	}
	if c.Sync.MaxErrors < 0 {
		errs = append(errs, "sync.max_errors must be >= 0")
	}
	if _, err := c.Sync.Exclusions(); err != nil {
		errs = append(errs, "sync.commit_exclusion_patterns: "+err.Error())
	}

	seenRepos := make(map[string]struct{}, len(c.Sync.Repositories))
	for i, repo := range c.Sync.Repositories {
		prefix := fmt.Sprintf("sync.repositories[%d]", i)
		if _, err := model.ParseRepoURL(repo.URL); err != nil {
			errs = append(errs, prefix+".url: "+err.Error())
		}
		if strings.TrimSpace(repo.Branch) == "" {
			errs = append(errs, prefix+".branch is required")
		}
		if repo.Private && strings.TrimSpace(repo.TokenEnv) == "" {
			errs = append(errs, prefix+".token_env is required for private repositories")
		}
		key := model.RegistrationKey(repo.URL, repo.Branch)
		if _, ok := seenRepos[key]; ok {
			errs = append(errs, "sync.repositories contains duplicate repository: "+repo.URL+"@"+repo.Branch)
		}
		seenRepos[key] = struct{}{}
	}

	if c.Queue.Buffer <= 0 {
		errs = append(errs, "queue.buffer must be > 0")
	}
	if c.Queue.MaxEnqueuesPerRepoPerMinute < 0 {
		errs = append(errs, "queue.max_enqueues_per_repo_per_minute must be >= 0")
	}

	if !slices.Contains(validBackends, c.Store.Backend) {
		errs = append(errs, "store.backend must be one of memory|redis|postgres")
	}
	if c.Store.RedisMode != "standalone" && c.Store.RedisMode != "sentinel" {
		errs = append(errs, "store.redis_mode must be standalone or sentinel")
	}
	if c.Store.Backend == "redis" {
		if c.Store.RedisMode == "sentinel" {
			if len(c.Store.RedisSentinelAddrs) == 0 {
				errs = append(errs, "store.redis_sentinel_addrs is required when store.redis_mode=sentinel")
			}
			if strings.TrimSpace(c.Store.RedisMasterSet) == "" {
				errs = append(errs, "store.redis_master_set is required when store.redis_mode=sentinel")
			}
		} else if strings.TrimSpace(c.Store.RedisAddr) == "" {
			errs = append(errs, "store.redis_addr is required when store.backend=redis")
		}
	}
	if c.Store.Backend == "postgres" && strings.TrimSpace(c.Store.PostgresDSN) == "" {
		errs = append(errs, "store.postgres_dsn is required when store.backend=postgres")
	}

	if c.Leader.Enabled {
		if c.Store.Backend != "redis" {
			errs = append(errs, "leader_election requires store.backend=redis")
		}
		if c.Leader.RetryPeriod <= 0 || c.Leader.LeaseDuration <= 0 {
			errs = append(errs, "leader_election.lease_duration and retry_period must be > 0")
		} else if c.Leader.RetryPeriod >= c.Leader.LeaseDuration {
			errs = append(errs, "leader_election.retry_period must be shorter than lease_duration")
		}
	}

	if _, ok := telemetry.ParseMode(c.Telemetry.OTELTraceMode); !ok {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}
	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.GitHub.RequestTimeout == 0 {
		cfg.GitHub.RequestTimeout = 20 * time.Second
	}
	if cfg.GitHub.UnhealthyFailureThreshold <= 0 {
		cfg.GitHub.UnhealthyFailureThreshold = 3
	}
	if cfg.GitHub.UnhealthyCooldown <= 0 {
		cfg.GitHub.UnhealthyCooldown = 5 * time.Minute
	}
	if cfg.RateLimit.MinRemainingThreshold == 0 {
		cfg.RateLimit.MinRemainingThreshold = 50
	}
	if cfg.RateLimit.MinResetBuffer == 0 {
		cfg.RateLimit.MinResetBuffer = 5 * time.Second
	}
	if cfg.RateLimit.SecondaryLimitBackoff == 0 {
		cfg.RateLimit.SecondaryLimitBackoff = time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = 30 * time.Second
	}
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = 15 * time.Minute
	}
	if cfg.Sync.PageFetchSize == 0 {
		cfg.Sync.PageFetchSize = 50
	}
	if cfg.Sync.HistoryDepthDays == 0 {
		cfg.Sync.HistoryDepthDays = 30
	}
	if cfg.Sync.ReconcileWindow <= 0 {
		cfg.Sync.ReconcileWindow = 14 * 24 * time.Hour
	}
	if cfg.Sync.ReconcileMatchTolerance <= 0 {
		cfg.Sync.ReconcileMatchTolerance = 10 * time.Minute
	}
	if cfg.Sync.CommitExclusionPatterns == nil {
		cfg.Sync.CommitExclusionPatterns = slices.Clone(defaultExclusion)
	}
	if cfg.Sync.MaxErrors == 0 {
		cfg.Sync.MaxErrors = 20
	}
	if cfg.Queue.Buffer == 0 {
		cfg.Queue.Buffer = 256
	}
	if cfg.Queue.CoalesceWindow == 0 {
		cfg.Queue.CoalesceWindow = time.Minute
	}
	if cfg.Queue.DedupTTL == 0 {
		cfg.Queue.DedupTTL = cfg.Queue.CoalesceWindow
	}
	if cfg.Queue.MaxEnqueuesPerRepoPerMinute == 0 {
		cfg.Queue.MaxEnqueuesPerRepoPerMinute = 6
	}
	if cfg.Queue.MaxMessageAge == 0 {
		cfg.Queue.MaxMessageAge = time.Hour
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "scm-ingest"
	}
	if cfg.Store.RedisMode == "" {
		cfg.Store.RedisMode = "standalone"
	}
	if cfg.Leader.LeaseKey == "" {
		cfg.Leader.LeaseKey = cfg.Store.Namespace + ":leader"
	}
	if cfg.Leader.Identity == "" {
		cfg.Leader.Identity = defaultIdentity()
	}
	if cfg.Leader.LeaseDuration == 0 {
		cfg.Leader.LeaseDuration = 30 * time.Second
	}
	if cfg.Leader.RetryPeriod == 0 {
		cfg.Leader.RetryPeriod = 5 * time.Second
	}
	if cfg.Health.GitHubRecoverSuccessThreshold <= 0 {
		cfg.Health.GitHubRecoverSuccessThreshold = 1
	}
	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "off"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig  `yaml:"server"`
	GitHub    rawGitHub     `yaml:"github"`
	RateLimit rawRateLimit  `yaml:"rate_limit"`
	Retry     rawRetry      `yaml:"retry"`
	Sync      rawSync       `yaml:"sync"`
	Webhook   WebhookConfig `yaml:"webhook"`
	Queue     rawQueue      `yaml:"queue"`
	Store     rawStore      `yaml:"store"`
	Leader    rawLeader     `yaml:"leader_election"`
	Health    rawHealth     `yaml:"health"`
	Telemetry rawTelemetry  `yaml:"telemetry"`
}

type rawGitHub struct {
	APIBaseURL                string          `yaml:"api_base_url"`
	GraphQLURL                string          `yaml:"graphql_url"`
	RequestTimeout            duration        `yaml:"request_timeout"`
	ServiceToken              string          `yaml:"service_token"`
	App                       GitHubAppConfig `yaml:"app"`
	RequestsPerSecond         float64         `yaml:"requests_per_second"`
	Burst                     int             `yaml:"burst"`
	UnhealthyFailureThreshold int             `yaml:"unhealthy_failure_threshold"`
	UnhealthyCooldown         duration        `yaml:"unhealthy_cooldown"`
}

type rawRateLimit struct {
	MinRemainingThreshold int      `yaml:"min_remaining_threshold"`
	MinResetBuffer        duration `yaml:"min_reset_buffer"`
	SecondaryLimitBackoff duration `yaml:"secondary_limit_backoff"`
}

type rawRetry struct {
	MaxAttempts int `yaml:"max_attempts"`
	// InitialBackoff is a pointer so an explicit "0s" disables the delay instead of taking the default.
	InitialBackoff *duration `yaml:"initial_backoff"`
	MaxBackoff     duration  `yaml:"max_backoff"`
}

type rawSync struct {
	Interval                duration           `yaml:"interval"`
	PageFetchSize           int                `yaml:"page_fetch_size"`
	HistoryDepthDays        int                `yaml:"history_depth_days"`
	ClockSkewMinutes        *int               `yaml:"clock_skew_minutes"`
	ReconcileWindow         duration           `yaml:"reconcile_window"`
	ReconcileMatchTolerance duration           `yaml:"reconcile_match_tolerance"`
	CommitExclusionPatterns []string           `yaml:"commit_exclusion_patterns"`
	MaxErrors               int                `yaml:"max_errors"`
	Repositories            []RepositoryConfig `yaml:"repositories"`
}

type rawQueue struct {
	Buffer                      int      `yaml:"buffer"`
	CoalesceWindow              duration `yaml:"coalesce_window"`
	DedupTTL                    duration `yaml:"dedup_ttl"`
	MaxEnqueuesPerRepoPerMinute int      `yaml:"max_enqueues_per_repo_per_minute"`
	MaxMessageAge               duration `yaml:"max_message_age"`
}

type rawStore struct {
	Backend            string   `yaml:"backend"`
	Namespace          string   `yaml:"namespace"`
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	PostgresDSN        string   `yaml:"postgres_dsn"`
}

type rawLeader struct {
	Enabled       bool     `yaml:"enabled"`
	LeaseKey      string   `yaml:"lease_key"`
	Identity      string   `yaml:"identity"`
	LeaseDuration duration `yaml:"lease_duration"`
	RetryPeriod   duration `yaml:"retry_period"`
}

type rawHealth struct {
	GitHubRecoverSuccessThreshold int `yaml:"github_recover_success_threshold"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	cfg := &Config{
		Server: r.Server,
		GitHub: GitHubConfig{
			APIBaseURL:                r.GitHub.APIBaseURL,
			GraphQLURL:                r.GitHub.GraphQLURL,
			RequestTimeout:            r.GitHub.RequestTimeout.Duration,
			ServiceToken:              r.GitHub.ServiceToken,
			App:                       r.GitHub.App,
			RequestsPerSecond:         r.GitHub.RequestsPerSecond,
			Burst:                     r.GitHub.Burst,
			UnhealthyFailureThreshold: r.GitHub.UnhealthyFailureThreshold,
			UnhealthyCooldown:         r.GitHub.UnhealthyCooldown.Duration,
		},
		RateLimit: RateLimitConfig{
			MinRemainingThreshold: r.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        r.RateLimit.MinResetBuffer.Duration,
			SecondaryLimitBackoff: r.RateLimit.SecondaryLimitBackoff.Duration,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: time.Second,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
		},
		Sync: SyncConfig{
			Interval:                r.Sync.Interval.Duration,
			PageFetchSize:           r.Sync.PageFetchSize,
			HistoryDepthDays:        r.Sync.HistoryDepthDays,
			ClockSkewMinutes:        5,
			ReconcileWindow:         r.Sync.ReconcileWindow.Duration,
			ReconcileMatchTolerance: r.Sync.ReconcileMatchTolerance.Duration,
			CommitExclusionPatterns: r.Sync.CommitExclusionPatterns,
			MaxErrors:               r.Sync.MaxErrors,
			Repositories:            make([]RepositoryConfig, 0, len(r.Sync.Repositories)),
		},
		Webhook: r.Webhook,
		Queue: QueueConfig{
			Buffer:                      r.Queue.Buffer,
			CoalesceWindow:              r.Queue.CoalesceWindow.Duration,
			DedupTTL:                    r.Queue.DedupTTL.Duration,
			MaxEnqueuesPerRepoPerMinute: r.Queue.MaxEnqueuesPerRepoPerMinute,
			MaxMessageAge:               r.Queue.MaxMessageAge.Duration,
		},
		Store: StoreConfig{
			Backend:            r.Store.Backend,
			Namespace:          r.Store.Namespace,
			RedisMode:          r.Store.RedisMode,
			RedisAddr:          r.Store.RedisAddr,
			RedisMasterSet:     r.Store.RedisMasterSet,
			RedisSentinelAddrs: r.Store.RedisSentinelAddrs,
			RedisPassword:      r.Store.RedisPassword,
			RedisDB:            r.Store.RedisDB,
			PostgresDSN:        r.Store.PostgresDSN,
		},
		Leader: LeaderElectionConfig{
			Enabled:       r.Leader.Enabled,
			LeaseKey:      strings.TrimSpace(r.Leader.LeaseKey),
			Identity:      strings.TrimSpace(r.Leader.Identity),
			LeaseDuration: r.Leader.LeaseDuration.Duration,
			RetryPeriod:   r.Leader.RetryPeriod.Duration,
		},
		Health: HealthConfig{
			GitHubRecoverSuccessThreshold: r.Health.GitHubRecoverSuccessThreshold,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}

	if r.Retry.InitialBackoff != nil {
		cfg.Retry.InitialBackoff = r.Retry.InitialBackoff.Duration
	}
	if r.Sync.ClockSkewMinutes != nil {
		cfg.Sync.ClockSkewMinutes = *r.Sync.ClockSkewMinutes
	}
	for _, repo := range r.Sync.Repositories {
		repo.URL = strings.TrimSpace(repo.URL)
		repo.Branch = strings.TrimSpace(repo.Branch)
		cfg.Sync.Repositories = append(cfg.Sync.Repositories, repo)
	}

	return cfg
}
