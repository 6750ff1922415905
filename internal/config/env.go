package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvServiceToken  = "SCM_INGEST_SERVICE_TOKEN"
	EnvWebhookSecret = "SCM_INGEST_WEBHOOK_SECRET"
	EnvPostgresDSN   = "SCM_INGEST_POSTGRES_DSN"
	// EnvLeaderIdentity names this replica in leader election, typically the pod name.
	EnvLeaderIdentity = "SCM_INGEST_LEADER_IDENTITY"
)

// LoadEnv loads .env style files into the process environment. Missing files are skipped
// and variables already set in the environment win.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", path, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if value, ok := lookupNonEmpty(lookup, EnvServiceToken); ok {
		cfg.GitHub.ServiceToken = value
	}
	if value, ok := lookupNonEmpty(lookup, EnvWebhookSecret); ok {
		cfg.Webhook.Secret = value
	}
	if value, ok := lookupNonEmpty(lookup, EnvPostgresDSN); ok {
		cfg.Store.PostgresDSN = value
	}
	if value, ok := lookupNonEmpty(lookup, EnvLeaderIdentity); ok {
		cfg.Leader.Identity = value
	}
	for i := range cfg.Sync.Repositories {
		repo := &cfg.Sync.Repositories[i]
		if repo.TokenEnv == "" {
			continue
		}
		if value, ok := lookupNonEmpty(lookup, repo.TokenEnv); ok {
			repo.Token = value
		}
	}
}

// defaultIdentity is the hostname plus a random suffix, so two processes on one host differ.
func defaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "scm-ingest"
	}
	return host + "-" + uuid.NewString()[:8]
}

func lookupNonEmpty(lookup func(string) (string, bool), key string) (string, bool) {
	value, ok := lookup(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}
