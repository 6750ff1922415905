package webhook

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/collector"
	"github.com/cam3ron2/scm-ingest/internal/identity"
	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/store"
	"go.uber.org/zap"
)

// Status is the coarse result of processing one event.
type Status string

const (
	// StatusProcessed means records were upserted.
	StatusProcessed Status = "processed"
	// StatusSkipped means the event was understood and deliberately ignored.
	StatusSkipped Status = "skipped"
	// StatusFailed means processing stopped on an error.
	StatusFailed Status = "failed"
)

// Outcome is the result of one webhook event.
type Outcome struct {
	Status  Status
	Reason  string
	Event   string
	RepoURL string
	Branch  string
	Commits int
	Pulls   int
	Linked  int
	Err     error
}

// String renders the short outcome reported to the sender.
func (o Outcome) String() string {
	switch o.Status {
	case StatusProcessed:
		return fmt.Sprintf("processed: %d commits, %d pull requests, %d linked", o.Commits, o.Pulls, o.Linked)
	case StatusSkipped, StatusFailed:
		return fmt.Sprintf("%s: %s", o.Status, o.Reason)
	default:
		return string(o.Status)
	}
}

func skipped(event, format string, args ...any) Outcome {
	return Outcome{Status: StatusSkipped, Event: event, Reason: fmt.Sprintf(format, args...)}
}

func failed(event string, err error) Outcome {
	return Outcome{Status: StatusFailed, Event: event, Reason: err.Error(), Err: err}
}

// Processor handles one webhook event type.
type Processor interface {
	// Event is the X-GitHub-Event value this processor accepts.
	Event() string
	Process(ctx context.Context, payload []byte) Outcome
	// Registrations is the registration repository the processor resolves events against.
	Registrations() store.RegistrationStore
}

// Store is the persistence surface shared by the processors.
type Store interface {
	store.RegistrationStore
	store.CommitStore
	store.RequestStore
}

// Config is shared by every processor.
type Config struct {
	Store     Store
	Connector collector.Connector
	// AutoRegister creates registrations for unknown repositories instead of skipping.
	AutoRegister bool
	Exclusions   []*regexp.Regexp
	Directory    identity.Directory
	Logger       *zap.Logger
}

type base struct {
	cfg    Config
	logger *zap.Logger
}

func newBase(cfg Config) base {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{cfg: cfg, logger: logger}
}

func (b base) Registrations() store.RegistrationStore {
	return b.cfg.Store
}

// registration finds the tracked registration for an event, creating it when auto-register is on.
func (b base) registration(ctx context.Context, repoURL, branch string, private bool) (model.RepositoryRegistration, error) {
	if strings.TrimSpace(repoURL) == "" || strings.TrimSpace(branch) == "" {
		return model.RepositoryRegistration{}, model.MalformedResponseError(nil, "payload is missing repository url or branch")
	}
	reg, found, err := b.cfg.Store.FindRegistration(ctx, repoURL, branch)
	if err != nil {
		return model.RepositoryRegistration{}, fmt.Errorf("find registration: %w", err)
	}
	if found {
		return reg, nil
	}
	if !b.cfg.AutoRegister {
		return model.RepositoryRegistration{}, model.NotRegisteredError(repoURL, branch)
	}

	reg, err = b.cfg.Store.SaveRegistration(ctx, model.RepositoryRegistration{
		URL:     repoURL,
		Branch:  branch,
		Private: private,
	})
	if err != nil {
		return model.RepositoryRegistration{}, fmt.Errorf("register repository: %w", err)
	}
	b.logger.Info(
		"repository auto-registered",
		zap.String("repo_url", repoURL),
		zap.String("branch", branch),
		zap.Bool("private", private),
	)
	return reg, nil
}

// finish turns an error into the matching outcome and logs it.
func (b base) finish(outcome Outcome, err error, started time.Time) Outcome {
	if err != nil {
		if model.IsNotRegistered(err) {
			outcome.Status = StatusSkipped
			outcome.Reason = err.Error()
		} else {
			outcome.Status = StatusFailed
			outcome.Reason = err.Error()
			outcome.Err = err
		}
	}
	b.logger.Info(
		"webhook event handled",
		zap.String("event", outcome.Event),
		zap.String("status", string(outcome.Status)),
		zap.String("reason", outcome.Reason),
		zap.String("repo_url", outcome.RepoURL),
		zap.String("branch", outcome.Branch),
		zap.Int("commits", outcome.Commits),
		zap.Int("pulls", outcome.Pulls),
		zap.Int("linked", outcome.Linked),
		zap.Duration("duration", time.Since(started)),
	)
	return outcome
}

func branchFromRef(ref string) (string, bool) {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	branch := strings.TrimPrefix(ref, prefix)
	return branch, branch != ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
