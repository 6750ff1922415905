package collector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/githubapi"
	"github.com/cam3ron2/scm-ingest/internal/identity"
	"github.com/cam3ron2/scm-ingest/internal/mapper"
	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/query"
	"github.com/cam3ron2/scm-ingest/internal/store"
	"github.com/cam3ron2/scm-ingest/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// State is a sync run state.
type State string

// Sync run states. Finish and Failed are terminal.
const (
	StateStart     State = "start"
	StateFetchPage State = "fetch_page"
	StateApply     State = "apply"
	StateDone      State = "done"
	StateReconcile State = "reconcile"
	StateFinish    State = "finish"
	StateFailed    State = "failed"
)

const (
	defaultHistoryDepth = 30 * 24 * time.Hour
	defaultReconcile    = 14 * 24 * time.Hour
	defaultTolerance    = 10 * time.Minute
)

// Connector opens an upstream session for a registration.
type Connector interface {
	Connect(ctx context.Context, reg model.RepositoryRegistration) (githubapi.Upstream, model.RepoLocation, error)
}

// Store is the persistence surface of a sync run.
type Store interface {
	store.RegistrationStore
	store.CommitStore
	store.RequestStore
}

// Config tunes sync runs.
type Config struct {
	FetchCount int
	// HistoryDepth is how far back a first run reaches.
	HistoryDepth time.Duration
	// ClockSkew is subtracted from the last-synced time on incremental runs.
	ClockSkew          time.Duration
	ReconcileWindow    time.Duration
	ReconcileTolerance time.Duration
	Exclusions         []*regexp.Regexp
	// MaxErrors caps the error list kept on a registration. Zero keeps every entry.
	MaxErrors int
	// Directory optionally persists identities across runs.
	Directory identity.Directory
	Now       func() time.Time
}

// Result summarizes one sync run.
type Result struct {
	RunID      string
	RepoURL    string
	Branch     string
	State      State
	NewCommits int
	NewPulls   int
	NewIssues  int
	Linked     int
	Reconciled int
	Pages      int
	Lookups    int
	Duration   time.Duration
	Err        error
}

// Succeeded reports whether the run reached Finish.
func (r Result) Succeeded() bool {
	return r.State == StateFinish
}

// ErrorCode returns the failure's taxonomy code, or empty on success.
func (r Result) ErrorCode() string {
	if r.Err == nil {
		return ""
	}
	return model.CollectorErrorFrom(r.Err, time.Time{}).Code
}

// Syncer drives the paging loop for one registration at a time.
type Syncer struct {
	store     Store
	connector Connector
	cfg       Config
	logger    *zap.Logger
}

// NewSyncer creates a syncer.
func NewSyncer(st Store, connector Connector, cfg Config, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = defaultHistoryDepth
	}
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = defaultReconcile
	}
	if cfg.ReconcileTolerance <= 0 {
		cfg.ReconcileTolerance = defaultTolerance
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Syncer{
		store:     st,
		connector: connector,
		cfg:       cfg,
		logger:    logger,
	}
}

// syncRun is the per-run accumulator. Nothing in it outlives one Run call.
type syncRun struct {
	id        string
	reg       model.RepositoryRegistration
	loc       model.RepoLocation
	upstream  githubapi.Upstream
	mapper    *mapper.Mapper
	cache     *identity.Cache
	startedAt time.Time
	since     time.Time

	exhausted query.Exhaustion
	cursors   map[query.Stream]string
	mode      query.Mode
	page      githubapi.RepositoryNode

	relocated    bool
	subPassDone  bool
	mergedPulls  []model.Request
	historyTotal int

	result Result
	err    error
}

// SyncAll runs every registration in turn. A failed registration does not stop the others.
func (s *Syncer) SyncAll(ctx context.Context) ([]Result, error) {
	regs, err := s.store.ListRegistrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}

	results := make([]Result, 0, len(regs))
	for _, reg := range regs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, s.Run(ctx, reg))
	}
	return results, nil
}

// SyncOne runs the registration for repoURL and branch.
func (s *Syncer) SyncOne(ctx context.Context, repoURL, branch string) (Result, error) {
	reg, found, err := s.store.FindRegistration(ctx, repoURL, branch)
	if err != nil {
		return Result{}, fmt.Errorf("find registration: %w", err)
	}
	if !found {
		return Result{}, model.NotRegisteredError(repoURL, branch)
	}
	return s.Run(ctx, reg), nil
}

// Run syncs one registration to completion.
func (s *Syncer) Run(ctx context.Context, reg model.RepositoryRegistration) Result {
	run := &syncRun{
		id:        uuid.NewString(),
		reg:       reg,
		startedAt: s.cfg.Now(),
		cursors:   make(map[query.Stream]string, len(query.Streams)),
	}
	run.result = Result{RunID: run.id, RepoURL: reg.URL, Branch: reg.Branch}

	ctx, span := telemetry.StartSpan(ctx, "collector", "collector.sync",
		attribute.String("repo.url", reg.URL),
		attribute.String("repo.branch", reg.Branch),
		attribute.String("sync.run_id", run.id),
	)
	defer span.End()

	state := StateStart
	for {
		var next State
		switch state {
		case StateStart:
			next = s.start(ctx, run)
		case StateFetchPage:
			next = s.fetchPage(ctx, run)
		case StateApply:
			next = s.apply(ctx, run)
		case StateDone:
			next = s.done(ctx, run)
		case StateReconcile:
			next = s.reconcile(ctx, run)
		case StateFinish:
			s.finish(ctx, run)
			return run.result
		case StateFailed:
			s.fail(ctx, run)
			telemetry.FailSpan(span, run.err)
			return run.result
		default:
			run.err = fmt.Errorf("unknown sync state %q", state)
			next = StateFailed
		}
		state = next
	}
}

func (s *Syncer) failWith(run *syncRun, err error) State {
	run.err = err
	return StateFailed
}

func (s *Syncer) start(ctx context.Context, run *syncRun) State {
	upstream, loc, err := s.connector.Connect(ctx, run.reg)
	if err != nil {
		return s.failWith(run, err)
	}
	run.upstream = upstream
	run.loc = loc

	if run.reg.FirstRun() {
		run.since = run.startedAt.Add(-s.cfg.HistoryDepth)
	} else {
		run.since = run.reg.LastSynced.Add(-s.cfg.ClockSkew)
	}
	run.exhausted = query.Exhaustion{FirstRun: run.reg.FirstRun()}

	run.cache = identity.NewCache(upstream, s.cfg.Directory, s.logger)
	run.mapper = mapper.New(run.reg.URL, run.reg.Branch, run.cache, s.cfg.Exclusions)

	s.logger.Info(
		"sync started",
		zap.String("run_id", run.id),
		zap.String("repo_url", run.reg.URL),
		zap.String("branch", run.reg.Branch),
		zap.Bool("first_run", run.reg.FirstRun()),
		zap.Time("since", run.since),
	)
	return StateFetchPage
}

func (s *Syncer) fetchPage(ctx context.Context, run *syncRun) State {
	run.mode = query.Select(run.exhausted)
	if run.mode == query.ModeNone {
		return StateDone
	}

	page, err := s.fetch(ctx, run)
	if err != nil && model.IsNotFound(err) && !run.relocated {
		if err := s.relocate(ctx, run); err != nil {
			return s.failWith(run, err)
		}
		page, err = s.fetch(ctx, run)
		if err != nil && model.IsNotFound(err) {
			err = model.MalformedResponseError(err, "repository %s still not found after re-resolution", run.loc.FullName())
		}
	}
	if err != nil {
		return s.failWith(run, err)
	}

	run.page = page
	run.result.Pages++
	return StateApply
}

func (s *Syncer) fetch(ctx context.Context, run *syncRun) (githubapi.RepositoryNode, error) {
	doc, err := query.Build(run.mode, query.Params{
		Owner:      run.loc.Owner,
		Name:       run.loc.Name,
		Branch:     run.reg.Branch,
		FetchCount: s.cfg.FetchCount,
		Since:      run.since,
		Cursors:    run.cursors,
	})
	if err != nil {
		return githubapi.RepositoryNode{}, model.ConfigurationError("build page query: %v", err)
	}
	return run.upstream.FetchRepositoryPage(ctx, doc)
}

// relocate follows a rename or transfer once.
func (s *Syncer) relocate(ctx context.Context, run *syncRun) error {
	run.relocated = true
	resolved, err := run.upstream.ResolveRepository(ctx, run.loc.Owner, run.loc.Name)
	if err != nil {
		if model.IsNotFound(err) {
			return model.MalformedResponseError(err, "repository %s no longer exists", run.loc.FullName())
		}
		return err
	}
	s.logger.Info(
		"repository re-resolved",
		zap.String("run_id", run.id),
		zap.String("from", run.loc.FullName()),
		zap.String("to", resolved.FullName),
	)
	run.loc.Owner = resolved.Owner
	run.loc.Name = resolved.Name
	return nil
}

func (s *Syncer) apply(ctx context.Context, run *syncRun) State {
	page := run.page
	run.page = githubapi.RepositoryNode{}

	if run.mode.Includes(query.StreamCommits) {
		if page.Ref == nil {
			return s.failWith(run, model.ConfigurationError("branch %s not found in %s", run.reg.Branch, run.loc.FullName()))
		}
		if err := s.applyCommits(ctx, run, page.History()); err != nil {
			return s.failWith(run, err)
		}
	}
	if run.mode.Includes(query.StreamPulls) {
		if err := s.applyPulls(ctx, run, page.PullRequests); err != nil {
			return s.failWith(run, err)
		}
	}
	if run.mode.Includes(query.StreamIssues) {
		if err := s.applyIssues(ctx, run, page.Issues); err != nil {
			return s.failWith(run, err)
		}
	}

	s.logger.Debug(
		"page applied",
		zap.String("run_id", run.id),
		zap.String("mode", string(run.mode)),
		zap.Int("page", run.result.Pages),
		zap.Int("new_commits", run.result.NewCommits),
		zap.Int("new_pulls", run.result.NewPulls),
		zap.Int("new_issues", run.result.NewIssues),
		zap.Int("history_total", run.historyTotal),
	)
	return StateFetchPage
}

func (s *Syncer) applyCommits(ctx context.Context, run *syncRun, history *githubapi.CommitHistory) error {
	if history == nil {
		run.exhausted.Commits = true
		return nil
	}
	if history.TotalCount > 0 {
		run.historyTotal = history.TotalCount
	}

	commits, err := run.mapper.Commits(ctx, history.Nodes)
	if err != nil {
		return err
	}
	for _, commit := range commits {
		_, created, err := s.store.UpsertCommit(ctx, commit)
		if err != nil {
			return fmt.Errorf("upsert commit %s: %w", commit.Revision, err)
		}
		if created {
			run.result.NewCommits++
		}
	}
	s.advance(run, query.StreamCommits, history.PageInfo, false)
	return nil
}

func (s *Syncer) applyPulls(ctx context.Context, run *syncRun, conn *githubapi.PullRequestConnection) error {
	if conn == nil {
		run.exhausted.Pulls = true
		return nil
	}

	stale := false
	for _, node := range conn.Nodes {
		if node.UpdatedAt.Before(run.since) {
			stale = true
			continue
		}
		request, err := run.mapper.PullRequest(ctx, node)
		if err != nil {
			return err
		}
		WarnTruncatedCommits(s.logger, request.RepoURL, request.Branch, node)
		_, created, err := s.store.UpsertRequest(ctx, request)
		if err != nil {
			return fmt.Errorf("upsert pull request %d: %w", request.Number, err)
		}
		if created {
			run.result.NewPulls++
		}
		if !request.IsMerged() {
			continue
		}
		linked, err := LinkStoredCommits(ctx, s.store, request)
		if err != nil {
			return err
		}
		run.result.Linked += linked
		run.mergedPulls = append(run.mergedPulls, request)
	}
	s.advance(run, query.StreamPulls, conn.PageInfo, stale)
	return nil
}

// WarnTruncatedCommits logs a pull request whose commit list was cut short. Commits past the
// listed ones are not linked through that pull request.
func WarnTruncatedCommits(logger *zap.Logger, repoURL, branch string, node githubapi.PullRequestNode) {
	if !node.CommitsTruncated() {
		return
	}
	logger.Warn(
		"pull request commit list truncated",
		zap.String("repo_url", repoURL),
		zap.String("branch", branch),
		zap.Int("pull_number", node.Number),
		zap.Int("listed_commits", len(node.Commits.Nodes)),
		zap.Int("total_commits", node.Commits.TotalCount),
	)
}

func (s *Syncer) applyIssues(ctx context.Context, run *syncRun, conn *githubapi.IssueConnection) error {
	if conn == nil {
		run.exhausted.Issues = true
		return nil
	}

	stale := false
	fresh := make([]githubapi.IssueNode, 0, len(conn.Nodes))
	for _, node := range conn.Nodes {
		if node.UpdatedAt.Before(run.since) {
			stale = true
			continue
		}
		fresh = append(fresh, node)
	}
	issues, err := run.mapper.Issues(ctx, fresh)
	if err != nil {
		return err
	}
	for _, issue := range issues {
		_, created, err := s.store.UpsertRequest(ctx, issue)
		if err != nil {
			return fmt.Errorf("upsert issue %d: %w", issue.Number, err)
		}
		if created {
			run.result.NewIssues++
		}
	}
	s.advance(run, query.StreamIssues, conn.PageInfo, stale)
	return nil
}

// advance records the next cursor, or marks the stream exhausted.
func (s *Syncer) advance(run *syncRun, stream query.Stream, info githubapi.PageInfo, stale bool) {
	if stale || !info.HasNextPage || info.EndCursor == "" {
		delete(run.cursors, stream)
		switch stream {
		case query.StreamCommits:
			run.exhausted.Commits = true
		case query.StreamPulls:
			run.exhausted.Pulls = true
		case query.StreamIssues:
			run.exhausted.Issues = true
		}
		return
	}
	run.cursors[stream] = info.EndCursor
}

// done starts one commits-only sub-pass when merged pull requests of this run list commits
// older than since that the store has never seen.
func (s *Syncer) done(ctx context.Context, run *syncRun) State {
	if run.subPassDone {
		return StateReconcile
	}
	run.subPassDone = true

	var oldest time.Time
	for _, pull := range run.mergedPulls {
		for _, commit := range pull.Commits {
			if commit.Timestamp.IsZero() || !commit.Timestamp.Before(run.since) {
				continue
			}
			_, found, err := s.store.FindCommit(ctx, run.reg.URL, run.reg.Branch, commit.Revision)
			if err != nil {
				return s.failWith(run, fmt.Errorf("find commit %s: %w", commit.Revision, err))
			}
			if found {
				continue
			}
			if oldest.IsZero() || commit.Timestamp.Before(oldest) {
				oldest = commit.Timestamp
			}
		}
	}
	if oldest.IsZero() {
		return StateReconcile
	}

	s.logger.Debug(
		"re-paging history for merged pull request commits",
		zap.String("run_id", run.id),
		zap.Time("since", oldest),
	)
	run.since = oldest
	run.exhausted = query.Exhaustion{Pulls: true, Issues: true}
	delete(run.cursors, query.StreamCommits)
	return StateFetchPage
}

func (s *Syncer) reconcile(ctx context.Context, run *syncRun) State {
	// Pulls seen in this run may list commits the history pages delivered later.
	for _, pull := range run.mergedPulls {
		linked, err := LinkStoredCommits(ctx, s.store, pull)
		if err != nil {
			return s.failWith(run, err)
		}
		run.result.Linked += linked
	}

	reconciler := &Reconciler{
		Store:     s.store,
		Window:    s.cfg.ReconcileWindow,
		Tolerance: s.cfg.ReconcileTolerance,
		Now:       s.cfg.Now,
		Logger:    s.logger,
	}
	reconciled, err := reconciler.Run(ctx, run.reg.URL, run.reg.Branch)
	if err != nil {
		return s.failWith(run, err)
	}
	run.result.Reconciled = reconciled
	return StateFinish
}

func (s *Syncer) finish(ctx context.Context, run *syncRun) {
	reg := run.reg
	reg.LastSynced = run.startedAt
	reg.Errors = nil
	if _, err := s.store.SaveRegistration(ctx, reg); err != nil {
		run.err = fmt.Errorf("save registration: %w", err)
		s.fail(ctx, run)
		return
	}

	run.result.State = StateFinish
	run.result.Lookups = run.cache.Lookups()
	run.result.Duration = s.cfg.Now().Sub(run.startedAt)
	s.logger.Info(
		"sync finished",
		zap.String("run_id", run.id),
		zap.String("repo_url", reg.URL),
		zap.String("branch", reg.Branch),
		zap.Int("pages", run.result.Pages),
		zap.Int("new_commits", run.result.NewCommits),
		zap.Int("new_pulls", run.result.NewPulls),
		zap.Int("new_issues", run.result.NewIssues),
		zap.Int("linked", run.result.Linked),
		zap.Int("reconciled", run.result.Reconciled),
		zap.Int("identity_lookups", run.result.Lookups),
		zap.Duration("duration", run.result.Duration),
	)
}

// fail records the error on the registration without advancing its last-synced time.
func (s *Syncer) fail(ctx context.Context, run *syncRun) {
	if run.err == nil {
		run.err = errors.New("sync failed without an error")
	}
	run.result.State = StateFailed
	run.result.Err = run.err
	run.result.Duration = s.cfg.Now().Sub(run.startedAt)
	if run.cache != nil {
		run.result.Lookups = run.cache.Lookups()
	}

	entry := model.CollectorErrorFrom(run.err, s.cfg.Now())
	s.logger.Warn(
		"sync failed",
		zap.String("run_id", run.id),
		zap.String("repo_url", run.reg.URL),
		zap.String("branch", run.reg.Branch),
		zap.String("error_code", entry.Code),
		zap.Error(run.err),
	)

	reg := run.reg
	reg.AppendError(entry, s.cfg.MaxErrors)
	if _, err := s.store.SaveRegistration(ctx, reg); err != nil {
		s.logger.Error(
			"record sync failure",
			zap.String("repo_url", run.reg.URL),
			zap.Error(err),
		)
	}
}
