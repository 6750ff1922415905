package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/collector"
	"github.com/cam3ron2/scm-ingest/internal/identity"
	"github.com/cam3ron2/scm-ingest/internal/mapper"
	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/google/go-github/v75/github"
)

var trackedPullActions = map[string]struct{}{
	"opened":      {},
	"edited":      {},
	"closed":      {},
	"reopened":    {},
	"merged":      {},
	"synchronize": {},
}

// PullRequestProcessor ingests pull request lifecycle events.
type PullRequestProcessor struct {
	base
}

// NewPullRequestProcessor creates a pull request processor.
func NewPullRequestProcessor(cfg Config) *PullRequestProcessor {
	return &PullRequestProcessor{base: newBase(cfg)}
}

// Event returns the pull request event name.
func (p *PullRequestProcessor) Event() string {
	return "pull_request"
}

// Process upserts the pull request. Merged pull requests are re-read upstream so their
// commits can be matched against stored history.
func (p *PullRequestProcessor) Process(ctx context.Context, payload []byte) Outcome {
	started := time.Now()
	var event github.PullRequestEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return p.finish(Outcome{Event: p.Event()}, model.MalformedResponseError(err, "decode pull request payload"), started)
	}

	action := event.GetAction()
	if _, ok := trackedPullActions[action]; !ok {
		return p.finish(skipped(p.Event(), "action %q is not tracked", action), nil, started)
	}
	pull := event.GetPullRequest()
	if pull == nil || pull.GetNumber() <= 0 {
		return p.finish(Outcome{Event: p.Event()}, model.MalformedResponseError(nil, "payload has no pull request"), started)
	}

	repo := event.GetRepo()
	outcome := Outcome{
		Status:  StatusProcessed,
		Event:   p.Event(),
		RepoURL: firstNonEmpty(repo.GetHTMLURL(), repo.GetURL()),
		Branch:  pull.GetBase().GetRef(),
	}
	err := p.ingest(ctx, pull, action, repo.GetPrivate(), &outcome)
	return p.finish(outcome, err, started)
}

func (p *PullRequestProcessor) ingest(ctx context.Context, pull *github.PullRequest, action string, private bool, outcome *Outcome) error {
	reg, err := p.registration(ctx, outcome.RepoURL, outcome.Branch, private)
	if err != nil {
		return err
	}

	request := requestFromPayload(reg, pull)
	if pull.GetMerged() || action == "merged" {
		request, err = p.lookupMerged(ctx, reg, pull.GetNumber())
		if err != nil {
			return err
		}
	}

	if _, _, err := p.cfg.Store.UpsertRequest(ctx, request); err != nil {
		return fmt.Errorf("upsert pull request %d: %w", request.Number, err)
	}
	outcome.Pulls = 1
	if !request.IsMerged() {
		return nil
	}

	linked, err := collector.LinkStoredCommits(ctx, p.cfg.Store, request)
	outcome.Linked = linked
	return err
}

func (p *PullRequestProcessor) lookupMerged(ctx context.Context, reg model.RepositoryRegistration, number int) (model.Request, error) {
	upstream, loc, err := p.cfg.Connector.Connect(ctx, reg)
	if err != nil {
		return model.Request{}, err
	}
	node, err := upstream.LookupPullRequest(ctx, loc.Owner, loc.Name, number)
	if err != nil {
		return model.Request{}, fmt.Errorf("lookup pull request %d: %w", number, err)
	}
	collector.WarnTruncatedCommits(p.logger, reg.URL, reg.Branch, node)
	cache := identity.NewCache(upstream, p.cfg.Directory, p.logger)
	return mapper.New(reg.URL, reg.Branch, cache, p.cfg.Exclusions).PullRequest(ctx, node)
}

// requestFromPayload maps the event body without any upstream call. Identity fields stay
// empty so the store keeps whatever a sync run already resolved.
func requestFromPayload(reg model.RepositoryRegistration, pull *github.PullRequest) model.Request {
	state := model.StateOpen
	switch {
	case pull.GetMerged():
		state = model.StateMerged
	case pull.GetState() == "closed":
		state = model.StateClosed
	}
	author := pull.GetUser().GetLogin()
	if author == "" {
		author = model.UnknownAuthor
	}

	request := model.Request{
		RepoURL:      reg.URL,
		Branch:       reg.Branch,
		Number:       pull.GetNumber(),
		Type:         model.RequestTypePull,
		State:        state,
		Title:        pull.GetTitle(),
		URL:          pull.GetHTMLURL(),
		Author:       author,
		CreatedAt:    pull.GetCreatedAt().Time,
		UpdatedAt:    pull.GetUpdatedAt().Time,
		ClosedAt:     pull.GetClosedAt().Time,
		SourceBranch: pull.GetHead().GetRef(),
		TargetBranch: pull.GetBase().GetRef(),
		SourceRepo:   pull.GetHead().GetRepo().GetHTMLURL(),
		TargetRepo:   pull.GetBase().GetRepo().GetHTMLURL(),
		HeadSHA:      pull.GetHead().GetSHA(),
		BaseSHA:      pull.GetBase().GetSHA(),
		Additions:    pull.GetAdditions(),
		Deletions:    pull.GetDeletions(),
		ChangedFiles: pull.GetChangedFiles(),
		CommentCount: pull.GetComments(),
	}
	if state == model.StateMerged {
		request.MergedAt = pull.GetMergedAt().Time
		request.MergeSHA = pull.GetMergeCommitSHA()
		request.MergeAuthor = pull.GetMergedBy().GetLogin()
	}
	return request
}
