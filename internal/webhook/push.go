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

// PushProcessor ingests the commits of a branch push.
type PushProcessor struct {
	base
}

// NewPushProcessor creates a push processor.
func NewPushProcessor(cfg Config) *PushProcessor {
	return &PushProcessor{base: newBase(cfg)}
}

// Event returns the push event name.
func (p *PushProcessor) Event() string {
	return "push"
}

// Process looks up every pushed commit in one query, applies rebase and squash propagation
// and upserts the batch.
func (p *PushProcessor) Process(ctx context.Context, payload []byte) Outcome {
	started := time.Now()
	var event github.PushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return p.finish(Outcome{Event: p.Event()}, model.MalformedResponseError(err, "decode push payload"), started)
	}

	branch, ok := branchFromRef(event.GetRef())
	if !ok {
		return p.finish(skipped(p.Event(), "ref %q is not a branch", event.GetRef()), nil, started)
	}
	if event.GetDeleted() {
		return p.finish(skipped(p.Event(), "branch %s was deleted", branch), nil, started)
	}

	repo := event.GetRepo()
	outcome := Outcome{
		Status:  StatusProcessed,
		Event:   p.Event(),
		RepoURL: firstNonEmpty(repo.GetHTMLURL(), repo.GetURL()),
		Branch:  branch,
	}
	if len(event.Commits) == 0 {
		outcome.Status = StatusSkipped
		outcome.Reason = "push carries no commits"
		return p.finish(outcome, nil, started)
	}

	err := p.ingest(ctx, &event, repo.GetPrivate(), &outcome)
	return p.finish(outcome, err, started)
}

func (p *PushProcessor) ingest(ctx context.Context, event *github.PushEvent, private bool, outcome *Outcome) error {
	reg, err := p.registration(ctx, outcome.RepoURL, outcome.Branch, private)
	if err != nil {
		return err
	}
	upstream, loc, err := p.cfg.Connector.Connect(ctx, reg)
	if err != nil {
		return err
	}

	oids := make([]string, 0, len(event.Commits))
	for _, pushed := range event.Commits {
		if pushed.GetID() != "" {
			oids = append(oids, pushed.GetID())
		}
	}
	nodes, err := upstream.LookupCommits(ctx, loc.Owner, loc.Name, oids)
	if err != nil {
		return fmt.Errorf("lookup pushed commits: %w", err)
	}

	cache := identity.NewCache(upstream, p.cfg.Directory, p.logger)
	commitMapper := mapper.New(reg.URL, reg.Branch, cache, p.cfg.Exclusions)
	batch := make([]model.Commit, 0, len(oids))
	parent := event.GetBefore()
	for _, pushed := range event.Commits {
		node, ok := nodes[pushed.GetID()]
		if !ok {
			batch = append(batch, p.commitFromPayload(reg, pushed, parent))
			parent = pushed.GetID()
			continue
		}
		parent = pushed.GetID()
		commit, err := commitMapper.Commit(ctx, node)
		if err != nil {
			return err
		}
		batch = append(batch, commit)
	}

	for _, commit := range collector.PropagatePullNumber(batch) {
		if _, _, err := p.cfg.Store.UpsertCommit(ctx, commit); err != nil {
			return fmt.Errorf("upsert commit %s: %w", commit.Revision, err)
		}
		outcome.Commits++
	}
	return nil
}

// zeroRevision is the before revision of a push that creates its branch.
const zeroRevision = "0000000000000000000000000000000000000000"

// commitFromPayload covers commits the lookup could not resolve, such as force-pushed-away ones.
// The payload lists no parents, so the parent is the previously pushed commit, or the push's
// before revision for the first one. A branch-creating push leaves the first commit parentless.
func (p *PushProcessor) commitFromPayload(reg model.RepositoryRegistration, pushed *github.HeadCommit, parent string) model.Commit {
	var parents []string
	if parent != "" && parent != zeroRevision {
		parents = []string{parent}
	}
	commitType, firstEver := model.ClassifyCommit(parents, pushed.GetMessage(), p.cfg.Exclusions)

	author := pushed.GetAuthor()
	committer := pushed.GetCommitter()
	handle := author.GetLogin()
	if handle == "" {
		handle = model.UnknownAuthor
	}
	committerHandle := committer.GetLogin()
	if committerHandle == "" {
		committerHandle = model.UnknownAuthor
	}
	return model.Commit{
		RepoURL:         reg.URL,
		Branch:          reg.Branch,
		Revision:        pushed.GetID(),
		ParentRevisions: parents,
		AuthorHandle:    handle,
		AuthorName:      author.GetName(),
		CommitterHandle: committerHandle,
		CommitterName:   committer.GetName(),
		Message:         pushed.GetMessage(),
		Timestamp:       pushed.GetTimestamp().Time,
		FilesChanged:    len(pushed.Added) + len(pushed.Removed) + len(pushed.Modified),
		FirstEverCommit: firstEver,
		Type:            commitType,
	}
}
