// Package mapper converts GraphQL response nodes into domain records.
package mapper

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/githubapi"
	"github.com/cam3ron2/scm-ingest/internal/model"
)

// Resolver enriches an author handle with its directory identity.
type Resolver interface {
	Resolve(ctx context.Context, handle string) (model.Identity, error)
}

// Mapper maps the nodes of one repository branch. It holds no per-page state.
type Mapper struct {
	repoURL    string
	branch     string
	identities Resolver
	exclusions []*regexp.Regexp
}

// New creates a mapper for repoURL and branch. identities may be nil to skip enrichment.
func New(repoURL, branch string, identities Resolver, exclusions []*regexp.Regexp) *Mapper {
	return &Mapper{
		repoURL:    repoURL,
		branch:     branch,
		identities: identities,
		exclusions: exclusions,
	}
}

// Commits maps a page of commit nodes in upstream order.
func (m *Mapper) Commits(ctx context.Context, nodes []githubapi.CommitNode) ([]model.Commit, error) {
	commits := make([]model.Commit, 0, len(nodes))
	for _, node := range nodes {
		commit, err := m.Commit(ctx, node)
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

// Commit maps one commit node.
func (m *Mapper) Commit(ctx context.Context, node githubapi.CommitNode) (model.Commit, error) {
	parents := node.ParentOIDs()
	commitType, firstEver := model.ClassifyCommit(parents, node.Message, m.exclusions)

	commit := model.Commit{
		RepoURL:         m.repoURL,
		Branch:          m.branch,
		Revision:        node.OID,
		ParentRevisions: parents,
		AuthorHandle:    handleOf(node.Author.User),
		AuthorName:      node.Author.Name,
		CommitterHandle: handleOf(node.Committer.User),
		CommitterName:   node.Committer.Name,
		Message:         node.Message,
		Timestamp:       commitTime(node),
		Additions:       node.Additions,
		Deletions:       node.Deletions,
		FilesChanged:    node.ChangedFiles,
		PullNumber:      node.AssociatedPullNumber(),
		FirstEverCommit: firstEver,
		Type:            commitType,
		Statuses:        statusesOf(node),
	}

	identity, err := m.resolve(ctx, commit.AuthorHandle)
	if err != nil {
		return model.Commit{}, err
	}
	commit.AuthorDN = identity.DN
	commit.AuthorType = identity.AccountType
	return commit, nil
}

// PullRequests maps a page of pull request nodes.
func (m *Mapper) PullRequests(ctx context.Context, nodes []githubapi.PullRequestNode) ([]model.Request, error) {
	requests := make([]model.Request, 0, len(nodes))
	for _, node := range nodes {
		request, err := m.PullRequest(ctx, node)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, nil
}

// PullRequest maps one pull request. Commits, reviews, comments and merge details are only
// populated for merged pull requests.
func (m *Mapper) PullRequest(ctx context.Context, node githubapi.PullRequestNode) (model.Request, error) {
	request := model.Request{
		RepoURL:      m.repoURL,
		Branch:       m.branch,
		Number:       node.Number,
		Type:         model.RequestTypePull,
		State:        pullState(node),
		Title:        node.Title,
		URL:          node.URL,
		Author:       handleOf(node.Author),
		CreatedAt:    node.CreatedAt,
		UpdatedAt:    node.UpdatedAt,
		ClosedAt:     derefTime(node.ClosedAt),
		SourceBranch: node.HeadRefName,
		TargetBranch: node.BaseRefName,
		SourceRepo:   repoURLOf(node.HeadRepository),
		TargetRepo:   repoURLOf(node.BaseRepository),
		HeadSHA:      node.HeadRefOID,
		BaseSHA:      node.BaseRefOID,
		Additions:    node.Additions,
		Deletions:    node.Deletions,
		ChangedFiles: node.ChangedFiles,
		CommentCount: node.Comments.TotalCount,
	}

	identity, err := m.resolve(ctx, request.Author)
	if err != nil {
		return model.Request{}, err
	}
	request.AuthorDN = identity.DN
	request.AuthorType = identity.AccountType

	var head *model.Commit
	if node.HeadRef != nil && node.HeadRef.Target != nil && node.HeadRef.Target.OID != "" {
		mapped, err := m.Commit(ctx, *node.HeadRef.Target)
		if err != nil {
			return model.Request{}, err
		}
		head = &mapped
	}

	if request.State == model.StateMerged {
		if err := m.fillMergeDetail(ctx, node, &request); err != nil {
			return model.Request{}, err
		}
	}

	attachStatuses(&request, head)
	return request, nil
}

func (m *Mapper) fillMergeDetail(ctx context.Context, node githubapi.PullRequestNode, request *model.Request) error {
	var event *githubapi.MergedEventNode
	if len(node.TimelineItems.Nodes) > 0 {
		event = &node.TimelineItems.Nodes[len(node.TimelineItems.Nodes)-1]
	}

	request.MergedAt = derefTime(node.MergedAt)
	if node.MergeCommit != nil {
		request.MergeSHA = node.MergeCommit.OID
	}
	request.MergeAuthor = handleOf(node.MergedBy)
	if event != nil {
		if request.MergedAt.IsZero() {
			request.MergedAt = event.CreatedAt
		}
		if request.MergeSHA == "" && event.Commit != nil {
			request.MergeSHA = event.Commit.OID
		}
		if request.MergeAuthor == model.UnknownAuthor && event.Actor != nil && event.Actor.Login != "" {
			request.MergeAuthor = event.Actor.Login
		}
	}
	mergeIdentity, err := m.resolve(ctx, request.MergeAuthor)
	if err != nil {
		return err
	}
	request.MergeAuthorDN = mergeIdentity.DN

	request.Commits = make([]model.Commit, 0, len(node.Commits.Nodes))
	for _, entry := range node.Commits.Nodes {
		commit, err := m.Commit(ctx, entry.Commit)
		if err != nil {
			return err
		}
		commit.PullNumber = node.Number
		request.Commits = append(request.Commits, commit)
	}

	request.Reviews = make([]model.Review, 0, len(node.Reviews.Nodes))
	for _, review := range node.Reviews.Nodes {
		author := handleOf(review.Author)
		identity, err := m.resolve(ctx, author)
		if err != nil {
			return err
		}
		request.Reviews = append(request.Reviews, model.Review{
			Author:    author,
			AuthorDN:  identity.DN,
			State:     review.State,
			Body:      review.Body,
			CreatedAt: review.CreatedAt,
			UpdatedAt: review.UpdatedAt,
		})
	}

	request.Comments = make([]model.Comment, 0, len(node.Comments.Nodes))
	for _, comment := range node.Comments.Nodes {
		author := handleOf(comment.Author)
		identity, err := m.resolve(ctx, author)
		if err != nil {
			return err
		}
		request.Comments = append(request.Comments, model.Comment{
			Author:    author,
			AuthorDN:  identity.DN,
			Body:      comment.Body,
			CreatedAt: comment.CreatedAt,
			UpdatedAt: comment.UpdatedAt,
		})
	}
	return nil
}

// Issues maps a page of issue nodes.
func (m *Mapper) Issues(ctx context.Context, nodes []githubapi.IssueNode) ([]model.Request, error) {
	issues := make([]model.Request, 0, len(nodes))
	for _, node := range nodes {
		author := handleOf(node.Author)
		identity, err := m.resolve(ctx, author)
		if err != nil {
			return nil, err
		}
		state := model.StateOpen
		if strings.EqualFold(node.State, "CLOSED") {
			state = model.StateClosed
		}
		issues = append(issues, model.Request{
			RepoURL:      m.repoURL,
			Branch:       m.branch,
			Number:       node.Number,
			Type:         model.RequestTypeIssue,
			State:        state,
			Title:        node.Title,
			URL:          node.URL,
			Author:       author,
			AuthorDN:     identity.DN,
			AuthorType:   identity.AccountType,
			CreatedAt:    node.CreatedAt,
			UpdatedAt:    node.UpdatedAt,
			ClosedAt:     derefTime(node.ClosedAt),
			CommentCount: node.Comments.TotalCount,
		})
	}
	return issues, nil
}

func (m *Mapper) resolve(ctx context.Context, handle string) (model.Identity, error) {
	if m.identities == nil || handle == model.UnknownAuthor {
		return model.Identity{}, nil
	}
	return m.identities.Resolve(ctx, handle)
}

// attachStatuses puts the newest listed commit's statuses on the request, and the head
// commit's statuses as well when the head is newer than every listed commit.
func attachStatuses(request *model.Request, head *model.Commit) {
	newest := -1
	for i, commit := range request.Commits {
		if newest < 0 || commit.Timestamp.After(request.Commits[newest].Timestamp) {
			newest = i
		}
	}

	var statuses []model.CommitStatus
	var newestTime time.Time
	if newest >= 0 {
		newestTime = request.Commits[newest].Timestamp
		statuses = request.Commits[newest].Statuses
	}

	if head != nil && len(head.Statuses) > 0 && (newest < 0 || head.Timestamp.After(newestTime)) {
		statuses = mergeStatuses(statuses, head.Statuses)
		for i := range request.Commits {
			if request.Commits[i].Revision == head.Revision {
				request.Commits[i].Statuses = mergeStatuses(request.Commits[i].Statuses, head.Statuses)
			}
		}
	}
	if len(statuses) > 0 {
		request.CommitStatuses = statuses
	}
}

// mergeStatuses keeps one status per context name; later sets win.
func mergeStatuses(sets ...[]model.CommitStatus) []model.CommitStatus {
	index := make(map[string]int)
	merged := make([]model.CommitStatus, 0)
	for _, set := range sets {
		for _, status := range set {
			if i, ok := index[status.Context]; ok {
				merged[i] = status
				continue
			}
			index[status.Context] = len(merged)
			merged = append(merged, status)
		}
	}
	return merged
}

func statusesOf(node githubapi.CommitNode) []model.CommitStatus {
	if node.Status == nil || len(node.Status.Contexts) == 0 {
		return nil
	}
	statuses := make([]model.CommitStatus, 0, len(node.Status.Contexts))
	for _, entry := range node.Status.Contexts {
		statuses = append(statuses, model.CommitStatus{
			Context:     entry.Context,
			Description: entry.Description,
			State:       entry.State,
			TargetURL:   entry.TargetURL,
		})
	}
	return mergeStatuses(statuses)
}

func pullState(node githubapi.PullRequestNode) model.RequestState {
	switch {
	case strings.EqualFold(node.State, "MERGED"), node.MergedAt != nil:
		return model.StateMerged
	case strings.EqualFold(node.State, "CLOSED"):
		return model.StateClosed
	default:
		return model.StateOpen
	}
}

func handleOf(user *githubapi.UserRef) string {
	if user == nil || strings.TrimSpace(user.Login) == "" {
		return model.UnknownAuthor
	}
	return user.Login
}

func commitTime(node githubapi.CommitNode) time.Time {
	switch {
	case !node.AuthoredDate.IsZero():
		return node.AuthoredDate.UTC()
	case !node.Author.Date.IsZero():
		return node.Author.Date.UTC()
	default:
		return node.CommittedDate.UTC()
	}
}

func repoURLOf(repo *githubapi.RepoRef) string {
	if repo == nil {
		return ""
	}
	if repo.URL != "" {
		return repo.URL
	}
	return repo.NameWithOwner
}

func derefTime(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return value.UTC()
}
