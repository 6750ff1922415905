package model

import (
	"strings"
	"time"
)

// UnknownAuthor is recorded when the upstream reports no user for an author or committer.
const UnknownAuthor = "unknown"

// RequestType discriminates pull requests from issues.
type RequestType string

const (
	// RequestTypePull is a pull/merge request.
	RequestTypePull RequestType = "pull"
	// RequestTypeIssue is an issue.
	RequestTypeIssue RequestType = "issue"
)

// RequestState is the lifecycle state of a pull request or issue.
type RequestState string

const (
	// StateOpen is an open request.
	StateOpen RequestState = "open"
	// StateClosed is a closed, unmerged request.
	StateClosed RequestState = "closed"
	// StateMerged is a merged pull request.
	StateMerged RequestState = "merged"
)

// CommitType classifies a commit for build tracking.
type CommitType string

const (
	// CommitTypeNew is a regular commit.
	CommitTypeNew CommitType = "New"
	// CommitTypeMerge has more than one parent.
	CommitTypeMerge CommitType = "Merge"
	// CommitTypeNotBuilt matches a configured exclusion pattern.
	CommitTypeNotBuilt CommitType = "NotBuilt"
)

// Identity is the directory enrichment for an author handle.
type Identity struct {
	DN          string `json:"dn,omitempty"`
	AccountType string `json:"account_type,omitempty"`
}

// IsZero reports whether no enrichment is known.
func (i Identity) IsZero() bool {
	return i.DN == "" && i.AccountType == ""
}

// CommitStatus is one named check context reported against a commit.
type CommitStatus struct {
	Context     string `json:"context"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
}

// Commit is one ingested revision. Its natural key is (RepoURL, Branch, Revision).
type Commit struct {
	ID              string         `json:"id"`
	RepoURL         string         `json:"repo_url"`
	Branch          string         `json:"branch"`
	Revision        string         `json:"revision"`
	ParentRevisions []string       `json:"parent_revisions,omitempty"`
	AuthorHandle    string         `json:"author_handle"`
	AuthorName      string         `json:"author_name"`
	AuthorType      string         `json:"author_type,omitempty"`
	AuthorDN        string         `json:"author_dn,omitempty"`
	CommitterHandle string         `json:"committer_handle"`
	CommitterName   string         `json:"committer_name"`
	Message         string         `json:"message"`
	Timestamp       time.Time      `json:"timestamp"`
	Additions       int            `json:"additions"`
	Deletions       int            `json:"deletions"`
	FilesChanged    int            `json:"files_changed"`
	PullNumber      int            `json:"pull_number,omitempty"`
	FirstEverCommit bool           `json:"first_ever_commit"`
	Type            CommitType     `json:"type"`
	Statuses        []CommitStatus `json:"statuses,omitempty"`
}

// HasPullRequest reports whether the commit is linked to a pull request.
func (c Commit) HasPullRequest() bool {
	return c.PullNumber > 0
}

// Review is a pull request review.
type Review struct {
	Author    string    `json:"author"`
	AuthorDN  string    `json:"author_dn,omitempty"`
	State     string    `json:"state"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Comment is a pull request or issue comment.
type Comment struct {
	Author    string    `json:"author"`
	AuthorDN  string    `json:"author_dn,omitempty"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Request is a pull request or an issue. Its natural key is (RepoURL, Branch, Number, Type).
type Request struct {
	ID            string       `json:"id"`
	RepoURL       string       `json:"repo_url"`
	Branch        string       `json:"branch"`
	Number        int          `json:"number"`
	Type          RequestType  `json:"type"`
	State         RequestState `json:"state"`
	Title         string       `json:"title"`
	URL           string       `json:"url,omitempty"`
	Author        string       `json:"author"`
	AuthorDN      string       `json:"author_dn,omitempty"`
	AuthorType    string       `json:"author_type,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	ClosedAt      time.Time    `json:"closed_at,omitempty"`
	MergedAt      time.Time    `json:"merged_at,omitempty"`
	SourceBranch  string       `json:"source_branch,omitempty"`
	TargetBranch  string       `json:"target_branch,omitempty"`
	SourceRepo    string       `json:"source_repo,omitempty"`
	TargetRepo    string       `json:"target_repo,omitempty"`
	HeadSHA       string       `json:"head_sha,omitempty"`
	BaseSHA       string       `json:"base_sha,omitempty"`
	MergeSHA      string       `json:"merge_sha,omitempty"`
	MergeAuthor   string       `json:"merge_author,omitempty"`
	MergeAuthorDN string       `json:"merge_author_dn,omitempty"`
	Additions     int          `json:"additions"`
	Deletions     int          `json:"deletions"`
	ChangedFiles  int          `json:"changed_files"`
	CommentCount  int          `json:"comment_count"`

	Commits        []Commit       `json:"commits,omitempty"`
	Reviews        []Review       `json:"reviews,omitempty"`
	Comments       []Comment      `json:"comments,omitempty"`
	CommitStatuses []CommitStatus `json:"commit_statuses,omitempty"`
}

// IsMerged reports whether the request is a merged pull request.
func (r Request) IsMerged() bool {
	return r.Type == RequestTypePull && r.State == StateMerged
}

// OldestCommitTime returns the earliest commit timestamp in the request, or zero.
func (r Request) OldestCommitTime() time.Time {
	var oldest time.Time
	for _, commit := range r.Commits {
		if commit.Timestamp.IsZero() {
			continue
		}
		if oldest.IsZero() || commit.Timestamp.Before(oldest) {
			oldest = commit.Timestamp
		}
	}
	return oldest
}

// ContainsRevision reports whether the request lists a commit with the given revision.
func (r Request) ContainsRevision(revision string) bool {
	for _, commit := range r.Commits {
		if commit.Revision == revision {
			return true
		}
	}
	return false
}

// CollectorError is a structured failure recorded on a registration.
type CollectorError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RepositoryRegistration is a tracked repository and branch.
type RepositoryRegistration struct {
	ID         string           `json:"id"`
	URL        string           `json:"url"`
	Branch     string           `json:"branch"`
	Private    bool             `json:"private"`
	Token      string           `json:"-"`
	LastSynced time.Time        `json:"last_synced,omitempty"`
	Errors     []CollectorError `json:"errors,omitempty"`
}

// Key returns the registration's natural key.
func (r RepositoryRegistration) Key() string {
	return RegistrationKey(r.URL, r.Branch)
}

// FirstRun reports whether the registration was never synced successfully.
func (r RepositoryRegistration) FirstRun() bool {
	return r.LastSynced.IsZero()
}

// AppendError appends err and keeps at most limit newest entries when limit > 0.
func (r *RepositoryRegistration) AppendError(entry CollectorError, limit int) {
	r.Errors = append(r.Errors, entry)
	if limit > 0 && len(r.Errors) > limit {
		r.Errors = append([]CollectorError(nil), r.Errors[len(r.Errors)-limit:]...)
	}
}

// RegistrationKey builds the natural key for a repository URL and branch.
func RegistrationKey(repoURL, branch string) string {
	return NormalizeRepoURL(repoURL) + "#" + branch
}

// NormalizeRepoURL lowercases the URL and strips a trailing slash and .git suffix.
func NormalizeRepoURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimSuffix(trimmed, "/")
	trimmed = strings.TrimSuffix(trimmed, ".git")
	return strings.ToLower(trimmed)
}
