package githubapi

import "time"

// PageInfo is a GraphQL connection's paging state.
type PageInfo struct {
	EndCursor   string `json:"endCursor"`
	HasNextPage bool   `json:"hasNextPage"`
}

// UserRef is an actor reference carrying only a login.
type UserRef struct {
	Login string `json:"login"`
}

// GitActor is a commit author or committer. User is nil when the email does not map to an account.
type GitActor struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
	User  *UserRef  `json:"user"`
}

// StatusContext is one named check on a commit.
type StatusContext struct {
	Context     string `json:"context"`
	Description string `json:"description"`
	State       string `json:"state"`
	TargetURL   string `json:"targetUrl"`
}

// StatusNode is a commit's combined status.
type StatusNode struct {
	Contexts []StatusContext `json:"contexts"`
}

// ParentConnection lists a commit's parent oids.
type ParentConnection struct {
	TotalCount int `json:"totalCount"`
	Nodes      []struct {
		OID string `json:"oid"`
	} `json:"nodes"`
}

// AssociatedPullRequests lists pull request numbers a commit belongs to.
type AssociatedPullRequests struct {
	Nodes []struct {
		Number int `json:"number"`
	} `json:"nodes"`
}

// CommitNode is one commit object.
type CommitNode struct {
	OID                    string                  `json:"oid"`
	Message                string                  `json:"message"`
	Additions              int                     `json:"additions"`
	Deletions              int                     `json:"deletions"`
	ChangedFiles           int                     `json:"changedFiles"`
	AuthoredDate           time.Time               `json:"authoredDate"`
	CommittedDate          time.Time               `json:"committedDate"`
	Parents                ParentConnection        `json:"parents"`
	Author                 GitActor                `json:"author"`
	Committer              GitActor                `json:"committer"`
	Status                 *StatusNode             `json:"status"`
	AssociatedPullRequests *AssociatedPullRequests `json:"associatedPullRequests"`
}

// ParentOIDs returns the commit's parent revisions.
func (n CommitNode) ParentOIDs() []string {
	parents := make([]string, 0, len(n.Parents.Nodes))
	for _, parent := range n.Parents.Nodes {
		parents = append(parents, parent.OID)
	}
	return parents
}

// AssociatedPullNumber returns the first associated pull request number, or 0.
func (n CommitNode) AssociatedPullNumber() int {
	if n.AssociatedPullRequests == nil {
		return 0
	}
	for _, pull := range n.AssociatedPullRequests.Nodes {
		if pull.Number > 0 {
			return pull.Number
		}
	}
	return 0
}

// CommitHistory is one page of a branch's commit history.
type CommitHistory struct {
	TotalCount int          `json:"totalCount"`
	PageInfo   PageInfo     `json:"pageInfo"`
	Nodes      []CommitNode `json:"nodes"`
}

// RefNode is a branch reference.
type RefNode struct {
	Target *RefTarget `json:"target"`
}

// RefTarget is the commit a branch points at.
type RefTarget struct {
	History *CommitHistory `json:"history"`
}

// RepoRef identifies the head or base repository of a pull request.
type RepoRef struct {
	NameWithOwner string `json:"nameWithOwner"`
	URL           string `json:"url"`
}

// ReviewNode is one pull request review.
type ReviewNode struct {
	Author    *UserRef  `json:"author"`
	State     string    `json:"state"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CommentNode is one pull request or issue comment.
type CommentNode struct {
	Author    *UserRef  `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MergedEventNode is the timeline event recorded when a pull request merges.
type MergedEventNode struct {
	CreatedAt time.Time `json:"createdAt"`
	Actor     *UserRef  `json:"actor"`
	Commit    *struct {
		OID string `json:"oid"`
	} `json:"commit"`
}

// PullRequestNode is one pull request with its nested detail.
type PullRequestNode struct {
	Number         int        `json:"number"`
	Title          string     `json:"title"`
	State          string     `json:"state"`
	URL            string     `json:"url"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ClosedAt       *time.Time `json:"closedAt"`
	MergedAt       *time.Time `json:"mergedAt"`
	Additions      int        `json:"additions"`
	Deletions      int        `json:"deletions"`
	ChangedFiles   int        `json:"changedFiles"`
	HeadRefName    string     `json:"headRefName"`
	HeadRefOID     string     `json:"headRefOid"`
	BaseRefName    string     `json:"baseRefName"`
	BaseRefOID     string     `json:"baseRefOid"`
	HeadRepository *RepoRef   `json:"headRepository"`
	BaseRepository *RepoRef   `json:"baseRepository"`
	Author         *UserRef   `json:"author"`
	MergedBy       *UserRef   `json:"mergedBy"`
	MergeCommit    *struct {
		OID string `json:"oid"`
	} `json:"mergeCommit"`
	HeadRef *struct {
		Target *CommitNode `json:"target"`
	} `json:"headRef"`
	Commits struct {
		TotalCount int `json:"totalCount"`
		Nodes      []struct {
			Commit CommitNode `json:"commit"`
		} `json:"nodes"`
	} `json:"commits"`
	Reviews struct {
		TotalCount int          `json:"totalCount"`
		Nodes      []ReviewNode `json:"nodes"`
	} `json:"reviews"`
	Comments struct {
		TotalCount int           `json:"totalCount"`
		Nodes      []CommentNode `json:"nodes"`
	} `json:"comments"`
	TimelineItems struct {
		Nodes []MergedEventNode `json:"nodes"`
	} `json:"timelineItems"`
}

// PullRequestConnection is one page of pull requests.
type PullRequestConnection struct {
	TotalCount int               `json:"totalCount"`
	PageInfo   PageInfo          `json:"pageInfo"`
	Nodes      []PullRequestNode `json:"nodes"`
}

// IssueNode is one issue.
type IssueNode struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	URL       string     `json:"url"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt"`
	Author    *UserRef   `json:"author"`
	Comments  struct {
		TotalCount int `json:"totalCount"`
	} `json:"comments"`
}

// CommitsTruncated reports whether the node lists fewer commits than the pull request has.
func (n PullRequestNode) CommitsTruncated() bool {
	return n.Commits.TotalCount > len(n.Commits.Nodes)
}

// IssueConnection is one page of issues.
type IssueConnection struct {
	TotalCount int         `json:"totalCount"`
	PageInfo   PageInfo    `json:"pageInfo"`
	Nodes      []IssueNode `json:"nodes"`
}

// RepositoryNode is the repository object of a page response. Streams the query did not
// request are nil, and Ref is also nil when the branch does not exist.
type RepositoryNode struct {
	Ref          *RefNode               `json:"ref"`
	PullRequests *PullRequestConnection `json:"pullRequests"`
	Issues       *IssueConnection       `json:"issues"`
}

// History returns the commit history page, or nil when the branch or history is absent.
func (r RepositoryNode) History() *CommitHistory {
	if r.Ref == nil || r.Ref.Target == nil {
		return nil
	}
	return r.Ref.Target.History
}
