package query

const (
	fragCommitFields           = "commitFields"
	fragCommitLookupFields     = "commitLookupFields"
	fragCommitHistory          = "commitHistory"
	fragCommitHistoryWithCount = "commitHistoryWithCount"
	fragPullRequestFields      = "pullRequestFields"
	fragPullRequests           = "pullRequests"
	fragIssues                 = "issues"
)

// fragmentDeps lists the fragments each fragment spreads.
var fragmentDeps = map[string][]string{
	fragCommitLookupFields:     {fragCommitFields},
	fragCommitHistory:          {fragCommitFields},
	fragCommitHistoryWithCount: {fragCommitFields},
	fragPullRequestFields:      {fragCommitFields},
	fragPullRequests:           {fragPullRequestFields},
}

var fragmentText = map[string]string{
	fragCommitFields: `fragment commitFields on Commit {
  oid
  message
  additions
  deletions
  changedFiles
  authoredDate
  committedDate
  parents(first: 5) { totalCount nodes { oid } }
  author { name email date user { login } }
  committer { name email date user { login } }
  status { contexts { context description state targetUrl } }
}`,
	fragCommitLookupFields: `fragment commitLookupFields on Commit {
  ...commitFields
  associatedPullRequests(first: 1) { nodes { number } }
}`,
	fragCommitHistory: `fragment commitHistory on Repository {
  ref(qualifiedName: $branch) {
    target {
      ... on Commit {
        history(first: $fetchCount, since: $since, after: $commitsAfter) {
          pageInfo { endCursor hasNextPage }
          nodes { ...commitFields }
        }
      }
    }
  }
}`,
	fragCommitHistoryWithCount: `fragment commitHistoryWithCount on Repository {
  ref(qualifiedName: $branch) {
    target {
      ... on Commit {
        history(first: $fetchCount, since: $since, after: $commitsAfter) {
          totalCount
          pageInfo { endCursor hasNextPage }
          nodes { ...commitFields }
        }
      }
    }
  }
}`,
	fragPullRequestFields: `fragment pullRequestFields on PullRequest {
  number
  title
  state
  url
  createdAt
  updatedAt
  closedAt
  mergedAt
  additions
  deletions
  changedFiles
  headRefName
  headRefOid
  baseRefName
  baseRefOid
  headRepository { nameWithOwner url }
  baseRepository { nameWithOwner url }
  author { login }
  mergedBy { login }
  mergeCommit { oid }
  headRef { target { ... on Commit { ...commitFields } } }
  commits(first: 100) { totalCount nodes { commit { ...commitFields } } }
  reviews(first: 100) { totalCount nodes { author { login } state body createdAt updatedAt } }
  comments(first: 100) { totalCount nodes { author { login } body createdAt updatedAt } }
  timelineItems(last: 1, itemTypes: [MERGED_EVENT]) {
    nodes { ... on MergedEvent { createdAt actor { login } commit { oid } } }
  }
}`,
	fragPullRequests: `fragment pullRequests on Repository {
  pullRequests(first: $fetchCount, after: $pullsAfter, baseRefName: $branch, orderBy: {field: UPDATED_AT, direction: DESC}) {
    totalCount
    pageInfo { endCursor hasNextPage }
    nodes { ...pullRequestFields }
  }
}`,
	fragIssues: `fragment issues on Repository {
  issues(first: $fetchCount, after: $issuesAfter, orderBy: {field: UPDATED_AT, direction: DESC}) {
    totalCount
    pageInfo { endCursor hasNextPage }
    nodes {
      number
      title
      state
      url
      createdAt
      updatedAt
      closedAt
      author { login }
      comments { totalCount }
    }
  }
}`,
}

// resolveFragments expands roots with their dependencies, in a stable order with roots first.
func resolveFragments(roots []string) []string {
	seen := make(map[string]struct{})
	ordered := make([]string, 0, len(roots)+2)
	var visit func(name string)
	visit = func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		ordered = append(ordered, name)
		for _, dep := range fragmentDeps[name] {
			visit(dep)
		}
	}
	for _, root := range roots {
		visit(root)
	}
	return ordered
}
