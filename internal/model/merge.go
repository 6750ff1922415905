package model

// MergeCommit folds an incoming observation into the stored commit with the same natural key.
// The stored ID is kept, a known pull-request number is never cleared, and non-empty
// identity fields are never replaced with empty ones.
func MergeCommit(existing, incoming Commit) Commit {
	merged := incoming
	if existing.ID != "" {
		merged.ID = existing.ID
	}
	if merged.PullNumber == 0 {
		merged.PullNumber = existing.PullNumber
	}
	merged.AuthorDN = firstNonEmpty(merged.AuthorDN, existing.AuthorDN)
	merged.AuthorType = firstNonEmpty(merged.AuthorType, existing.AuthorType)
	if merged.AuthorHandle == "" || merged.AuthorHandle == UnknownAuthor {
		if existing.AuthorHandle != "" {
			merged.AuthorHandle = existing.AuthorHandle
		}
	}
	if len(merged.ParentRevisions) == 0 && len(existing.ParentRevisions) > 0 {
		merged.ParentRevisions = existing.ParentRevisions
		merged.FirstEverCommit = existing.FirstEverCommit
		merged.Type = existing.Type
	}
	if len(merged.Statuses) == 0 {
		merged.Statuses = existing.Statuses
	}
	return merged
}

// MergeRequest folds an incoming pull request or issue into the stored one with the same natural key.
func MergeRequest(existing, incoming Request) Request {
	merged := incoming
	if existing.ID != "" {
		merged.ID = existing.ID
	}
	merged.AuthorDN = firstNonEmpty(merged.AuthorDN, existing.AuthorDN)
	merged.AuthorType = firstNonEmpty(merged.AuthorType, existing.AuthorType)
	if merged.IsMerged() {
		if len(merged.Commits) == 0 {
			merged.Commits = existing.Commits
		}
		if len(merged.Reviews) == 0 {
			merged.Reviews = existing.Reviews
		}
		if len(merged.Comments) == 0 {
			merged.Comments = existing.Comments
		}
		if len(merged.CommitStatuses) == 0 {
			merged.CommitStatuses = existing.CommitStatuses
		}
		merged.MergeSHA = firstNonEmpty(merged.MergeSHA, existing.MergeSHA)
	}
	return merged
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
