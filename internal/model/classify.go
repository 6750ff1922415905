package model

import "regexp"

// ClassifyCommit derives the commit type and first-ever flag from its parents and message.
// No parents marks the repository's first commit, more than one parent is a merge, and a
// single-parent commit whose message matches an exclusion pattern is not built.
func ClassifyCommit(parents []string, message string, exclusions []*regexp.Regexp) (CommitType, bool) {
	switch {
	case len(parents) == 0:
		return CommitTypeNew, true
	case len(parents) > 1:
		return CommitTypeMerge, false
	}
	for _, pattern := range exclusions {
		if pattern != nil && pattern.MatchString(message) {
			return CommitTypeNotBuilt, false
		}
	}
	return CommitTypeNew, false
}

// CompilePatterns compiles commit-message exclusion patterns.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		pattern, err := regexp.Compile(raw)
		if err != nil {
			return nil, ConfigurationError("invalid commit exclusion pattern %q: %v", raw, err)
		}
		compiled = append(compiled, pattern)
	}
	return compiled, nil
}
