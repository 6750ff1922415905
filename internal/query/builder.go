package query

import (
	"fmt"
	"strings"
	"time"
)

const (
	varOwner        = "owner"
	varName         = "name"
	varBranch       = "branch"
	varFetchCount   = "fetchCount"
	varSince        = "since"
	varCommitsAfter = "commitsAfter"
	varPullsAfter   = "pullsAfter"
	varIssuesAfter  = "issuesAfter"
	varNumber       = "number"

	// MaxFetchCount is the upstream connection page-size ceiling.
	MaxFetchCount = 100
)

var variableTypes = map[string]string{
	varOwner:        "String!",
	varName:         "String!",
	varBranch:       "String!",
	varFetchCount:   "Int!",
	varSince:        "GitTimestamp!",
	varCommitsAfter: "String",
	varPullsAfter:   "String",
	varIssuesAfter:  "String",
	varNumber:       "Int!",
}

var afterVariable = map[Stream]string{
	StreamCommits: varCommitsAfter,
	StreamPulls:   varPullsAfter,
	StreamIssues:  varIssuesAfter,
}

// shape is one row of the mode table.
type shape struct {
	streams   []Stream
	fragments []string
	variables []string
	firstRun  bool
}

func newShape(firstRun bool, streams ...Stream) shape {
	s := shape{
		streams:   streams,
		firstRun:  firstRun,
		variables: []string{varOwner, varName, varFetchCount},
	}
	needsBranch := false
	for _, stream := range streams {
		switch stream {
		case StreamCommits:
			needsBranch = true
			if firstRun {
				s.fragments = append(s.fragments, fragCommitHistoryWithCount)
			} else {
				s.fragments = append(s.fragments, fragCommitHistory)
			}
			s.variables = append(s.variables, varSince, varCommitsAfter)
		case StreamPulls:
			needsBranch = true
			s.fragments = append(s.fragments, fragPullRequests)
			s.variables = append(s.variables, varPullsAfter)
		case StreamIssues:
			s.fragments = append(s.fragments, fragIssues)
			s.variables = append(s.variables, varIssuesAfter)
		}
	}
	if needsBranch {
		s.variables = append(s.variables, varBranch)
	}
	return s
}

// shapes maps every non-terminal mode to its fragments and required variables.
var shapes = map[Mode]shape{
	ModeAllThree:         newShape(false, StreamCommits, StreamPulls, StreamIssues),
	ModeCommitsOnly:      newShape(false, StreamCommits),
	ModePullsOnly:        newShape(false, StreamPulls),
	ModeIssuesOnly:       newShape(false, StreamIssues),
	ModeCommitsAndPulls:  newShape(false, StreamCommits, StreamPulls),
	ModeCommitsAndIssues: newShape(false, StreamCommits, StreamIssues),
	ModePullsAndIssues:   newShape(false, StreamPulls, StreamIssues),

	ModeFirstRunAllThree:         newShape(true, StreamCommits, StreamPulls, StreamIssues),
	ModeFirstRunCommitsOnly:      newShape(true, StreamCommits),
	ModeFirstRunCommitsAndPulls:  newShape(true, StreamCommits, StreamPulls),
	ModeFirstRunCommitsAndIssues: newShape(true, StreamCommits, StreamIssues),
}

// Params carries the values substituted into a page query.
type Params struct {
	Owner      string
	Name       string
	Branch     string
	FetchCount int
	Since      time.Time
	Cursors    map[Stream]string
}

// Document is a GraphQL operation and its variable payload.
type Document struct {
	Operation string
	Text      string
	Variables map[string]any
}

// Build assembles the page query for a mode. Variables for streams the mode excludes are
// neither declared nor sent.
func Build(mode Mode, params Params) (Document, error) {
	s, ok := shapes[mode]
	if !ok {
		return Document{}, fmt.Errorf("no query shape for mode %q", mode)
	}
	if strings.TrimSpace(params.Owner) == "" || strings.TrimSpace(params.Name) == "" {
		return Document{}, fmt.Errorf("owner and name are required")
	}

	values := make(map[string]any, len(s.variables))
	for _, name := range s.variables {
		switch name {
		case varOwner:
			values[name] = params.Owner
		case varName:
			values[name] = params.Name
		case varFetchCount:
			values[name] = clampFetchCount(params.FetchCount)
		case varBranch:
			if strings.TrimSpace(params.Branch) == "" {
				return Document{}, fmt.Errorf("branch is required for mode %q", mode)
			}
			values[name] = params.Branch
		case varSince:
			values[name] = params.Since.UTC().Format(time.RFC3339)
		default:
			values[name] = cursorValue(params.Cursors, name)
		}
	}

	selections := make([]string, 0, len(s.fragments))
	for _, fragment := range s.fragments {
		selections = append(selections, "..."+fragment)
	}

	return Document{
		Operation: "FetchRepositoryPage",
		Text: render(
			"FetchRepositoryPage",
			s.variables,
			"repository(owner: $owner, name: $name) {\n    "+strings.Join(selections, "\n    ")+"\n  }",
			resolveFragments(s.fragments),
		),
		Variables: values,
	}, nil
}

// BuildCommitLookup assembles one aliased query resolving every oid in a push payload.
func BuildCommitLookup(owner, name string, oids []string) (Document, error) {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(name) == "" {
		return Document{}, fmt.Errorf("owner and name are required")
	}
	if len(oids) == 0 {
		return Document{}, fmt.Errorf("at least one oid is required")
	}

	variables := []string{varOwner, varName}
	values := map[string]any{varOwner: owner, varName: name}
	declarations := make(map[string]string, len(oids))
	selections := make([]string, 0, len(oids))
	for i, oid := range oids {
		variable := fmt.Sprintf("oid%d", i)
		variables = append(variables, variable)
		declarations[variable] = "GitObjectID!"
		values[variable] = oid
		selections = append(selections, fmt.Sprintf("%s: object(oid: $%s) { ... on Commit { ...%s } }", CommitAlias(i), variable, fragCommitLookupFields))
	}

	return Document{
		Operation: "LookupCommits",
		Text: renderWithTypes(
			"LookupCommits",
			variables,
			declarations,
			"repository(owner: $owner, name: $name) {\n    "+strings.Join(selections, "\n    ")+"\n  }",
			resolveFragments([]string{fragCommitLookupFields}),
		),
		Variables: values,
	}, nil
}

// CommitAlias is the response key of the i-th commit in a lookup query.
func CommitAlias(i int) string {
	return fmt.Sprintf("c%d", i)
}

// BuildPullRequestLookup assembles a query for one pull request's full detail.
func BuildPullRequestLookup(owner, name string, number int) (Document, error) {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(name) == "" {
		return Document{}, fmt.Errorf("owner and name are required")
	}
	if number <= 0 {
		return Document{}, fmt.Errorf("pull request number must be > 0")
	}

	variables := []string{varOwner, varName, varNumber}
	return Document{
		Operation: "LookupPullRequest",
		Text: render(
			"LookupPullRequest",
			variables,
			"repository(owner: $owner, name: $name) {\n    pullRequest(number: $number) { ..."+fragPullRequestFields+" }\n  }",
			resolveFragments([]string{fragPullRequestFields}),
		),
		Variables: map[string]any{
			varOwner:  owner,
			varName:   name,
			varNumber: number,
		},
	}, nil
}

func render(operation string, variables []string, body string, fragments []string) string {
	return renderWithTypes(operation, variables, nil, body, fragments)
}

func renderWithTypes(operation string, variables []string, extraTypes map[string]string, body string, fragments []string) string {
	declarations := make([]string, 0, len(variables))
	for _, name := range variables {
		typ, ok := extraTypes[name]
		if !ok {
			typ = variableTypes[name]
		}
		declarations = append(declarations, "$"+name+": "+typ)
	}

	builder := strings.Builder{}
	builder.WriteString("query ")
	builder.WriteString(operation)
	builder.WriteString("(")
	builder.WriteString(strings.Join(declarations, ", "))
	builder.WriteString(") {\n  ")
	builder.WriteString(body)
	builder.WriteString("\n}\n")
	for _, fragment := range fragments {
		builder.WriteString("\n")
		builder.WriteString(fragmentText[fragment])
		builder.WriteString("\n")
	}
	return builder.String()
}

func cursorValue(cursors map[Stream]string, variable string) any {
	for stream, name := range afterVariable {
		if name != variable {
			continue
		}
		if cursor := cursors[stream]; cursor != "" {
			return cursor
		}
	}
	return nil
}

func clampFetchCount(count int) int {
	if count <= 0 {
		return 25
	}
	if count > MaxFetchCount {
		return MaxFetchCount
	}
	return count
}
