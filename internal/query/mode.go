package query

// Stream is one paged upstream collection.
type Stream string

const (
	// StreamCommits is the branch commit history.
	StreamCommits Stream = "commits"
	// StreamPulls is the pull request list targeting the branch.
	StreamPulls Stream = "pulls"
	// StreamIssues is the repository issue list.
	StreamIssues Stream = "issues"
)

// Streams lists every stream in fetch order.
var Streams = []Stream{StreamCommits, StreamPulls, StreamIssues}

// Mode is the shape of the next page query.
type Mode string

const (
	// ModeNone terminates the paging loop.
	ModeNone Mode = "none"

	ModeAllThree         Mode = "all_three"
	ModeCommitsOnly      Mode = "commits_only"
	ModePullsOnly        Mode = "pulls_only"
	ModeIssuesOnly       Mode = "issues_only"
	ModeCommitsAndPulls  Mode = "commits_and_pulls"
	ModeCommitsAndIssues Mode = "commits_and_issues"
	ModePullsAndIssues   Mode = "pulls_and_issues"

	// First-run variants also request the total size of the commit history.
	ModeFirstRunAllThree         Mode = "first_run_all_three"
	ModeFirstRunCommitsOnly      Mode = "first_run_commits_only"
	ModeFirstRunCommitsAndPulls  Mode = "first_run_commits_and_pulls"
	ModeFirstRunCommitsAndIssues Mode = "first_run_commits_and_issues"
)

// Exhaustion is the selector input: which streams have no further pages, and whether
// the repository has never been synced.
type Exhaustion struct {
	Commits  bool
	Pulls    bool
	Issues   bool
	FirstRun bool
}

func (e Exhaustion) index() int {
	idx := 0
	if e.Commits {
		idx |= 1
	}
	if e.Pulls {
		idx |= 2
	}
	if e.Issues {
		idx |= 4
	}
	if e.FirstRun {
		idx |= 8
	}
	return idx
}

// modeTable enumerates all sixteen selector inputs. Bits: 1 commits, 2 pulls, 4 issues
// exhausted, 8 first run.
var modeTable = map[int]Mode{
	0:  ModeAllThree,
	1:  ModePullsAndIssues,
	2:  ModeCommitsAndIssues,
	3:  ModeIssuesOnly,
	4:  ModeCommitsAndPulls,
	5:  ModePullsOnly,
	6:  ModeCommitsOnly,
	7:  ModeNone,
	8:  ModeFirstRunAllThree,
	9:  ModePullsAndIssues,
	10: ModeFirstRunCommitsAndIssues,
	11: ModeIssuesOnly,
	12: ModeFirstRunCommitsAndPulls,
	13: ModePullsOnly,
	14: ModeFirstRunCommitsOnly,
	15: ModeNone,
}

// Select returns the query mode for the given exhaustion flags. Unmapped inputs yield
// ModeNone so the paging loop always terminates.
func Select(in Exhaustion) Mode {
	mode, ok := modeTable[in.index()]
	if !ok {
		return ModeNone
	}
	return mode
}

// Includes reports whether the mode fetches the stream.
func (m Mode) Includes(stream Stream) bool {
	shape, ok := shapes[m]
	if !ok {
		return false
	}
	for _, included := range shape.streams {
		if included == stream {
			return true
		}
	}
	return false
}

// IsFirstRun reports whether the mode is a first-run variant.
func (m Mode) IsFirstRun() bool {
	shape, ok := shapes[m]
	return ok && shape.firstRun
}
