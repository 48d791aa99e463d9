package github

// Config holds GitHub adapter configuration
type Config struct {
	Token   string `yaml:"token"`    // Personal Access Token with repo + read:org scope
	BaseURL string `yaml:"base_url"` // Override for GitHub Enterprise / testing
}

// Issue states (REST API, lowercase)
const (
	StateOpen   = "open"
	StateClosed = "closed"
	StateAll    = "all"
)

// Candidate lifecycle states as the merge queue sees them
const (
	PRStateOpen   = "OPEN"
	PRStateClosed = "CLOSED"
	PRStateMerged = "MERGED"
)

// Mergeable states reported on a candidate snapshot
const (
	MergeableStateMergeable   = "MERGEABLE"
	MergeableStateConflicting = "CONFLICTING"
	MergeableStateUnknown     = "UNKNOWN"
)

// Review and status-check states
const (
	ReviewStateApproved = "APPROVED"
	CheckStateSuccess   = "SUCCESS"
)

// Merge methods accepted by MergePullRequest
const (
	MergeMethodMerge  = "merge"
	MergeMethodSquash = "squash"
	MergeMethodRebase = "rebase"
)

// Workflow run status/conclusion values
const (
	RunStatusQueued      = "queued"
	RunStatusInProgress  = "in_progress"
	RunStatusCompleted   = "completed"
	RunConclusionSuccess = "success"
)
