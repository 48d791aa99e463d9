package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	githubAPIURL = "https://api.github.com"
)

// Client is a GitHub API client
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string // For testing - defaults to githubAPIURL
}

// NewClient creates a new GitHub client
func NewClient(token string) *Client {
	return &Client{
		token:   token,
		baseURL: githubAPIURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientWithBaseURL creates a new GitHub client with a custom base URL (for testing)
func NewClientWithBaseURL(token, baseURL string) *Client {
	return &Client{
		token:   token,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientFromConfig creates a client from adapter configuration,
// honoring a BaseURL override for GitHub Enterprise deployments.
func NewClientFromConfig(cfg *Config) *Client {
	if cfg.BaseURL != "" {
		return NewClientWithBaseURL(cfg.Token, cfg.BaseURL)
	}
	return NewClient(cfg.Token)
}

// User represents a GitHub user
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// Label represents a GitHub label
type Label struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Issue represents a GitHub issue
type Issue struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Labels    []Label   `json:"labels"`
	User      User      `json:"user"` // Issue author
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Comment represents an issue or PR comment
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      User      `json:"user"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Review represents a pull request review
type Review struct {
	ID    int64  `json:"id"`
	State string `json:"state"`
	User  User   `json:"user"`
}

// StatusCheck is one entry in a candidate's status-check rollup
type StatusCheck struct {
	Context string
	State   string // SUCCESS, FAILURE, PENDING, ...
}

// PullRequest is the raw REST representation of a pull request
type PullRequest struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	State     string `json:"state"` // open, closed
	Merged    bool   `json:"merged"`
	Mergeable *bool  `json:"mergeable"` // null while GitHub recomputes
	User      User   `json:"user"`
	Base      struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Head struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	HTMLURL string `json:"html_url"`
}

// LifecycleState maps the REST state+merged pair onto OPEN/CLOSED/MERGED.
func (pr *PullRequest) LifecycleState() string {
	switch {
	case pr.Merged:
		return PRStateMerged
	case pr.State == StateClosed:
		return PRStateClosed
	default:
		return PRStateOpen
	}
}

// MergeableState maps the REST nullable mergeable flag onto the
// MERGEABLE/CONFLICTING/UNKNOWN triple. GitHub reports null while the
// merge commit is being recomputed.
func (pr *PullRequest) MergeableState() string {
	if pr.Mergeable == nil {
		return MergeableStateUnknown
	}
	if *pr.Mergeable {
		return MergeableStateMergeable
	}
	return MergeableStateConflicting
}

// Candidate is a point-in-time snapshot of a change request as the merge
// queue evaluates it. Immutable once fetched; re-fetch before each
// transition.
type Candidate struct {
	Number         int
	State          string // OPEN, CLOSED, MERGED
	MergeableState string // MERGEABLE, CONFLICTING, UNKNOWN
	BaseRef        string
	HeadRef        string
	HeadSHA        string
	Author         string
	Reviews        []Review
	Checks         []StatusCheck
}

// Approvals counts reviews in APPROVED state.
func (c *Candidate) Approvals() int {
	n := 0
	for _, r := range c.Reviews {
		if r.State == ReviewStateApproved {
			n++
		}
	}
	return n
}

// BranchProtection is the subset of branch protection the queue reads
type BranchProtection struct {
	RequiredPullRequestReviews *struct {
		RequiredApprovingReviewCount int `json:"required_approving_review_count"`
	} `json:"required_pull_request_reviews"`
}

// WorkflowRun represents a GitHub Actions workflow run
type WorkflowRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`     // queued, in_progress, completed
	Conclusion string `json:"conclusion"` // success, failure, cancelled, ...
}

// doRequest performs an HTTP request to the GitHub API
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// isNotFoundError checks if error is a 404 not found error
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return len(errStr) >= 21 && errStr[:21] == "API error (status 404"
}

// isForbiddenError checks if error is a 403 forbidden error
func isForbiddenError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return len(errStr) >= 21 && errStr[:21] == "API error (status 403"
}

// isUnprocessableError checks if error is a 422 unprocessable entity error
func isUnprocessableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return len(errStr) >= 21 && errStr[:21] == "API error (status 422"
}

// GetIssue fetches an issue by owner, repo, and number
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	var issue Issue
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// AddComment adds a comment to an issue or pull request
func (c *Client) AddComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	return WithRetry(ctx, func() (*Comment, error) {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
		reqBody := map[string]string{"body": body}
		var comment Comment
		if err := c.doRequest(ctx, http.MethodPost, path, reqBody, &comment); err != nil {
			return nil, err
		}
		return &comment, nil
	}, DefaultRetryOptions())
}

// ListComments lists all comments on an issue or pull request
func (c *Client) ListComments(ctx context.Context, owner, repo string, number int) ([]*Comment, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=100", owner, repo, number)
	var comments []*Comment
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

// ListCommentsAfter lists comments created strictly after the given time.
// Equal timestamps are excluded so a signal can never match its own trigger.
func (c *Client) ListCommentsAfter(ctx context.Context, owner, repo string, number int, after time.Time) ([]*Comment, error) {
	comments, err := c.ListComments(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}

	var filtered []*Comment
	for _, comment := range comments {
		if comment.CreatedAt.After(after) {
			filtered = append(filtered, comment)
		}
	}
	return filtered, nil
}

// GetPullRequest fetches a pull request by number
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	var result PullRequest
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPullRequestAuthor returns the author login for a pull request
func (c *Client) GetPullRequestAuthor(ctx context.Context, owner, repo string, number int) (string, error) {
	pr, err := c.GetPullRequest(ctx, owner, repo, number)
	if err != nil {
		return "", err
	}
	return pr.User.Login, nil
}

// ListPullRequestReviews lists all reviews for a pull request
func (c *Client) ListPullRequestReviews(ctx context.Context, owner, repo string, number int) ([]Review, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", owner, repo, number)
	var result []Review
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetCombinedStatus fetches the status-check rollup for a commit SHA
func (c *Client) GetCombinedStatus(ctx context.Context, owner, repo, sha string) ([]StatusCheck, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/status", owner, repo, sha)

	var combined struct {
		State    string `json:"state"`
		Statuses []struct {
			Context string `json:"context"`
			State   string `json:"state"`
		} `json:"statuses"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &combined); err != nil {
		return nil, err
	}

	checks := make([]StatusCheck, 0, len(combined.Statuses))
	for _, s := range combined.Statuses {
		state := strings.ToUpper(s.State)
		checks = append(checks, StatusCheck{Context: s.Context, State: state})
	}
	return checks, nil
}

// GetCandidate composes a full candidate snapshot: PR data, reviews,
// and status-check rollup.
func (c *Client) GetCandidate(ctx context.Context, owner, repo string, number int) (*Candidate, error) {
	pr, err := c.GetPullRequest(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch PR #%d: %w", number, err)
	}

	reviews, err := c.ListPullRequestReviews(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch reviews for PR #%d: %w", number, err)
	}

	checks, err := c.GetCombinedStatus(ctx, owner, repo, pr.Head.SHA)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch status rollup for PR #%d: %w", number, err)
	}

	return &Candidate{
		Number:         pr.Number,
		State:          pr.LifecycleState(),
		MergeableState: pr.MergeableState(),
		BaseRef:        pr.Base.Ref,
		HeadRef:        pr.Head.Ref,
		HeadSHA:        pr.Head.SHA,
		Author:         pr.User.Login,
		Reviews:        reviews,
		Checks:         checks,
	}, nil
}

// UpdateBranch rebases the pull request's head branch onto its base branch
func (c *Client) UpdateBranch(ctx context.Context, owner, repo string, number int) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/%s/pulls/%d/update-branch", owner, repo, number)
		return c.doRequest(ctx, http.MethodPut, path, map[string]string{}, nil)
	}, DefaultRetryOptions())
}

// MergeOptions configures a pull request merge. Whether the merge may
// bypass branch protections is decided by the token's privileges, not by
// an option here.
type MergeOptions struct {
	Method       string // merge, squash, rebase
	CommitTitle  string
	DeleteBranch bool // delete head branch after a successful merge
}

// MergePullRequest merges a pull request. When DeleteBranch is set the head
// branch is removed after a successful merge. The merge call itself is NOT
// retried: it is not idempotent from the caller's view.
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, number int, opts MergeOptions) error {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number)

	body := map[string]string{
		"merge_method": opts.Method,
	}
	if opts.CommitTitle != "" {
		body["commit_title"] = opts.CommitTitle
	}

	if err := c.doRequest(ctx, http.MethodPut, path, body, nil); err != nil {
		return err
	}

	if opts.DeleteBranch {
		pr, err := c.GetPullRequest(ctx, owner, repo, number)
		if err != nil {
			return nil // merged; branch cleanup is best-effort
		}
		_ = c.DeleteBranch(ctx, owner, repo, pr.Head.Ref)
	}

	return nil
}

// DeleteBranch deletes a branch from the repository.
// Returns nil on success, or if the branch was already deleted (404/422).
func (c *Client) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", owner, repo, url.PathEscape(branch))
		err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
		if isNotFoundError(err) || isUnprocessableError(err) {
			return nil
		}
		return err
	}, DefaultRetryOptions())
}

// GetWorkflowRun fetches a workflow run by id
func (c *Client) GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (*WorkflowRun, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d", owner, repo, runID)
	var run WorkflowRun
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListWorkflowRuns lists runs of a workflow file filtered by status
func (c *Client) ListWorkflowRuns(ctx context.Context, owner, repo, workflowFile, status string) ([]*WorkflowRun, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/runs?status=%s&per_page=50",
		owner, repo, url.PathEscape(workflowFile), url.QueryEscape(status))

	var result struct {
		WorkflowRuns []*WorkflowRun `json:"workflow_runs"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.WorkflowRuns, nil
}

// GetBranchProtection fetches protection rules for a branch.
// Returns nil, nil when the branch is not protected (404) or the token
// lacks admin permission (403) - callers fall back to safe defaults.
func (c *Client) GetBranchProtection(ctx context.Context, owner, repo, branch string) (*BranchProtection, error) {
	path := fmt.Sprintf("/repos/%s/%s/branches/%s/protection", owner, repo, url.PathEscape(branch))
	var protection BranchProtection
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &protection); err != nil {
		if isNotFoundError(err) || isForbiddenError(err) {
			return nil, nil
		}
		return nil, err
	}
	return &protection, nil
}

// IsBranchProtected reports whether a branch has protection rules.
// Unknown (no access, fetch error) counts as unprotected for the
// required-approvals fallback but as protected for branch deletion -
// callers choose the safe default for their operation.
func (c *Client) IsBranchProtected(ctx context.Context, owner, repo, branch string) (bool, error) {
	protection, err := c.GetBranchProtection(ctx, owner, repo, branch)
	if err != nil {
		return false, err
	}
	return protection != nil, nil
}

// IsTeamMember checks if a user is a member of the given org team.
// 404 means "not a member", not an error.
func (c *Client) IsTeamMember(ctx context.Context, org, team, user string) (bool, error) {
	path := fmt.Sprintf("/orgs/%s/teams/%s/memberships/%s", org, url.PathEscape(team), url.PathEscape(user))
	var membership struct {
		State string `json:"state"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &membership); err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	return membership.State == "active", nil
}

// ListTeamMembers lists the member logins of an org team
func (c *Client) ListTeamMembers(ctx context.Context, org, team string) ([]string, error) {
	path := fmt.Sprintf("/orgs/%s/teams/%s/members?per_page=100", org, url.PathEscape(team))
	var users []User
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}

	members := make([]string, 0, len(users))
	for _, u := range users {
		members = append(members, u.Login)
	}
	return members, nil
}

// IssueInput is the input for creating a new issue
type IssueInput struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// CreateIssue creates a new issue in a repository.
/// Not retried: issue creation is not idempotent.
func (c *Client) CreateIssue(ctx context.Context, owner, repo string, input *IssueInput) (*Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
	var issue Issue
	if err := c.doRequest(ctx, http.MethodPost, path, input, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// CloseIssue closes an issue
func (c *Client) CloseIssue(ctx context.Context, owner, repo string, number int) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
		reqBody := map[string]string{"state": StateClosed}
		return c.doRequest(ctx, http.MethodPatch, path, reqBody, nil)
	}, DefaultRetryOptions())
}

// ListIssuesOptions filters ListIssues
type ListIssuesOptions struct {
	Labels []string
	State  string
}

// ListIssues lists issues for a repository with optional filters.
// Labels are filtered case-insensitively in Go code after fetching,
// because GitHub API label queries are case-sensitive.
func (c *Client) ListIssues(ctx context.Context, owner, repo string, opts *ListIssuesOptions) ([]*Issue, error) {
	state := StateOpen
	if opts != nil && opts.State != "" {
		state = opts.State
	}
	path := fmt.Sprintf("/repos/%s/%s/issues?state=%s&per_page=100", owner, repo, state)

	var issues []*Issue
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &issues); err != nil {
		return nil, err
	}

	if opts == nil || len(opts.Labels) == 0 {
		return issues, nil
	}

	var filtered []*Issue
	for _, issue := range issues {
		hasAllLabels := true
		for _, wantLabel := range opts.Labels {
			if !HasLabel(issue, wantLabel) {
				hasAllLabels = false
				break
			}
		}
		if hasAllLabels {
			filtered = append(filtered, issue)
		}
	}
	return filtered, nil
}

// HasLabel checks if an issue has a specific label (case-insensitive)
func HasLabel(issue *Issue, labelName string) bool {
	for _, label := range issue.Labels {
		if strings.EqualFold(label.Name, labelName) {
			return true
		}
	}
	return false
}
