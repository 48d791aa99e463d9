package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/mergeq/internal/config"
	"github.com/alekspetrov/mergeq/internal/github"
	"github.com/alekspetrov/mergeq/internal/testutil"
)

const trackingIssueNumber = 77

// requestBody is a minimal issue-form body requesting PR #7.
const requestBody = `### PR Numbers

7

### Release PR (Optional)

_No response_

### Required Approvals Override (Optional)

_No response_`

// fakeClient implements the composed Client interface for one cycle.
type fakeClient struct {
	issues   map[int]*github.Issue
	open     []*github.Issue // served by ListIssues (lock scan)
	created  []*github.IssueInput
	closed   []int
	posted   map[int][]string
	replies  map[int][]*github.Comment // served by ListCommentsAfter
	members  []string
	prs      map[int]*github.PullRequest
	cands    map[int]*github.Candidate
	runs     map[int64]*github.WorkflowRun
	merged   []int
	authors  map[int]string

	// failCommentContaining makes AddComment fail for bodies containing
	// the substring, to exercise fatal paths.
	failCommentContaining string

	// cancelRun, when set, runs on the first merge call, simulating a
	// signal arriving mid-cycle.
	cancelRun context.CancelFunc
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		issues:  map[int]*github.Issue{},
		posted:  map[int][]string{},
		replies: map[int][]*github.Comment{},
		prs:     map[int]*github.PullRequest{},
		cands:   map[int]*github.Candidate{},
		runs:    map[int64]*github.WorkflowRun{},
		authors: map[int]string{},
	}
}

func (f *fakeClient) GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error) {
	issue, ok := f.issues[number]
	if !ok {
		return nil, errors.New("API error (status 404): not found")
	}
	return issue, nil
}

func (f *fakeClient) ListIssues(ctx context.Context, owner, repo string, opts *github.ListIssuesOptions) ([]*github.Issue, error) {
	return f.open, nil
}

func (f *fakeClient) CreateIssue(ctx context.Context, owner, repo string, input *github.IssueInput) (*github.Issue, error) {
	f.created = append(f.created, input)
	return &github.Issue{Number: trackingIssueNumber}, nil
}

func (f *fakeClient) CloseIssue(ctx context.Context, owner, repo string, number int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.closed = append(f.closed, number)
	return nil
}

func (f *fakeClient) AddComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failCommentContaining != "" && strings.Contains(body, f.failCommentContaining) {
		return nil, errors.New("API error (status 500): boom")
	}
	f.posted[number] = append(f.posted[number], body)
	return &github.Comment{ID: 1, Body: body, CreatedAt: time.Now().Add(-time.Minute)}, nil
}

func (f *fakeClient) ListTeamMembers(ctx context.Context, org, team string) ([]string, error) {
	return f.members, nil
}

func (f *fakeClient) IsTeamMember(ctx context.Context, org, team, user string) (bool, error) {
	for _, m := range f.members {
		if m == user {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeClient) ListCommentsAfter(ctx context.Context, owner, repo string, number int, after time.Time) ([]*github.Comment, error) {
	return f.replies[number], nil
}

func (f *fakeClient) GetCandidate(ctx context.Context, owner, repo string, number int) (*github.Candidate, error) {
	c, ok := f.cands[number]
	if !ok {
		return nil, errors.New("API error (status 404): not found")
	}
	return c, nil
}

func (f *fakeClient) GetBranchProtection(ctx context.Context, owner, repo, branch string) (*github.BranchProtection, error) {
	return nil, nil
}

func (f *fakeClient) UpdateBranch(ctx context.Context, owner, repo string, number int) error {
	return nil
}

func (f *fakeClient) GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (*github.WorkflowRun, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, errors.New("API error (status 404): not found")
	}
	return run, nil
}

func (f *fakeClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	pr, ok := f.prs[number]
	if !ok {
		return nil, errors.New("API error (status 404): not found")
	}
	return pr, nil
}

func (f *fakeClient) IsBranchProtected(ctx context.Context, owner, repo, branch string) (bool, error) {
	return false, nil
}

func (f *fakeClient) MergePullRequest(ctx context.Context, owner, repo string, number int, opts github.MergeOptions) error {
	if f.cancelRun != nil {
		f.cancelRun()
		f.cancelRun = nil
	}
	f.merged = append(f.merged, number)
	if pr, ok := f.prs[number]; ok {
		pr.State = github.StateClosed
		pr.Merged = true
	}
	return nil
}

func (f *fakeClient) GetPullRequestAuthor(ctx context.Context, owner, repo string, number int) (string, error) {
	return f.authors[number], nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Repository = "acme/widgets"
	cfg.GitHub.Token = testutil.FakeGitHubToken
	cfg.Approval.Org = "acme"
	cfg.Approval.PollSeconds = 1
	cfg.CI.MaxWaitSeconds = 5
	cfg.CI.CheckIntervalSeconds = 1
	cfg.CI.MaxStartupWaitSeconds = 5
	cfg.CI.StartupPollSeconds = 1
	cfg.Queue.PostMergeSettleSeconds = 0
	return cfg
}

// wireCycle sets the fake up for a full successful cycle for PR #7
// requested via originator issue #10 and approved by alice.
func wireCycle(f *fakeClient) {
	f.issues[10] = &github.Issue{
		Number: 10,
		Body:   requestBody,
		User:   github.User{Login: "dana"},
	}
	f.members = []string{"alice", "bob"}
	f.replies[10] = []*github.Comment{
		{ID: 2, Body: "approved", User: github.User{Login: "alice"}, CreatedAt: time.Now()},
	}

	f.cands[7] = &github.Candidate{
		Number:         7,
		State:          github.PRStateOpen,
		MergeableState: github.MergeableStateMergeable,
		BaseRef:        "main",
		HeadRef:        "feature/7",
		Author:         "carol",
		Reviews: []github.Review{
			{State: github.ReviewStateApproved, User: github.User{Login: "bob"}},
		},
		Checks: []github.StatusCheck{
			{Context: "run-tests", State: github.CheckStateSuccess},
		},
	}

	mergeable := true
	pr := &github.PullRequest{
		Number:    7,
		State:     github.StateOpen,
		Mergeable: &mergeable,
		User:      github.User{Login: "carol"},
	}
	pr.Head.Ref = "feature/7"
	f.prs[7] = pr
	f.authors[7] = "carol"

	f.replies[7] = []*github.Comment{
		{
			ID:        3,
			Body:      fmt.Sprintf("✅ CI job started: [View Workflow Run](https://github.com/acme/widgets/actions/runs/%d)", 555),
			CreatedAt: time.Now(),
		},
	}
	f.runs[555] = &github.WorkflowRun{ID: 555, Status: github.RunStatusCompleted, Conclusion: github.RunConclusionSuccess}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func TestRunFullCycle(t *testing.T) {
	client := newFakeClient()
	wireCycle(client)

	o := New(client, testConfig())
	if err := o.Run(context.Background(), 10); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Lock acquired with both labels
	if len(client.created) != 1 {
		t.Fatalf("created issues = %d, want 1", len(client.created))
	}
	if labels := client.created[0].Labels; len(labels) != 2 || labels[0] != "distributed-lock" {
		t.Errorf("tracking labels = %v", labels)
	}

	if len(client.merged) != 1 || client.merged[0] != 7 {
		t.Errorf("merged = %v, want [7]", client.merged)
	}

	// Summary posted to the originator, which is then closed
	if !contains(client.posted[10], "## 🎯 **Merge Queue Results**") {
		t.Errorf("summary not posted, originator comments = %d", len(client.posted[10]))
	}

	// Lock released as completed with the cycle summary
	if !contains(client.posted[trackingIssueNumber], "✅ **Merge Queue Process Completed**") {
		t.Errorf("release comment = %v", client.posted[trackingIssueNumber])
	}
	if !contains(client.posted[trackingIssueNumber], "**Merged**: 1, **Failed**: 0") {
		t.Errorf("release summary = %v", client.posted[trackingIssueNumber])
	}

	// Both the originator and the tracking issue get closed
	want := map[int]bool{10: true, trackingIssueNumber: true}
	for _, n := range client.closed {
		delete(want, n)
	}
	if len(want) != 0 {
		t.Errorf("closed = %v, missing %v", client.closed, want)
	}
}

func TestRunLockHeld(t *testing.T) {
	client := newFakeClient()
	wireCycle(client)
	client.open = []*github.Issue{
		{Number: 42, Title: "[MERGE QUEUE TRACKING] Issue #10 - Auto Merge In Progress"},
	}

	o := New(client, testConfig())
	if err := o.Run(context.Background(), 10); err != nil {
		t.Fatalf("lock contention must be a clean exit, got %v", err)
	}

	if !contains(client.posted[10], "Duplicate Merge Queue Request Detected") {
		t.Errorf("duplicate comment not posted: %v", client.posted[10])
	}
	if len(client.created) != 0 {
		t.Errorf("no tracking issue expected, created = %d", len(client.created))
	}
	if len(client.merged) != 0 {
		t.Errorf("merged = %v, want none", client.merged)
	}
}

func TestRunParseFailure(t *testing.T) {
	client := newFakeClient()
	client.issues[10] = &github.Issue{
		Number: 10,
		Body:   "no PR numbers anywhere",
		User:   github.User{Login: "dana"},
	}

	o := New(client, testConfig())
	if err := o.Run(context.Background(), 10); err == nil {
		t.Fatal("expected extraction error")
	}

	if !contains(client.posted[10], "❌ **Error**") {
		t.Errorf("extraction error comment not posted: %v", client.posted[10])
	}
	if len(client.created) != 0 {
		t.Error("no lock should be taken for an unparsable request")
	}
}

func TestRunRejected(t *testing.T) {
	client := newFakeClient()
	wireCycle(client)
	client.replies[10] = []*github.Comment{
		{ID: 2, Body: "rejected", User: github.User{Login: "alice"}, CreatedAt: time.Now()},
	}

	o := New(client, testConfig())
	if err := o.Run(context.Background(), 10); err != nil {
		t.Fatalf("rejection must be a clean exit, got %v", err)
	}

	if len(client.merged) != 0 {
		t.Errorf("merged = %v, want none", client.merged)
	}
	if !contains(client.posted[trackingIssueNumber], "❌ **Merge Queue Process Rejected**") {
		t.Errorf("release comment = %v", client.posted[trackingIssueNumber])
	}

	// The submitter still gets a final report, and the originator stays
	// open for a retry.
	if !contains(client.posted[10], "## 🎯 **Merge Queue Results**") {
		t.Errorf("summary not posted on rejection: %v", client.posted[10])
	}
	for _, n := range client.closed {
		if n == 10 {
			t.Errorf("originator must stay open after rejection, closed = %v", client.closed)
		}
	}
}

func TestRunClosesTrackingIssueAfterCancellation(t *testing.T) {
	client := newFakeClient()
	wireCycle(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.cancelRun = cancel

	o := New(client, testConfig())
	if err := o.Run(ctx, 10); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The run context is dead, but the lock still releases: the
	// completion comment lands and the tracking issue closes.
	if !contains(client.posted[trackingIssueNumber], "**Merge Queue Process") {
		t.Errorf("release comment = %v", client.posted[trackingIssueNumber])
	}
	found := false
	for _, n := range client.closed {
		if n == trackingIssueNumber {
			found = true
		}
	}
	if !found {
		t.Errorf("tracking issue not closed, closed = %v", client.closed)
	}
}

func TestRunConfiguredApprovalsFloor(t *testing.T) {
	client := newFakeClient()
	wireCycle(client) // candidate 7 carries a single approval

	cfg := testConfig()
	cfg.Queue.RequiredApprovals = 2

	o := New(client, cfg)
	if err := o.Run(context.Background(), 10); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(client.merged) != 0 {
		t.Errorf("merged = %v, want none under the configured floor", client.merged)
	}
	if !contains(client.posted[trackingIssueNumber], "**Merged**: 0, **Failed**: 1") {
		t.Errorf("release summary = %v", client.posted[trackingIssueNumber])
	}
}

func TestRunApprovalRequestFailureStillReports(t *testing.T) {
	client := newFakeClient()
	wireCycle(client)
	client.failCommentContaining = "Merge Queue Approval Requested"

	o := New(client, testConfig())
	if err := o.Run(context.Background(), 10); err == nil {
		t.Fatal("expected approval request failure")
	}

	// The submitter still gets a verdict, and the lock releases as failed.
	if !contains(client.posted[10], "## 🎯 **Merge Queue Results**") {
		t.Errorf("summary not posted on fatal path: %v", client.posted[10])
	}
	if !contains(client.posted[trackingIssueNumber], "💥 **Merge Queue Process Failed**") {
		t.Errorf("release comment = %v", client.posted[trackingIssueNumber])
	}
}

func TestRunValidationFailureOnly(t *testing.T) {
	client := newFakeClient()
	wireCycle(client)
	client.cands[7].MergeableState = github.MergeableStateConflicting

	o := New(client, testConfig())
	if err := o.Run(context.Background(), 10); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(client.merged) != 0 {
		t.Errorf("merged = %v, want none", client.merged)
	}
	if !contains(client.posted[trackingIssueNumber], "**Merged**: 0, **Failed**: 1") {
		t.Errorf("release summary = %v", client.posted[trackingIssueNumber])
	}
	// Validation failures count as processed, so the originator closes.
	found := false
	for _, n := range client.closed {
		if n == 10 {
			found = true
		}
	}
	if !found {
		t.Errorf("originator should close, closed = %v", client.closed)
	}
}
