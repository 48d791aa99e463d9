package approval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/mergeq/internal/github"
	"github.com/alekspetrov/mergeq/internal/request"
)

type fakeClient struct {
	members    []string
	membersErr error
	comments   []*github.Comment
	posted     []string
}

func (f *fakeClient) ListTeamMembers(ctx context.Context, org, team string) ([]string, error) {
	return f.members, f.membersErr
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
	var out []*github.Comment
	for _, c := range f.comments {
		if c.CreatedAt.After(after) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeClient) AddComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error) {
	f.posted = append(f.posted, body)
	return &github.Comment{ID: int64(len(f.posted)), Body: body, CreatedAt: time.Now()}, nil
}

func testOptions() Options {
	return Options{
		Owner:            "acme",
		Repo:             "widgets",
		Org:              "acme",
		Group:            "merge-approvals",
		Timeout:          time.Second,
		ReminderInterval: time.Hour,
		PollInterval:     time.Millisecond,
	}
}

func testReq() *request.Request {
	return &request.Request{
		OriginatorID: 10,
		Submitter:    "alice",
		Candidates:   []int{123, 456},
	}
}

func TestRequestPostsTagComment(t *testing.T) {
	client := &fakeClient{members: []string{"bob", "carol"}}
	ctrl := NewController(client, testOptions())

	req := testReq()
	req.ReleaseCandidate = 789

	_, err := ctrl.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	if len(client.posted) != 1 {
		t.Fatalf("got %d comments, want 1", len(client.posted))
	}
	body := client.posted[0]
	if !strings.Contains(body, "@acme/merge-approvals") {
		t.Errorf("comment missing group tag: %q", body)
	}
	if !strings.Contains(body, "**Requested by**: @alice") {
		t.Errorf("comment missing submitter: %q", body)
	}
	if !strings.Contains(body, "#123, #456") {
		t.Errorf("comment missing linked candidates: %q", body)
	}
	if !strings.Contains(body, "**Release PR**: #789") {
		t.Errorf("comment missing release PR: %q", body)
	}
	if !strings.Contains(body, "This request will timeout in") {
		t.Errorf("comment missing timeout notice: %q", body)
	}
}

func TestWaitApproved(t *testing.T) {
	trigger := time.Now()
	client := &fakeClient{
		members: []string{"bob"},
		comments: []*github.Comment{
			{ID: 1, Body: "Approved, ship it", User: github.User{Login: "bob"}, CreatedAt: trigger.Add(time.Second)},
		},
	}
	ctrl := NewController(client, testOptions())
	ctrl.members = client.members

	decision, err := ctrl.Wait(context.Background(), 10, trigger)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !decision.Approved || decision.Actor != "bob" {
		t.Errorf("decision = %+v", decision)
	}

	// Confirmation comment posted
	last := client.posted[len(client.posted)-1]
	if !strings.Contains(last, "✅ **Approved by @bob**") {
		t.Errorf("confirmation = %q", last)
	}
}

func TestWaitRejected(t *testing.T) {
	trigger := time.Now()
	client := &fakeClient{
		members: []string{"bob"},
		comments: []*github.Comment{
			{ID: 1, Body: "rejected 👎", User: github.User{Login: "bob"}, CreatedAt: trigger.Add(time.Second)},
		},
	}
	ctrl := NewController(client, testOptions())
	ctrl.members = client.members

	decision, err := ctrl.Wait(context.Background(), 10, trigger)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if decision == nil || decision.Approved || decision.Actor != "bob" {
		t.Errorf("decision = %+v", decision)
	}

	last := client.posted[len(client.posted)-1]
	if !strings.Contains(last, "❌ **Rejected by @bob**") {
		t.Errorf("confirmation = %q", last)
	}
}

func TestWaitTimeout(t *testing.T) {
	trigger := time.Now()
	client := &fakeClient{members: []string{"bob"}}
	opts := testOptions()
	opts.Timeout = 20 * time.Millisecond
	ctrl := NewController(client, opts)
	ctrl.members = client.members

	_, err := ctrl.Wait(context.Background(), 10, trigger)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	last := client.posted[len(client.posted)-1]
	if !strings.Contains(last, "⏰ **Approval Timeout**") {
		t.Errorf("timeout message = %q", last)
	}
}

func TestWaitIgnoresAutomationAndOldComments(t *testing.T) {
	trigger := time.Now()
	client := &fakeClient{
		members: []string{"bob"},
		comments: []*github.Comment{
			// Before the trigger: stale approval from an earlier cycle
			{ID: 1, Body: "approved", User: github.User{Login: "bob"}, CreatedAt: trigger.Add(-time.Hour)},
			// Automation echo containing the keyword
			{ID: 2, Body: "✅ Approved by @bob", User: github.User{Login: "github-actions[bot]"}, CreatedAt: trigger.Add(time.Second)},
			{ID: 3, Body: "approved", User: github.User{Login: "github-actions"}, CreatedAt: trigger.Add(time.Second)},
		},
	}
	opts := testOptions()
	opts.Timeout = 20 * time.Millisecond
	ctrl := NewController(client, opts)
	ctrl.members = client.members

	_, err := ctrl.Wait(context.Background(), 10, trigger)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout (nothing should count as approval)", err)
	}
}

func TestWaitUnauthorizedWarnsOnce(t *testing.T) {
	trigger := time.Now()
	client := &fakeClient{
		members: []string{"bob"},
		comments: []*github.Comment{
			{ID: 7, Body: "approved!", User: github.User{Login: "mallory"}, CreatedAt: trigger.Add(time.Second)},
		},
	}
	opts := testOptions()
	opts.Timeout = 50 * time.Millisecond
	ctrl := NewController(client, opts)
	ctrl.members = client.members

	_, err := ctrl.Wait(context.Background(), 10, trigger)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	warnings := 0
	for _, body := range client.posted {
		if strings.Contains(body, "Unauthorized Approval Attempt") {
			warnings++
			if !strings.Contains(body, "@mallory") {
				t.Errorf("warning missing author: %q", body)
			}
			if !strings.Contains(body, "@bob") {
				t.Errorf("warning missing member list: %q", body)
			}
		}
	}
	if warnings != 1 {
		t.Errorf("posted %d warnings, want exactly 1", warnings)
	}
}

func TestWaitUnauthorizedRejectionWarns(t *testing.T) {
	trigger := time.Now()
	client := &fakeClient{
		members: []string{"bob"},
		comments: []*github.Comment{
			{ID: 8, Body: "👎", User: github.User{Login: "mallory"}, CreatedAt: trigger.Add(time.Second)},
		},
	}
	opts := testOptions()
	opts.Timeout = 30 * time.Millisecond
	ctrl := NewController(client, opts)
	ctrl.members = client.members

	_, err := ctrl.Wait(context.Background(), 10, trigger)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	found := false
	for _, body := range client.posted {
		if strings.Contains(body, "Unauthorized Rejection Attempt") {
			found = true
			if !strings.Contains(body, "attempted to reject") {
				t.Errorf("warning verb wrong: %q", body)
			}
		}
	}
	if !found {
		t.Error("no unauthorized rejection warning posted")
	}
}

func TestFormatCandidates(t *testing.T) {
	got := formatCandidates([]int{1, 2, 3})
	if got != "#1, #2, #3" {
		t.Errorf("formatCandidates = %q", got)
	}
}
