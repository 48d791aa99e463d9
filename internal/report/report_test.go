package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/mergeq/internal/github"
	"github.com/alekspetrov/mergeq/internal/pipeline"
	"github.com/alekspetrov/mergeq/internal/validate"
)

type fakeClient struct {
	authors   map[int]string
	comments  map[int][]string
	closed    []int
	closeErr  error
	authorErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		authors:  map[int]string{},
		comments: map[int][]string{},
	}
}

func (f *fakeClient) AddComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error) {
	f.comments[number] = append(f.comments[number], body)
	return &github.Comment{ID: 1}, nil
}

func (f *fakeClient) GetPullRequestAuthor(ctx context.Context, owner, repo string, number int) (string, error) {
	if f.authorErr != nil {
		return "", f.authorErr
	}
	return f.authors[number], nil
}

func (f *fakeClient) CloseIssue(ctx context.Context, owner, repo string, number int) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, number)
	return nil
}

func newTestReporter(client Client) *Reporter {
	r := New(client, "acme", "widgets", "main", 45*time.Minute, 5*time.Minute)
	r.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return r
}

func fullInput() *Input {
	return &Input{
		OriginatorID:      10,
		Submitter:         "alice",
		TotalRequested:    5,
		RequiredApprovals: 2,
		Validation: &validate.Result{
			Mergeable:   []int{1, 2, 3},
			Unmergeable: []validate.Failure{{Number: 4, Reasons: []string{"Has merge conflicts (state=CONFLICTING)"}}},
		},
		Outcomes: []pipeline.Outcome{
			{Number: 1, Bucket: pipeline.BucketMerged},
			{Number: 2, Bucket: pipeline.BucketFailedCI},
			{Number: 3, Bucket: pipeline.BucketCITimeout},
		},
	}
}

func TestSummaryLayout(t *testing.T) {
	client := newFakeClient()
	client.authors[2] = "bob"
	client.authors[3] = "carol"
	client.authors[4] = "dave"

	r := newTestReporter(client)
	summary := r.Summary(context.Background(), fullInput())

	wantFragments := []string{
		"# PR Merge Summary - 2026-08-24",
		"- **Total PRs Requested**: 5",
		"- **Successfully Merged**: 1",
		"- **Failed to Merge**: 3",
		"## Successfully Merged PRs ✅",
		"- PR #1",
		"### Initial Validation Failures",
		"- PR #4 (@dave) - insufficient approvals, failing checks, or not targeting main",
		"### Update with Main Failed",
		"### CI Checks Failed",
		"- PR #2 (@bob) - CI checks failed after update",
		"### CI Execution Timeout",
		"- PR #3 (@carol) - CI did not complete within 45 minutes",
		"### CI Startup Timeout",
		"### Merge Operation Failed",
		"@alice - Your merge queue request has been completed!",
	}
	for _, want := range wantFragments {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q\n\n%s", want, summary)
		}
	}
}

func TestSummaryEmptySectionsSayNone(t *testing.T) {
	client := newFakeClient()
	r := newTestReporter(client)

	summary := r.Summary(context.Background(), &Input{
		OriginatorID:   10,
		Submitter:      "alice",
		TotalRequested: 1,
		Outcomes:       []pipeline.Outcome{{Number: 1, Bucket: pipeline.BucketMerged}},
	})

	if got := strings.Count(summary, "- None"); got != 6 {
		t.Errorf("summary has %d '- None' entries, want 6 (one per failure section)\n\n%s", got, summary)
	}
}

func TestSummaryUnknownAuthor(t *testing.T) {
	client := newFakeClient()
	client.authorErr = errors.New("API error (status 500): boom")

	r := newTestReporter(client)
	in := fullInput()
	summary := r.Summary(context.Background(), in)

	if !strings.Contains(summary, "(@unknown)") {
		t.Errorf("summary should degrade to @unknown on author lookup failure\n\n%s", summary)
	}
}

func TestPublishPostsAndCloses(t *testing.T) {
	client := newFakeClient()
	client.authors[2] = "bob"

	r := newTestReporter(client)
	r.Publish(context.Background(), fullInput())

	originatorComments := client.comments[10]
	if len(originatorComments) != 2 {
		t.Fatalf("got %d originator comments, want summary + close comment", len(originatorComments))
	}
	if !strings.Contains(originatorComments[0], "## 🎯 **Merge Queue Results**") {
		t.Errorf("summary wrapper missing: %q", originatorComments[0][:80])
	}
	if !strings.Contains(originatorComments[0], "The issue will now be closed automatically.") {
		t.Errorf("close footer missing: %q", originatorComments[0])
	}
	if originatorComments[1] != "Merge queue workflow completed. This issue is now closed automatically." {
		t.Errorf("close comment = %q", originatorComments[1])
	}
	if len(client.closed) != 1 || client.closed[0] != 10 {
		t.Errorf("closed = %v, want [10]", client.closed)
	}
}

func TestPublishFailureComments(t *testing.T) {
	client := newFakeClient()
	client.authors[2] = "bob"
	client.authors[3] = "carol"
	client.authors[4] = "dave"

	r := newTestReporter(client)
	r.Publish(context.Background(), fullInput())

	// Validation failure gets the unmergeable message
	if msgs := client.comments[4]; len(msgs) != 1 ||
		!strings.Contains(msgs[0], "@dave, ❌ This PR could not be merged") ||
		!strings.Contains(msgs[0], "Less than 2 approvals") {
		t.Errorf("comments on #4 = %v", msgs)
	}

	// CI failure message
	if msgs := client.comments[2]; len(msgs) != 1 ||
		!strings.Contains(msgs[0], "@bob, ❌ This PR's CI checks failed") {
		t.Errorf("comments on #2 = %v", msgs)
	}

	// Timeout message references the configured budget
	if msgs := client.comments[3]; len(msgs) != 1 ||
		!strings.Contains(msgs[0], "45-minute timeout period") {
		t.Errorf("comments on #3 = %v", msgs)
	}

	// Merged candidate gets nothing
	if msgs := client.comments[1]; len(msgs) != 0 {
		t.Errorf("comments on merged #1 = %v", msgs)
	}
}

func TestPublishLeavesOpenWhenNothingProcessed(t *testing.T) {
	client := newFakeClient()
	r := newTestReporter(client)

	r.Publish(context.Background(), &Input{
		OriginatorID:   10,
		Submitter:      "alice",
		TotalRequested: 2,
		// No outcomes and no validation failures: blocked before processing.
	})

	if len(client.closed) != 0 {
		t.Errorf("closed = %v, want none", client.closed)
	}
	comments := client.comments[10]
	if len(comments) != 1 {
		t.Fatalf("got %d originator comments, want 1", len(comments))
	}
	if !strings.Contains(comments[0], "requires manual review. The issue will remain open.") {
		t.Errorf("open footer missing: %q", comments[0])
	}
}

func TestPublishCloseFailureNotFatal(t *testing.T) {
	client := newFakeClient()
	client.closeErr = errors.New("API error (status 500): boom")

	r := newTestReporter(client)
	r.Publish(context.Background(), fullInput())
	// Must not panic; summary was posted regardless.
	if len(client.comments[10]) == 0 {
		t.Error("summary was not posted")
	}
}
