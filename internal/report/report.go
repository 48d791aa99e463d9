// Package report builds the end-of-cycle summary, posts it to the
// originator, comments on failed candidates, and closes the originator.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alekspetrov/mergeq/internal/github"
	"github.com/alekspetrov/mergeq/internal/logging"
	"github.com/alekspetrov/mergeq/internal/pipeline"
	"github.com/alekspetrov/mergeq/internal/validate"
)

// Client is the subset of the GitHub client the reporter needs.
type Client interface {
	AddComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error)
	GetPullRequestAuthor(ctx context.Context, owner, repo string, number int) (string, error)
	CloseIssue(ctx context.Context, owner, repo string, number int) error
}

// Input aggregates everything the reporter needs for one cycle.
type Input struct {
	OriginatorID      int
	Submitter         string
	TotalRequested    int
	RequiredApprovals int

	Validation *validate.Result
	Outcomes   []pipeline.Outcome
}

// Reporter posts the cycle summary and per-candidate failure comments.
type Reporter struct {
	client           Client
	owner            string
	repo             string
	defaultBranch    string
	ciTimeoutMinutes int
	startupMinutes   int

	now func() time.Time
}

// New creates a reporter. The timeout minutes only shape report text.
func New(client Client, owner, repo, defaultBranch string, ciTimeout, startupTimeout time.Duration) *Reporter {
	return &Reporter{
		client:           client,
		owner:            owner,
		repo:             repo,
		defaultBranch:    defaultBranch,
		ciTimeoutMinutes: int(ciTimeout.Minutes()),
		startupMinutes:   int(startupTimeout.Minutes()),
		now:              time.Now,
	}
}

// buckets returns the outcome numbers landing in the given bucket, in order.
func buckets(outcomes []pipeline.Outcome, bucket pipeline.Bucket) []int {
	var out []int
	for _, o := range outcomes {
		if o.Bucket == bucket {
			out = append(out, o.Number)
		}
	}
	return out
}

// Publish posts the summary to the originator, comments on every failed
// candidate with an author-specific message, and closes the originator
// when any candidate was processed. Notification failures are logged,
// never fatal.
func (r *Reporter) Publish(ctx context.Context, in *Input) {
	log := logging.WithComponent("report")

	summary := r.Summary(ctx, in)
	willClose := r.shouldClose(in)

	r.postToOriginator(ctx, in.OriginatorID, summary, willClose)
	r.commentOnFailures(ctx, in)

	if !willClose {
		log.Info("originator left open", "originator", in.OriginatorID)
		return
	}

	closeComment := "Merge queue workflow completed. This issue is now closed automatically."
	if _, err := r.client.AddComment(ctx, r.owner, r.repo, in.OriginatorID, closeComment); err != nil {
		log.Warn("failed to post close comment", "error", err)
	}
	if err := r.client.CloseIssue(ctx, r.owner, r.repo, in.OriginatorID); err != nil {
		log.Error("failed to close originator", "originator", in.OriginatorID, "error", err)
		return
	}
	log.Info("originator closed", "originator", in.OriginatorID)
}

// shouldClose reports whether the originator should be closed: at least
// one candidate was requested and at least one landed in a bucket.
func (r *Reporter) shouldClose(in *Input) bool {
	if in.TotalRequested == 0 {
		return false
	}
	processed := len(in.Outcomes)
	if in.Validation != nil {
		processed += len(in.Validation.Unmergeable)
	}
	return processed > 0
}

// Summary renders the full merge summary report.
func (r *Reporter) Summary(ctx context.Context, in *Input) string {
	merged := buckets(in.Outcomes, pipeline.BucketMerged)
	failedUpdate := buckets(in.Outcomes, pipeline.BucketFailedUpdate)
	failedCI := buckets(in.Outcomes, pipeline.BucketFailedCI)
	timeout := buckets(in.Outcomes, pipeline.BucketCITimeout)
	startupTimeout := buckets(in.Outcomes, pipeline.BucketCIStartupTimeout)
	failedMerge := buckets(in.Outcomes, pipeline.BucketFailedMerge)

	var unmergeable []int
	if in.Validation != nil {
		for _, f := range in.Validation.Unmergeable {
			unmergeable = append(unmergeable, f.Number)
		}
	}

	totalFailed := len(unmergeable) + len(failedUpdate) + len(failedCI) +
		len(timeout) + len(startupTimeout) + len(failedMerge)

	var b strings.Builder
	fmt.Fprintf(&b, "# PR Merge Summary - %s\n\n", r.now().Format("2006-01-02"))
	b.WriteString("## Overview\n")
	fmt.Fprintf(&b, "- **Total PRs Requested**: %d\n", in.TotalRequested)
	fmt.Fprintf(&b, "- **Successfully Merged**: %d\n", len(merged))
	fmt.Fprintf(&b, "- **Failed to Merge**: %d\n\n", totalFailed)

	b.WriteString("## Successfully Merged PRs ✅\n")
	if len(merged) > 0 {
		for i, pr := range merged {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "- PR #%d", pr)
		}
	} else {
		b.WriteString("- None")
	}

	b.WriteString("\n\n## Failed PRs by Category ❌\n")

	r.writeSection(ctx, &b, "Initial Validation Failures", unmergeable,
		fmt.Sprintf("insufficient approvals, failing checks, or not targeting %s", r.defaultBranch))
	r.writeSection(ctx, &b, fmt.Sprintf("Update with %s Failed", titleCase(r.defaultBranch)), failedUpdate,
		fmt.Sprintf("could not update branch with %s", r.defaultBranch))
	r.writeSection(ctx, &b, "CI Checks Failed", failedCI, "CI checks failed after update")
	r.writeSection(ctx, &b, "CI Execution Timeout", timeout,
		fmt.Sprintf("CI did not complete within %d minutes", r.ciTimeoutMinutes))
	r.writeSection(ctx, &b, "CI Startup Timeout", startupTimeout,
		fmt.Sprintf("CI workflow did not start within %d minutes", r.startupMinutes))
	r.writeSection(ctx, &b, "Merge Operation Failed", failedMerge,
		"merge command failed (likely merge conflicts)")

	fmt.Fprintf(&b, "\n---\n@%s - Your merge queue request has been completed!\n\n*Automated workflow execution*", in.Submitter)

	return b.String()
}

func (r *Reporter) writeSection(ctx context.Context, b *strings.Builder, title string, prs []int, reason string) {
	fmt.Fprintf(b, "\n### %s\n", title)
	if len(prs) == 0 {
		b.WriteString("- None\n")
		return
	}
	for _, pr := range prs {
		fmt.Fprintf(b, "- PR #%d (@%s) - %s\n", pr, r.author(ctx, pr), reason)
	}
}

// author resolves a candidate's author for the report, degrading to
// "unknown" when the lookup fails.
func (r *Reporter) author(ctx context.Context, number int) string {
	author, err := r.client.GetPullRequestAuthor(ctx, r.owner, r.repo, number)
	if err != nil || author == "" {
		return "unknown"
	}
	return author
}

func (r *Reporter) postToOriginator(ctx context.Context, originatorID int, summary string, willClose bool) {
	footer := "*This merge queue request has been completed. The issue will now be closed automatically.*"
	if !willClose {
		footer = "*This merge queue request encountered issues and requires manual review. The issue will remain open.*"
	}

	body := fmt.Sprintf(`## 🎯 **Merge Queue Results**

%s

---
%s`, summary, footer)

	if _, err := r.client.AddComment(ctx, r.owner, r.repo, originatorID, body); err != nil {
		logging.WithComponent("report").Error("failed to post summary", "originator", originatorID, "error", err)
	}
}

// failureMessage returns the author-facing comment text for a bucket.
func (r *Reporter) failureMessage(bucket pipeline.Bucket, requiredApprovals int) string {
	switch bucket {
	case pipeline.BucketUnmergeable:
		return fmt.Sprintf("❌ This PR could not be merged due to one or more of the following:\n\n- Less than %d approvals\n- Failing or missing status checks\n- Not up-to-date with `%s`\n- Not targeting `%s`\n\nPlease address these issues to include it in the next merge cycle.",
			requiredApprovals, r.defaultBranch, r.defaultBranch)
	case pipeline.BucketFailedUpdate:
		return fmt.Sprintf("❌ This PR could not be updated with the latest `%s` branch. There may be merge conflicts that need to be resolved manually.\n\nPlease resolve any conflicts and ensure the PR can be cleanly updated with `%s`.",
			r.defaultBranch, r.defaultBranch)
	case pipeline.BucketFailedCI:
		return fmt.Sprintf("❌ This PR's CI checks failed after being updated with `%s`. Please review the failing checks and fix any issues.\n\nThe PR has been updated with the latest `%s` - please check if this caused any new test failures.",
			r.defaultBranch, r.defaultBranch)
	case pipeline.BucketCITimeout:
		return fmt.Sprintf("⏰ This PR's CI checks did not complete within the %d-minute timeout period after being updated with `%s`.\n\nThe PR has been updated with the latest `%s` - please check the CI status and re-run if needed.",
			r.ciTimeoutMinutes, r.defaultBranch, r.defaultBranch)
	case pipeline.BucketCIStartupTimeout:
		return fmt.Sprintf("⏰ This PR's CI workflow did not start within the %d-minute startup timeout period after being triggered.\n\nThis may indicate issues with CI runner availability or workflow configuration. The PR has been updated with the latest `%s` - please check the CI status and re-trigger if needed.",
			r.startupMinutes, r.defaultBranch)
	case pipeline.BucketFailedMerge:
		return fmt.Sprintf("❌ This PR failed to merge despite passing all checks. This is most likely due to merge conflicts that occurred after other PRs were merged to `%s`.\n\n**If you received a merge conflict notification:** Please resolve the conflicts in your branch and push the changes.\n\n**If no conflicts were reported:** This may be due to a GitHub API issue. The PR has been updated with the latest `%s` - please try merging manually or contact the repository administrators.",
			r.defaultBranch, r.defaultBranch)
	default:
		return ""
	}
}

// commentOnFailures posts an author-addressed failure comment on every
// candidate that did not merge.
func (r *Reporter) commentOnFailures(ctx context.Context, in *Input) {
	log := logging.WithComponent("report")

	type failed struct {
		number int
		bucket pipeline.Bucket
	}
	var failures []failed

	if in.Validation != nil {
		for _, f := range in.Validation.Unmergeable {
			failures = append(failures, failed{f.Number, pipeline.BucketUnmergeable})
		}
	}
	for _, o := range in.Outcomes {
		if o.Bucket == pipeline.BucketMerged {
			continue
		}
		failures = append(failures, failed{o.Number, o.Bucket})
	}

	for _, f := range failures {
		msg := r.failureMessage(f.bucket, in.RequiredApprovals)
		if msg == "" {
			continue
		}
		body := fmt.Sprintf("@%s, %s", r.author(ctx, f.number), msg)
		if _, err := r.client.AddComment(ctx, r.owner, r.repo, f.number, body); err != nil {
			log.Warn("failed to comment on failed candidate", "candidate", f.number, "error", err)
		}
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
