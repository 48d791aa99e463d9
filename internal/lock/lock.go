// Package lock implements the distributed lock backed by labelled
// tracking issues. The open tracking issue IS the lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alekspetrov/mergeq/internal/github"
	"github.com/alekspetrov/mergeq/internal/logging"
	"github.com/alekspetrov/mergeq/internal/request"
)

// ErrLockHeld is returned when another run already holds the lock for
// the originator.
var ErrLockHeld = errors.New("merge queue lock already held")

// Release statuses.
const (
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
	StatusTimeout   = "timeout"
	StatusFailed    = "failed"
)

var statusEmoji = map[string]string{
	StatusCompleted: "✅",
	StatusRejected:  "❌",
	StatusTimeout:   "⏰",
	StatusFailed:    "💥",
}

// IssueClient is the subset of the GitHub client the lock manager needs.
type IssueClient interface {
	ListIssues(ctx context.Context, owner, repo string, opts *github.ListIssuesOptions) ([]*github.Issue, error)
	CreateIssue(ctx context.Context, owner, repo string, input *github.IssueInput) (*github.Issue, error)
	CloseIssue(ctx context.Context, owner, repo string, number int) error
	AddComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error)
}

// Manager acquires and releases the merge queue lock.
type Manager struct {
	client          IssueClient
	owner           string
	repo            string
	lockLabel       string
	automationLabel string
}

// NewManager creates a lock manager for the given repository.
func NewManager(client IssueClient, owner, repo, lockLabel, automationLabel string) *Manager {
	return &Manager{
		client:          client,
		owner:           owner,
		repo:            repo,
		lockLabel:       lockLabel,
		automationLabel: automationLabel,
	}
}

// TrackingTitle returns the canonical tracking issue title for an originator.
func TrackingTitle(originatorID int) string {
	return fmt.Sprintf("[MERGE QUEUE TRACKING] Issue #%d - Auto Merge In Progress", originatorID)
}

// trackingTitlePrefix is what the duplicate scan matches on. The suffix
// after the originator number is informational only.
func trackingTitlePrefix(originatorID int) string {
	return fmt.Sprintf("[MERGE QUEUE TRACKING] Issue #%d", originatorID)
}

func trackingBody(req *request.Request) string {
	candidates := make([]string, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		candidates = append(candidates, fmt.Sprintf("%d", c))
	}

	releaseInfo := ""
	if req.HasReleaseCandidate() {
		releaseInfo = fmt.Sprintf("\n- **Release PR**: #%d", req.ReleaseCandidate)
	}

	return fmt.Sprintf(`🚀 **Merge Queue Tracking Issue**

This issue tracks an active merge queue process to prevent duplicate runs.

**Original Issue**: #%d
**PR Numbers**: %s%s
**Status**: 🔄 In Progress

---

🔒 **Distributed Lock**: This issue uses the `+"`distributed-lock`"+` label to prevent concurrent merge queue runs for the same original issue.

⚠️ **Do not manually close this issue** - it will be closed automatically when the merge queue process completes.

**Monitor Progress**: Check the [original issue](../../issues/%d) for updates.
`, req.OriginatorID, strings.Join(candidates, ","), releaseInfo, req.OriginatorID)
}

func duplicateMessage(existingTrackingIssue int) string {
	return fmt.Sprintf(`⚠️ **Duplicate Merge Queue Request Detected**

A merge queue process is already running for this issue.

**Tracking Issue**: #%d
**Action Required**: Wait for the current process to complete.

**Monitor Progress**: Check the tracking issue above for status updates.

**Retry**: Once the current process completes, you can comment `+"`begin-merge`"+` again if needed.`, existingTrackingIssue)
}

// Acquire attempts to take the lock for the originator. If another open
// tracking issue exists for the same originator, it posts a duplicate
// prevention comment on the originator and returns ErrLockHeld. On
// success it creates the tracking issue and returns its number.
func (m *Manager) Acquire(ctx context.Context, req *request.Request) (int, error) {
	log := logging.WithComponent("lock")

	existing, err := m.findExisting(ctx, req.OriginatorID)
	if err != nil {
		return 0, fmt.Errorf("failed to scan for existing tracking issues: %w", err)
	}

	if existing > 0 {
		log.Warn("duplicate run detected", "originator", req.OriginatorID, "tracking_issue", existing)
		if _, err := m.client.AddComment(ctx, m.owner, m.repo, req.OriginatorID, duplicateMessage(existing)); err != nil {
			log.Warn("failed to post duplicate prevention comment", "error", err)
		}
		return 0, fmt.Errorf("tracking issue #%d is open: %w", existing, ErrLockHeld)
	}

	issue, err := m.client.CreateIssue(ctx, m.owner, m.repo, &github.IssueInput{
		Title:  TrackingTitle(req.OriginatorID),
		Body:   trackingBody(req),
		Labels: []string{m.lockLabel, m.automationLabel},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create tracking issue: %w", err)
	}

	log.Info("acquired merge queue lock", "originator", req.OriginatorID, "tracking_issue", issue.Number)
	return issue.Number, nil
}

// findExisting scans open issues in the lock label namespace for a
// tracking title matching the originator.
func (m *Manager) findExisting(ctx context.Context, originatorID int) (int, error) {
	issues, err := m.client.ListIssues(ctx, m.owner, m.repo, &github.ListIssuesOptions{
		Labels: []string{m.lockLabel},
		State:  github.StateOpen,
	})
	if err != nil {
		return 0, err
	}

	prefix := trackingTitlePrefix(originatorID)
	for _, issue := range issues {
		if strings.HasPrefix(issue.Title, prefix) {
			return issue.Number, nil
		}
	}
	return 0, nil
}

// Release posts a completion comment and closes the tracking issue.
// A close failure is logged but not returned: the open issue keeps
// blocking new runs until an operator closes it, which is the safe state.
func (m *Manager) Release(ctx context.Context, trackingIssue int, status, summary string) {
	log := logging.WithComponent("lock")

	emoji, ok := statusEmoji[status]
	if !ok {
		emoji = "🔄"
	}

	comment := fmt.Sprintf(`%s **Merge Queue Process %s**

The merge queue process has %s.

%s

This tracking issue is now being closed automatically.`, emoji, titleCase(status), status, summary)

	if _, err := m.client.AddComment(ctx, m.owner, m.repo, trackingIssue, comment); err != nil {
		log.Warn("failed to post completion comment", "tracking_issue", trackingIssue, "error", err)
	}

	if err := m.client.CloseIssue(ctx, m.owner, m.repo, trackingIssue); err != nil {
		log.Error("failed to close tracking issue", "tracking_issue", trackingIssue, "error", err)
		return
	}

	log.Info("released merge queue lock", "tracking_issue", trackingIssue, "status", status)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
