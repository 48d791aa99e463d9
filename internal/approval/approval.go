// Package approval implements the human approval gate: tag the approver
// group, poll for authorized approval or rejection comments, remind, and
// time out.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alekspetrov/mergeq/internal/github"
	"github.com/alekspetrov/mergeq/internal/logging"
	"github.com/alekspetrov/mergeq/internal/request"
)

// Sentinel results of the approval gate. Neither is an infrastructure
// failure; callers map them to a clean exit.
var (
	ErrRejected = errors.New("merge queue request rejected")
	ErrTimeout  = errors.New("approval timeout reached")
)

// Automation identities whose comments are never treated as approvals.
var automationAuthors = map[string]bool{
	"github-actions":      true,
	"github-actions[bot]": true,
}

var (
	approvalKeywords  = []string{"approved", "👍"}
	rejectionKeywords = []string{"rejected", "👎"}
)

// Decision is the outcome of the approval gate.
type Decision struct {
	Approved bool
	Actor    string // group member who approved or rejected
}

// Client is the subset of the GitHub client the controller needs.
type Client interface {
	ListTeamMembers(ctx context.Context, org, team string) ([]string, error)
	IsTeamMember(ctx context.Context, org, team, user string) (bool, error)
	ListCommentsAfter(ctx context.Context, owner, repo string, number int, after time.Time) ([]*github.Comment, error)
	AddComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error)
}

// Options configures a Controller.
type Options struct {
	Owner            string
	Repo             string
	Org              string
	Group            string
	Timeout          time.Duration
	ReminderInterval time.Duration
	PollInterval     time.Duration
	RunURL           string // workflow run link for the confirmation comment
}

// Controller runs the approval gate for one merge queue cycle.
type Controller struct {
	client Client
	opts   Options

	// team membership resolved once per cycle
	members []string

	// one-time warning dedup, keyed by author and comment id
	warnedApprovals  map[string]bool
	warnedRejections map[string]bool
}

// NewController creates an approval controller.
func NewController(client Client, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 60 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Minute
	}
	if opts.ReminderInterval <= 0 {
		opts.ReminderInterval = 15 * time.Minute
	}
	return &Controller{
		client:           client,
		opts:             opts,
		warnedApprovals:  map[string]bool{},
		warnedRejections: map[string]bool{},
	}
}

// groupTag is the mention used in approval request and reminder comments.
func (c *Controller) groupTag() string {
	if c.opts.Org != "" {
		return fmt.Sprintf("@%s/%s", c.opts.Org, c.opts.Group)
	}
	return "@" + c.opts.Group
}

// formatCandidates renders candidate numbers with # prefixes for linking.
func formatCandidates(candidates []int) string {
	parts := make([]string, 0, len(candidates))
	for _, n := range candidates {
		parts = append(parts, fmt.Sprintf("#%d", n))
	}
	return strings.Join(parts, ", ")
}

// Request posts the approval request comment tagging the group and
// resolves team membership for the cycle. The returned trigger time is
// the comment's creation time as reported by the platform; only comments
// strictly after it count.
func (c *Controller) Request(ctx context.Context, req *request.Request) (time.Time, error) {
	log := logging.WithComponent("approval")

	members, err := c.client.ListTeamMembers(ctx, c.opts.Org, c.opts.Group)
	if err != nil {
		log.Warn("failed to resolve team members, falling back to per-user checks", "error", err)
		members = nil
	}
	c.members = members

	releaseInfo := ""
	if req.HasReleaseCandidate() {
		releaseInfo = fmt.Sprintf("\n• **Release PR**: #%d", req.ReleaseCandidate)
	}

	body := fmt.Sprintf(`%s 🚀 **Merge Queue Approval Requested**

**Requested by**: @%s
**PR Numbers**: %s%s

**Action Required**: Please review the PRs and approve this merge queue request.

⏰ **Timeout**: This request will timeout in %d minutes if not approved.
📋 **Reminders**: You'll receive reminders every %d minutes.

**To approve**: Reply with 'approved'
**To reject**: Reply with 'rejected'

*This is an automated merge queue approval request.*`,
		c.groupTag(), req.Submitter, formatCandidates(req.Candidates), releaseInfo,
		int(c.opts.Timeout.Minutes()), int(c.opts.ReminderInterval.Minutes()))

	comment, err := c.client.AddComment(ctx, c.opts.Owner, c.opts.Repo, req.OriginatorID, body)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to post approval request: %w", err)
	}

	log.Info("approval requested", "originator", req.OriginatorID, "trigger_time", comment.CreatedAt)
	return comment.CreatedAt, nil
}

// Wait polls for an authorized decision until the timeout. It posts a
// confirmation comment for the decision, reminders at the configured
// cadence, and a timeout comment when time runs out. Returns ErrRejected
// or ErrTimeout for those outcomes.
func (c *Controller) Wait(ctx context.Context, originatorID int, trigger time.Time) (*Decision, error) {
	log := logging.WithComponent("approval")

	deadline := time.Now().Add(c.opts.Timeout)
	nextReminder := time.Now().Add(c.opts.ReminderInterval)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		decision, err := c.check(ctx, originatorID, trigger)
		if err != nil {
			log.Warn("approval check failed, will retry", "error", err)
		} else if decision != nil {
			if decision.Approved {
				c.postApprovalConfirmation(ctx, originatorID, decision.Actor)
				return decision, nil
			}
			c.postRejectionConfirmation(ctx, originatorID, decision.Actor)
			return decision, ErrRejected
		}

		now := time.Now()
		if now.After(deadline) {
			break
		}
		if now.After(nextReminder) {
			remaining := int(time.Until(deadline).Minutes())
			if remaining > 0 {
				c.postReminder(ctx, originatorID, remaining)
			}
			nextReminder = now.Add(c.opts.ReminderInterval)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	c.postTimeout(ctx, originatorID)
	return nil, ErrTimeout
}

// check scans comments after the trigger for an authorized decision,
// warning once per unauthorized attempt.
func (c *Controller) check(ctx context.Context, originatorID int, trigger time.Time) (*Decision, error) {
	comments, err := c.client.ListCommentsAfter(ctx, c.opts.Owner, c.opts.Repo, originatorID, trigger)
	if err != nil {
		return nil, err
	}

	for _, comment := range comments {
		author := comment.User.Login
		if automationAuthors[author] {
			continue
		}
		body := strings.ToLower(comment.Body)

		switch {
		case containsAny(body, approvalKeywords):
			ok, err := c.isAuthorized(ctx, author)
			if err != nil {
				return nil, err
			}
			if ok {
				return &Decision{Approved: true, Actor: author}, nil
			}
			c.warnUnauthorized(ctx, originatorID, author, comment.ID, "Approval", "approve", c.warnedApprovals)

		case containsAny(body, rejectionKeywords):
			ok, err := c.isAuthorized(ctx, author)
			if err != nil {
				return nil, err
			}
			if ok {
				return &Decision{Approved: false, Actor: author}, nil
			}
			c.warnUnauthorized(ctx, originatorID, author, comment.ID, "Rejection", "reject", c.warnedRejections)
		}
	}

	return nil, nil
}

func containsAny(body string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(body, kw) {
			return true
		}
	}
	return false
}

// isAuthorized checks group membership against the cached list, falling
// back to a per-user API check when the list could not be resolved.
func (c *Controller) isAuthorized(ctx context.Context, author string) (bool, error) {
	if len(c.members) > 0 {
		for _, m := range c.members {
			if m == author {
				return true, nil
			}
		}
		return false, nil
	}
	return c.client.IsTeamMember(ctx, c.opts.Org, c.opts.Group, author)
}

func (c *Controller) warnUnauthorized(ctx context.Context, originatorID int, author string, commentID int64, kind, verb string, warned map[string]bool) {
	key := fmt.Sprintf("%s_%d", author, commentID)
	if warned[key] {
		return
	}

	memberList := ""
	if len(c.members) > 0 {
		tags := make([]string, 0, len(c.members))
		for _, m := range c.members {
			tags = append(tags, "@"+m)
		}
		memberList = fmt.Sprintf("\n**Current team members**: %s", strings.Join(tags, ", "))
	}

	body := fmt.Sprintf(`⚠️ **Unauthorized %s Attempt**

@%s attempted to %s this request, but is not a member of the `+"`%s`"+` team.

**Required**: %s must come from a member of the `+"`%s`"+` team.%s`,
		kind, author, verb, c.opts.Group, kind, c.opts.Group, memberList)

	if _, err := c.client.AddComment(ctx, c.opts.Owner, c.opts.Repo, originatorID, body); err != nil {
		logging.WithComponent("approval").Warn("failed to post unauthorized warning", "author", author, "error", err)
		return
	}
	warned[key] = true
}

func (c *Controller) postReminder(ctx context.Context, originatorID, remainingMinutes int) {
	body := fmt.Sprintf(`⏰ **Reminder**: Merge queue approval still pending

%s - Please review and approve this merge request.

**Time remaining**: %d minutes
**To approve**: Reply with 'approved'
**To reject**: Reply with 'rejected'`, c.groupTag(), remainingMinutes)

	if _, err := c.client.AddComment(ctx, c.opts.Owner, c.opts.Repo, originatorID, body); err != nil {
		logging.WithComponent("approval").Warn("failed to post reminder", "error", err)
	}
}

func (c *Controller) postTimeout(ctx context.Context, originatorID int) {
	body := fmt.Sprintf(`⏰ **Approval Timeout**

No approval was received within %d minutes. The merge queue request has timed out.

**To restart**: Comment `+"`begin-merge`"+` again to start a new approval process.`,
		int(c.opts.Timeout.Minutes()))

	if _, err := c.client.AddComment(ctx, c.opts.Owner, c.opts.Repo, originatorID, body); err != nil {
		logging.WithComponent("approval").Warn("failed to post timeout message", "error", err)
	}
}

func (c *Controller) postApprovalConfirmation(ctx context.Context, originatorID int, approver string) {
	progressLink := fmt.Sprintf("[Actions tab](https://github.com/%s/%s/actions)", c.opts.Owner, c.opts.Repo)
	if c.opts.RunURL != "" {
		progressLink = fmt.Sprintf("[View workflow progress](%s)", c.opts.RunURL)
	}

	body := fmt.Sprintf(`✅ **Approved by @%s**

✅ **Authorization Verified**: Member of `+"`%s`"+` team

The merge queue workflow will now execute automatically.

Monitor the progress: %s`, approver, c.opts.Group, progressLink)

	if _, err := c.client.AddComment(ctx, c.opts.Owner, c.opts.Repo, originatorID, body); err != nil {
		logging.WithComponent("approval").Warn("failed to post approval confirmation", "error", err)
	}
}

func (c *Controller) postRejectionConfirmation(ctx context.Context, originatorID int, rejector string) {
	body := fmt.Sprintf(`❌ **Rejected by @%s**

✅ **Authorization Verified**: Member of `+"`%s`"+` team

The merge queue request has been rejected. Please address any concerns and comment `+"`begin-merge`"+` again to restart the process.`,
		rejector, c.opts.Group)

	if _, err := c.client.AddComment(ctx, c.opts.Owner, c.opts.Repo, originatorID, body); err != nil {
		logging.WithComponent("approval").Warn("failed to post rejection confirmation", "error", err)
	}
}
