// Package validate classifies merge candidates into mergeable and
// unmergeable-with-reasons before the pipeline runs.
package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/alekspetrov/mergeq/internal/github"
	"github.com/alekspetrov/mergeq/internal/logging"
)

// Client is the subset of the GitHub client the validator needs.
type Client interface {
	GetCandidate(ctx context.Context, owner, repo string, number int) (*github.Candidate, error)
	GetBranchProtection(ctx context.Context, owner, repo, branch string) (*github.BranchProtection, error)
	AddComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error)
}

// Failure records why a candidate is not mergeable.
type Failure struct {
	Number  int
	Reasons []string
}

// Result is the classification of one validation pass.
type Result struct {
	Mergeable         []int // ascending request order
	Unmergeable       []Failure
	RequiredApprovals int
}

// Validator checks candidates against the merge queue entry criteria.
type Validator struct {
	client        Client
	owner         string
	repo          string
	defaultBranch string

	// RequiredCheck, when set, names a status check every candidate must
	// report as SUCCESS; a candidate missing it entirely fails validation.
	RequiredCheck string

	// ReleaseBranchPrefix, when set, is the prefix a release candidate's
	// head branch must carry.
	ReleaseBranchPrefix string
}

// New creates a validator for the given repository.
func New(client Client, owner, repo, defaultBranch string) *Validator {
	return &Validator{
		client:        client,
		owner:         owner,
		repo:          repo,
		defaultBranch: defaultBranch,
	}
}

// RequiredApprovals resolves the approval threshold: a positive override
// wins, then branch protection, then 1 when protection is absent or
// unreadable.
func (v *Validator) RequiredApprovals(ctx context.Context, override int) int {
	log := logging.WithComponent("validate")

	if override > 0 {
		log.Info("using manually specified required approvals", "count", override)
		return override
	}

	protection, err := v.client.GetBranchProtection(ctx, v.owner, v.repo, v.defaultBranch)
	if err != nil {
		log.Warn("failed to read branch protection, defaulting to 1 required approval", "error", err)
		return 1
	}
	if protection == nil || protection.RequiredPullRequestReviews == nil {
		log.Info("no branch protection rules found, defaulting to 1 required approval")
		return 1
	}

	count := protection.RequiredPullRequestReviews.RequiredApprovingReviewCount
	log.Info("required approvals from branch protection", "count", count)
	return count
}

// Classify validates each candidate in request order and splits them into
// mergeable and unmergeable sets. Authors of unmergeable candidates get a
// notification comment on their change request per actionable reason.
func (v *Validator) Classify(ctx context.Context, candidates []int, override int) *Result {
	required := v.RequiredApprovals(ctx, override)

	result := &Result{RequiredApprovals: required}
	for _, number := range candidates {
		reasons := v.validateOne(ctx, number, required, true)
		if len(reasons) == 0 {
			result.Mergeable = append(result.Mergeable, number)
		} else {
			result.Unmergeable = append(result.Unmergeable, Failure{Number: number, Reasons: reasons})
		}
	}
	return result
}

// ValidateRelease checks a release candidate against the same criteria,
// plus the release branch naming convention. A failing release candidate
// does not join the unmergeable set; the release merge step surfaces the
// failure itself.
func (v *Validator) ValidateRelease(ctx context.Context, number, override int) []string {
	required := v.RequiredApprovals(ctx, override)

	candidate, err := v.client.GetCandidate(ctx, v.owner, v.repo, number)
	if err != nil {
		logging.WithComponent("validate").Error("failed to fetch release candidate", "candidate", number, "error", err)
		return []string{"Failed to retrieve PR information"}
	}

	reasons := v.validateCandidate(ctx, candidate, required, false)
	if v.ReleaseBranchPrefix != "" && candidate.State == github.PRStateOpen &&
		!strings.HasPrefix(candidate.HeadRef, v.ReleaseBranchPrefix) {
		reasons = append(reasons, fmt.Sprintf(
			"Head branch '%s' does not use the release branch prefix '%s'",
			candidate.HeadRef, v.ReleaseBranchPrefix))
	}
	return reasons
}

// validateOne returns nil when the candidate is mergeable, otherwise the
// list of failure reasons.
func (v *Validator) validateOne(ctx context.Context, number, required int, notify bool) []string {
	candidate, err := v.client.GetCandidate(ctx, v.owner, v.repo, number)
	if err != nil {
		logging.WithComponent("validate").Error("failed to fetch candidate", "candidate", number, "error", err)
		return []string{"Failed to retrieve PR information"}
	}
	return v.validateCandidate(ctx, candidate, required, notify)
}

func (v *Validator) validateCandidate(ctx context.Context, candidate *github.Candidate, required int, notify bool) []string {
	log := logging.WithComponent("validate")
	number := candidate.Number

	// A closed or merged candidate was processed elsewhere; skip it
	// without further checks.
	if candidate.State != github.PRStateOpen {
		return []string{fmt.Sprintf("PR is not open (state: %s)", candidate.State)}
	}

	var reasons []string

	if candidate.BaseRef != v.defaultBranch {
		reasons = append(reasons, fmt.Sprintf(
			"Does not target '%s' (targets '%s') - all PRs must target the default branch '%s'",
			v.defaultBranch, candidate.BaseRef, v.defaultBranch))
		if notify && candidate.Author != "" {
			v.notifyBaseBranch(ctx, candidate)
		}
	}

	switch candidate.MergeableState {
	case github.MergeableStateConflicting:
		reasons = append(reasons, fmt.Sprintf("Has merge conflicts (state=%s)", candidate.MergeableState))
		if notify && candidate.Author != "" {
			v.notifyConflicts(ctx, candidate)
		}
	case github.MergeableStateUnknown:
		// Proceed and let the platform decide at merge time.
		log.Warn("mergeable state unknown, proceeding", "candidate", number)
	}

	if approvals := candidate.Approvals(); approvals < required {
		reasons = append(reasons, fmt.Sprintf("Has %d approvals, but %d are required", approvals, required))
		if notify && candidate.Author != "" {
			v.notifyInsufficientApprovals(ctx, candidate, approvals, required)
		}
	}

	if failing := failingChecks(candidate.Checks); len(failing) > 0 {
		reasons = append(reasons, fmt.Sprintf("Has failing/missing checks: %s", strings.Join(failing, ", ")))
	}

	if v.RequiredCheck != "" && !hasCheck(candidate.Checks, v.RequiredCheck) {
		reasons = append(reasons, fmt.Sprintf("Required check '%s' has not reported a result", v.RequiredCheck))
	}

	return reasons
}

// hasCheck reports whether a check with the given context is present.
func hasCheck(checks []github.StatusCheck, name string) bool {
	for _, check := range checks {
		if check.Context == name {
			return true
		}
	}
	return false
}

// failingChecks lists checks whose state is anything other than SUCCESS.
func failingChecks(checks []github.StatusCheck) []string {
	var failing []string
	for _, check := range checks {
		if check.State != github.CheckStateSuccess {
			failing = append(failing, fmt.Sprintf("%s:%s", check.Context, check.State))
		}
	}
	return failing
}

func (v *Validator) notifyBaseBranch(ctx context.Context, c *github.Candidate) {
	body := fmt.Sprintf(`⚠️ **Base Branch Issue - Action Required**

@%s, your PR #%d is targeting the `+"`%s`"+` branch, but the merge queue requires all PRs to target the default branch `+"`%s`"+`.

**Required Action:**
1. Change the base branch of this PR from `+"`%s`"+` to `+"`%s`"+`
2. Resolve any merge conflicts that may arise
3. Ensure all status checks pass

**How to Change Base Branch:**
- Go to your PR page
- Click "Edit" next to the PR title
- Change the base branch to `+"`%s`"+`
- Update your branch if needed: `+"`git rebase origin/%s`"+`

**Why This Matters:**
The merge queue is designed to merge PRs sequentially into the default branch (`+"`%s`"+`) to maintain a clean, linear history.

*This is an automated notification from the merge queue validation process.*`,
		c.Author, c.Number, c.BaseRef, v.defaultBranch,
		c.BaseRef, v.defaultBranch, v.defaultBranch, v.defaultBranch, v.defaultBranch)

	v.postNotification(ctx, c.Number, body)
}

func (v *Validator) notifyConflicts(ctx context.Context, c *github.Candidate) {
	body := fmt.Sprintf(`⚠️ **Merge Conflicts Detected - Action Required**

@%s, your PR #%d has merge conflicts with the `+"`%s`"+` branch and cannot be merged automatically.

**Required Action:**
1. Update your branch with the latest changes from `+"`%s`"+`
2. Resolve all merge conflicts
3. Push the resolved changes to your branch
4. Ensure all status checks pass

**Why This Matters:**
The merge queue requires all PRs to be conflict-free to ensure smooth, automated merging and maintain repository stability.

*This is an automated notification from the merge queue validation process.*`,
		c.Author, c.Number, v.defaultBranch, v.defaultBranch)

	v.postNotification(ctx, c.Number, body)
}

func (v *Validator) notifyInsufficientApprovals(ctx context.Context, c *github.Candidate, current, required int) {
	body := fmt.Sprintf(`⚠️ **Insufficient Approvals - Action Required**

@%s, your PR #%d currently has %d approval(s), but %d approval(s) are required for merging.

**Required Action:**
1. Request reviews from team members or maintainers
2. Address any feedback or requested changes
3. Ensure your PR meets all review criteria
4. Wait for the required number of approvals

**Why This Matters:**
The merge queue enforces approval requirements to ensure code quality and maintain proper review processes before merging.

*This is an automated notification from the merge queue validation process.*`,
		c.Author, c.Number, current, required)

	v.postNotification(ctx, c.Number, body)
}

func (v *Validator) postNotification(ctx context.Context, number int, body string) {
	if _, err := v.client.AddComment(ctx, v.owner, v.repo, number, body); err != nil {
		logging.WithComponent("validate").Warn("failed to post notification", "candidate", number, "error", err)
	}
}
