// Package pipeline merges validated candidates sequentially: update the
// branch, trigger CI, wait for the CI-start signal, wait for the run to
// finish, then merge.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alekspetrov/mergeq/internal/github"
	"github.com/alekspetrov/mergeq/internal/logging"
	"github.com/alekspetrov/mergeq/internal/poll"
)

// Bucket classifies the outcome of one candidate per cycle.
type Bucket string

const (
	BucketMerged           Bucket = "MERGED"
	BucketUnmergeable      Bucket = "UNMERGEABLE"
	BucketFailedUpdate     Bucket = "FAILED_UPDATE"
	BucketFailedCI         Bucket = "FAILED_CI"
	BucketCITimeout        Bucket = "CI_TIMEOUT"
	BucketCIStartupTimeout Bucket = "CI_STARTUP_TIMEOUT"
	BucketFailedMerge      Bucket = "FAILED_MERGE"
)

// Outcome records where a candidate ended up and why.
type Outcome struct {
	Number  int
	Bucket  Bucket
	Reasons []string
}

// Stage names for progress events.
type Stage string

const (
	StageUpdating       Stage = "updating"
	StageTriggeringCI   Stage = "triggering-ci"
	StageWaitingCIStart Stage = "waiting-ci-start"
	StageRunningCI      Stage = "running-ci"
	StageMerging        Stage = "merging"
	StageDone           Stage = "done"
)

// Event is a progress notification consumed by the dashboard.
type Event struct {
	Candidate int
	Stage     Stage
	Bucket    Bucket // set when Stage == StageDone
	RunID     int64  // set once the CI run is identified
}

// ciStartRunID extracts the workflow run id from a CI-start comment.
var ciStartRunID = regexp.MustCompile(`actions/runs/(\d+)`)

// ciStartMarker is the fixed phrase the CI bot posts when a run begins.
const ciStartMarker = "CI job started"

// Client is the subset of the GitHub client the pipeline needs.
type Client interface {
	UpdateBranch(ctx context.Context, owner, repo string, number int) error
	AddComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error)
	ListCommentsAfter(ctx context.Context, owner, repo string, number int, after time.Time) ([]*github.Comment, error)
	GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (*github.WorkflowRun, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	IsBranchProtected(ctx context.Context, owner, repo, branch string) (bool, error)
	MergePullRequest(ctx context.Context, owner, repo string, number int, opts github.MergeOptions) error
}

// Options configures a Pipeline.
type Options struct {
	Owner              string
	Repo               string
	DefaultBranch      string
	TriggerPhrase      string        // CI trigger comment body
	MaxWait            time.Duration // CI completion budget per candidate
	CheckInterval      time.Duration
	MaxStartupWait     time.Duration // budget for the CI-start signal
	StartupPoll        time.Duration
	PostMergeSettle    time.Duration // pause after each merge before the next candidate
	ReleaseMergeMethod string
}

// Pipeline processes mergeable candidates in order.
type Pipeline struct {
	client Client
	opts   Options

	// Events, when set, receives progress notifications. Sends never
	// block; a slow consumer just misses updates.
	Events chan<- Event
}

// New creates a merge pipeline.
func New(client Client, opts Options) *Pipeline {
	if opts.TriggerPhrase == "" {
		opts.TriggerPhrase = "Ok to test"
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.StartupPoll <= 0 {
		opts.StartupPoll = 5 * time.Second
	}
	if opts.ReleaseMergeMethod == "" {
		opts.ReleaseMergeMethod = github.MergeMethodMerge
	}
	return &Pipeline{client: client, opts: opts}
}

func (p *Pipeline) emit(ev Event) {
	if p.Events == nil {
		return
	}
	select {
	case p.Events <- ev:
	default:
	}
}

// Run processes candidates in ascending order and returns one Outcome per
// candidate. Candidate failures never abort the cycle; each candidate
// lands in exactly one bucket.
func (p *Pipeline) Run(ctx context.Context, candidates []int) []Outcome {
	outcomes := make([]Outcome, 0, len(candidates))
	for _, number := range candidates {
		outcome := p.processOne(ctx, number)
		if ctx.Err() != nil {
			// Cancellation drops the in-flight outcome; whatever
			// completed before it stands.
			return outcomes
		}
		p.emit(Event{Candidate: number, Stage: StageDone, Bucket: outcome.Bucket})
		outcomes = append(outcomes, outcome)

		if outcome.Bucket == BucketMerged && p.opts.PostMergeSettle > 0 {
			// Let the platform settle before evaluating the next candidate.
			select {
			case <-ctx.Done():
			case <-time.After(p.opts.PostMergeSettle):
			}
		}
	}
	return outcomes
}

func (p *Pipeline) processOne(ctx context.Context, number int) Outcome {
	log := logging.WithComponent("pipeline").With("candidate", number)

	// Step 1: rebase the head branch onto the default branch.
	p.emit(Event{Candidate: number, Stage: StageUpdating})
	if err := p.client.UpdateBranch(ctx, p.opts.Owner, p.opts.Repo, number); err != nil {
		log.Warn("branch update failed", "error", err)
		return Outcome{Number: number, Bucket: BucketFailedUpdate,
			Reasons: []string{fmt.Sprintf("failed to update branch: %v", err)}}
	}

	// Step 2: trigger CI; the comment's creation time anchors the
	// CI-start scan.
	p.emit(Event{Candidate: number, Stage: StageTriggeringCI})
	trigger, err := p.client.AddComment(ctx, p.opts.Owner, p.opts.Repo, number, p.opts.TriggerPhrase)
	if err != nil {
		log.Warn("CI trigger failed", "error", err)
		return Outcome{Number: number, Bucket: BucketFailedUpdate,
			Reasons: []string{fmt.Sprintf("failed to trigger CI: %v", err)}}
	}

	// Step 3: wait for the CI-start signal carrying the run id.
	p.emit(Event{Candidate: number, Stage: StageWaitingCIStart})
	runID, err := p.waitForCIStart(ctx, number, trigger.CreatedAt)
	if err != nil {
		if errors.Is(err, poll.ErrDeadline) {
			log.Warn("timed out waiting for CI start signal")
			return Outcome{Number: number, Bucket: BucketCIStartupTimeout,
				Reasons: []string{"CI run did not start in time"}}
		}
		return Outcome{Number: number, Bucket: BucketFailedUpdate,
			Reasons: []string{fmt.Sprintf("failed waiting for CI start: %v", err)}}
	}
	log.Info("CI run identified", "run_id", runID)

	// Step 4: wait for that run to complete.
	p.emit(Event{Candidate: number, Stage: StageRunningCI, RunID: runID})
	switch outcome := p.waitForCICompletion(ctx, runID); outcome {
	case ciFailed:
		return Outcome{Number: number, Bucket: BucketFailedCI,
			Reasons: []string{fmt.Sprintf("CI run %d failed", runID)}}
	case ciTimeout:
		return Outcome{Number: number, Bucket: BucketCITimeout,
			Reasons: []string{fmt.Sprintf("CI run %d did not finish within the time budget", runID)}}
	case ciCancelled:
		return Outcome{Number: number, Bucket: BucketFailedCI,
			Reasons: []string{fmt.Sprintf("waiting for CI run %d was interrupted", runID)}}
	}

	// Step 5: merge.
	p.emit(Event{Candidate: number, Stage: StageMerging})
	return p.merge(ctx, number)
}

// waitForCIStart scans comments posted after the trigger for the
// CI-start marker and extracts the run id.
func (p *Pipeline) waitForCIStart(ctx context.Context, number int, trigger time.Time) (int64, error) {
	log := logging.WithComponent("pipeline")

	return poll.Until(ctx, poll.Options{
		Interval: p.opts.StartupPoll,
		Timeout:  p.opts.MaxStartupWait,
	}, func(ctx context.Context) (poll.Result[int64], error) {
		comments, err := p.client.ListCommentsAfter(ctx, p.opts.Owner, p.opts.Repo, number, trigger)
		if err != nil {
			// Transient listing failures just mean another tick.
			log.Warn("failed to list comments while waiting for CI start", "error", err)
			return poll.Continue[int64]()
		}

		for _, comment := range comments {
			if !strings.Contains(comment.Body, ciStartMarker) {
				continue
			}
			m := ciStartRunID.FindStringSubmatch(comment.Body)
			if len(m) < 2 {
				continue
			}
			runID, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				continue
			}
			return poll.Finish(runID)
		}
		return poll.Continue[int64]()
	})
}

type ciResult int

const (
	ciSuccess ciResult = iota
	ciFailed
	ciTimeout
	ciCancelled
)

// waitForCICompletion polls the workflow run until it completes or the
// budget runs out.
func (p *Pipeline) waitForCICompletion(ctx context.Context, runID int64) ciResult {
	log := logging.WithComponent("pipeline")

	result, err := poll.Until(ctx, poll.Options{
		Interval: p.opts.CheckInterval,
		Timeout:  p.opts.MaxWait,
	}, func(ctx context.Context) (poll.Result[ciResult], error) {
		run, err := p.client.GetWorkflowRun(ctx, p.opts.Owner, p.opts.Repo, runID)
		if err != nil {
			log.Warn("failed to fetch workflow run", "run_id", runID, "error", err)
			return poll.Continue[ciResult]()
		}

		log.Debug("workflow run status", "run_id", runID, "name", run.Name,
			"status", run.Status, "conclusion", run.Conclusion)

		if run.Status != github.RunStatusCompleted {
			return poll.Continue[ciResult]()
		}
		if run.Conclusion == github.RunConclusionSuccess {
			return poll.Finish(ciSuccess)
		}
		return poll.Finish(ciFailed)
	})

	if err != nil {
		if errors.Is(err, poll.ErrDeadline) {
			return ciTimeout
		}
		return ciCancelled
	}
	return result
}

// merge re-checks the candidate, decides branch deletion from head branch
// protection, merges with the canonical subject, and verifies the result.
func (p *Pipeline) merge(ctx context.Context, number int) Outcome {
	log := logging.WithComponent("pipeline").With("candidate", number)

	headRef := "unknown-branch"
	deleteBranch := false // keep the branch unless we know it is safe

	pr, err := p.client.GetPullRequest(ctx, p.opts.Owner, p.opts.Repo, number)
	if err != nil {
		// State unknown; attempt the merge anyway with safe defaults.
		log.Warn("could not re-fetch candidate before merge", "error", err)
	} else {
		if pr.LifecycleState() != github.PRStateOpen {
			return Outcome{Number: number, Bucket: BucketFailedMerge,
				Reasons: []string{fmt.Sprintf("PR is not open (state: %s)", pr.LifecycleState())}}
		}
		if pr.MergeableState() == github.MergeableStateConflicting {
			p.postLateConflictComment(ctx, number, pr.User.Login)
			return Outcome{Number: number, Bucket: BucketFailedMerge,
				Reasons: []string{"merge conflicts appeared after earlier candidates merged"}}
		}

		headRef = pr.Head.Ref
		protected, err := p.client.IsBranchProtected(ctx, p.opts.Owner, p.opts.Repo, headRef)
		if err != nil {
			log.Warn("could not determine branch protection, keeping branch", "branch", headRef, "error", err)
		} else {
			deleteBranch = !protected
		}
	}

	subject := fmt.Sprintf("[Merge Queue]Merge Pull Request #%d from %s", number, headRef)
	err = p.client.MergePullRequest(ctx, p.opts.Owner, p.opts.Repo, number, github.MergeOptions{
		Method:       github.MergeMethodSquash,
		CommitTitle:  subject,
		DeleteBranch: deleteBranch,
	})
	if err != nil {
		log.Warn("merge failed", "error", err)
		return Outcome{Number: number, Bucket: BucketFailedMerge,
			Reasons: []string{fmt.Sprintf("merge failed: %v", err)}}
	}

	// The merge endpoint can report success while the PR stays open.
	// Verify, trusting the merge when the re-fetch itself fails.
	final, err := p.client.GetPullRequest(ctx, p.opts.Owner, p.opts.Repo, number)
	if err != nil {
		log.Warn("could not verify merge, assuming success", "error", err)
		return Outcome{Number: number, Bucket: BucketMerged}
	}
	if final.LifecycleState() != github.PRStateMerged {
		return Outcome{Number: number, Bucket: BucketFailedMerge,
			Reasons: []string{fmt.Sprintf("merge command succeeded but PR is still %s", final.LifecycleState())}}
	}

	log.Info("candidate merged", "subject", subject)
	return Outcome{Number: number, Bucket: BucketMerged}
}

// postLateConflictComment tells the author about conflicts found at
// merge time, after earlier queue entries changed the default branch.
func (p *Pipeline) postLateConflictComment(ctx context.Context, number int, author string) {
	if author == "" {
		return
	}
	body := fmt.Sprintf(`@%s ⚠️ **Merge Conflicts Detected**

This PR has merge conflicts that prevent it from being merged automatically. The conflicts likely occurred after the latest changes were merged to the main branch.

**Next Steps:**
1. Pull the latest changes from the main branch
2. Resolve the merge conflicts in your branch
3. Push the resolved changes
4. The PR will be ready for the next merge cycle

*This comment was automatically generated by the merge queue workflow.*`, author)

	if _, err := p.client.AddComment(ctx, p.opts.Owner, p.opts.Repo, number, body); err != nil {
		logging.WithComponent("pipeline").Warn("failed to post conflict comment", "candidate", number, "error", err)
	}
}

// MergeRelease merges the release candidate with the configured
// non-squash strategy, preserving its original title in the subject.
func (p *Pipeline) MergeRelease(ctx context.Context, number int) error {
	log := logging.WithComponent("pipeline").With("candidate", number)

	pr, err := p.client.GetPullRequest(ctx, p.opts.Owner, p.opts.Repo, number)
	if err != nil {
		return fmt.Errorf("failed to fetch release PR #%d: %w", number, err)
	}
	if pr.Head.Ref == "" {
		return fmt.Errorf("could not determine source branch for release PR #%d", number)
	}

	deleteBranch := false
	protected, err := p.client.IsBranchProtected(ctx, p.opts.Owner, p.opts.Repo, pr.Head.Ref)
	if err != nil {
		log.Warn("could not determine branch protection for release branch, keeping it", "error", err)
	} else {
		deleteBranch = !protected
	}

	subject := fmt.Sprintf("[Merge Queue] %s", pr.Title)
	if err := p.client.MergePullRequest(ctx, p.opts.Owner, p.opts.Repo, number, github.MergeOptions{
		Method:       p.opts.ReleaseMergeMethod,
		CommitTitle:  subject,
		DeleteBranch: deleteBranch,
	}); err != nil {
		return fmt.Errorf("failed to merge release PR #%d: %w", number, err)
	}

	log.Info("release candidate merged", "subject", subject)
	return nil
}
