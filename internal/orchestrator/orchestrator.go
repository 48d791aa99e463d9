// Package orchestrator sequences one merge queue cycle: lock, extract,
// approval gate, validation, pipeline, release merge, report, cleanup.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/mergeq/internal/approval"
	"github.com/alekspetrov/mergeq/internal/config"
	"github.com/alekspetrov/mergeq/internal/github"
	"github.com/alekspetrov/mergeq/internal/lock"
	"github.com/alekspetrov/mergeq/internal/logging"
	"github.com/alekspetrov/mergeq/internal/pipeline"
	"github.com/alekspetrov/mergeq/internal/report"
	"github.com/alekspetrov/mergeq/internal/request"
	"github.com/alekspetrov/mergeq/internal/validate"
)

// Client is the full adapter surface one cycle needs.
type Client interface {
	lock.IssueClient
	approval.Client
	validate.Client
	pipeline.Client
	report.Client
	GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error)
}

// Orchestrator runs merge queue cycles.
type Orchestrator struct {
	client Client
	cfg    *config.Config

	// Events, when set, is forwarded to the pipeline for dashboard use.
	Events chan<- pipeline.Event
}

// New creates an orchestrator.
func New(client Client, cfg *config.Config) *Orchestrator {
	return &Orchestrator{client: client, cfg: cfg}
}

// Run executes one full cycle for the originator issue. The returned
// error is nil for all clean exits including lock contention, rejection,
// and approval timeout; only orchestrator-level faults are errors.
func (o *Orchestrator) Run(ctx context.Context, originatorID int) error {
	runID := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, runID)
	log := logging.WithRun(runID).With("originator", originatorID)

	owner, repo := o.cfg.Owner(), o.cfg.Repo()

	issue, err := o.client.GetIssue(ctx, owner, repo, originatorID)
	if err != nil {
		return fmt.Errorf("failed to fetch originator issue #%d: %w", originatorID, err)
	}

	req, err := request.Parse(originatorID, issue.User.Login, issue.Body)
	if err != nil {
		// Unparsable body is fatal and happens before the lock exists.
		log.Error("request extraction failed", "error", err)
		if _, cerr := o.client.AddComment(ctx, owner, repo, originatorID, request.ParseError(err)); cerr != nil {
			log.Warn("failed to post extraction error", "error", cerr)
		}
		return fmt.Errorf("request extraction failed: %w", err)
	}
	log.Info("request extracted", "candidates", req.Candidates,
		"release", req.ReleaseCandidate, "override", req.ApprovalsOverride)

	locker := lock.NewManager(o.client, owner, repo, o.cfg.Queue.LockLabel, o.cfg.Queue.AutomationLabel)
	trackingIssue, err := locker.Acquire(ctx, req)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			// Another run owns this originator; exit without touching
			// the queue.
			log.Warn("lock held by another run")
			return nil
		}
		return fmt.Errorf("lock acquisition failed: %w", err)
	}

	// The lock is released on every exit path with a status matching
	// how the cycle ended. Release gets its own context: the run context
	// is signal-cancelled, and a cancelled run must still close the
	// tracking issue or the lock stays held.
	status := lock.StatusFailed
	summary := ""
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		locker.Release(releaseCtx, trackingIssue, status, summary)
	}()

	reporter := report.New(o.client, owner, repo, o.cfg.Queue.DefaultBranch,
		time.Duration(o.cfg.CI.MaxWaitSeconds)*time.Second,
		time.Duration(o.cfg.CI.MaxStartupWaitSeconds)*time.Second)

	// On a fatal error past this point the reporter still runs with
	// whatever outcomes exist, so the submitter is never left without
	// a verdict.
	var result *validate.Result
	var outcomes []pipeline.Outcome
	reportCycle := func() {
		reporter.Publish(ctx, &report.Input{
			OriginatorID:      originatorID,
			Submitter:         req.Submitter,
			TotalRequested:    len(req.Candidates),
			RequiredApprovals: requiredApprovals(result),
			Validation:        result,
			Outcomes:          outcomes,
		})
	}

	ctrl := approval.NewController(o.client, approval.Options{
		Owner:            owner,
		Repo:             repo,
		Org:              o.cfg.Approval.Org,
		Group:            o.cfg.Approval.Group,
		Timeout:          o.cfg.ApprovalTimeout(),
		ReminderInterval: o.cfg.ReminderInterval(),
		PollInterval:     time.Duration(o.cfg.Approval.PollSeconds) * time.Second,
	})

	trigger, err := ctrl.Request(ctx, req)
	if err != nil {
		reportCycle()
		return fmt.Errorf("approval request failed: %w", err)
	}

	decision, err := ctrl.Wait(ctx, originatorID, trigger)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrRejected):
			log.Info("request rejected", "by", decision.Actor)
			status = lock.StatusRejected
			reportCycle()
			return nil
		case errors.Is(err, approval.ErrTimeout):
			log.Info("approval timed out")
			status = lock.StatusTimeout
			reportCycle()
			return nil
		default:
			reportCycle()
			return fmt.Errorf("approval wait failed: %w", err)
		}
	}
	log.Info("request approved", "by", decision.Actor)

	validator := validate.New(o.client, owner, repo, o.cfg.Queue.DefaultBranch)
	validator.RequiredCheck = o.cfg.CI.RequiredCheck
	validator.ReleaseBranchPrefix = o.cfg.Queue.ReleaseBranchPrefix

	// The per-request override wins; the configured approval floor is the
	// fallback before branch protection.
	override := req.ApprovalsOverride
	if override == 0 {
		override = o.cfg.Queue.RequiredApprovals
	}
	result = validator.Classify(ctx, req.Candidates, override)
	log.Info("candidates classified",
		"mergeable", result.Mergeable, "unmergeable", len(result.Unmergeable),
		"required_approvals", result.RequiredApprovals)

	pipe := pipeline.New(o.client, pipeline.Options{
		Owner:              owner,
		Repo:               repo,
		DefaultBranch:      o.cfg.Queue.DefaultBranch,
		TriggerPhrase:      o.cfg.CI.TriggerPhrase,
		MaxWait:            time.Duration(o.cfg.CI.MaxWaitSeconds) * time.Second,
		CheckInterval:      time.Duration(o.cfg.CI.CheckIntervalSeconds) * time.Second,
		MaxStartupWait:     time.Duration(o.cfg.CI.MaxStartupWaitSeconds) * time.Second,
		StartupPoll:        time.Duration(o.cfg.CI.StartupPollSeconds) * time.Second,
		PostMergeSettle:    time.Duration(o.cfg.Queue.PostMergeSettleSeconds) * time.Second,
		ReleaseMergeMethod: o.cfg.Queue.ReleaseMergeMethod,
	})
	pipe.Events = o.Events

	outcomes = pipe.Run(ctx, result.Mergeable)

	// The release candidate merges last with its own strategy, and only
	// when it still validates.
	if req.HasReleaseCandidate() {
		if reasons := validator.ValidateRelease(ctx, req.ReleaseCandidate, override); len(reasons) > 0 {
			log.Warn("release candidate failed validation", "release", req.ReleaseCandidate, "reasons", reasons)
		} else if err := pipe.MergeRelease(ctx, req.ReleaseCandidate); err != nil {
			log.Error("release merge failed", "release", req.ReleaseCandidate, "error", err)
		}
	}

	reportCycle()

	status = lock.StatusCompleted
	summary = cycleSummary(outcomes, len(result.Unmergeable))
	log.Info("cycle complete", "summary", summary)
	return nil
}

// requiredApprovals extracts the resolved approval threshold, or zero
// when validation never ran.
func requiredApprovals(result *validate.Result) int {
	if result == nil {
		return 0
	}
	return result.RequiredApprovals
}

func cycleSummary(outcomes []pipeline.Outcome, unmergeable int) string {
	merged := 0
	for _, o := range outcomes {
		if o.Bucket == pipeline.BucketMerged {
			merged++
		}
	}
	failed := len(outcomes) - merged + unmergeable
	return fmt.Sprintf("**Merged**: %d, **Failed**: %d", merged, failed)
}
