// Package watcher polls originator issues for merge trigger comments
// and launches cycles, gated by an optional merge window.
package watcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alekspetrov/mergeq/internal/github"
	"github.com/alekspetrov/mergeq/internal/logging"
)

// Automation identities whose comments never count as triggers.
var automationAuthors = map[string]bool{
	"github-actions":      true,
	"github-actions[bot]": true,
}

// Client is the subset of the GitHub client the watcher needs.
type Client interface {
	ListIssues(ctx context.Context, owner, repo string, opts *github.ListIssuesOptions) ([]*github.Issue, error)
	ListComments(ctx context.Context, owner, repo string, number int) ([]*github.Comment, error)
	ListWorkflowRuns(ctx context.Context, owner, repo, workflowFile, status string) ([]*github.WorkflowRun, error)
	AddComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error)
}

// Options configures a Watcher.
type Options struct {
	Owner         string
	Repo          string
	RequestLabel  string // label marking originator issues
	TriggerPhrase string // comment text that launches a cycle
	Interval      time.Duration
	WorkflowFile  string  // queue workflow, for the duplicate-run check; empty disables it
	Window        *Window // nil means always open
}

// Watcher scans labelled issues for trigger comments and runs cycles
// sequentially, one originator at a time.
type Watcher struct {
	client    Client
	opts      Options
	onTrigger func(ctx context.Context, originatorID int) error

	// trigger comments already handled, by comment id
	processed map[int64]bool

	now func() time.Time
}

// New creates a watcher. onTrigger runs one full cycle for an originator.
func New(client Client, opts Options, onTrigger func(ctx context.Context, originatorID int) error) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	return &Watcher{
		client:    client,
		opts:      opts,
		onTrigger: onTrigger,
		processed: map[int64]bool{},
		now:       time.Now,
	}
}

// Start polls until the context is cancelled. Cycles run inline, so a
// long merge queue run naturally delays the next scan.
func (w *Watcher) Start(ctx context.Context) {
	log := logging.WithComponent("watcher")
	log.Info("watcher started",
		"repo", w.opts.Owner+"/"+w.opts.Repo,
		"label", w.opts.RequestLabel,
		"interval", w.opts.Interval)

	for {
		select {
		case <-ctx.Done():
			log.Info("watcher stopped")
			return
		default:
			if err := w.Scan(ctx); err != nil {
				log.Warn("scan failed, will retry", "error", err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(w.opts.Interval):
			}
		}
	}
}

// Scan runs one pass over open request issues, launching a cycle for
// every unhandled trigger comment.
func (w *Watcher) Scan(ctx context.Context) error {
	log := logging.WithComponent("watcher")

	issues, err := w.client.ListIssues(ctx, w.opts.Owner, w.opts.Repo, &github.ListIssuesOptions{
		Labels: []string{w.opts.RequestLabel},
		State:  github.StateOpen,
	})
	if err != nil {
		return fmt.Errorf("failed to list request issues: %w", err)
	}

	for _, issue := range issues {
		trigger, err := w.findTrigger(ctx, issue.Number)
		if err != nil {
			log.Warn("failed to scan comments", "issue", issue.Number, "error", err)
			continue
		}
		if trigger == nil {
			continue
		}

		if !w.opts.Window.Open(w.now()) {
			// The comment stays pending and fires once the window opens.
			log.Info("merge window closed, deferring trigger", "issue", issue.Number)
			continue
		}

		w.processed[trigger.ID] = true

		if blocked := w.consecutiveRuns(ctx); blocked > 1 {
			log.Warn("consecutive execution prevented", "issue", issue.Number, "running", blocked)
			w.postBlocked(ctx, issue.Number, blocked)
			continue
		}

		log.Info("trigger detected, starting cycle", "issue", issue.Number, "by", trigger.User.Login)
		if err := w.onTrigger(ctx, issue.Number); err != nil {
			log.Error("cycle failed", "issue", issue.Number, "error", err)
		}
	}
	return nil
}

// findTrigger returns the first unhandled trigger comment on an issue.
func (w *Watcher) findTrigger(ctx context.Context, number int) (*github.Comment, error) {
	comments, err := w.client.ListComments(ctx, w.opts.Owner, w.opts.Repo, number)
	if err != nil {
		return nil, err
	}

	phrase := strings.ToLower(w.opts.TriggerPhrase)
	for _, comment := range comments {
		if w.processed[comment.ID] || automationAuthors[comment.User.Login] {
			continue
		}
		if strings.Contains(strings.ToLower(comment.Body), phrase) {
			return comment, nil
		}
	}
	return nil, nil
}

// consecutiveRuns counts in-progress runs of the queue workflow. One
// run is expected (the cycle being launched counts as it); more means
// another queue is active. Zero on lookup failure so an API hiccup
// never blocks the queue.
func (w *Watcher) consecutiveRuns(ctx context.Context) int {
	if w.opts.WorkflowFile == "" {
		return 0
	}
	runs, err := w.client.ListWorkflowRuns(ctx, w.opts.Owner, w.opts.Repo, w.opts.WorkflowFile, github.RunStatusInProgress)
	if err != nil {
		logging.WithComponent("watcher").Warn("failed to list workflow runs", "error", err)
		return 0
	}
	return len(runs)
}

func (w *Watcher) postBlocked(ctx context.Context, number, running int) {
	body := fmt.Sprintf(`⚠️ **Consecutive Execution Prevented**

There are already active merge queue workflows running:
• Merge Queue workflows: %d

**Action Required**: Wait for the current workflows to complete before starting a new merge queue process.

**Monitor Progress**: [View Active Workflows](https://github.com/%s/%s/actions)

**Retry**: Comment `+"`%s`"+` again once all workflows have completed.`,
		running, w.opts.Owner, w.opts.Repo, w.opts.TriggerPhrase)

	if _, err := w.client.AddComment(ctx, w.opts.Owner, w.opts.Repo, number, body); err != nil {
		logging.WithComponent("watcher").Warn("failed to post blocking message", "issue", number, "error", err)
	}
}
