package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/mergeq/internal/config"
	"github.com/alekspetrov/mergeq/internal/dashboard"
	"github.com/alekspetrov/mergeq/internal/github"
	"github.com/alekspetrov/mergeq/internal/logging"
	"github.com/alekspetrov/mergeq/internal/orchestrator"
	"github.com/alekspetrov/mergeq/internal/pipeline"
	"github.com/alekspetrov/mergeq/internal/request"
	"github.com/alekspetrov/mergeq/internal/watcher"
)

// loadConfig resolves, loads, and validates the configuration.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

func newRunCmd() *cobra.Command {
	var issueNumber int
	var withDashboard bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one merge queue cycle for an originator issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			client := github.NewClientFromConfig(cfg.GitHub)
			orch := orchestrator.New(client, cfg)

			if !withDashboard {
				if err := logging.Init(cfg.Logging); err != nil {
					return fmt.Errorf("failed to init logging: %w", err)
				}
				return orch.Run(ctx, issueNumber)
			}

			// The TUI owns the terminal, so logs are dropped for the run.
			logging.Suppress()

			events := make(chan pipeline.Event, 64)
			orch.Events = events

			errCh := make(chan error, 1)
			go func() {
				errCh <- orch.Run(ctx, issueNumber)
				close(events)
			}()

			if err := dashboard.Run(cfg.Repository, version, events); err != nil {
				cancel()
				<-errCh
				return err
			}
			return <-errCh
		},
	}

	cmd.Flags().IntVar(&issueNumber, "issue", 0, "originator issue number")
	cmd.Flags().BoolVar(&withDashboard, "dashboard", false, "show the live TUI")
	_ = cmd.MarkFlagRequired("issue")

	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch request issues for trigger comments and run cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("failed to init logging: %w", err)
			}

			var windowDuration time.Duration
			if cfg.Watch.MergeWindowDuration != "" {
				windowDuration, err = time.ParseDuration(cfg.Watch.MergeWindowDuration)
				if err != nil {
					return fmt.Errorf("invalid merge window duration: %w", err)
				}
			}
			window, err := watcher.NewWindow(cfg.Watch.MergeWindow, windowDuration)
			if err != nil {
				return err
			}

			client := github.NewClientFromConfig(cfg.GitHub)
			orch := orchestrator.New(client, cfg)

			w := watcher.New(client, watcher.Options{
				Owner:         cfg.Owner(),
				Repo:          cfg.Repo(),
				RequestLabel:  cfg.Watch.RequestLabel,
				TriggerPhrase: cfg.Watch.TriggerPhrase,
				Interval:      time.Duration(cfg.Watch.PollSeconds) * time.Second,
				WorkflowFile:  cfg.CI.WorkflowFile,
				Window:        window,
			}, orch.Run)

			ctx, cancel := signalContext()
			defer cancel()

			w.Start(ctx)
			return nil
		},
	}
}

func newExtractCmd() *cobra.Command {
	var issueNumber int

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Parse a request issue and print what it asks for",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.Suppress()

			ctx, cancel := signalContext()
			defer cancel()

			client := github.NewClientFromConfig(cfg.GitHub)
			issue, err := client.GetIssue(ctx, cfg.Owner(), cfg.Repo(), issueNumber)
			if err != nil {
				return fmt.Errorf("failed to fetch issue #%d: %w", issueNumber, err)
			}

			req, err := request.Parse(issueNumber, issue.User.Login, issue.Body)
			if err != nil {
				return err
			}

			numbers := make([]string, 0, len(req.Candidates))
			for _, n := range req.Candidates {
				numbers = append(numbers, fmt.Sprintf("%d", n))
			}

			fmt.Printf("Submitter: %s\n", req.Submitter)
			fmt.Printf("PR Numbers: %s\n", strings.Join(numbers, ","))
			if req.HasReleaseCandidate() {
				fmt.Printf("Release PR: %d\n", req.ReleaseCandidate)
			} else {
				fmt.Println("Release PR: none")
			}
			if req.ApprovalsOverride > 0 {
				fmt.Printf("Required Approvals Override: %d\n", req.ApprovalsOverride)
			} else {
				fmt.Println("Required Approvals Override: none")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&issueNumber, "issue", 0, "request issue number")
	_ = cmd.MarkFlagRequired("issue")

	return cmd
}
