// Package config loads and validates mergeq configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/mergeq/internal/github"
	"github.com/alekspetrov/mergeq/internal/logging"
)

// Config represents the main configuration
type Config struct {
	Version    string          `yaml:"version"`
	Repository string          `yaml:"repository"` // owner/name
	GitHub     *github.Config  `yaml:"github"`
	Queue      *QueueConfig    `yaml:"queue"`
	Approval   *ApprovalConfig `yaml:"approval"`
	CI         *CIConfig       `yaml:"ci"`
	Watch      *WatchConfig    `yaml:"watch"`
	Logging    *logging.Config `yaml:"logging"`
}

// QueueConfig holds merge queue settings
type QueueConfig struct {
	DefaultBranch          string `yaml:"default_branch"`
	LockLabel              string `yaml:"lock_label"`
	AutomationLabel        string `yaml:"automation_label"`
	RequiredApprovals      int    `yaml:"required_approvals"`   // 0 = derive from branch protection
	ReleaseMergeMethod     string `yaml:"release_merge_method"` // merge method for release candidates
	ReleaseBranchPrefix    string `yaml:"release_branch_prefix"`
	PostMergeSettleSeconds int    `yaml:"post_merge_settle_seconds"`
}

// ApprovalConfig holds human approval gate settings
type ApprovalConfig struct {
	Org                     string `yaml:"org"`
	Group                   string `yaml:"group"` // org team whose members may approve
	TimeoutMinutes          int    `yaml:"timeout_minutes"`
	ReminderIntervalMinutes int    `yaml:"reminder_interval_minutes"`
	PollSeconds             int    `yaml:"poll_seconds"`
}

// CIConfig holds CI gate settings
type CIConfig struct {
	TriggerPhrase         string `yaml:"trigger_phrase"` // comment that starts a CI run
	RequiredCheck         string `yaml:"required_check"`
	WorkflowFile          string `yaml:"workflow_file"` // queue workflow, used for duplicate-run detection
	MaxWaitSeconds        int    `yaml:"max_wait_seconds"`
	CheckIntervalSeconds  int    `yaml:"check_interval_seconds"`
	MaxStartupWaitSeconds int    `yaml:"max_startup_wait_seconds"`
	StartupPollSeconds    int    `yaml:"startup_poll_seconds"`
}

// WatchConfig holds trigger watcher settings
type WatchConfig struct {
	RequestLabel        string `yaml:"request_label"` // label marking originator issues
	TriggerPhrase       string `yaml:"trigger_phrase"`
	PollSeconds         int    `yaml:"poll_seconds"`
	MergeWindow         string `yaml:"merge_window"` // cron spec; empty means always open
	MergeWindowDuration string `yaml:"merge_window_duration"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		GitHub: &github.Config{
			Token: "${GITHUB_TOKEN}",
		},
		Queue: &QueueConfig{
			DefaultBranch:          "main",
			LockLabel:              "distributed-lock",
			AutomationLabel:        "automation",
			ReleaseMergeMethod:     github.MergeMethodMerge,
			ReleaseBranchPrefix:    "release/",
			PostMergeSettleSeconds: 10,
		},
		Approval: &ApprovalConfig{
			Group:                   "merge-approvals",
			TimeoutMinutes:          60,
			ReminderIntervalMinutes: 15,
			PollSeconds:             60,
		},
		CI: &CIConfig{
			TriggerPhrase:         "Ok to test",
			RequiredCheck:         "run-tests",
			MaxWaitSeconds:        2700,
			CheckIntervalSeconds:  30,
			MaxStartupWaitSeconds: 300,
			StartupPollSeconds:    5,
		},
		Watch: &WatchConfig{
			RequestLabel:  "merge-request",
			TriggerPhrase: "begin-merge",
			PollSeconds:   60,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config.applyEnv()
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyEnv()
	return config, nil
}

// applyEnv overlays well-known environment variables over file values.
// The setting names match what the hosting workflow exports.
func (c *Config) applyEnv() {
	if v := os.Getenv("MERGEQ_REPOSITORY"); v != "" {
		c.Repository = v
	} else if v := os.Getenv("GITHUB_REPOSITORY"); v != "" && c.Repository == "" {
		c.Repository = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" && (c.GitHub.Token == "" || c.GitHub.Token == "${GITHUB_TOKEN}") {
		c.GitHub.Token = v
	}
	if v := os.Getenv("MERGEQ_APPROVER_GROUP"); v != "" {
		c.Approval.Group = v
	}
	if v := os.Getenv("DEFAULT_BRANCH"); v != "" {
		c.Queue.DefaultBranch = v
	}

	envInt("REQUIRED_APPROVALS", &c.Queue.RequiredApprovals)
	envInt("MAX_WAIT_SECONDS", &c.CI.MaxWaitSeconds)
	envInt("CHECK_INTERVAL", &c.CI.CheckIntervalSeconds)
	envInt("MAX_STARTUP_WAIT", &c.CI.MaxStartupWaitSeconds)
	envInt("APPROVAL_TIMEOUT_MINUTES", &c.Approval.TimeoutMinutes)
	envInt("APPROVAL_REMINDER_INTERVAL_MINUTES", &c.Approval.ReminderIntervalMinutes)
}

// envInt overlays a positive integer environment variable onto dst.
func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return
	}
	*dst = n
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".mergeq", "config.yaml")
}

// Owner returns the repository owner part of "owner/name".
func (c *Config) Owner() string {
	owner, _, _ := strings.Cut(c.Repository, "/")
	return owner
}

// Repo returns the repository name part of "owner/name".
func (c *Config) Repo() string {
	_, repo, _ := strings.Cut(c.Repository, "/")
	return repo
}

// ApprovalTimeout returns the approval timeout as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutMinutes) * time.Minute
}

// ReminderInterval returns the approval reminder interval as a duration.
func (c *Config) ReminderInterval() time.Duration {
	return time.Duration(c.Approval.ReminderIntervalMinutes) * time.Minute
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Repository == "" {
		return fmt.Errorf("repository is required (owner/name)")
	}
	if !strings.Contains(c.Repository, "/") {
		return fmt.Errorf("invalid repository %q: expected owner/name", c.Repository)
	}
	if c.GitHub == nil || c.GitHub.Token == "" || c.GitHub.Token == "${GITHUB_TOKEN}" {
		return fmt.Errorf("github token is required")
	}
	if c.Queue.DefaultBranch == "" {
		return fmt.Errorf("queue default_branch is required")
	}
	if c.CI.MaxWaitSeconds <= 0 {
		return fmt.Errorf("invalid ci max_wait_seconds: %d", c.CI.MaxWaitSeconds)
	}
	if c.CI.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("invalid ci check_interval_seconds: %d", c.CI.CheckIntervalSeconds)
	}
	if c.Approval.TimeoutMinutes <= 0 {
		return fmt.Errorf("invalid approval timeout_minutes: %d", c.Approval.TimeoutMinutes)
	}
	if c.Approval.Group != "" && c.Approval.Org == "" {
		return fmt.Errorf("approval org is required when group is set")
	}
	return nil
}
