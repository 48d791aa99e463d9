package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// cfgFile is the --config override shared by all subcommands.
var cfgFile string

func main() {
	// Local .env files carry GITHUB_TOKEN and MERGEQ_* overrides.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "mergeq",
		Short: "Sequential merge queue for pull requests",
		Long:  `Mergeq validates, gates, and merges batches of pull requests one at a time, with human approval and CI checks between every step.`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.mergeq/config.yaml)")

	rootCmd.AddCommand(
		newRunCmd(),
		newWatchCmd(),
		newExtractCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show mergeq version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mergeq v%s\n", version)
		},
	}
}
