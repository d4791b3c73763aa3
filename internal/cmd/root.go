package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// envDir is where the .env file is looked up
var envDir string

var rootCmd = &cobra.Command{
	Use:   "labelsync",
	Short: "A GitHub App that keeps repository labels in sync with a declared configuration",
	Long: `Labelsync reconciles the labels of every repository in an organization with
the labels.yml file of the organization's github-labels repository.

It receives GitHub webhooks, queues the resulting work in Redis and processes
it in a background worker loop. Labels assigned to issues and pull requests
pull in their configured siblings and trigger their hooks.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envDir, "env-dir", ".", "Directory containing the .env file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(tasksCmd)
}
