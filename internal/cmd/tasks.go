package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"labelsync/pkg/config"
	"labelsync/pkg/queue"
)

var tasksJSON bool

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and enqueue tasks",
	Long: `Commands for the task queue shared with running labelsync servers.

Available commands:
  list - Show pending tasks in queue order
  push - Enqueue a task from its JSON form`,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show pending tasks",
	Args:  cobra.NoArgs,
	RunE:  runTasksList,
}

var tasksPushCmd = &cobra.Command{
	Use:   "push <task-json>",
	Short: "Enqueue a task",
	Long: `Enqueue a task from its JSON form. The id is assigned by the queue.

Examples:
  labelsync tasks push '{"kind":"sync_org","installationId":1,"organization":"prisma","dependsOn":[],"isPaidPlan":true}'
  labelsync tasks push '{"kind":"sync_repo","installationId":1,"organization":"prisma","repository":"prisma/prisma","dependsOn":[],"isPaidPlan":true}'`,
	Args: cobra.ExactArgs(1),
	RunE: runTasksPush,
}

func init() {
	tasksListCmd.Flags().BoolVar(&tasksJSON, "json", false, "Print tasks as JSON")
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksPushCmd)
}

// openQueue connects to the queue named by the process configuration
func openQueue(ctx context.Context) (*queue.Queue, error) {
	cfg, err := config.LoadConfig(envDir)
	if err != nil {
		return nil, err
	}
	if cfg.Queue.Addr == "" {
		return nil, fmt.Errorf("missing required configuration: QUEUE_ADDR")
	}

	store, err := queue.NewRedisStore(cfg.Queue.Addr, cfg.Queue.Name)
	if err != nil {
		return nil, err
	}

	q := queue.New(store)
	if err := q.Start(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func runTasksList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	q, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Dispose() }()

	tasks, err := q.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	out := cmd.OutOrStdout()
	if tasksJSON {
		if tasks == nil {
			tasks = []queue.Task{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}

	if len(tasks) == 0 {
		fmt.Fprintln(out, "No pending tasks")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tINSTALLATION\tORGANIZATION\tSCOPE\tPAID")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%t\n", t.ID, t.Kind(), t.InstallationID, t.Organization, t.Scope(), t.IsPaidPlan)
	}
	return w.Flush()
}

func runTasksPush(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var task queue.Task
	if err := json.Unmarshal([]byte(args[0]), &task); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	q, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Dispose() }()

	id, err := q.Push(ctx, task)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ Enqueued %s task %s\n", task.Kind(), id)
	return nil
}
