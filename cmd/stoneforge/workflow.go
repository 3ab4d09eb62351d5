package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/readiness"
	"github.com/kingrea/stoneforge/internal/scheduler"
)

func newWorkflowCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Query the tasks of one workflow",
	}
	cmd.AddCommand(
		newWorkflowListCmd(c, "tasks", "List every task in the workflow", c.workflowTasks),
		newWorkflowListCmd(c, "ready", "List the workflow's ready tasks", c.workflowReady),
		newWorkflowListCmd(c, "order", "List the workflow's tasks in execution order", c.workflowOrdered),
		newWorkflowProgressCmd(c),
		newWorkflowNextCmd(c),
	)
	return cmd
}

type workflowQuery func(cmd *cobra.Command, workflowID string, f readiness.Filter) ([]readiness.Item, error)

func (c *cli) workflowTasks(cmd *cobra.Command, id string, f readiness.Filter) ([]readiness.Item, error) {
	return c.engine.TasksInWorkflow(cmd.Context(), id, f)
}

func (c *cli) workflowReady(cmd *cobra.Command, id string, f readiness.Filter) ([]readiness.Item, error) {
	return c.engine.ReadyTasksInWorkflow(cmd.Context(), id, f)
}

func (c *cli) workflowOrdered(cmd *cobra.Command, id string, f readiness.Filter) ([]readiness.Item, error) {
	return c.engine.OrderedTasksInWorkflow(cmd.Context(), id, f)
}

func newWorkflowListCmd(c *cli, use, short string, query workflowQuery) *cobra.Command {
	ff := &filterFlags{}
	cmd := &cobra.Command{
		Use:   use + " <workflow>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.build(cmd, c)
			if err != nil {
				return err
			}
			items, err := query(cmd, args[0], f)
			if err != nil {
				return err
			}
			return c.emit(cmd, items, func(w io.Writer) { printItems(w, items) })
		},
	}
	ff.register(cmd)
	return cmd
}

func newWorkflowProgressCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <workflow>",
		Short: "Summarize the workflow's completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.engine.WorkflowProgress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.emit(cmd, p, func(w io.Writer) { printProgress(w, p) })
		},
	}
}

func printProgress(w io.Writer, p readiness.Progress) {
	fmt.Fprintf(w, "%s  %d%% of %d tasks  %s  %s\n",
		idStyle.Render(p.WorkflowID),
		p.CompletionPercentage,
		p.TotalTasks,
		readyStyle.Render(fmt.Sprintf("%d ready", p.ReadyTasks)),
		blockedStyle.Render(fmt.Sprintf("%d blocked", p.BlockedTasks)))
	statuses := make([]string, 0, len(p.StatusCounts))
	for s := range p.StatusCounts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "  %-12s %d\n", s, p.StatusCounts[element.Status(s)])
	}
}

func newWorkflowNextCmd(c *cli) *cobra.Command {
	var batchSize, maxParallel int
	ff := &filterFlags{}
	cmd := &cobra.Command{
		Use:   "next <workflow>",
		Short: "Pick the next batch of runnable tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.build(cmd, c)
			if err != nil {
				return err
			}
			batch, err := c.engine.RunnableTasksInWorkflow(cmd.Context(), scheduler.RunnableRequest{
				WorkflowID:  args[0],
				BatchSize:   batchSize,
				MaxParallel: maxParallel,
				Filter:      f,
			})
			if err != nil {
				return err
			}
			return c.emit(cmd, batch, func(w io.Writer) { printBatch(w, batch) })
		},
	}
	cmd.Flags().IntVarP(&batchSize, "batch", "b", 0, "Maximum tasks in the batch (0 means no cap)")
	cmd.Flags().IntVarP(&maxParallel, "max-parallel", "m", 0, "Maximum tasks in progress at once, counting running ones")
	ff.register(cmd)
	return cmd
}

func printBatch(w io.Writer, batch scheduler.RunnableBatch) {
	printItems(w, batch.Tasks)
	if len(batch.Running) > 0 {
		fmt.Fprintf(w, "running: %s\n", strings.Join(batch.Running, ", "))
	}
	for _, id := range batch.SkippedIDs() {
		skip := batch.Skipped[id]
		line := fmt.Sprintf("skipped %s: %s", id, skip.Reason)
		if skip.Detail != "" {
			line += " (" + skip.Detail + ")"
		}
		fmt.Fprintln(w, mutedStyle.Render(line))
	}
}
