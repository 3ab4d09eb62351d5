package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/readiness"
)

const timeLayout = time.RFC3339

// filterFlags holds the readiness filter as parsed from the command line.
type filterFlags struct {
	priority       int
	assignee       string
	owner          string
	taskType       string
	tags           []string
	statuses       []string
	deadlineBefore string
	deadlineAfter  string
	hasDeadline    bool
	ephemeral      bool
	limit          int
	offset         int
}

func (ff *filterFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntVarP(&ff.priority, "priority", "p", 0, "Only tasks with this priority (1-5)")
	flags.StringVarP(&ff.assignee, "assignee", "a", "", "Only tasks assigned to this actor")
	flags.StringVar(&ff.owner, "owner", "", "Only tasks owned by this actor")
	flags.StringVarP(&ff.taskType, "task-type", "t", "", "Only tasks of this type (bug, feature, task, chore)")
	flags.StringSliceVar(&ff.tags, "tag", nil, "Only tasks carrying every tag (repeatable)")
	flags.StringSliceVar(&ff.statuses, "status", nil, "Only tasks in one of these statuses")
	flags.StringVar(&ff.deadlineBefore, "deadline-before", "", "Only tasks due before this RFC3339 time")
	flags.StringVar(&ff.deadlineAfter, "deadline-after", "", "Only tasks due after this RFC3339 time")
	flags.BoolVar(&ff.hasDeadline, "has-deadline", false, "Only tasks with (or, =false, without) a deadline")
	flags.BoolVar(&ff.ephemeral, "ephemeral", false, "Include ephemeral tasks")
	flags.IntVarP(&ff.limit, "limit", "n", 0, "Maximum number of tasks (0 uses the configured default)")
	flags.IntVar(&ff.offset, "offset", 0, "Skip this many tasks")
}

// build turns the flags into a readiness.Filter, applying config defaults.
func (ff *filterFlags) build(cmd *cobra.Command, c *cli) (readiness.Filter, error) {
	f := readiness.Filter{
		Assignee: ff.assignee,
		Owner:    ff.owner,
		TaskType: element.TaskType(ff.taskType),
		Tags:     ff.tags,
		Limit:    ff.limit,
		Offset:   ff.offset,
	}
	if c.cfg != nil {
		f.IncludeEphemeral = c.cfg.Project.Readiness.IncludeEphemeral
		if f.Limit == 0 {
			f.Limit = c.cfg.Project.Readiness.DefaultLimit
		}
	}
	flags := cmd.Flags()
	if flags.Changed("ephemeral") {
		f.IncludeEphemeral = ff.ephemeral
	}
	if flags.Changed("priority") {
		if ff.priority < element.MinPriority || ff.priority > element.MaxPriority {
			return f, element.Constraintf("priority must be between %d and %d", element.MinPriority, element.MaxPriority)
		}
		p := ff.priority
		f.Priority = &p
	}
	if flags.Changed("has-deadline") {
		v := ff.hasDeadline
		f.HasDeadline = &v
	}
	for _, s := range ff.statuses {
		f.Status = append(f.Status, element.Status(s))
	}
	var err error
	if f.DeadlineBefore, err = parseTimeFlag("deadline-before", ff.deadlineBefore); err != nil {
		return f, err
	}
	if f.DeadlineAfter, err = parseTimeFlag("deadline-after", ff.deadlineAfter); err != nil {
		return f, err
	}
	if f.Limit < 0 || f.Offset < 0 {
		return f, element.Constraintf("limit and offset must be >= 0")
	}
	return f, nil
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, element.Constraintf("--%s: %v", name, err)
	}
	return &t, nil
}

type itemQuery func(ctx context.Context, f readiness.Filter) ([]readiness.Item, error)

// newListCmd builds one of the ready/blocked/backlog commands.
func newListCmd(c *cli, use, short string, pick func(c *cli) itemQuery) *cobra.Command {
	ff := &filterFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.build(cmd, c)
			if err != nil {
				return err
			}
			items, err := pick(c)(cmd.Context(), f)
			if err != nil {
				return err
			}
			return c.emit(cmd, items, func(w io.Writer) { printItems(w, items) })
		},
	}
	ff.register(cmd)
	return cmd
}

func newReadyCmd(c *cli) *cobra.Command {
	return newListCmd(c, "ready", "List tasks that can be worked on now",
		func(c *cli) itemQuery { return c.engine.Ready })
}

func newBlockedCmd(c *cli) *cobra.Command {
	return newListCmd(c, "blocked", "List tasks waiting on a blocker, gate or parent",
		func(c *cli) itemQuery { return c.engine.Blocked })
}

func newBacklogCmd(c *cli) *cobra.Command {
	return newListCmd(c, "backlog", "List open tasks that are neither ready nor blocked",
		func(c *cli) itemQuery { return c.engine.Backlog })
}

func newShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an element with its blocked state and effective priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			el, err := c.engine.Get(ctx, args[0])
			if err != nil {
				return err
			}
			type showResult struct {
				Element           element.Element      `json:"element"`
				Class             readiness.Class      `json:"class"`
				IsBlocked         bool                 `json:"isBlocked"`
				BlockedBy         string               `json:"blockedBy,omitempty"`
				BlockReason       string               `json:"blockReason,omitempty"`
				EffectivePriority int                  `json:"effectivePriority,omitempty"`
				PrioritySource    string               `json:"prioritySource,omitempty"`
				Dependencies      []element.Dependency `json:"dependencies"`
			}
			res := showResult{Element: el}
			if !el.IsTombstoned() {
				state, err := c.engine.BlockedState(ctx, el.ID)
				if err != nil {
					return err
				}
				res.IsBlocked = state.IsBlocked
				res.BlockedBy = state.BlockedBy
				res.BlockReason = state.BlockReason
			}
			item, err := c.engine.Classify(ctx, el.ID, c.cfg.Project.Readiness.IncludeEphemeral)
			if err != nil {
				return err
			}
			res.Class = item.Class
			if el.Type == element.TypeTask && !el.IsTombstoned() {
				p, err := c.engine.EffectivePriority(ctx, el.ID)
				if err != nil {
					return err
				}
				res.EffectivePriority = p.Effective
				res.PrioritySource = p.Source
			}
			if res.Dependencies, err = c.engine.Dependencies(ctx, el.ID); err != nil {
				return err
			}
			return c.emit(cmd, res, func(w io.Writer) {
				printElement(w, res.Element)
				if res.Class != readiness.ClassExcluded {
					fmt.Fprintf(w, "  class:     %s\n", res.Class)
				}
				if res.EffectivePriority != 0 && res.EffectivePriority != el.Priority {
					fmt.Fprintf(w, "  effective: P%d via %s\n", res.EffectivePriority, res.PrioritySource)
				}
				if res.IsBlocked {
					fmt.Fprintln(w, blockedStyle.Render("  blocked:   "+res.BlockReason))
				} else if !el.IsTombstoned() {
					fmt.Fprintln(w, readyStyle.Render("  unblocked"))
				}
				printDependencies(w, res.Dependencies, false)
			})
		},
	}
}
