package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/gate"
	"github.com/kingrea/stoneforge/internal/graph"
	"github.com/kingrea/stoneforge/internal/readiness"
)

var (
	idStyle      = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	readyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	blockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

func (c *cli) emitJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints v as JSON when --json is set, otherwise calls text.
func (c *cli) emit(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	if c.jsonOutput {
		return c.emitJSON(cmd, v)
	}
	text(cmd.OutOrStdout())
	return nil
}

func printItems(w io.Writer, items []readiness.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no tasks"))
		return
	}
	for _, item := range items {
		fmt.Fprintln(w, formatItem(item))
	}
}

func formatItem(item readiness.Item) string {
	el := item.Element
	prio := fmt.Sprintf("P%d", item.EffectivePriority)
	if item.EffectivePriority != el.Priority {
		prio = fmt.Sprintf("P%d(P%d)", item.EffectivePriority, el.Priority)
	}
	parts := []string{prio, idStyle.Render(el.ID), statusText(el.Status)}
	if el.Title != "" {
		parts = append(parts, el.Title)
	}
	if el.Assignee != "" {
		parts = append(parts, mutedStyle.Render("@"+el.Assignee))
	}
	if item.BlockReason != "" {
		parts = append(parts, blockedStyle.Render("["+item.BlockReason+"]"))
	}
	return strings.Join(parts, "  ")
}

func statusText(s element.Status) string {
	if s == "" {
		return mutedStyle.Render("-")
	}
	if s.IsTerminal() {
		return mutedStyle.Render(string(s))
	}
	return string(s)
}

func printElement(w io.Writer, el element.Element) {
	fmt.Fprintf(w, "%s  %s  %s\n", idStyle.Render(el.ID), el.Type, statusText(el.Status))
	if el.Title != "" {
		fmt.Fprintf(w, "  title:     %s\n", el.Title)
	}
	if el.Type == element.TypeTask {
		fmt.Fprintf(w, "  priority:  %d\n", el.Priority)
	}
	if el.Assignee != "" {
		fmt.Fprintf(w, "  assignee:  %s\n", el.Assignee)
	}
	if el.Owner != "" {
		fmt.Fprintf(w, "  owner:     %s\n", el.Owner)
	}
	if len(el.Tags) > 0 {
		fmt.Fprintf(w, "  tags:      %s\n", strings.Join(el.Tags, ", "))
	}
	if el.ScheduledFor != nil {
		fmt.Fprintf(w, "  scheduled: %s\n", el.ScheduledFor.Format(timeLayout))
	}
	if el.Deadline != nil {
		fmt.Fprintf(w, "  deadline:  %s\n", el.Deadline.Format(timeLayout))
	}
	if el.Ephemeral {
		fmt.Fprintln(w, "  ephemeral: true")
	}
	fmt.Fprintf(w, "  updated:   %s\n", el.UpdatedAt.Format(timeLayout))
}

func printDependencies(w io.Writer, deps []element.Dependency, reverse bool) {
	if len(deps) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no dependencies"))
		return
	}
	for _, d := range deps {
		other := d.BlockerID
		arrow := "->"
		if reverse {
			other = d.BlockedID
			arrow = "<-"
		}
		line := fmt.Sprintf("%s %s %s", arrow, idStyle.Render(other), d.Type)
		if d.Type == element.DepAwaits {
			if kind, ok := d.Metadata[gate.KeyGateType].(string); ok {
				line += mutedStyle.Render(" (" + kind + " gate)")
			}
		}
		fmt.Fprintln(w, line)
	}
}

func printTree(w io.Writer, nodes []graph.TreeNode) {
	for _, n := range nodes {
		indent := strings.Repeat("  ", n.Depth)
		label := idStyle.Render(n.ID)
		switch {
		case n.Missing:
			label += blockedStyle.Render(" (missing)")
		case n.Element != nil && n.Element.Title != "":
			label += "  " + n.Element.Title
		}
		if n.Type != "" {
			label = mutedStyle.Render(string(n.Type)+" ") + label
		}
		fmt.Fprintln(w, indent+label)
	}
}
