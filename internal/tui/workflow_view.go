package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/stoneforge/internal/readiness"
	"github.com/kingrea/stoneforge/internal/scheduler"
)

const workflowPanelHeight = 6

var (
	labelStyleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	panelStyle        = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#444444")).
				Padding(0, 1)
)

type workflowSnapshot struct {
	progress readiness.Progress
	batch    scheduler.RunnableBatch
}

// workflowView renders one workflow's progress and its next runnable batch.
type workflowView struct {
	workflowID string
	snapshot   *workflowSnapshot
}

func newWorkflowView(workflowID string) *workflowView {
	return &workflowView{workflowID: workflowID}
}

func (v *workflowView) load(ctx context.Context, source Source) (*workflowSnapshot, error) {
	progress, err := source.WorkflowProgress(ctx, v.workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", v.workflowID, err)
	}
	batch, err := source.RunnableTasksInWorkflow(ctx, scheduler.RunnableRequest{WorkflowID: v.workflowID})
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", v.workflowID, err)
	}
	return &workflowSnapshot{progress: progress, batch: batch}, nil
}

func (v *workflowView) apply(snap *workflowSnapshot) {
	if snap != nil {
		v.snapshot = snap
	}
}

func (v *workflowView) View() string {
	if v.snapshot == nil {
		return panelStyle.Render(detailTextStyle.Render("Loading workflow " + v.workflowID + "..."))
	}
	p := v.snapshot.progress
	head := lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("WORKFLOW · %s", v.workflowID))
	lines := []string{
		head,
		progressBar(p.CompletionPercentage, 30) + fmt.Sprintf(" %d%% of %d tasks", p.CompletionPercentage, p.TotalTasks),
		strings.Join([]string{
			labelStyleReady.Render(fmt.Sprintf("%d ready", p.ReadyTasks)),
			labelStyleBlocked.Render(fmt.Sprintf("%d blocked", p.BlockedTasks)),
			labelStyleRunning.Render(fmt.Sprintf("%d running", len(v.snapshot.batch.Running))),
		}, "  "),
		v.renderNext(),
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func (v *workflowView) renderNext() string {
	tasks := v.snapshot.batch.Tasks
	if len(tasks) == 0 {
		return labelStyleSkipped.Render("next: nothing runnable")
	}
	return detailTextStyle.Render("next: " + strings.Join(scheduler.SortedIDs(tasks), ", "))
}

func progressBar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	return labelStyleReady.Render(strings.Repeat("█", filled)) + labelStyleSkipped.Render(strings.Repeat("░", width-filled))
}
