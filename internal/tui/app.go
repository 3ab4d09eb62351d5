// internal/tui/app.go
//
// The readiness board. It follows The Elm Architecture like every bubbletea
// program: the App holds the state, Update folds messages into it and View
// renders it. Three tabs list ready, blocked and backlog tasks; an optional
// workflow panel shows progress and the next runnable batch.

package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/stoneforge/internal/readiness"
	"github.com/kingrea/stoneforge/internal/scheduler"
)

const boardRefreshInterval = 3 * time.Second

// Source is the read side of the engine the board renders.
type Source interface {
	Ready(ctx context.Context, f readiness.Filter) ([]readiness.Item, error)
	Blocked(ctx context.Context, f readiness.Filter) ([]readiness.Item, error)
	Backlog(ctx context.Context, f readiness.Filter) ([]readiness.Item, error)
	WorkflowProgress(ctx context.Context, workflowID string) (readiness.Progress, error)
	RunnableTasksInWorkflow(ctx context.Context, req scheduler.RunnableRequest) (scheduler.RunnableBatch, error)
}

type tab int

const (
	tabReady tab = iota
	tabBlocked
	tabBacklog
	tabCount
)

func (t tab) label() string {
	switch t {
	case tabReady:
		return "Ready"
	case tabBlocked:
		return "Blocked"
	default:
		return "Backlog"
	}
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithFilter narrows every tab.
func WithFilter(f readiness.Filter) AppOption {
	return func(a *App) {
		a.filter = f
	}
}

// WithWorkflow adds a progress panel for workflowID.
func WithWorkflow(workflowID string) AppOption {
	return func(a *App) {
		a.workflow = newWorkflowView(strings.TrimSpace(workflowID))
	}
}

// WithRefreshInterval sets the auto-refresh period; zero disables it.
func WithRefreshInterval(d time.Duration) AppOption {
	return func(a *App) {
		a.refreshEvery = d
	}
}

// WithClock injects the clock used for the "updated" stamp.
func WithClock(clock func() time.Time) AppOption {
	return func(a *App) {
		if clock != nil {
			a.clock = clock
		}
	}
}

type snapshotMsg struct {
	lists    [tabCount][]readiness.Item
	workflow *workflowSnapshot
	err      error
	at       time.Time
}

type refreshTickMsg struct{}

// App is the board model.
type App struct {
	source       Source
	filter       readiness.Filter
	tabs         [tabCount]list.Model
	active       tab
	workflow     *workflowView
	refreshEvery time.Duration
	clock        func() time.Time

	statusMsg string
	err       error
	updatedAt time.Time

	width  int
	height int
}

// taskItem implements list.Item for readiness results.
type taskItem struct {
	item readiness.Item
}

func (i taskItem) Title() string {
	el := i.item.Element
	title := el.Title
	if title == "" {
		title = el.ID
	}
	return fmt.Sprintf("P%d %s", i.item.EffectivePriority, title)
}

func (i taskItem) Description() string {
	el := i.item.Element
	parts := []string{el.ID, string(el.Status)}
	if i.item.EffectivePriority != el.Priority {
		parts = append(parts, fmt.Sprintf("base P%d", el.Priority))
	}
	if el.Assignee != "" {
		parts = append(parts, "@"+el.Assignee)
	}
	if i.item.BlockReason != "" {
		parts = append(parts, i.item.BlockReason)
	}
	return strings.Join(parts, " · ")
}

func (i taskItem) FilterValue() string { return i.item.Element.ID + " " + i.item.Element.Title }

// NewApp creates a board over source.
func NewApp(source Source, opts ...AppOption) (*App, error) {
	if source == nil {
		return nil, fmt.Errorf("tui: source is required")
	}
	app := &App{
		source:       source,
		refreshEvery: boardRefreshInterval,
		clock:        time.Now,
	}
	for t := tab(0); t < tabCount; t++ {
		l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
		l.Title = t.label()
		l.SetShowStatusBar(false)
		l.SetShowHelp(false)
		app.tabs[t] = l
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	return app, nil
}

// Init loads the first snapshot.
func (a *App) Init() tea.Cmd {
	return a.fetchSnapshot()
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		for t := range a.tabs {
			a.tabs[t].SetSize(max(0, msg.Width-4), max(0, msg.Height-a.chromeHeight()))
		}
		return a, nil

	case snapshotMsg:
		a.applySnapshot(msg)
		return a, a.scheduleRefresh()

	case refreshTickMsg:
		return a, a.fetchSnapshot()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			a.statusMsg = "Refreshing..."
			return a, a.fetchSnapshot()
		case "tab", "right", "l":
			a.active = (a.active + 1) % tabCount
			return a, nil
		case "shift+tab", "left", "h":
			a.active = (a.active + tabCount - 1) % tabCount
			return a, nil
		case "1", "2", "3":
			a.active = tab(msg.String()[0] - '1')
			return a, nil
		}
	}

	var cmd tea.Cmd
	a.tabs[a.active], cmd = a.tabs[a.active].Update(msg)
	return a, cmd
}

func (a *App) applySnapshot(msg snapshotMsg) {
	a.statusMsg = ""
	if msg.err != nil {
		a.err = msg.err
		return
	}
	a.err = nil
	a.updatedAt = msg.at
	for t := range a.tabs {
		items := make([]list.Item, len(msg.lists[t]))
		for i, item := range msg.lists[t] {
			items[i] = taskItem{item: item}
		}
		a.tabs[t].SetItems(items)
		a.tabs[t].Title = fmt.Sprintf("%s (%d)", tab(t).label(), len(items))
	}
	if a.workflow != nil {
		a.workflow.apply(msg.workflow)
	}
}

func (a *App) fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		return a.buildSnapshot(context.Background())
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	if a.refreshEvery <= 0 {
		return nil
	}
	return tea.Tick(a.refreshEvery, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

func (a *App) buildSnapshot(ctx context.Context) snapshotMsg {
	msg := snapshotMsg{at: a.clock()}
	queries := [tabCount]func(context.Context, readiness.Filter) ([]readiness.Item, error){
		tabReady:   a.source.Ready,
		tabBlocked: a.source.Blocked,
		tabBacklog: a.source.Backlog,
	}
	for t, query := range queries {
		items, err := query(ctx, a.filter)
		if err != nil {
			msg.err = fmt.Errorf("%s: %w", strings.ToLower(tab(t).label()), err)
			return msg
		}
		msg.lists[t] = items
	}
	if a.workflow != nil {
		snap, err := a.workflow.load(ctx, a.source)
		if err != nil {
			msg.err = err
			return msg
		}
		msg.workflow = snap
	}
	return msg
}

// View renders the board.
func (a *App) View() string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		Render("⬡ STONEFORGE")
	sections := []string{header, a.renderTabs()}
	if a.workflow != nil {
		sections = append(sections, a.workflow.View())
	}
	sections = append(sections, a.tabs[a.active].View(), a.renderFooter())
	return lipgloss.NewStyle().Padding(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

var (
	tabStyle       = lipgloss.NewStyle().Padding(0, 2).Foreground(lipgloss.Color("#AAAAAA"))
	activeTabStyle = tabStyle.Copy().Bold(true).Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#5B8DEF"))
	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
)

func (a *App) renderTabs() string {
	rendered := make([]string, 0, tabCount)
	for t := tab(0); t < tabCount; t++ {
		label := fmt.Sprintf("%d %s (%d)", t+1, t.label(), len(a.tabs[t].Items()))
		if t == a.active {
			rendered = append(rendered, activeTabStyle.Render(label))
		} else {
			rendered = append(rendered, tabStyle.Render(label))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func (a *App) renderFooter() string {
	if a.err != nil {
		return errorStyle.Render("error: " + a.err.Error())
	}
	line := "tab/←→ switch · r refresh · q quit"
	if !a.updatedAt.IsZero() {
		line = fmt.Sprintf("updated %s · %s", a.updatedAt.Format("15:04:05"), line)
	}
	if a.statusMsg != "" {
		line = a.statusMsg + " · " + line
	}
	return footerStyle.Render(line)
}

func (a *App) chromeHeight() int {
	h := 8
	if a.workflow != nil {
		h += workflowPanelHeight
	}
	return h
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
