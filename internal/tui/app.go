// Package tui provides the read-only terminal status view behind swarmq watch.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/swarmq/internal/models"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

const (
	modeList   = "list"
	modeDetail = "detail"

	requestTimeout = 5 * time.Second
)

// App is the watch view model.
type App struct {
	source   Source
	interval time.Duration

	list      list.Model
	viewport  viewport.Model
	tasks     []*models.Task
	filterIdx int
	mode      string
	detailID  string

	summary summaryLoadedMsg
	online  bool
	message string
	width   int
	height  int
}

// New creates a watch view that polls source every interval.
func New(source Source, interval time.Duration) *App {
	if interval <= 0 {
		interval = time.Second
	}
	l := list.New(nil, list.NewDefaultDelegate(), 80, 20)
	l.Title = "Tasks [all]"
	l.Styles.Title = listTitleStyle
	l.SetShowHelp(false)

	return &App{
		source:   source,
		interval: interval,
		list:     l,
		viewport: viewport.New(80, 20),
		mode:     modeList,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	_, err := tea.NewProgram(a, tea.WithAltScreen()).Run()
	return err
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.fetchTasks(), a.fetchSummary(), a.tick())
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.mode == modeList && a.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "esc":
			if a.mode == modeDetail {
				a.mode = modeList
				a.detailID = ""
				return a, nil
			}
		case "tab":
			if a.mode == modeList {
				a.filterIdx = (a.filterIdx + 1) % len(filters)
				a.list.Title = fmt.Sprintf("Tasks [%s]", filterLabel(filters[a.filterIdx]))
				return a, a.fetchTasks()
			}
		case "enter":
			if a.mode == modeList {
				if item, ok := a.list.SelectedItem().(taskItem); ok {
					a.mode = modeDetail
					a.detailID = item.task.ID
					a.viewport.GotoTop()
					return a, a.fetchDetail(a.detailID)
				}
			}
		case "r":
			return a, a.refresh()
		}

	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.list.SetSize(msg.Width, max(msg.Height-4, 5))
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-4, 5)
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tick())

	case tasksLoadedMsg:
		a.online = true
		a.message = ""
		a.setTasks(msg.tasks)
		return a, nil

	case summaryLoadedMsg:
		a.online = true
		a.summary = msg
		return a, nil

	case taskDetailLoadedMsg:
		if a.mode == modeDetail && msg.task.ID == a.detailID {
			a.viewport.SetContent(renderDetail(msg.task, msg.events, msg.runs))
		}
		return a, nil

	case errMsg:
		a.online = false
		a.message = "Error: " + msg.err.Error()
		return a, nil
	}

	var cmd tea.Cmd
	if a.mode == modeDetail {
		a.viewport, cmd = a.viewport.Update(msg)
	} else {
		a.list, cmd = a.list.Update(msg)
	}
	return a, cmd
}

// View implements tea.Model.
func (a *App) View() string {
	var b strings.Builder
	b.WriteString(a.header() + "\n")

	if a.mode == modeDetail {
		b.WriteString(a.viewport.View())
	} else {
		b.WriteString(a.list.View())
	}

	b.WriteString("\n")
	if a.message != "" {
		b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render(a.message))
	}
	b.WriteString("\n")

	status := fmt.Sprintf(" Tasks: %d | Tab:filter | Enter:detail | /:search | r:refresh | q:quit", len(a.tasks))
	if a.mode == modeDetail {
		status = " ↑↓:scroll | Esc:back | r:refresh | q:quit"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))
	return b.String()
}

func (a *App) header() string {
	daemon := lipgloss.NewStyle().Foreground(successColor).Bold(true).Render("● DAEMON")
	if !a.online {
		daemon = lipgloss.NewStyle().Foreground(errorColor).Render("○ DAEMON")
	}
	parts := []string{titleStyle.Render("swarmq"), daemon}

	if c := a.summary.control; c != nil {
		switch {
		case c.Halted:
			parts = append(parts, lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render("HALTED"))
		case c.Paused:
			parts = append(parts, lipgloss.NewStyle().Foreground(warningColor).Bold(true).Render("PAUSED"))
		}
		if c.Pool != nil {
			parts = append(parts, mutedStyle.Render(fmt.Sprintf("workers %d/%d busy", c.Pool.Busy, c.Pool.Workers)))
		}
	}
	if s := a.summary.counts; s != nil {
		var counts []string
		for _, st := range models.AllStatuses {
			if n := s.Counts[st]; n > 0 {
				counts = append(counts, fmt.Sprintf("%s %d", st, n))
			}
		}
		parts = append(parts, mutedStyle.Render(strings.Join(counts, " · ")))
	}
	return strings.Join(parts, "  ")
}

func (a *App) setTasks(tasks []*models.Task) {
	a.tasks = tasks
	items := make([]list.Item, len(tasks))
	for i, t := range tasks {
		items[i] = taskItem{task: t}
	}
	a.list.SetItems(items)
}

func (a *App) refresh() tea.Cmd {
	cmds := []tea.Cmd{a.fetchTasks(), a.fetchSummary()}
	if a.mode == modeDetail && a.detailID != "" {
		cmds = append(cmds, a.fetchDetail(a.detailID))
	}
	return tea.Batch(cmds...)
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.interval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (a *App) fetchTasks() tea.Cmd {
	status := string(filters[a.filterIdx])
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		tasks, err := a.source.ListTasks(ctx, status)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (a *App) fetchSummary() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		counts, err := a.source.Counts(ctx)
		if err != nil {
			return errMsg{err}
		}
		// Control is unavailable when the daemon watches no signals directory.
		control, _ := a.source.Control(ctx)
		return summaryLoadedMsg{counts: counts, control: control}
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		task, err := a.source.GetTask(ctx, id)
		if err != nil {
			return errMsg{err}
		}
		events, err := a.source.TaskEvents(ctx, id)
		if err != nil {
			return errMsg{err}
		}
		runs, err := a.source.TaskRuns(ctx, id)
		if err != nil {
			return errMsg{err}
		}
		return taskDetailLoadedMsg{task: task, events: events, runs: runs}
	}
}
