package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/swarmq/internal/models"
)

var (
	listTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusClaimed   = lipgloss.NewStyle().Foreground(lipgloss.Color("4")) // Blue
	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusReview    = lipgloss.NewStyle().Foreground(lipgloss.Color("5")) // Magenta
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
)

// taskItem implements list.Item for the task list.
type taskItem struct {
	task *models.Task
}

func (i taskItem) FilterValue() string { return i.task.ID + " " + i.task.Instruction }
func (i taskItem) Title() string       { return i.task.ID + "  " + firstLine(i.task.Instruction) }
func (i taskItem) Description() string {
	desc := fmt.Sprintf("%s • %s • attempt %d • %.4f/%.4f",
		formatStatus(i.task.Status), i.task.Mode, i.task.AttemptCount, i.task.Spent, i.task.BudgetMax)
	if i.task.ClaimedBy != "" {
		desc += " • " + i.task.ClaimedBy
	}
	return desc
}

func formatStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPending, models.TaskStatusRequeue:
		return statusPending.Render("● " + string(status))
	case models.TaskStatusClaimed:
		return statusClaimed.Render("● claimed")
	case models.TaskStatusInProgress:
		return statusRunning.Render("● in_progress")
	case models.TaskStatusPendingReview:
		return statusReview.Render("● pending_review")
	case models.TaskStatusApproved, models.TaskStatusCompleted:
		return statusCompleted.Render("● " + string(status))
	case models.TaskStatusFailed:
		return statusFailed.Render("● failed")
	default:
		return string(status)
	}
}

// filters cycles through "all" and then every status.
var filters = append([]models.TaskStatus{""}, models.AllStatuses...)

func filterLabel(s models.TaskStatus) string {
	if s == "" {
		return "all"
	}
	return string(s)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
