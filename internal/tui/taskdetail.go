package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/swarmq/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// renderDetail renders a task with its event history and attempts.
func renderDetail(task *models.Task, events []*models.ExecutionEvent, runs []*models.Run) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Task "+task.ID) + "\n")
	field := func(label, value string) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-12s", label)) + valueStyle.Render(value) + "\n")
	}
	field("Status", formatStatus(task.Status))
	field("Mode", string(task.Mode))
	field("Budget", fmt.Sprintf("%.4f spent of %.4f", task.Spent, task.BudgetMax))
	field("Attempts", fmt.Sprintf("%d", task.AttemptCount))
	if len(task.DependsOn) > 0 {
		field("Depends on", strings.Join(task.DependsOn, ", "))
	}
	if task.ParentID != "" {
		field("Parent", task.ParentID)
	}
	if task.ClaimedBy != "" {
		field("Claimed by", task.ClaimedBy)
	}
	field("Updated", task.UpdatedAt.Format(time.RFC3339))

	b.WriteString(sectionStyle.Render("Instruction") + "\n")
	b.WriteString(task.Instruction + "\n")

	if task.Feedback != "" {
		b.WriteString(sectionStyle.Render("Feedback") + "\n")
		b.WriteString(task.Feedback + "\n")
	}

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Events (%d)", len(events))) + "\n")
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-24s %-16s %s", ev.Timestamp.Format("15:04:05"), formatStatus(ev.Status), ev.WorkerID, ev.Detail)
		b.WriteString(strings.TrimRight(line, " ") + "\n")
	}

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Attempts (%d)", len(runs))) + "\n")
	for _, run := range runs {
		line := fmt.Sprintf("#%d  %s  cost %.4f  %s", run.Attempt, run.Backend, run.Cost, run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
		if run.Route != "" {
			line += "  route " + run.Route
		}
		if run.Error != "" {
			line += "  " + statusFailed.Render(run.Error)
		}
		b.WriteString(line + "\n")
	}

	if task.Output != "" {
		b.WriteString(sectionStyle.Render("Output") + "\n")
		b.WriteString(task.Output + "\n")
	}
	return b.String()
}
