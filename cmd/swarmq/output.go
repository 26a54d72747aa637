package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/fentz26/swarmq/internal/models"
)

var statusColors = map[models.TaskStatus]color.Attribute{
	models.TaskStatusPending:       color.FgYellow,
	models.TaskStatusClaimed:       color.FgBlue,
	models.TaskStatusInProgress:    color.FgCyan,
	models.TaskStatusPendingReview: color.FgMagenta,
	models.TaskStatusApproved:      color.FgGreen,
	models.TaskStatusRequeue:       color.FgYellow,
	models.TaskStatusCompleted:     color.FgGreen,
	models.TaskStatusFailed:        color.FgRed,
}

// colorStatus renders a status in its color.
func colorStatus(s models.TaskStatus) string {
	attr, ok := statusColors[s]
	if !ok {
		return string(s)
	}
	return color.New(attr).Sprint(string(s))
}

func okMark() string {
	return color.GreenString("✓")
}

func printStatus(symbol, message string, attr color.Attribute) {
	c := color.New(attr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func truncateID(id string) string {
	if len(id) > 8 && strings.Count(id, "-") == 4 {
		return id[:8]
	}
	return id
}
