package main

import (
	"strings"

	"github.com/fatih/color"
)

var (
	statusGreen  = color.New(color.FgGreen).SprintFunc()
	statusYellow = color.New(color.FgYellow).SprintFunc()
	statusRed    = color.New(color.FgRed).SprintFunc()
	statusCyan   = color.New(color.FgCyan).SprintFunc()
	statusDim    = color.New(color.Faint).SprintFunc()
)

// colorStatus renders a task or package status with a conventional color.
func colorStatus(status string) string {
	switch status {
	case "completed", "installed", "approved":
		return statusGreen(status)
	case "queued", "pending", "running":
		return statusYellow(status)
	case "failed", "denied":
		return statusRed(status)
	case "uninstalled":
		return statusDim(status)
	default:
		return status
	}
}

// truncateID shortens a UUID for table display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateStr(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}
