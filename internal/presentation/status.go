// Package presentation renders task status and ledger output for the CLI.
package presentation

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"hive/internal/ledger"
	"hive/internal/task"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#54A0FF"))
	idStyle     = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#BBBBBB"))

	stateStyles = map[task.State]lipgloss.Style{
		task.StateSubmitted: lipgloss.NewStyle().Foreground(lipgloss.Color("#FECA57")),
		task.StateDelegated: lipgloss.NewStyle().Foreground(lipgloss.Color("#54A0FF")),
		task.StateCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("#73F59F")),
		task.StateFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8787")),
	}
)

const payloadWidth = 48

// RenderState renders a lifecycle state with its color.
func RenderState(s task.State) string {
	style, ok := stateStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// RenderTasks renders the task list as an aligned table.
func RenderTasks(tasks []task.Task) string {
	if len(tasks) == 0 {
		return dimStyle.Render("no tasks") + "\n"
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-10s %-10s %-12s %s", "TASK", "STATE", "AGENT", "PAYLOAD")))
	b.WriteString("\n")

	for _, t := range tasks {
		agent := t.AssignedTo
		if agent == "" {
			agent = "-"
		}
		line := fmt.Sprintf("%s %-10s %-12s %s",
			idStyle.Render(fmt.Sprintf("%-10s", t.ID)),
			RenderState(t.State),
			agent,
			truncate(t.Payload, payloadWidth),
		)
		b.WriteString(line)
		if t.FailureReason != "" {
			b.WriteString("\n")
			b.WriteString(dimStyle.Render("           " + truncate(t.FailureReason, payloadWidth+24)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RenderTask renders a single task's terminal summary line.
func RenderTask(t task.Task) string {
	summary := fmt.Sprintf("%s %s", idStyle.Render(t.ID), RenderState(t.State))
	if t.AssignedTo != "" {
		summary += dimStyle.Render(" by " + t.AssignedTo)
	}
	if t.FailureReason != "" {
		summary += "\n" + dimStyle.Render(t.FailureReason)
	}
	return summary
}

// RenderLedger renders consolidated ledger entries.
func RenderLedger(entries []ledger.Entry) string {
	if len(entries) == 0 {
		return dimStyle.Render("ledger is empty") + "\n"
	}

	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString(dimStyle.Render(strings.Repeat("─", 60)))
			b.WriteString("\n")
		}
		b.WriteString(headerStyle.Render(fmt.Sprintf("%s (by %s)", e.TaskID, e.AgentID)))
		b.WriteString("\n")
		b.WriteString(e.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	return s[:width-3] + "..."
}
