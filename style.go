package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	keyword = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#04B575")).
		Render

	paragraph = lipgloss.NewStyle().
			Width(78).
			Padding(0, 0, 0, 2).
			Render

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D7D7D")).
			Width(12)

	valueStyle = lipgloss.NewStyle().Bold(true)

	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
)

// isTerminal reports whether stdout is a TTY. Plain output is used otherwise.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec
}
