package main

import "github.com/charmbracelet/lipgloss"

// Semantic colors shared by every command's output.
var (
	colorAccent  = lipgloss.Color("#8BC34A")
	colorError   = lipgloss.Color("#e53935")
	colorWarning = lipgloss.Color("#FFC107")
	colorInfo    = lipgloss.Color("#2196F3")
	colorMuted   = lipgloss.Color("245")
)

// styles holds the styled building blocks of CLI output.
type styles struct {
	Title   lipgloss.Style
	Stage   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style
	Badge   lipgloss.Style
	Block   lipgloss.Style
}

func newStyles() styles {
	return styles{
		Title: lipgloss.NewStyle().
			Bold(true),

		Stage: lipgloss.NewStyle().
			Foreground(colorInfo).
			Bold(true),

		Success: lipgloss.NewStyle().
			Foreground(colorAccent).
			Bold(true),

		Error: lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true),

		Warning: lipgloss.NewStyle().
			Foreground(colorWarning),

		Info: lipgloss.NewStyle().
			Foreground(colorInfo),

		Muted: lipgloss.NewStyle().
			Foreground(colorMuted),

		Badge: lipgloss.NewStyle().
			Background(colorAccent).
			Foreground(lipgloss.Color("#ffffff")).
			Padding(0, 1).
			Bold(true),

		Block: lipgloss.NewStyle().
			PaddingLeft(2).
			BorderLeft(true).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(colorAccent),
	}
}
