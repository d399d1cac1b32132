package main

import "github.com/charmbracelet/lipgloss"

// lipgloss styles for vstorectl's terminal output. Kept deliberately small:
// this driver prints short status lines and a handful of tables, not a TUI.
var (
	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleErr   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)
