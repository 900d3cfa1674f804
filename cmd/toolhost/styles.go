package main

import "github.com/charmbracelet/lipgloss"

type styles struct {
	Prompt  lipgloss.Style
	Answer  lipgloss.Style
	Tool    lipgloss.Style
	Server  lipgloss.Style
	Notice  lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		Prompt:  lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		Answer:  lipgloss.NewStyle().Foreground(lipgloss.Color("15")),
		Tool:    lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		Server:  lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true),
		Notice:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Faint(true),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		Muted:   lipgloss.NewStyle().Faint(true),
	}
}
