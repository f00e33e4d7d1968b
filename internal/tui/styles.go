package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorRed       = lipgloss.Color("#FF4141")
	colorGray      = lipgloss.Color("#626262")
	colorLightGray = lipgloss.Color("#9e9e9e")
	colorWhite     = lipgloss.Color("#FFFFFF")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true).
			MarginBottom(1)

	stylePrompt = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true)

	styleSuccess = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	stylePending = lipgloss.NewStyle().
			Foreground(colorGray)

	styleSkipped = lipgloss.NewStyle().
			Foreground(colorLightGray)

	styleStepName = lipgloss.NewStyle().
			Foreground(colorWhite)

	styleMessage = lipgloss.NewStyle().
			Foreground(colorLightGray)

	styleFooter = lipgloss.NewStyle().
			Foreground(colorGray).
			MarginTop(1)
)
