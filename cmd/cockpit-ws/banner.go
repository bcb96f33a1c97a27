package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Startup banner styles: a bold title block plus a bordered summary.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	summaryStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("32")).
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("32")).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

// printStartupBanner prints the one-time "listening on ADDR" banner
// when serve starts.
func printStartupBanner(bind string, pingInterval, poisonTimeout string) {
	fmt.Println(titleStyle.Render("cockpit-ws " + Version))
	fmt.Println(summaryStyle.Render(fmt.Sprintf("listening on %s", bind)))
	fmt.Println(metaStyle.Render(fmt.Sprintf("ping every %s, poison timeout %s", pingInterval, poisonTimeout)))
}
