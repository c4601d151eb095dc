package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/lyndonlyu/loupe/internal/sessionheader"
)

var (
	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	styleLabel   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(18)
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func renderStatus(name string) string {
	switch sessionheader.ParseStatus(name) {
	case sessionheader.StatusNormal:
		return styleSuccess.Render(name)
	case sessionheader.StatusRunning:
		return styleWarn.Render(name)
	case sessionheader.StatusCrashed:
		return styleError.Render(name)
	default:
		return styleDim.Render(name)
	}
}

func field(label, value string) string {
	return styleLabel.Render(label) + " " + value + "\n"
}

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// renderMarkdown renders markdown text for terminal display. Piped output
// gets the raw markdown.
func renderMarkdown(text string) string {
	if !stdoutIsTerminal() {
		return text
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimSpace(out) + "\n"
}
