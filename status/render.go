package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Actions are the affordances a UI should enable for a status.
type Actions struct {
	Analyze     bool
	Cancel      bool
	Restart     bool
	OpenProject bool
}

func (s Status) Actions() Actions {
	a := Actions{Restart: s.State != Connecting}
	switch s.State {
	case Ready:
		switch {
		case s.Database.State.Problem():
			a.OpenProject = true
		case s.Database.State == DatabaseResolved, s.Database.State == DatabaseUnresolved, s.Database.State == DatabaseEmpty:
			a.Analyze = true
		}
	case Progress:
		a.Cancel = s.Cancellable
	case Idle, NoConnection:
		a.OpenProject = true
	}
	return a
}

var (
	nameStyle  = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	busyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Render formats s as a one line status bar entry.
func Render(s Status) string {
	var b strings.Builder
	b.WriteString(nameStyle.Render("Understand"))
	b.WriteString(" ")

	switch s.State {
	case Progress:
		text := s.Title
		if text == "" {
			text = "Working"
		}
		if s.Percentage >= 0 {
			text = fmt.Sprintf("%s %d%%", text, s.Percentage)
		}
		if s.Message != "" {
			text += ": " + s.Message
		}
		if s.Items > 1 {
			text += fmt.Sprintf(" (+%d)", s.Items-1)
		}
		b.WriteString(busyStyle.Render(text))
	case Ready:
		label := s.Database.State.Label()
		switch {
		case label == "":
			b.WriteString(okStyle.Render("Ready"))
		case s.Database.State.Problem():
			b.WriteString(errorStyle.Render(label))
		case s.Database.State == DatabaseResolved:
			b.WriteString(okStyle.Render(label))
		default:
			b.WriteString(busyStyle.Render(label))
		}
		if s.Database.Path != "" {
			b.WriteString(" ")
			b.WriteString(dimStyle.Render(s.Database.Path))
		}
	case Connecting:
		b.WriteString(busyStyle.Render("Connecting"))
	case NoConnection:
		b.WriteString(errorStyle.Render("No connection"))
	default:
		b.WriteString(dimStyle.Render("Idle"))
	}
	return b.String()
}
