package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/registry"
	"github.com/hupe1980/flowmesh/runner"
)

// Theme defines the colours of the hierarchy views.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// StatusStyle returns the style of a session status.
func (t Theme) StatusStyle(s core.Status) lipgloss.Style {
	style := lipgloss.NewStyle()
	switch s {
	case core.StatusActive:
		return style.Foreground(t.Primary).Bold(true)
	case core.StatusWaiting:
		return style.Foreground(t.Warning)
	case core.StatusCompleted:
		return style.Foreground(t.Success)
	case core.StatusError:
		return style.Foreground(t.Error).Bold(true)
	}
	return style.Foreground(t.Muted)
}

// TypeStyle returns the style of a session type badge.
func (t Theme) TypeStyle(st core.SessionType) lipgloss.Style {
	style := lipgloss.NewStyle().Bold(true)
	if st == core.SessionTypeManager {
		return style.Foreground(t.Primary)
	}
	return style.Foreground(t.Secondary)
}

// renderTree writes one line per session, indented by depth.
func renderTree(w io.Writer, tree *registry.Node, th Theme) {
	muted := lipgloss.NewStyle().Foreground(th.Muted)
	errStyle := lipgloss.NewStyle().Foreground(th.Error)

	tree.Walk(func(n *registry.Node, depth int) {
		s := n.Session
		var b strings.Builder
		b.WriteString(strings.Repeat("  ", depth))
		if depth > 0 {
			b.WriteString(muted.Render("└─ "))
		}
		b.WriteString(th.TypeStyle(s.Type).Render(fmt.Sprintf("[%s]", s.Type)))
		b.WriteString(" ")
		b.WriteString(s.Name)
		b.WriteString(" ")
		b.WriteString(th.StatusStyle(s.Status).Render(string(s.Status)))
		b.WriteString(muted.Render(fmt.Sprintf(" %3d%%", s.ProgressValue())))
		if s.Error != "" {
			b.WriteString(" ")
			b.WriteString(errStyle.Render(s.Error))
		}
		fmt.Fprintln(w, b.String())
	})
}

// renderReport writes the tree followed by a one-line summary.
func renderReport(w io.Writer, rep *runner.Report, th Theme) {
	if rep.Tree != nil {
		renderTree(w, rep.Tree, th)
	}
	title := lipgloss.NewStyle().Bold(true)
	fmt.Fprintf(w, "\n%s %s, %d sessions (%d completed, %d failed) in %s\n",
		title.Render("Result:"),
		th.StatusStyle(rep.Status).Render(string(rep.Status)),
		rep.Sessions,
		rep.ByStatus[core.StatusCompleted],
		len(rep.Errors),
		rep.Duration.Round(time.Millisecond))
}
