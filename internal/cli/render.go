package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/recipechat/internal/models"
)

// Theme holds the color scheme for terminal output.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	User       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	User:       lipgloss.Color("#D7AF5F"), // amber
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

func (t Theme) userStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.User).Bold(true)
}

// renderEntry formats one conversation entry for line-oriented output.
func renderEntry(t Theme, e models.Entry) string {
	switch e.Type {
	case models.EntryStatus:
		return t.statusStyle().Render("• " + e.Content)
	case models.EntryVideo:
		return fmt.Sprintf("%s %s %s", senderLabel(t, e.Sender), e.Content,
			t.hintStyle().Render(mediaLabel("video", e.VideoTitle, e.VideoURL)))
	case models.EntryAudio:
		return fmt.Sprintf("%s %s %s", senderLabel(t, e.Sender), e.Content,
			t.hintStyle().Render(mediaLabel("audio", e.AudioTitle, e.AudioURL)))
	case models.EntryRecipeCollection:
		var b strings.Builder
		b.WriteString(senderLabel(t, e.Sender) + " " + e.Content)
		for _, r := range e.Recipes {
			b.WriteString("\n" + renderRecipe(t, r))
		}
		return b.String()
	default:
		if e.Sender == models.RoleSystem {
			return t.hintStyle().Render(e.Content)
		}
		return senderLabel(t, e.Sender) + " " + e.Content
	}
}

func senderLabel(t Theme, r models.Role) string {
	switch r {
	case models.RoleUser:
		return t.userStyle().Render("you:")
	case models.RoleSystem:
		return t.hintStyle().Render("system:")
	default:
		return t.statusStyle().Render("chef:")
	}
}

func mediaLabel(kind, title, url string) string {
	if title == "" {
		return fmt.Sprintf("[%s] %s", kind, url)
	}
	return fmt.Sprintf("[%s: %s] %s", kind, title, url)
}

// renderRecipe formats a recipe with its step checklist.
func renderRecipe(t Theme, r models.Recipe) string {
	var b strings.Builder
	header := "  " + r.Title
	if r.Duration != "" {
		header += " (" + r.Duration + ")"
	}
	if r.WorkflowID != "" {
		header += " " + t.hintStyle().Render(r.WorkflowID)
	}
	b.WriteString(header)
	for _, s := range r.Steps {
		b.WriteString("\n    " + stepMarker(t, s.Status) + " " + s.Title)
		if s.Duration != "" {
			b.WriteString(" " + t.hintStyle().Render(s.Duration))
		}
	}
	return b.String()
}

func stepMarker(t Theme, s models.StepStatus) string {
	switch s {
	case models.StepDone:
		return t.completedStyle().Render("[x]")
	case models.StepActive:
		return t.statusStyle().Render("[>]")
	default:
		return "[ ]"
	}
}
