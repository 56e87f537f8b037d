package chatrunner

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/tutorchat/pkg/chatstate"
	"github.com/go-go-golems/tutorchat/pkg/reconcile"
)

type Styles struct {
	User    lipgloss.Style
	Bot     lipgloss.Style
	System  lipgloss.Style
	Dim     lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

// NewStyles returns colored styles, or unstyled ones when color is false.
func NewStyles(color bool) Styles {
	if !color {
		plain := lipgloss.NewStyle()
		return Styles{User: plain, Bot: plain, System: plain, Dim: plain, Success: plain, Warning: plain, Error: plain}
	}
	return Styles{
		User:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		Bot:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		System:  lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("8")),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
	}
}

func (s Styles) Notice(level reconcile.Level) lipgloss.Style {
	switch level {
	case reconcile.LevelSuccess:
		return s.Success
	case reconcile.LevelWarning:
		return s.Warning
	case reconcile.LevelError:
		return s.Error
	default:
		return s.Dim
	}
}

func (s Styles) Label(k chatstate.Kind) string {
	switch k {
	case chatstate.KindUser:
		return s.User.Render("you:")
	case chatstate.KindBot:
		return s.Bot.Render("tutor:")
	default:
		return s.System.Render("system:")
	}
}
