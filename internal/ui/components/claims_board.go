package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ldi/claimdeck/pkg/models"
)

var (
	activeBoxStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)

	reviewBoxStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)

	acceptedBoxStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("42")).
				Border(lipgloss.NormalBorder()).
				BorderForeground(lipgloss.Color("42")).
				Padding(0, 1)

	boardHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("252")).
				Padding(0, 1)

	subTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	placeholderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Italic(true).
				Padding(0, 1)
)

var statusIcons = map[models.ClaimStatus]string{
	models.ClaimStatusClaimed:       "•",
	models.ClaimStatusInProgress:    "▶",
	models.ClaimStatusWaitingReview: "…",
	models.ClaimStatusAccepted:      "✓",
}

// ClaimsBoard renders a user's claims grouped by lifecycle stage.
type ClaimsBoard struct {
	Claims    []models.Claim
	MaxActive int
	Width     int
	Title     string
}

func NewClaimsBoard(width int) *ClaimsBoard {
	return &ClaimsBoard{
		Width: width,
		Title: "My Claims",
	}
}

// SetClaims replaces the claims. They are rendered in the given order.
func (b *ClaimsBoard) SetClaims(claims []models.Claim, maxActive int) {
	b.Claims = claims
	b.MaxActive = maxActive
}

func (b *ClaimsBoard) View() string {
	var active, review, accepted []models.Claim
	for _, c := range b.Claims {
		switch c.Status {
		case models.ClaimStatusClaimed, models.ClaimStatusInProgress:
			active = append(active, c)
		case models.ClaimStatusWaitingReview:
			review = append(review, c)
		case models.ClaimStatusAccepted:
			accepted = append(accepted, c)
		}
	}

	var boxes []string
	if len(active) > 0 {
		boxes = append(boxes, b.renderBox("Active", active, activeBoxStyle))
	}
	if len(review) > 0 {
		boxes = append(boxes, b.renderBox("Waiting review", review, reviewBoxStyle))
	}
	if len(accepted) > 0 {
		boxes = append(boxes, b.renderBox("Accepted", accepted, acceptedBoxStyle))
	}

	var content string
	if len(boxes) == 0 {
		content = placeholderStyle.Render("No claims yet")
	} else {
		content = strings.Join(boxes, "\n")
	}

	header := b.Title
	if b.MaxActive > 0 {
		header = fmt.Sprintf("%s (%d/%d active)", b.Title, len(active), b.MaxActive)
	}
	if header == "" {
		return content
	}
	return boardHeaderStyle.Render(header) + "\n" + content
}

func (b *ClaimsBoard) renderBox(title string, claims []models.Claim, style lipgloss.Style) string {
	subTitle := subTitleStyle.Foreground(style.GetForeground()).Render(title)

	labelWidth := max(b.Width-6, 0)

	var lines []string
	for _, c := range claims {
		wrapped := lipgloss.NewStyle().Width(labelWidth).Render(claimLabel(c))
		for i, line := range strings.Split(wrapped, "\n") {
			if i == 0 {
				lines = append(lines, fmt.Sprintf("%s %s", statusIcons[c.Status], line))
			} else {
				lines = append(lines, fmt.Sprintf("  %s", line))
			}
		}
	}

	return style.Width(b.Width).Render(subTitle + "\n" + strings.Join(lines, "\n"))
}

func claimLabel(c models.Claim) string {
	if c.Task == nil {
		return c.TaskID
	}
	parts := []string{c.TaskID}
	if c.Task.Category != "" {
		parts = append(parts, c.Task.Category)
	}
	if c.Task.Subcategory != "" {
		parts = append(parts, c.Task.Subcategory)
	}
	return strings.Join(parts, " · ")
}
