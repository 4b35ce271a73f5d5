package components

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	paneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	scrollbarTrackStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("236"))

	scrollbarHandleStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("241"))
)

// TaskPane is a scrollable list of rendered rows with a scrollbar when the
// rows overflow.
type TaskPane struct {
	viewport viewport.Model
	rows     []string
	ready    bool
}

func NewTaskPane(width, height int) *TaskPane {
	p := &TaskPane{}
	p.SetSize(width, height)
	return p
}

func (p *TaskPane) SetSize(width, height int) {
	vpWidth := width
	if width > 0 {
		vpWidth = width - 1
	}
	if !p.ready {
		p.viewport = viewport.New(vpWidth, height)
		p.ready = true
	} else {
		p.viewport.Width = vpWidth
		p.viewport.Height = height
	}
	p.updateContent()
}

// SetRows replaces the content. Each row is truncated to the pane width.
func (p *TaskPane) SetRows(rows []string) {
	p.rows = rows
	p.updateContent()
}

func (p *TaskPane) updateContent() {
	width := p.viewport.Width
	rows := make([]string, len(p.rows))
	for i, row := range p.rows {
		if width > 0 {
			row = paneStyle.MaxWidth(width).Render(row)
		} else {
			row = paneStyle.Render(row)
		}
		rows[i] = row
	}
	p.viewport.SetContent(strings.Join(rows, "\n"))
}

// Show scrolls the minimum distance that brings row into view.
func (p *TaskPane) Show(row int) {
	h := p.viewport.Height
	if h <= 0 {
		return
	}
	switch top := p.viewport.YOffset; {
	case row < top:
		p.viewport.SetYOffset(row)
	case row >= top+h:
		p.viewport.SetYOffset(row - h + 1)
	}
}

func (p *TaskPane) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	p.viewport, cmd = p.viewport.Update(msg)
	return cmd
}

func (p *TaskPane) View() string {
	if p.viewport.TotalLineCount() <= p.viewport.Height {
		return p.viewport.View()
	}

	h := p.viewport.Height
	handlePos := int(float64(h-1) * p.viewport.ScrollPercent())

	var sb strings.Builder
	for i := 0; i < h; i++ {
		if i == handlePos {
			sb.WriteString(scrollbarHandleStyle.Render("┃"))
		} else {
			sb.WriteString(scrollbarTrackStyle.Render("│"))
		}
		if i < h-1 {
			sb.WriteString("\n")
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, p.viewport.View(), sb.String())
}

func (p *TaskPane) Height() int {
	return p.viewport.Height
}

func (p *TaskPane) YOffset() int {
	return p.viewport.YOffset
}
