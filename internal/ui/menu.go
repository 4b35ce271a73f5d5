package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	logoStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	menuStatusStyle   = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("245"))
	fullStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	itemStyle         = lipgloss.NewStyle().PaddingLeft(2)
	selectedItemStyle = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("12")).Bold(true)
	descStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const logo = `
      _       _               _           _
  ___| | __ _(_)_ __ ___   __| | ___  ___| | __
 / __| |/ _' | | '_ ' _ \ / _' |/ _ \/ __| |/ /
| (__| | (_| | | | | | | | (_| |  __/ (__|   <
 \___|_|\__,_|_|_| |_| |_|\__,_|\___|\___|_|\_\
`

type menuEntry struct {
	command string
	desc    string
}

var menuEntries = []menuEntry{
	{"browse", "browse the catalog and claim tasks"},
	{"preview", "print the preview of every type"},
	{"mine", "show my claims"},
	{"serve", "serve the claim api"},
	{"mcp", "serve contributor tools over stdio"},
	{"export", "write a JSONL snapshot"},
}

// MenuStatus describes the session the menu would open. Active is
// negative when the claim count could not be read.
type MenuStatus struct {
	UserID    string
	Active    int
	MaxActive int
	Backend   string
}

func (s MenuStatus) line() string {
	parts := []string{}
	if s.UserID == "" {
		parts = append(parts, "not signed in")
	} else {
		parts = append(parts, "signed in as "+s.UserID)
		if s.Active >= 0 && s.MaxActive > 0 {
			count := fmt.Sprintf("%d/%d active", s.Active, s.MaxActive)
			if s.Active >= s.MaxActive {
				count = fullStyle.Render(count + ", at capacity")
			}
			parts = append(parts, count)
		}
	}
	if s.Backend != "" {
		parts = append(parts, s.Backend)
	}
	return strings.Join(parts, " · ")
}

type MenuModel struct {
	entries  []menuEntry
	status   MenuStatus
	cursor   int
	selected string
	quitting bool
}

func NewMenuModel(status MenuStatus) MenuModel {
	return MenuModel{
		entries: menuEntries,
		status:  status,
	}
}

func (m MenuModel) Init() tea.Cmd {
	return nil
}

func (m MenuModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch k := key.String(); k {
	case "ctrl+c", "q", "esc":
		m.quitting = true
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}

	case "down", "j":
		if m.cursor < len(m.entries)-1 {
			m.cursor++
		}

	case "home", "g":
		m.cursor = 0

	case "end", "G":
		m.cursor = len(m.entries) - 1

	case "enter":
		m.selected = m.entries[m.cursor].command
		return m, tea.Quit

	default:
		// Digits pick an entry directly.
		if len(k) == 1 && k[0] >= '1' && int(k[0]-'1') < len(m.entries) {
			m.cursor = int(k[0] - '1')
			m.selected = m.entries[m.cursor].command
			return m, tea.Quit
		}
	}

	return m, nil
}

func (m MenuModel) View() string {
	if m.quitting {
		return ""
	}

	var s strings.Builder

	s.WriteString(logoStyle.Render(logo))
	s.WriteString("\n")
	s.WriteString(menuStatusStyle.Render(m.status.line()))
	s.WriteString("\n\n")

	width := 0
	for _, e := range m.entries {
		width = max(width, len(e.command))
	}
	for i, e := range m.entries {
		label := fmt.Sprintf("%d %-*s", i+1, width, e.command)
		if m.cursor == i {
			s.WriteString(selectedItemStyle.Render("> " + label))
		} else {
			s.WriteString(itemStyle.Render("  " + label))
		}
		s.WriteString("  " + descStyle.Render(e.desc))
		s.WriteString("\n")
	}

	s.WriteString("\n(j/k to move, 1-" + fmt.Sprint(len(m.entries)) + " or enter to select, q to quit)\n")

	return s.String()
}

func (m MenuModel) Selected() string {
	return m.selected
}

// RunMenu shows the menu and returns the chosen command, or "" on quit.
func RunMenu(status MenuStatus) (string, error) {
	finalModel, err := tea.NewProgram(NewMenuModel(status)).Run()
	if err != nil {
		return "", err
	}
	return finalModel.(MenuModel).Selected(), nil
}
