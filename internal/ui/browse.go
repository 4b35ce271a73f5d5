package ui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ldi/claimdeck/internal/portal"
	"github.com/ldi/claimdeck/internal/ui/components"
	"github.com/ldi/claimdeck/pkg/models"
)

var (
	tabStyle       = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("241"))
	activeTabStyle = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("12")).Bold(true).Underline(true)
	claimedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	cursorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const (
	boardWidth = 36
	helpText   = "←/→ type · ↑/↓ task · c claim · s start · u submit · a accept · o reopen · r release · q quit"
)

type sectionsMsg struct {
	types []string
	err   error
}

type tasksMsg struct {
	taskType string
	tasks    []models.Task
	err      error
}

type mutationMsg struct {
	verb   string
	taskID string
	err    error
}

type catalogChangedMsg struct{}

// BrowseModel lets a contributor page through task types and work claims.
type BrowseModel struct {
	session *portal.Session
	ctx     context.Context

	types   []string
	typeIdx int
	tasks   []models.Task
	cursor  int

	pane  *components.TaskPane
	board *components.ClaimsBoard

	changes     chan struct{}
	unsubscribe func()

	status   string
	err      error
	width    int
	height   int
	quitting bool
}

func NewBrowseModel(ctx context.Context, session *portal.Session) *BrowseModel {
	m := &BrowseModel{
		session: session,
		ctx:     ctx,
		pane:    components.NewTaskPane(80, 20),
		board:   components.NewClaimsBoard(boardWidth),
		changes: make(chan struct{}, 1),
	}
	m.unsubscribe = session.Catalog().Subscribe(func() {
		select {
		case m.changes <- struct{}{}:
		default:
		}
	})
	return m
}

func (m *BrowseModel) Init() tea.Cmd {
	return tea.Batch(m.loadSections(), m.syncClaims(), m.waitForChange())
}

func (m *BrowseModel) loadSections() tea.Cmd {
	return func() tea.Msg {
		sections, err := m.session.Gallery().Sections(m.ctx)
		types := make([]string, 0, len(sections))
		for _, s := range sections {
			types = append(types, s.Type)
		}
		return sectionsMsg{types: types, err: err}
	}
}

func (m *BrowseModel) loadType(taskType string) tea.Cmd {
	return func() tea.Msg {
		tasks, err := m.session.Gallery().Category(m.ctx, taskType)
		return tasksMsg{taskType: taskType, tasks: tasks, err: err}
	}
}

func (m *BrowseModel) syncClaims() tea.Cmd {
	return func() tea.Msg {
		if _, err := m.session.UserID(); err != nil {
			return nil
		}
		if err := m.session.Ledger().Sync(m.ctx); err != nil {
			return mutationMsg{verb: "sync", err: err}
		}
		return catalogChangedMsg{}
	}
}

func (m *BrowseModel) waitForChange() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.changes:
			return catalogChangedMsg{}
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m *BrowseModel) mutate(verb string, taskID string, fn func(context.Context, string) error) tea.Cmd {
	return func() tea.Msg {
		return mutationMsg{verb: verb, taskID: taskID, err: fn(m.ctx, taskID)}
	}
}

func (m *BrowseModel) transition(action models.Action) func(context.Context, string) error {
	return func(ctx context.Context, taskID string) error {
		_, err := m.session.Mutations().Transition(ctx, taskID, action)
		return err
	}
}

func (m *BrowseModel) claim(ctx context.Context, taskID string) error {
	_, err := m.session.Mutations().Claim(ctx, taskID)
	return err
}

func (m *BrowseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			m.unsubscribe()
			return m, tea.Quit
		case "left", "h":
			cmds = append(cmds, m.switchType(-1))
		case "right", "l":
			cmds = append(cmds, m.switchType(1))
		case "up", "k":
			m.moveCursor(-1)
		case "down", "j":
			m.moveCursor(1)
		}

		if task, ok := m.selected(); ok {
			switch msg.String() {
			case "c":
				cmds = append(cmds, m.mutate("claimed", task.ID, m.claim))
			case "r":
				cmds = append(cmds, m.mutate("released", task.ID, m.transition(models.ActionRelease)))
			case "s":
				cmds = append(cmds, m.mutate("started", task.ID, m.transition(models.ActionStart)))
			case "u":
				cmds = append(cmds, m.mutate("submitted", task.ID, m.transition(models.ActionSubmit)))
			case "a":
				cmds = append(cmds, m.mutate("accepted", task.ID, m.transition(models.ActionAccept)))
			case "o":
				cmds = append(cmds, m.mutate("reopened", task.ID, m.transition(models.ActionReopen)))
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.pane.SetSize(max(m.width-boardWidth-4, 20), max(m.height-4, 3))
		m.render()

	case sectionsMsg:
		m.err = msg.err
		m.types = msg.types
		if len(m.types) > 0 {
			m.typeIdx = min(m.typeIdx, len(m.types)-1)
			cmds = append(cmds, m.loadType(m.types[m.typeIdx]))
		}

	case tasksMsg:
		if msg.taskType == m.currentType() {
			m.err = msg.err
			m.tasks = msg.tasks
			m.cursor = min(m.cursor, max(len(m.tasks)-1, 0))
			m.render()
		}

	case mutationMsg:
		m.err = msg.err
		if msg.err == nil && msg.taskID != "" {
			m.status = fmt.Sprintf("%s %s", msg.verb, msg.taskID)
		}
		m.refreshFromCache()

	case catalogChangedMsg:
		m.refreshFromCache()
		cmds = append(cmds, m.waitForChange())
	}

	return m, tea.Batch(cmds...)
}

// refreshFromCache redraws from the cached views without fetching.
func (m *BrowseModel) refreshFromCache() {
	if t := m.currentType(); t != "" {
		m.tasks = m.session.Gallery().TasksFor(t)
		m.cursor = min(m.cursor, max(len(m.tasks)-1, 0))
	}
	m.render()
}

func (m *BrowseModel) currentType() string {
	if m.typeIdx < len(m.types) {
		return m.types[m.typeIdx]
	}
	return ""
}

func (m *BrowseModel) switchType(delta int) tea.Cmd {
	if len(m.types) == 0 {
		return nil
	}
	m.typeIdx = (m.typeIdx + delta + len(m.types)) % len(m.types)
	m.cursor = 0
	m.tasks = m.session.Gallery().TasksFor(m.currentType())
	m.render()
	return m.loadType(m.currentType())
}

func (m *BrowseModel) moveCursor(delta int) {
	if len(m.tasks) == 0 {
		return
	}
	m.cursor = max(0, min(m.cursor+delta, len(m.tasks)-1))
	m.pane.Show(m.cursor)
	m.render()
}

func (m *BrowseModel) selected() (models.Task, bool) {
	if m.cursor < len(m.tasks) {
		return m.tasks[m.cursor], true
	}
	return models.Task{}, false
}

func (m *BrowseModel) render() {
	rows := make([]string, len(m.tasks))
	for i, t := range m.tasks {
		row := taskRow(t)
		switch {
		case i == m.cursor:
			row = cursorStyle.Render("> " + row)
		case t.IsClaimed:
			row = claimedStyle.Render("  " + row)
		default:
			row = "  " + row
		}
		rows[i] = row
	}
	m.pane.SetRows(rows)
	m.board.SetClaims(m.session.Ledger().ListMine(), m.session.Ledger().MaxActive())
}

func taskRow(t models.Task) string {
	parts := []string{t.ID}
	if t.Category != "" {
		parts = append(parts, t.Category)
	}
	if t.Subcategory != "" {
		parts = append(parts, t.Subcategory)
	}
	row := strings.Join(parts, " · ")
	if t.IsPriority {
		row += " ★"
	}
	if t.IsClaimed {
		row += " [claimed]"
	}
	return row
}

func (m *BrowseModel) View() string {
	if m.quitting {
		return ""
	}

	var tabs []string
	for i, t := range m.types {
		count := m.session.Gallery().Count(t)
		label := fmt.Sprintf("%s (%d/%d)", t, count.Available, count.Total)
		if i == m.typeIdx {
			tabs = append(tabs, activeTabStyle.Render(label))
		} else {
			tabs = append(tabs, tabStyle.Render(label))
		}
	}

	var s strings.Builder
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, tabs...))
	s.WriteString("\n")
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.pane.View(), "  ", m.board.View()))
	s.WriteString("\n")

	switch {
	case m.err != nil:
		s.WriteString(errorStyle.Render(fmt.Sprintf("%s: %v", models.Code(m.err), m.err)))
	case m.status != "":
		s.WriteString(statusStyle.Render(m.status))
	}
	s.WriteString("\n")
	s.WriteString(helpStyle.Render(helpText))
	return s.String()
}

// RunBrowse runs the browser until the user quits.
func RunBrowse(ctx context.Context, session *portal.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	_, err := tea.NewProgram(NewBrowseModel(ctx, session), tea.WithAltScreen()).Run()
	return err
}
