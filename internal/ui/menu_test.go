package ui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestMenuNavigation(t *testing.T) {
	m := NewMenuModel(MenuStatus{})

	model, _ := m.Update(key("j"))
	m = model.(MenuModel)
	if m.cursor != 1 {
		t.Errorf("expected cursor 1 after 'j', got %d", m.cursor)
	}

	model, _ = m.Update(key("G"))
	m = model.(MenuModel)
	if m.cursor != len(menuEntries)-1 {
		t.Errorf("expected cursor on the last entry after 'G', got %d", m.cursor)
	}

	model, _ = m.Update(key("g"))
	m = model.(MenuModel)
	if m.cursor != 0 {
		t.Errorf("expected cursor 0 after 'g', got %d", m.cursor)
	}

	model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = model.(MenuModel)
	if m.Selected() != "browse" {
		t.Errorf("expected selection 'browse', got %s", m.Selected())
	}
	if cmd == nil {
		t.Error("expected quit command after enter")
	}
}

func TestMenuDigitSelects(t *testing.T) {
	m := NewMenuModel(MenuStatus{})

	model, cmd := m.Update(key("3"))
	m = model.(MenuModel)
	if m.Selected() != "mine" {
		t.Errorf("expected '3' to select 'mine', got %q", m.Selected())
	}
	if cmd == nil {
		t.Error("expected quit command after a digit")
	}

	m = NewMenuModel(MenuStatus{})
	model, cmd = m.Update(key("9"))
	m = model.(MenuModel)
	if m.Selected() != "" || cmd != nil {
		t.Errorf("expected an out of range digit to be ignored, got %q", m.Selected())
	}
}

func TestMenuQuit(t *testing.T) {
	model, _ := NewMenuModel(MenuStatus{}).Update(key("q"))
	m := model.(MenuModel)
	if !m.quitting || m.View() != "" {
		t.Error("expected quitting with an empty view after 'q'")
	}
}

func TestMenuStatusLine(t *testing.T) {
	tests := []struct {
		name    string
		status  MenuStatus
		want    []string
		notWant []string
	}{
		{
			name:   "signed in",
			status: MenuStatus{UserID: "alice", Active: 1, MaxActive: 3, Backend: "sqlite"},
			want:   []string{"signed in as alice", "1/3 active", "sqlite"},
		},
		{
			name:   "at capacity",
			status: MenuStatus{UserID: "alice", Active: 3, MaxActive: 3},
			want:   []string{"3/3 active, at capacity"},
		},
		{
			name:    "count unknown",
			status:  MenuStatus{UserID: "bob", Active: -1, MaxActive: 3, Backend: "remote"},
			want:    []string{"signed in as bob", "remote"},
			notWant: []string{"active"},
		},
		{
			name:    "anonymous",
			status:  MenuStatus{Active: -1, MaxActive: 3},
			want:    []string{"not signed in"},
			notWant: []string{"active"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := NewMenuModel(tt.status).View()
			for _, w := range tt.want {
				if !strings.Contains(view, w) {
					t.Errorf("view missing %q:\n%s", w, view)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(tt.status.line(), w) {
					t.Errorf("status line should not contain %q: %s", w, tt.status.line())
				}
			}
		})
	}
}

func TestMenuListsEveryEntry(t *testing.T) {
	view := NewMenuModel(MenuStatus{}).View()
	for i, e := range menuEntries {
		if !strings.Contains(view, e.command) || !strings.Contains(view, e.desc) {
			t.Errorf("entry %d (%s) missing from view", i+1, e.command)
		}
	}
}
