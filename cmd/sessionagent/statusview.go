package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/buffer"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/credential"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/shared"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	onlineStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	bufferingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// statusTickMsg drives the periodic refresh of the status view.
type statusTickMsg time.Time

// statusMsg carries a freshly computed summary into the model.
type statusMsg struct {
	summary shared.Summary
	err     error
}

// statusModel is the small terminal UI shown when the agent runs on a TTY.
type statusModel struct {
	store       *buffer.Store
	credentials credential.Store
	subject     string

	summary shared.Summary
	err     error
}

func newStatusModel(store *buffer.Store, creds credential.Store, subject string) statusModel {
	return statusModel{store: store, credentials: creds, subject: subject}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.refresh, statusTick())
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case statusTickMsg:
		return m, tea.Batch(m.refresh, statusTick())
	case statusMsg:
		m.summary = msg.summary
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

func (m statusModel) View() string {
	var state string
	switch m.summary.Status {
	case shared.StatusOnline:
		state = onlineStyle.Render(m.summary.String())
	case shared.StatusBuffering:
		state = bufferingStyle.Render(m.summary.String())
	case shared.StatusError:
		state = errorStyle.Render(m.summary.String())
	default:
		state = dimStyle.Render(m.summary.String())
	}

	s := titleStyle.Render("adherence session agent") + "\n\n"
	s += fmt.Sprintf("  status   %s\n", state)
	s += fmt.Sprintf("  subject  %s\n", m.subject)
	if m.err != nil {
		s += "\n" + errorStyle.Render("  "+m.err.Error()) + "\n"
	}
	s += "\n" + dimStyle.Render("  q to quit") + "\n"
	return s
}

// refresh computes the coarse summary from buffer counts and credential
// presence.
func (m statusModel) refresh() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, registered, err := m.credentials.Load()
	if err != nil {
		return statusMsg{err: err}
	}
	pending, err := m.store.CountPending(ctx)
	if err != nil {
		return statusMsg{err: err}
	}
	failed, err := m.store.CountFailed(ctx)
	if err != nil {
		return statusMsg{err: err}
	}
	return statusMsg{summary: shared.Summarize(registered, pending, failed)}
}

func statusTick() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return statusTickMsg(t)
	})
}
