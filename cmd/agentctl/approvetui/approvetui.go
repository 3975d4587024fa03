// Package approvetui is an interactive terminal UI for the human-escalation
// path: it lists pending permission.Requests and lets an operator allow or
// deny them with a single keystroke.
package approvetui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agentctl/orchestrator/internal/permission"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00FF7F")).MarginLeft(2)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

type keyMap struct {
	Allow      key.Binding
	AllowAlway key.Binding
	Deny       key.Binding
	Quit       key.Binding
}

var defaultKeyMap = keyMap{
	Allow:      key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "allow once")),
	AllowAlway: key.NewBinding(key.WithKeys("A"), key.WithHelp("A", "always allow this tool")),
	Deny:       key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "deny")),
	Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

type requestItem struct {
	req permission.Request
}

func (r requestItem) Title() string {
	return fmt.Sprintf("%s  (request %s)", r.req.ToolName, r.req.RequestID)
}

func (r requestItem) Description() string {
	return fmt.Sprintf("opened %s ago", time.Since(r.req.Timestamp).Round(time.Second))
}

func (r requestItem) FilterValue() string { return r.req.ToolName }

type refreshMsg []permission.Request

type model struct {
	mgr    *permission.Manager
	list   list.Model
	keyMap keyMap
	err    error
}

func newModel(mgr *permission.Manager) model {
	delegate := list.NewDefaultDelegate()
	l := list.New(nil, delegate, 0, 0)
	l.Title = "Pending Permission Requests"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = titleStyle

	return model{mgr: mgr, list: l, keyMap: defaultKeyMap}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.pollOnce(), tickEvery())
}

func (m model) pollOnce() tea.Cmd {
	return func() tea.Msg {
		return refreshMsg(m.mgr.PendingRequests())
	}
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return tickMsg{} })
}

type tickMsg struct{}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width-4, msg.Height-4)
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.pollOnce(), tickEvery())

	case refreshMsg:
		items := make([]list.Item, len(msg))
		for i, r := range msg {
			items[i] = requestItem{req: r}
		}
		m.list.SetItems(items)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keyMap.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keyMap.Allow):
			m.respond(permission.Decision{Kind: permission.Allow})
			return m, m.pollOnce()

		case key.Matches(msg, m.keyMap.AllowAlway):
			m.respond(permission.Decision{Kind: permission.Allow, Always: true})
			return m, m.pollOnce()

		case key.Matches(msg, m.keyMap.Deny):
			m.respond(permission.Decision{Kind: permission.Deny, Reason: "denied via approvetui"})
			return m, m.pollOnce()
		}

	case error:
		m.err = msg
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m model) respond(decision permission.Decision) {
	item, ok := m.list.SelectedItem().(requestItem)
	if !ok {
		return
	}
	decision.RequestID = item.req.RequestID
	_ = m.mgr.SubmitHumanResponse(item.req.RequestID, decision)
}

func (m model) View() string {
	help := helpStyle.Render("\n  a allow · A always allow · d deny · q quit\n")
	if m.err != nil {
		return errStyle.Render(fmt.Sprintf("\n  error: %s\n", m.err)) + help
	}
	return lipgloss.NewStyle().Margin(1).Render(m.list.View()) + help
}

// Run blocks, driving the terminal UI until the operator quits.
func Run(mgr *permission.Manager) error {
	p := tea.NewProgram(newModel(mgr))
	_, err := p.Run()
	return err
}
