package cli

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/security"
)

// permissionDecider grants and denies pending permission requests.
type permissionDecider interface {
	GrantPermission(ctx context.Context, id string, p plugin.Permission) security.Result
	DenyPermission(ctx context.Context, id string, p plugin.Permission, reason string) security.Result
}

type requestsMsg []security.Request

type requestsClosedMsg struct{}

// approvalModel lists pending permission requests and lets the user grant
// or deny them while the host is serving.
type approvalModel struct {
	ctx      context.Context
	decider  permissionDecider
	updates  <-chan []security.Request
	pending  []security.Request
	cursor   int
	status   string
	quitting bool
}

func newApprovalModel(ctx context.Context, decider permissionDecider, updates <-chan []security.Request) approvalModel {
	return approvalModel{ctx: ctx, decider: decider, updates: updates}
}

func (m approvalModel) Init() tea.Cmd {
	return waitForRequests(m.updates)
}

func waitForRequests(ch <-chan []security.Request) tea.Cmd {
	return func() tea.Msg {
		reqs, ok := <-ch
		if !ok {
			return requestsClosedMsg{}
		}
		return requestsMsg(reqs)
	}
}

func (m approvalModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case requestsMsg:
		m.pending = []security.Request(msg)
		m.clampCursor()
		return m, waitForRequests(m.updates)

	case requestsClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.pending)-1 {
				m.cursor++
			}
		case "a", "y":
			m.decide(true)
		case "d", "n":
			m.decide(false)
		}
	}
	return m, nil
}

// decide resolves the selected request. The list is updated locally; the
// next published list replaces it.
func (m *approvalModel) decide(grant bool) {
	if len(m.pending) == 0 {
		return
	}
	req := m.pending[m.cursor]

	var res security.Result
	if grant {
		res = m.decider.GrantPermission(m.ctx, req.PluginID, req.Permission)
	} else {
		res = m.decider.DenyPermission(m.ctx, req.PluginID, req.Permission, "")
	}

	switch {
	case res.Err != nil:
		m.status = errorStyle.Render(res.Err.Error())
		return
	case grant && !res.Granted():
		m.status = errorStyle.Render(fmt.Sprintf("cannot grant %s to %s: %s", req.Permission, req.PluginID, res.Reason))
	case grant:
		m.status = successStyle.Render(fmt.Sprintf("granted %s to %s", req.Permission, req.PluginID))
	default:
		m.status = warnStyle.Render(fmt.Sprintf("denied %s to %s", req.Permission, req.PluginID))
	}

	m.pending = append(m.pending[:m.cursor:m.cursor], m.pending[m.cursor+1:]...)
	m.clampCursor()
}

func (m *approvalModel) clampCursor() {
	if m.cursor >= len(m.pending) {
		m.cursor = len(m.pending) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m approvalModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Permission requests"))
	b.WriteString("\n\n")

	if len(m.pending) == 0 {
		b.WriteString(mutedStyle.Render("  No pending requests."))
		b.WriteString("\n")
	}
	for i, req := range m.pending {
		marker := "  "
		if i == m.cursor {
			marker = titleStyle.Render("> ")
		}
		name := req.PluginName
		if name == "" {
			name = req.PluginID
		}
		risk := req.Permission.RiskLevel()
		fmt.Fprintf(&b, "%s%s wants %s %s\n", marker, name,
			headerStyle.Render(req.Permission.DisplayName()),
			riskStyle(risk).Render("["+risk.String()+"]"))
		if i == m.cursor {
			fmt.Fprintf(&b, "    %s\n", mutedStyle.Render(req.Permission.Description()))
		}
	}

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(m.status)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("a grant • d deny • ↑/↓ select • q stop serving"))
	b.WriteString("\n")
	return b.String()
}
