package approval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	reviewTitleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	reviewLabelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	reviewSelectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	reviewOKStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	reviewErrStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

var riskColors = map[string]string{
	"low":      "2",
	"medium":   "3",
	"high":     "208",
	"critical": "1",
}

type pendingLoadedMsg struct {
	requests []Request
	err      error
}

type decidedMsg struct {
	id       string
	approved bool
	applied  bool
	err      error
}

// reviewModel walks the pending queue and records decisions
type reviewModel struct {
	ctx      context.Context
	store    *Store
	requests []Request
	cursor   int

	// non-empty while a reason is being typed for the selected request
	action string
	reason string

	message  string
	err      error
	decided  int
	quitting bool
}

func newReviewModel(ctx context.Context, store *Store) reviewModel {
	return reviewModel{ctx: ctx, store: store}
}

// RunReview opens the interactive reviewer and returns how many requests were
// decided
func RunReview(ctx context.Context, store *Store, opts ...tea.ProgramOption) (int, error) {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	final, err := tea.NewProgram(newReviewModel(ctx, store), opts...).Run()
	if err != nil {
		return 0, fmt.Errorf("run review UI: %w", err)
	}
	return final.(reviewModel).decided, nil
}

func (m reviewModel) loadPending() tea.Msg {
	requests, err := m.store.ListPending(m.ctx)
	if err == nil {
		sort.SliceStable(requests, func(i, j int) bool {
			return requests[i].RiskLevel.IsHigherThan(requests[j].RiskLevel)
		})
	}
	return pendingLoadedMsg{requests: requests, err: err}
}

func (m reviewModel) decide(id string, approved bool, reason string) tea.Cmd {
	return func() tea.Msg {
		applied, err := m.store.Decide(m.ctx, id, approved, reason)
		return decidedMsg{id: id, approved: approved, applied: applied, err: err}
	}
}

func (m reviewModel) Init() tea.Cmd {
	return m.loadPending
}

func (m reviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case pendingLoadedMsg:
		m.err = msg.err
		m.requests = msg.requests
		if m.cursor >= len(m.requests) {
			m.cursor = max(0, len(m.requests)-1)
		}
		return m, nil

	case decidedMsg:
		switch {
		case msg.err != nil:
			m.err = msg.err
		case !msg.applied:
			m.message = fmt.Sprintf("%s was already decided elsewhere", shortID(msg.id))
		default:
			m.decided++
			verb := "rejected"
			if msg.approved {
				verb = "approved"
			}
			m.message = fmt.Sprintf("%s %s", verb, shortID(msg.id))
		}
		return m, m.loadPending

	case tea.KeyMsg:
		if m.action != "" {
			return m.updateReason(msg)
		}
		return m.updateBrowse(msg)
	}
	return m, nil
}

func (m reviewModel) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.requests)-1 {
			m.cursor++
		}
	case "R", "ctrl+r":
		m.message = ""
		return m, m.loadPending
	case "a", "y":
		if len(m.requests) > 0 {
			m.action, m.reason = "approve", ""
		}
	case "r", "n":
		if len(m.requests) > 0 {
			m.action, m.reason = "reject", ""
		}
	}
	return m, nil
}

func (m reviewModel) updateReason(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit
	case tea.KeyEsc:
		m.action, m.reason = "", ""
	case tea.KeyEnter:
		if m.cursor >= len(m.requests) {
			m.action, m.reason = "", ""
			return m, nil
		}
		req := m.requests[m.cursor]
		approved := m.action == "approve"
		reason := strings.TrimSpace(m.reason)
		if reason == "" {
			reason = "rejected by reviewer"
			if approved {
				reason = "approved by reviewer"
			}
		}
		m.action, m.reason = "", ""
		return m, m.decide(req.ID, approved, reason)
	case tea.KeyBackspace:
		if r := []rune(m.reason); len(r) > 0 {
			m.reason = string(r[:len(r)-1])
		}
	case tea.KeySpace:
		m.reason += " "
	case tea.KeyRunes:
		m.reason += string(msg.Runes)
	}
	return m, nil
}

func (m reviewModel) View() string {
	if m.quitting {
		return fmt.Sprintf("Reviewed %d request(s).\n", m.decided)
	}

	var b strings.Builder
	b.WriteString(reviewTitleStyle.Render("Pending approvals") + "\n\n")

	if m.err != nil {
		b.WriteString(reviewErrStyle.Render("error: "+m.err.Error()) + "\n\n")
	}
	if len(m.requests) == 0 {
		b.WriteString(reviewLabelStyle.Render("Nothing is waiting for a decision.") + "\n\n")
	}

	for i, r := range m.requests {
		risk := lipgloss.NewStyle().Foreground(lipgloss.Color(riskColors[string(r.RiskLevel)])).
			Render(fmt.Sprintf("%-8s", r.RiskLevel))
		line := fmt.Sprintf("%s %-8s %-16s %s", risk, r.Phase, r.AgentID, r.Operation)
		if i == m.cursor {
			b.WriteString(reviewSelectedStyle.Render("> ") + line + "\n")
		} else {
			b.WriteString("  " + line + "\n")
		}
	}

	if len(m.requests) > 0 {
		sel := m.requests[m.cursor]
		b.WriteString("\n" + reviewLabelStyle.Render("Request: ") + sel.ID + "\n")
		b.WriteString(reviewLabelStyle.Render("Waiting since: ") + sel.CreatedAt.Local().Format("15:04:05") + "\n")
		keys := make([]string, 0, len(sel.Context))
		for k := range sel.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("  %s: %s\n", k, sel.Context[k]))
		}
	}

	if m.message != "" {
		b.WriteString("\n" + reviewOKStyle.Render(m.message) + "\n")
	}

	b.WriteString("\n")
	if m.action != "" {
		b.WriteString(fmt.Sprintf("Reason to %s (enter to confirm, esc to cancel): %s", m.action, m.reason))
	} else {
		b.WriteString(reviewLabelStyle.Render("↑/↓ select • a approve • r reject • R refresh • q quit"))
	}
	b.WriteString("\n")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
