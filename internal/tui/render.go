package tui

import (
	"fmt"
	"path"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/4xmen/jashn/internal/models"
	"github.com/4xmen/jashn/internal/session"
	"github.com/4xmen/jashn/internal/ws"
)

var (
	selfColor    = lipgloss.Color("81")
	authorColor  = lipgloss.Color("249")
	metaColor    = lipgloss.Color("242")
	onlineColor  = lipgloss.Color("42")
	offlineColor = lipgloss.Color("240")
	errorColor   = lipgloss.Color("203")
	badgeColor   = lipgloss.Color("220")
	inputBg      = lipgloss.Color("236")

	metaStyle    = lipgloss.NewStyle().Foreground(metaColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	badgeStyle   = lipgloss.NewStyle().Foreground(badgeColor).Bold(true)
	headerStyle  = lipgloss.NewStyle().Bold(true)
	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, true, false, false).
			BorderForeground(metaColor).
			Padding(0, 1)
)

const sidebarWidth = 22

// renderMessage formats one chat line. Provisional lines are dimmed and read
// counts trail confirmed ones.
func renderMessage(m models.Message, self, storagePrefix string, readCount int, counted bool) string {
	author := lipgloss.NewStyle().Foreground(authorColor).Bold(true)
	if m.AuthorNickname == self {
		author = author.Foreground(selfColor)
	}

	content := m.Content
	if m.IsAttachment(storagePrefix) {
		name := m.FileName
		if name == "" {
			name = path.Base(m.Content)
		}
		content = fmt.Sprintf("[file] %s  %s", name, metaStyle.Render(m.Content))
	}

	var b strings.Builder
	b.WriteString(metaStyle.Render(m.Timestamp.Local().Format("15:04")))
	b.WriteString(" ")
	b.WriteString(author.Render(m.AuthorNickname))
	b.WriteString(" ")
	if m.Provisional() {
		b.WriteString(metaStyle.Render(content + " …"))
		return b.String()
	}
	b.WriteString(content)
	if counted && readCount > 0 {
		b.WriteString(metaStyle.Render(fmt.Sprintf("  ✓%d", readCount)))
	}
	return b.String()
}

func renderPresence(entries []models.PresenceEntry) string {
	lines := []string{headerStyle.Render("members")}
	for _, e := range entries {
		dot := lipgloss.NewStyle().Foreground(offlineColor).Render("○")
		if e.Status == models.StatusOnline {
			dot = lipgloss.NewStyle().Foreground(onlineColor).Render("●")
		}
		lines = append(lines, dot+" "+e.Nickname)
	}
	return sidebarStyle.Width(sidebarWidth).Render(strings.Join(lines, "\n"))
}

func headerLine(room string, state session.State, conn ws.Status, filter models.SearchFilter) string {
	if room == "" {
		return headerStyle.Render("no room") + metaStyle.Render("  /room <id> to join")
	}
	parts := []string{headerStyle.Render("#" + room), state.String()}
	if conn == ws.StatusReconnecting {
		parts = append(parts, errorStyle.Render("reconnecting"))
	}
	if filter.Active() {
		q := filter.Keyword
		if filter.Nickname != "" {
			q = strings.TrimSpace(q + " @" + filter.Nickname)
		}
		parts = append(parts, badgeStyle.Render("search: "+q))
	}
	return strings.Join(parts, metaStyle.Render(" · "))
}

func noticeLine(n session.Notice) string {
	if n.Level == session.NoticeError {
		return errorStyle.Render(n.Text)
	}
	return metaStyle.Render(n.Text)
}
