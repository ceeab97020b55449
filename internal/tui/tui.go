// Package tui is the terminal chat screen for one room session.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/4xmen/jashn/internal/attachment"
	"github.com/4xmen/jashn/internal/messagelog"
	"github.com/4xmen/jashn/internal/models"
	"github.com/4xmen/jashn/internal/session"
	"github.com/4xmen/jashn/internal/ws"
)

// Session is the part of the room controller the screen drives.
// *session.Controller implements it.
type Session interface {
	Room() string
	Nickname() string
	State() session.State
	Connection() ws.Status
	RenderedView(order messagelog.Order) []models.Message
	HasMore() bool
	IsSearchMode() bool
	SearchFilter() models.SearchFilter
	PresenceList() []models.PresenceEntry
	ReadCount(messageID int64) (int, bool)
	Notices() []session.Notice
	NearBottom() bool
	NewMessageBadge() bool
	UpdateScroll(fromBottom int)

	EnterRoom(ctx context.Context, roomID string) error
	LeaveRoom()
	SendMessage(ctx context.Context, text string) error
	UploadFile(ctx context.Context, f attachment.File) error
	DeleteAttachment(ctx context.Context, storageURL string) error
	EnterSearch(ctx context.Context, keyword, nickname string) error
	ExitSearch()
	LoadOlder(ctx context.Context) bool
}

// rowHeight converts terminal rows into the pixel distance the near-bottom
// threshold is expressed in.
const rowHeight = 20

const (
	inputHeight    = 3
	requestTimeout = 30 * time.Second
)

// Changes wakes the screen when session state changes. Pass Notify as the
// controller's OnChange hook.
type Changes chan struct{}

func NewChanges() Changes {
	return make(Changes, 1)
}

// Notify never blocks; bursts collapse into one redraw.
func (c Changes) Notify() {
	select {
	case c <- struct{}{}:
	default:
	}
}

type changedMsg struct{}

type doneMsg struct {
	err error
}

func (c Changes) wait() tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-c; !ok {
			return nil
		}
		return changedMsg{}
	}
}

type Options struct {
	StorageURLPrefix string
	Room             string
}

// Model is the bubbletea model of the chat screen.
type Model struct {
	sess    Session
	changes Changes
	opts    Options

	viewport viewport.Model
	input    textarea.Model
	width    int
	height   int
	status   string
	ready    bool
}

func New(sess Session, changes Changes, opts Options) *Model {
	input := textarea.New()
	input.Placeholder = "message, or /help"
	input.ShowLineNumbers = false
	input.CharLimit = 0
	input.SetHeight(inputHeight)
	input.Prompt = "› "
	input.FocusedStyle.CursorLine = lipgloss.NewStyle().Background(inputBg)
	input.Focus()

	return &Model{
		sess:     sess,
		changes:  changes,
		opts:     opts,
		viewport: viewport.New(0, 0),
		input:    input,
	}
}

// Run starts the screen and blocks until the user quits. The open room is
// left before returning.
func Run(sess Session, changes Changes, opts Options) error {
	program := tea.NewProgram(New(sess, changes, opts), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := program.Run()
	sess.LeaveRoom()
	return err
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink, m.changes.wait()}
	if m.opts.Room != "" {
		room := m.opts.Room
		cmds = append(cmds, m.run(func(ctx context.Context) error {
			return m.sess.EnterRoom(ctx, room)
		}))
	}
	return tea.Batch(cmds...)
}

// run performs a blocking session call off the UI goroutine.
func (m *Model) run(fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return doneMsg{err: fn(ctx)}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.refresh()
		return m, nil

	case changedMsg:
		m.refresh()
		return m, m.changes.wait()

	case doneMsg:
		// Failures already reached the notice list; keep the line for the
		// ones that did not.
		if msg.err != nil {
			m.status = msg.err.Error()
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			if m.sess.IsSearchMode() {
				m.sess.ExitSearch()
				m.refresh()
			}
			return m, nil
		case tea.KeyEnter:
			line := m.input.Value()
			m.input.Reset()
			if strings.TrimSpace(line) == "" {
				return m, nil
			}
			return m, m.submit(line)
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyHome, tea.KeyEnd, tea.KeyUp, tea.KeyDown:
			if msg.Type == tea.KeyUp || msg.Type == tea.KeyDown {
				if m.input.Value() != "" {
					break
				}
			}
			return m, m.scroll(msg)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case tea.MouseMsg:
		return m, m.scroll(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// scroll moves the viewport, reports the distance from the newest line and
// pages in older history at the top.
func (m *Model) scroll(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	switch key, _ := msg.(tea.KeyMsg); key.Type {
	case tea.KeyHome:
		m.viewport.GotoTop()
	case tea.KeyEnd:
		m.viewport.GotoBottom()
	default:
		m.viewport, cmd = m.viewport.Update(msg)
	}
	m.reportScroll()
	if m.viewport.AtTop() && m.sess.HasMore() {
		return tea.Batch(cmd, m.run(func(ctx context.Context) error {
			m.sess.LoadOlder(ctx)
			return nil
		}))
	}
	return cmd
}

func (m *Model) reportScroll() {
	below := m.viewport.TotalLineCount() - m.viewport.YOffset - m.viewport.Height
	if below < 0 {
		below = 0
	}
	m.sess.UpdateScroll(below * rowHeight)
}

func (m *Model) submit(line string) tea.Cmd {
	m.status = ""
	c := parseCommand(line)
	switch c.kind {
	case cmdSend:
		text := c.text
		return m.run(func(ctx context.Context) error {
			return m.sess.SendMessage(ctx, text)
		})
	case cmdSearch:
		return m.run(func(ctx context.Context) error {
			return m.sess.EnterSearch(ctx, c.keyword, c.nickname)
		})
	case cmdExitSearch:
		m.sess.ExitSearch()
		m.refresh()
		return nil
	case cmdUpload:
		p := c.text
		return m.run(func(ctx context.Context) error {
			f, closer, err := attachment.Open(p)
			if err != nil {
				return err
			}
			defer closer.Close()
			return m.sess.UploadFile(ctx, f)
		})
	case cmdDelete:
		url := c.text
		return m.run(func(ctx context.Context) error {
			return m.sess.DeleteAttachment(ctx, url)
		})
	case cmdOlder:
		return m.run(func(ctx context.Context) error {
			m.sess.LoadOlder(ctx)
			return nil
		})
	case cmdRoom:
		room := c.text
		return m.run(func(ctx context.Context) error {
			return m.sess.EnterRoom(ctx, room)
		})
	case cmdQuit:
		return tea.Quit
	case cmdHelp:
		m.status = helpText
		return nil
	default:
		m.status = "unknown command /" + c.text + " · " + helpText
		return nil
	}
}

func (m *Model) mainWidth() int {
	w := m.width - sidebarWidth - 3
	if w < 20 {
		w = m.width
	}
	return w
}

func (m *Model) resize() {
	m.input.SetWidth(m.mainWidth())
	// header, badge/status, notices and the input box
	h := m.height - inputHeight - 4
	if h < 1 {
		h = 1
	}
	m.viewport.Width = m.mainWidth()
	m.viewport.Height = h
	m.ready = m.width > 0
}

// refresh redraws the message list, following the newest line only while the
// user is near the bottom.
func (m *Model) refresh() {
	view := m.sess.RenderedView(messagelog.Chronological)
	self := m.sess.Nickname()
	lines := make([]string, 0, len(view)+1)
	if m.sess.HasMore() {
		lines = append(lines, metaStyle.Render("· scroll up or /older for earlier messages ·"))
	}
	for _, msg := range view {
		count, ok := m.sess.ReadCount(msg.ID)
		lines = append(lines, renderMessage(msg, self, m.opts.StorageURLPrefix, count, ok))
	}
	if len(view) == 0 && m.sess.IsSearchMode() {
		lines = append(lines, metaStyle.Render("no matches"))
	}

	m.viewport.SetContent(lipgloss.NewStyle().Width(m.viewport.Width).Render(strings.Join(lines, "\n")))
	if m.sess.NearBottom() {
		m.viewport.GotoBottom()
	}
}

func (m *Model) View() string {
	if !m.ready {
		return "loading…"
	}

	header := headerLine(m.sess.Room(), m.sess.State(), m.sess.Connection(), m.sess.SearchFilter())

	status := m.status
	if m.sess.NewMessageBadge() {
		status = badgeStyle.Render("↓ new messages") + "  " + status
	}
	notice := ""
	if notices := m.sess.Notices(); len(notices) > 0 {
		notice = noticeLine(notices[len(notices)-1])
	}

	main := lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		status,
		notice,
		m.input.View(),
	)
	if m.mainWidth() == m.width {
		return main
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, renderPresence(m.sess.PresenceList()), main)
}
