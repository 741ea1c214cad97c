// Package tui implements the terminal chat front end
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/Gigaversity/characters.ai/internal/events"
	"github.com/Gigaversity/characters.ai/internal/persona"
	"github.com/Gigaversity/characters.ai/internal/session"
	"github.com/Gigaversity/characters.ai/pkg/types"
)

// UI configuration constants
const (
	defaultWidth        = 100
	defaultHeight       = 40
	inputCharLimit      = 4000
	chromeHeightReserve = 7
	minContentHeight    = 10
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	boldStyle   = lipgloss.NewStyle().Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
)

// Chat is the session surface the TUI drives
type Chat interface {
	Active() persona.Persona
	Personas() []persona.Persona
	Transcript(key string) []types.Turn
	Submit(ctx context.Context, text string) (session.Round, error)
	Select(ctx context.Context, key string) ([]session.Failure, error)
	Reset(ctx context.Context, key string) error
}

// ChatProgram encapsulates the chat TUI program
type ChatProgram struct {
	model chatModel
}

// NewChatProgram creates a chat program. Operator events from the bus, if
// given, are shown in the status line.
func NewChatProgram(ctx context.Context, chat Chat, operatorEvents <-chan *events.Event) *ChatProgram {
	return &ChatProgram{model: initialModel(ctx, chat, operatorEvents)}
}

// Run starts the TUI and blocks until the user quits or ctx is cancelled
func (p *ChatProgram) Run(ctx context.Context) error {
	program := tea.NewProgram(p.model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

type chatModel struct {
	ctx    context.Context
	chat   Chat
	events <-chan *events.Event

	input       textinput.Model
	contentView viewport.Model

	waiting bool
	status  string
	err     error

	width  int
	height int
}

func initialModel(ctx context.Context, chat Chat, operatorEvents <-chan *events.Event) chatModel {
	input := textinput.New()
	input.Focus()
	input.CharLimit = inputCharLimit
	input.Width = defaultWidth - 3
	input.Prompt = ""

	m := chatModel{
		ctx:         ctx,
		chat:        chat,
		events:      operatorEvents,
		input:       input,
		contentView: viewport.New(defaultWidth, defaultHeight-chromeHeightReserve),
		width:       defaultWidth,
		height:      defaultHeight,
	}
	m.refreshContent()
	return m
}

// Message type definitions
type (
	roundMsg struct {
		round session.Round
		err   error
	}
	selectMsg struct {
		failures []session.Failure
		err      error
	}
	resetMsg    struct{ err error }
	operatorMsg struct{ event *events.Event }
)

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.events))
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		cmd, handled := m.handleKeyPress(msg)
		if cmd != nil {
			cmds = append(cmds, cmd)
		}
		if handled {
			return m, tea.Batch(cmds...)
		}

	case tea.WindowSizeMsg:
		m.handleWindowResize(msg)

	case roundMsg:
		m.waiting = false
		m.err = msg.err
		if msg.err == nil && len(msg.round.Failures) > 0 {
			m.status = describeFailure(msg.round.Failures[len(msg.round.Failures)-1])
		}
		m.refreshContent()

	case selectMsg:
		m.waiting = false
		m.err = msg.err
		if len(msg.failures) > 0 {
			m.status = describeFailure(msg.failures[0])
		}
		m.refreshContent()

	case resetMsg:
		m.waiting = false
		m.err = msg.err
		m.refreshContent()

	case operatorMsg:
		if msg.event == nil {
			m.events = nil
			break
		}
		m.status = fmt.Sprintf("%v: %s", msg.event.Data["kind"], msg.event.Message())
		cmds = append(cmds, waitForEvent(m.events))
	}

	if !m.waiting {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// handleKeyPress returns the command for msg and whether the key was consumed
func (m *chatModel) handleKeyPress(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return tea.Quit, true

	case tea.KeyTab:
		if m.waiting {
			return nil, true
		}
		return m.selectPersona(m.nextPersona()), true

	case tea.KeyEnter:
		if m.waiting {
			return nil, true
		}
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return nil, true
		}
		m.input.Reset()
		return m.runInput(text), true

	case tea.KeyUp:
		m.contentView.LineUp(1)
	case tea.KeyDown:
		m.contentView.LineDown(1)
	case tea.KeyPgUp:
		m.contentView.ViewUp()
	case tea.KeyPgDown:
		m.contentView.ViewDown()
	}
	return nil, false
}

// runInput dispatches slash commands or submits a question
func (m *chatModel) runInput(text string) tea.Cmd {
	switch {
	case text == "/clear":
		key := m.chat.Active().Key
		m.waiting = true
		return func() tea.Msg {
			return resetMsg{err: m.chat.Reset(m.ctx, key)}
		}
	case strings.HasPrefix(text, "/persona "):
		return m.selectPersona(strings.TrimSpace(strings.TrimPrefix(text, "/persona ")))
	}

	m.waiting = true
	m.err = nil
	m.refreshContent()
	return func() tea.Msg {
		round, err := m.chat.Submit(m.ctx, text)
		return roundMsg{round: round, err: err}
	}
}

func (m *chatModel) selectPersona(key string) tea.Cmd {
	m.waiting = true
	return func() tea.Msg {
		failures, err := m.chat.Select(m.ctx, key)
		return selectMsg{failures: failures, err: err}
	}
}

func (m *chatModel) nextPersona() string {
	personas := m.chat.Personas()
	active := m.chat.Active().Key
	for i, p := range personas {
		if p.Key == active {
			return personas[(i+1)%len(personas)].Key
		}
	}
	return personas[0].Key
}

func waitForEvent(ch <-chan *events.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-ch
		if !ok {
			return operatorMsg{}
		}
		return operatorMsg{event: event}
	}
}

func describeFailure(f session.Failure) string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (m *chatModel) handleWindowResize(msg tea.WindowSizeMsg) {
	m.width = msg.Width
	m.height = msg.Height

	contentHeight := msg.Height - chromeHeightReserve
	if contentHeight < minContentHeight {
		contentHeight = minContentHeight
	}

	m.contentView.Width = msg.Width
	m.contentView.Height = contentHeight
	m.input.Width = msg.Width - 3
	m.refreshContent()
}

// renderTranscript renders the active persona's turns with speaker labels.
// Text is wrapped before styling so escape sequences never count as width.
func (m *chatModel) renderTranscript() string {
	active := m.chat.Active()
	var sb strings.Builder
	line := func(style lipgloss.Style, text string) {
		sb.WriteString(style.Render(m.wrap(text)))
		sb.WriteString("\n")
	}

	for _, turn := range m.chat.Transcript(active.Key) {
		if turn.Role == types.ConversationRoleUser {
			line(boldStyle, "You:")
		} else {
			line(accentStyle, active.DisplayName+":")
		}
		sb.WriteString(m.wrap(turn.Content))
		sb.WriteString("\n\n")
	}
	if m.waiting {
		line(dimStyle, active.DisplayName+" is typing...")
	}
	if m.err != nil {
		line(errorStyle, fmt.Sprintf("Error: %v", m.err))
	}
	return sb.String()
}

func (m *chatModel) wrap(text string) string {
	if m.width <= 0 {
		return text
	}
	return wrapText(text, m.width)
}

func (m *chatModel) refreshContent() {
	m.contentView.SetContent(m.renderTranscript())
	m.contentView.GotoBottom()
}

// wrapText wraps each line to maxWidth display cells, counting wide runes
func wrapText(text string, maxWidth int) string {
	if maxWidth <= 10 {
		return text
	}

	lines := strings.Split(text, "\n")
	var result strings.Builder
	for i, line := range lines {
		if i > 0 {
			result.WriteString("\n")
		}
		result.WriteString(wrapLine(line, maxWidth))
	}
	return result.String()
}

func wrapLine(line string, maxWidth int) string {
	if runewidth.StringWidth(line) <= maxWidth {
		return line
	}

	var result, current strings.Builder
	width := 0
	for _, r := range line {
		w := runewidth.RuneWidth(r)
		if width+w > maxWidth && width > 0 {
			result.WriteString(current.String())
			result.WriteString("\n")
			current.Reset()
			width = 0
		}
		current.WriteRune(r)
		width += w
	}
	result.WriteString(current.String())
	return result.String()
}

func (m chatModel) View() string {
	active := m.chat.Active()

	header := titleStyle.Render(fmt.Sprintf("Legendary Wisdom | Inspired by %s.", active.DisplayName))
	if active.Avatar != "" {
		header += dimStyle.Render("  [" + active.Avatar + "]")
	}

	label := dimStyle.Render(fmt.Sprintf("I am %s, Ask me anything", active.DisplayName))

	var inputView string
	if m.waiting {
		inputView = dimStyle.Render("> waiting for reply...")
	} else {
		inputView = promptStyle.Render("> ") + m.input.View()
	}

	status := ""
	if m.status != "" {
		status = errorStyle.Render(m.status)
	}

	help := dimStyle.Render("Enter send • Tab next persona • /persona <name> • /clear • ↑↓ scroll • Esc quit")

	return lipgloss.JoinVertical(lipgloss.Left,
		header, "", m.contentView.View(), "", label, inputView, status, help)
}
