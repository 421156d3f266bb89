package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/muesli/termenv"

	"github.com/igoryan-dao/shellmate/internal/turn"
)

// pendingKind names what kind of answer the background turn is waiting on.
type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingConfirm
	pendingDeclineReason
	pendingContinueRetries
)

// Model is the bubbletea program driving the interactive session. The Turn
// Controller runs on a separate goroutine (see Adapter) and talks to this
// Model exclusively through tea.Msg values sent via (*tea.Program).Send, the
// same pattern the teacher's internal/tui/model.go uses for its
// LogMsg/StreamMsg/AskUserMsg channel handshake.
type Model struct {
	viewport viewport.Model
	textarea textarea.Model
	spin     spinner.Model
	renderer *glamour.TermRenderer

	history []string
	width   int
	height  int

	busy           bool
	pending        pendingKind
	pendingCommand string
	confirmResp    chan turn.Confirmation
	declineResp    chan string
	retryResp      chan bool

	onSubmit func(line string)
	quitting bool
}

// New builds a fresh Model. onSubmit is invoked on its own goroutine, off
// the bubbletea update loop, whenever the user submits a non-empty line
// while nothing is pending and the model is idle.
func New(onSubmit func(line string)) Model {
	ta := textarea.New()
	ta.Placeholder = "Ask for something, or !run a command directly..."
	ta.Focus()
	ta.ShowLineNumbers = false
	ta.SetHeight(1)

	vp := viewport.New(80, 20)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithColorProfile(termenv.ANSI),
	)

	return Model{
		viewport: vp,
		textarea: ta,
		spin:     sp,
		renderer: renderer,
		onSubmit: onSubmit,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spin.Tick)
}

func (m *Model) appendLine(style interface{ Render(...string) string }, prefix, text string) {
	rendered := text
	if m.renderer != nil {
		if out, err := m.renderer.Render(text); err == nil {
			rendered = strings.TrimRight(out, "\n")
		}
	}
	m.history = append(m.history, style.Render(prefix)+rendered)
	m.viewport.SetContent(strings.Join(m.history, "\n\n"))
	m.viewport.GotoBottom()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 4
		m.textarea.SetWidth(msg.Width - 2)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)

	case streamMsg:
		// Live deltas are not persisted into history; the final
		// assistantTextMsg carries the complete, renderable reply.

	case assistantTextMsg:
		m.busy = false
		m.appendLine(assistantStyle, "assistant> ", msg.text)

	case systemMsg:
		m.appendLine(systemStyle, "system> ", msg.text)

	case warnMsg:
		m.appendLine(warnStyle, "warn> ", msg.text)

	case doneMsg:
		m.busy = false

	case confirmRequestMsg:
		m.pending = pendingConfirm
		m.pendingCommand = msg.command
		m.confirmResp = msg.resp

	case declineReasonRequestMsg:
		m.pending = pendingDeclineReason
		m.declineResp = msg.resp

	case continueRetriesRequestMsg:
		m.pending = pendingContinueRetries
		m.retryResp = msg.resp

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			return m.handleEnter()
		}
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) handleEnter() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.textarea.Value())
	m.textarea.Reset()
	if line == "" {
		return m, nil
	}

	switch m.pending {
	case pendingConfirm:
		m.appendLine(userStyle, "> ", line)
		switch strings.ToLower(line) {
		case "a":
			m.confirmResp <- turn.ConfirmAlways
		case "n":
			m.confirmResp <- turn.ConfirmNo
		default:
			m.confirmResp <- turn.ConfirmYes
		}
		m.pending = pendingNone
		return m, nil

	case pendingDeclineReason:
		m.appendLine(userStyle, "> ", line)
		m.declineResp <- line
		m.pending = pendingNone
		return m, nil

	case pendingContinueRetries:
		m.appendLine(userStyle, "> ", line)
		m.retryResp <- strings.EqualFold(line, "y") || strings.EqualFold(line, "yes")
		m.pending = pendingNone
		return m, nil
	}

	if m.busy {
		return m, nil
	}

	m.appendLine(userStyle, "> ", line)
	m.busy = true
	if m.onSubmit != nil {
		go m.onSubmit(line)
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	status := "ready"
	if m.busy {
		status = m.spin.View() + " working"
	}
	switch m.pending {
	case pendingConfirm:
		status = fmt.Sprintf("run %q? [y/n/a]", m.pendingCommand)
	case pendingDeclineReason:
		status = "why did you decline? (reason for the model)"
	case pendingContinueRetries:
		status = "keep retrying? [y/n]"
	}

	bar := statusBarStyle.Render(status)
	input := boxStyle.Width(m.width - 2).Render(m.textarea.View())
	return m.viewport.View() + "\n" + bar + "\n" + input
}
