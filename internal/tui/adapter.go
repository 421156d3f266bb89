package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/igoryan-dao/shellmate/internal/chat"
	"github.com/igoryan-dao/shellmate/internal/turn"
)

// Adapter implements turn.UI by forwarding every call to a running
// *tea.Program as a tea.Msg, and blocking on a response channel for the
// calls that need one. It is the composition boundary between the
// rendering package and the Turn Controller (design note 3).
type Adapter struct {
	program *tea.Program
}

// NewAdapter returns an Adapter bound to program. The program must already
// be running (or about to run) its Model from this package.
func NewAdapter(program *tea.Program) *Adapter {
	return &Adapter{program: program}
}

func (a *Adapter) ShowAssistantText(text string) {
	a.program.Send(assistantTextMsg{text: text})
}

func (a *Adapter) ShowSystemMessage(text string) {
	a.program.Send(systemMsg{text: text})
}

func (a *Adapter) Warn(message string) {
	a.program.Send(warnMsg{text: message})
}

func (a *Adapter) StreamChunk(chunk chat.StreamChunk) {
	if chunk.Delta != "" {
		a.program.Send(streamMsg{delta: chunk.Delta})
	}
	if chunk.ReasoningDelta != "" {
		a.program.Send(streamMsg{delta: chunk.ReasoningDelta, reasoning: true})
	}
}

func (a *Adapter) Confirm(command string) turn.Confirmation {
	resp := make(chan turn.Confirmation, 1)
	a.program.Send(confirmRequestMsg{command: command, resp: resp})
	return <-resp
}

func (a *Adapter) AskDeclineReason() string {
	resp := make(chan string, 1)
	a.program.Send(declineReasonRequestMsg{resp: resp})
	return <-resp
}

func (a *Adapter) AskContinueAfterRetries() bool {
	resp := make(chan bool, 1)
	a.program.Send(continueRetriesRequestMsg{resp: resp})
	return <-resp
}

// Suspend releases the alt-screen so a PTY child owns the terminal for the
// duration of command execution (spec.md §4.A), returning a function that
// restores the program's rendering.
func (a *Adapter) Suspend() (resume func()) {
	a.program.ReleaseTerminal()
	return func() {
		a.program.RestoreTerminal()
	}
}

// Done signals that the background turn has returned control to ReadInput,
// re-enabling input.
func (a *Adapter) Done() {
	a.program.Send(doneMsg{})
}
