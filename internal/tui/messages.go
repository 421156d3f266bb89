// Package tui is the interactive front end wired to the Turn Controller
// through the turn.UI boundary. spec.md treats terminal rendering as an
// external collaborator ("only their interfaces to the core are
// specified"); this package is that collaborator.
//
// Grounded on _examples/igoryanba-ricochet/core/internal/tui/model.go: the
// background-worker-talks-to-the-program-via-tea.Msg pattern (LogMsg,
// StreamMsg, AskUserMsg+RespChan) is carried over, simplified to the eight
// message kinds the Turn Controller's UI boundary actually needs.
package tui

import "github.com/igoryan-dao/shellmate/internal/turn"

// streamMsg carries one live content/reasoning delta from the Chat Client.
type streamMsg struct {
	delta     string
	reasoning bool
}

// assistantTextMsg is the model's final, tag-stripped text reply.
type assistantTextMsg struct {
	text string
}

// systemMsg is an injected tool-result or corrective message.
type systemMsg struct {
	text string
}

// warnMsg is a non-fatal error surfaced to the user only.
type warnMsg struct {
	text string
}

// doneMsg signals the background turn has returned control to ReadInput.
type doneMsg struct{}

// confirmRequestMsg asks the user to approve a non-safe command.
type confirmRequestMsg struct {
	command string
	resp    chan turn.Confirmation
}

// declineReasonRequestMsg asks why the user declined a command.
type declineReasonRequestMsg struct {
	resp chan string
}

// continueRetriesRequestMsg asks whether to keep retrying past the budget.
type continueRetriesRequestMsg struct {
	resp chan bool
}
