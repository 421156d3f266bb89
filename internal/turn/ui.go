package turn

import "github.com/igoryan-dao/shellmate/internal/chat"

// Confirmation is the user's answer to a non-safe command prompt.
type Confirmation int

const (
	ConfirmNo Confirmation = iota
	ConfirmYes
	ConfirmAlways
)

// UI is the narrow capability the Turn Controller needs from the terminal
// front end (spec.md names its rendering out of scope; this is the
// interface boundary design note 3 — "replace cross-manager references
// with narrow capability interfaces" — draws for that boundary).
type UI interface {
	// ShowAssistantText displays the model's final, tag-stripped text reply.
	ShowAssistantText(text string)
	// ShowSystemMessage displays an injected tool-result or corrective
	// message for the user's visibility (it is also appended to history).
	ShowSystemMessage(text string)
	// Confirm asks the user to approve running command, which the Safety
	// Classifier has determined is not auto-approvable.
	Confirm(command string) Confirmation
	// AskDeclineReason asks the user why they declined a command, so the
	// reason can be fed back to the model.
	AskDeclineReason() string
	// AskContinueAfterRetries asks whether to keep retrying once the
	// automatic retry budget is exhausted.
	AskContinueAfterRetries() bool
	// StreamChunk forwards one live content/reasoning delta to the terminal
	// while the model streams its reply.
	StreamChunk(chunk chat.StreamChunk)
	// Warn surfaces a non-fatal error (transport, persistence, context-op)
	// to the user without affecting the model's context.
	Warn(message string)
	// Suspend yields control of the terminal for the duration of a PTY
	// child process (spec.md §4.A: the command owns raw keystrokes and
	// output until it exits) and returns a function that restores the
	// caller's own rendering.
	Suspend() (resume func())
}
