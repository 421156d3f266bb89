package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
)

// Turn is the subset of *turn.Controller the UI needs to drive one
// request/response cycle. Defined here (rather than importing
// *turn.Controller directly) so this package's only compile-time
// dependency on internal/turn is the Confirmation/UI types already used
// by Adapter.
type Turn interface {
	ReadInput(ctx context.Context, input string) error
}

// ErrExit is the sentinel a Turn's ReadInput returns to ask Run to quit the
// program (the slash-command dispatcher returns it for /exit and friends,
// after its own persistence side effects already ran).
var ErrExit = errors.New("tui: exit requested")

// Run starts the bubbletea program and blocks until the user quits. build
// receives the Adapter (itself a turn.UI) so the caller can construct its
// Turn Controller bound to this program before any input arrives; Run then
// wires every submitted line to the resulting Turn's ReadInput. It returns
// the error (if any) ReadInput last reported, except ErrExit which ends the
// program cleanly and is not propagated; submission errors are also shown
// in the UI as warnings so the session can continue.
func Run(ctx context.Context, build func(ui *Adapter) Turn) error {
	var program *tea.Program
	var ctrl Turn
	var lastErr error

	model := New(func(line string) {
		switch err := ctrl.ReadInput(ctx, line); {
		case errors.Is(err, ErrExit):
			program.Send(doneMsg{})
			program.Quit()
			return
		case err != nil:
			lastErr = err
			program.Send(warnMsg{text: err.Error()})
		}
		program.Send(doneMsg{})
	})

	program = tea.NewProgram(model, tea.WithAltScreen())
	ctrl = build(NewAdapter(program))

	if _, err := program.Run(); err != nil {
		return err
	}
	return lastErr
}
