// Package slashcmd implements the Slash-Command Dispatcher (§4.I): it
// recognizes the fixed CLI surface named in spec.md §6 and executes it
// before any line reaches the Turn Controller's model dispatch.
//
// Grounded on _examples/original_source/src/ai_shell/app.py's
// _handle_input/_handle_conversation_commands/_handle_model_commands
// cascade: the command table, the "!" direct-execution prefix, and every
// command's behavior are ported from there, rebuilt as Go's idiomatic
// lookup-table-plus-handler-func dispatch (design note 1) instead of the
// original's chain of string comparisons.
package slashcmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/igoryan-dao/shellmate/internal/config"
	"github.com/igoryan-dao/shellmate/internal/protocol"
	"github.com/igoryan-dao/shellmate/internal/ptyexec"
	"github.com/igoryan-dao/shellmate/internal/store"
	"github.com/igoryan-dao/shellmate/internal/turn"
)

// newSessionID names a fresh session the same way the Conversation Store
// does (_examples/original_source/src/conversation_manager.py's
// _generate_session_id), so IDs from both sources share one format.
func newSessionID() string {
	return "session_" + uuid.NewString()
}

// Outcome tells the caller (the REPL/TUI loop) what happened after
// Dispatch, so it can decide whether to still hand the line to the model.
type Outcome int

const (
	// NotHandled means line was not a recognized slash-command or "!"
	// prefix; the caller should proceed to ReadInput.
	NotHandled Outcome = iota
	// Handled means the command ran to completion; feedback (if any) was
	// already surfaced through UI. The caller should not call ReadInput.
	Handled
	// Exit means the user asked to quit; the session has already been
	// persisted via Store.SaveAndExit.
	Exit
)

// UI is the narrow rendering capability the dispatcher needs beyond
// turn.UI's model-facing methods — slash-command output is informational
// and never re-enters the session, so it is shown, not injected.
type UI interface {
	ShowSystemMessage(text string)
	Warn(message string)
}

// Dispatcher recognizes and executes spec.md §6's CLI surface.
//
// It shares the *turn.Controller and *config.Store instances the rest of
// the application uses; it owns no session state of its own.
type Dispatcher struct {
	ctrl    *turn.Controller
	cfg     *config.Store
	store   *store.Store
	pty     *ptyexec.Executor
	ui      UI
	cwd     func() string
	onSwitchMode func(aiMode bool)
}

// New builds a Dispatcher. onSwitchMode is called with true/false when the
// user runs /ai or /dr, letting the caller flip its own REPL mode flag
// (spec.md names "direct mode" as existing but out of scope for the Turn
// Controller itself — it is a plain passthrough to the PTY executor).
func New(ctrl *turn.Controller, cfg *config.Store, st *store.Store, pty *ptyexec.Executor, ui UI, cwd func() string, onSwitchMode func(aiMode bool)) *Dispatcher {
	return &Dispatcher{ctrl: ctrl, cfg: cfg, store: st, pty: pty, ui: ui, cwd: cwd, onSwitchMode: onSwitchMode}
}

// Dispatch inspects line and, if it names a recognized command, executes
// it and returns Handled or Exit. Returns NotHandled for anything else,
// including a blank line.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) Outcome {
	if line == "" {
		return NotHandled
	}
	lower := strings.ToLower(strings.TrimSpace(line))

	switch lower {
	case "/exit", "exit", "quit", ";q", ":q", "/q":
		if err := d.store.SaveAndExit(d.ctrl.Session); err != nil {
			d.ui.Warn(fmt.Sprintf("failed to save session on exit: %v", err))
		}
		return Exit
	case "/clear", "/new", "/reset", "/c", "clear":
		d.handleClear()
		return Handled
	case "/p", "/payload":
		d.showPayload()
		return Handled
	case "/help", "/h", "help":
		d.ui.ShowSystemMessage(helpText)
		return Handled
	case "/recent", "/r":
		d.listRecent()
		return Handled
	case "/archive":
		d.handleArchive()
		return Handled
	case "/status":
		d.showStatus()
		return Handled
	case "/models", "/model", "/m":
		d.listModels()
		return Handled
	case "/ai":
		if d.onSwitchMode != nil {
			d.onSwitchMode(true)
		}
		return Handled
	case "/dr":
		if d.onSwitchMode != nil {
			d.onSwitchMode(false)
		}
		return Handled
	case "/inc":
		d.toggleIncognito()
		return Handled
	case "/compact":
		d.compactPayload()
		return Handled
	case "/resetconfig":
		d.resetConfig()
		return Handled
	case "/save":
		d.save("")
		return Handled
	case "/load":
		d.load("")
		return Handled
	}

	switch {
	case strings.HasPrefix(line, "!"):
		d.runDirect(ctx, strings.TrimSpace(line[1:]))
		return Handled
	case strings.HasPrefix(lower, "/save "):
		d.save(strings.TrimSpace(line[len("/save "):]))
		return Handled
	case strings.HasPrefix(lower, "/load "):
		d.load(strings.TrimSpace(line[len("/load "):]))
		return Handled
	case strings.HasPrefix(lower, "/conversations"), strings.HasPrefix(lower, "/conversation"), strings.HasPrefix(lower, "/cv"):
		d.handleConversations(line)
		return Handled
	case strings.HasPrefix(lower, "/delete "):
		d.delete(strings.TrimSpace(line[len("/delete "):]))
		return Handled
	case strings.HasPrefix(lower, "/model "):
		d.switchModel(strings.TrimSpace(line[len("/model "):]))
		return Handled
	case strings.HasPrefix(lower, "/diff "):
		d.showDiff(strings.TrimSpace(line[len("/diff "):]))
		return Handled
	}

	return NotHandled
}

// showDiff renders a colored inline diff between a distilled, pruned or
// truncated message's current content and the original it was compacted
// from, so a user auditing /p's output can see exactly what compaction
// discarded without having to untruncate it first. /compact keeps no
// original, so messages it shortened have nothing to diff.
func (d *Dispatcher) showDiff(idStr string) {
	id, err := strconv.Atoi(idStr)
	if err != nil {
		d.ui.Warn(fmt.Sprintf("usage: /diff <message id>, got %q", idStr))
		return
	}

	for _, msg := range d.ctrl.Session.Messages {
		if msg.MsgID != id {
			continue
		}
		if msg.OriginalContent == "" {
			d.ui.Warn(fmt.Sprintf("message #%d has not been compacted, nothing to diff", id))
			return
		}
		dmp := diffmatchpatch.New()
		diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(msg.OriginalContent, msg.Content, false))
		d.ui.ShowSystemMessage(fmt.Sprintf("Diff for message #%d (original -> current):\n%s", id, dmp.DiffPrettyText(diffs)))
		return
	}
	d.ui.Warn(fmt.Sprintf("no message with id %d in this conversation", id))
}

func (d *Dispatcher) handleClear() {
	fresh := protocol.NewSession(newSessionID(), d.cwd())
	cur := d.ctrl.Session
	d.ctrl.ReplaceSession(fresh)
	if len(cur.Messages) > 0 {
		if err := d.store.SaveAndExit(cur); err != nil {
			d.ui.Warn(fmt.Sprintf("failed to archive previous session: %v", err))
		}
	}
	d.ui.ShowSystemMessage("Conversation cleared.")
}

func (d *Dispatcher) showPayload() {
	var b strings.Builder
	b.WriteString("Current conversation payload:\n")
	for i, msg := range d.ctrl.Session.Messages {
		idStr := ""
		if msg.Prunable() {
			idStr = fmt.Sprintf(" (ctx #%d)", msg.MsgID)
		}
		stateStr := ""
		if msg.State != "" && msg.State != protocol.StateNormal {
			stateStr = fmt.Sprintf(" [%s]", msg.State)
		}
		content := msg.Content
		truncateLength := d.cfg.Get().Settings.PayloadTruncateLength
		if truncateLength <= 0 {
			truncateLength = 500
		}
		if len(content) > truncateLength {
			content = content[:truncateLength] + "... [truncated]"
		}
		fmt.Fprintf(&b, "\n[%d]%s%s %s:\n%s\n", i+1, idStr, stateStr, strings.ToUpper(msg.Role), content)
	}
	stats := d.ctrl.Stats()
	fmt.Fprintf(&b, "\nTotal messages: %d | Estimated tokens: ~%d\n", stats.MessageCount, stats.TotalTokens)
	d.ui.ShowSystemMessage(b.String())
}

func (d *Dispatcher) showStatus() {
	s := d.ctrl.Session
	stats := d.ctrl.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation status:\n")
	fmt.Fprintf(&b, "Session ID: %s\n", s.ID)
	fmt.Fprintf(&b, "Started: %s\n", s.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Messages: %d\n", stats.MessageCount)
	fmt.Fprintf(&b, "Interactions: %d\n", s.InteractionCount)
	fmt.Fprintf(&b, "Status: %s\n", s.Status)
	fmt.Fprintf(&b, "Model: %s\n", d.cfg.Get().Models.ResponseModel)
	fmt.Fprintf(&b, "CWD: %s\n", s.CWD)
	fmt.Fprintf(&b, "Auto-approve: %t\n", s.AutoApprove)
	if s.OriginalRequest != "" {
		fmt.Fprintf(&b, "Original request: %s\n", s.OriginalRequest)
	}
	fmt.Fprintf(&b, "\nContext stats:\n")
	fmt.Fprintf(&b, "Estimated tokens: ~%d\n", stats.TotalTokens)
	fmt.Fprintf(&b, "Prunable: %d | Pruned: %d | Distilled: %d\n", stats.Prunable, stats.Pruned, stats.Distilled)
	d.ui.ShowSystemMessage(b.String())
}

func (d *Dispatcher) listModels() {
	cfg := d.cfg.Get()
	var b strings.Builder
	b.WriteString("Available models:\n")
	for alias, m := range cfg.Models.Available {
		marker := "  "
		if alias == cfg.Models.ResponseModel {
			marker = "* "
		}
		fmt.Fprintf(&b, "%s%s (%s) -> %s\n", marker, alias, m.DisplayName, m.Name)
	}
	d.ui.ShowSystemMessage(b.String())
}

func (d *Dispatcher) switchModel(alias string) {
	cfg := d.cfg.Get()
	m, ok := cfg.Models.Available[alias]
	if !ok {
		d.ui.Warn(fmt.Sprintf("unknown model alias %q", alias))
		return
	}
	if err := d.cfg.Update(func(c *config.Config) { c.Models.ResponseModel = alias }); err != nil {
		d.ui.Warn(fmt.Sprintf("failed to persist model selection: %v", err))
	}
	d.ctrl.Chat().Remote.Model = m.Name
	d.ui.ShowSystemMessage(fmt.Sprintf("Switched to model %s (%s).", alias, m.DisplayName))
}

func (d *Dispatcher) toggleIncognito() {
	cfg := d.cfg.Get()
	if !cfg.Incognito.Enabled {
		d.ui.Warn("incognito mode is disabled in configuration")
		return
	}
	next := !d.ctrl.Incognito()
	d.ctrl.SetIncognito(next)
	if next {
		d.ui.ShowSystemMessage(fmt.Sprintf("Incognito mode ON — using %s. Conversations will not be saved.", cfg.Incognito.Model.DisplayName))
	} else {
		d.ui.ShowSystemMessage("Incognito mode OFF.")
	}
}

func (d *Dispatcher) compactPayload() {
	if len(d.ctrl.Session.Messages) == 0 {
		d.ui.Warn("no payload to compact")
		return
	}
	n := d.ctrl.CompactPayload(d.cfg.Get().Settings.PayloadTruncateLength)
	if n == 0 {
		d.ui.ShowSystemMessage("No command output messages found to compact.")
		return
	}
	d.ui.ShowSystemMessage(fmt.Sprintf("Compacted %d command output messages in payload.", n))
}

func (d *Dispatcher) resetConfig() {
	fresh := config.Default()
	if err := d.cfg.Update(func(c *config.Config) { *c = *fresh }); err != nil {
		d.ui.Warn(fmt.Sprintf("failed to reset configuration: %v", err))
		return
	}
	d.ui.ShowSystemMessage("Configuration reset to defaults. Restart to pick up endpoint/model changes.")
}

func (d *Dispatcher) save(name string) {
	saved, err := d.store.SaveConversation(d.ctrl.Session, name, false)
	if err != nil {
		d.ui.Warn(err.Error())
		return
	}
	d.ui.ShowSystemMessage(fmt.Sprintf("Conversation saved as %q.", saved))
}

func (d *Dispatcher) load(arg string) {
	var loaded *protocol.Session
	var err error

	switch {
	case arg == "":
		d.ui.Warn("usage: /load <name|index>")
		return
	case isDigits(arg):
		index, _ := strconv.Atoi(arg)
		loaded, err = d.store.LoadRecentByIndex(d.ctrl.Session, index)
	default:
		loaded, err = d.store.LoadConversation(d.ctrl.Session, arg)
	}
	if err != nil {
		d.ui.Warn(err.Error())
		return
	}
	d.ctrl.ReplaceSession(loaded)
	d.ui.ShowSystemMessage(fmt.Sprintf("Loaded conversation %q (%d messages).", loaded.ID, len(loaded.Messages)))
}

func (d *Dispatcher) handleConversations(line string) {
	parts := strings.Fields(line)
	if len(parts) >= 2 && parts[1] == "-r" {
		name := ""
		if len(parts) > 2 {
			name = parts[2]
		}
		if name == "" {
			d.ui.Warn("usage: /conversations -r <name>")
			return
		}
		d.delete(name)
		return
	}

	d.listRecent()
	d.ui.ShowSystemMessage("")
	saved, err := d.store.ListSaved()
	if err != nil {
		d.ui.Warn(fmt.Sprintf("failed to list saved conversations: %v", err))
		return
	}
	d.ui.ShowSystemMessage(formatConversationList("Saved conversations:", saved))
}

func (d *Dispatcher) listRecent() {
	recents, err := d.store.ListRecent()
	if err != nil {
		d.ui.Warn(fmt.Sprintf("failed to list recent conversations: %v", err))
		return
	}
	d.ui.ShowSystemMessage(formatConversationList("Recent conversations:", recents))
}

func (d *Dispatcher) handleArchive() {
	cur := d.ctrl.Session
	fresh, err := d.store.ArchiveConversation(cur, d.cwd())
	if err != nil {
		d.ui.Warn(err.Error())
		return
	}
	d.ctrl.ReplaceSession(fresh)
	d.ui.ShowSystemMessage("Conversation archived.")
}

func (d *Dispatcher) delete(name string) {
	if name == "" {
		d.ui.Warn("usage: /delete <name>")
		return
	}
	if err := d.store.DeleteConversation(name); err != nil {
		d.ui.Warn(err.Error())
		return
	}
	d.ui.ShowSystemMessage(fmt.Sprintf("Deleted conversation %q.", name))
}

func (d *Dispatcher) runDirect(ctx context.Context, command string) {
	if command == "" {
		return
	}
	result, err := d.pty.Run(ctx, command, d.ctrl.Session.CWD)
	if err != nil {
		d.ui.Warn(fmt.Sprintf("command failed to start: %v", err))
		return
	}
	if result.NewCWD != "" {
		d.ctrl.Session.CWD = result.NewCWD
	}
	d.ui.ShowSystemMessage(result.Output)
	if !result.Success {
		d.ui.Warn("command failed")
	}
}

func formatConversationList(header string, items []store.ConversationSummary) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	if len(items) == 0 {
		b.WriteString("  (none)\n")
		return b.String()
	}
	for i, it := range items {
		fmt.Fprintf(&b, "  %d. %s — %s (%d messages, %s)\n", i+1, it.Name, it.Summary, it.MessageCount, it.LastActivity.Format("2006-01-02 15:04"))
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

const helpText = `shellmate — agentic terminal shell

How to use:
  Type a natural-language request; the assistant will plan and run shell
  commands on your behalf, confirming anything not on the safe list.

Commands:
  /help, /h                 show this help
  /clear, /new, /reset, /c  start a fresh conversation (moves the current one to recent)
  /p, /payload               show the raw conversation payload
  /diff <id>                   show what a compacted message looked like before compaction
  /save [name]                save the current conversation
  /load <name|index>         load a saved or recent conversation
  /conversations, /cv [-r <name>]  list saved/recent conversations, or delete one
  /recent, /r                list recent conversations
  /archive                    archive the current conversation and start fresh
  /delete <name>              delete a saved conversation
  /status                     show session and context stats
  /models, /m                 list available model aliases
  /model <alias>               switch the active model
  /ai / /dr                   switch between agentic and direct command mode
  /inc                         toggle incognito mode
  /compact                    shrink large command outputs in the payload
  /resetconfig                 reset configuration to defaults
  /exit, /q, exit, quit        save and exit
  !<command>                   run <command> directly, bypassing the model
`
