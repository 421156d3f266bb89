// Package turn implements the Turn Controller (spec.md §4.E): the central
// state machine driving user input → model reply → tool dispatch → model
// reply until the model signals completion or a clarifying question.
//
// Grounded on _examples/original_source/src/ai_shell/app.py's main loop
// (_process_ai_response / its tag-handling branches) for the control flow,
// and on design note 1 ("tagged variant + dispatch table, no string
// re-matching beyond parsing") for the handler-table shape. The
// cross-manager reference cycle the Python original has (chat, context,
// conversation, and web-search managers each holding the others) is
// replaced per design note 3: Controller is the composition root and every
// collaborator is a narrow interface or a leaf package it calls directly.
package turn

import (
	"context"
	"fmt"
	"strings"

	"github.com/igoryan-dao/shellmate/internal/chat"
	context_manager "github.com/igoryan-dao/shellmate/internal/context"
	"github.com/igoryan-dao/shellmate/internal/notify"
	"github.com/igoryan-dao/shellmate/internal/parser"
	"github.com/igoryan-dao/shellmate/internal/protocol"
	"github.com/igoryan-dao/shellmate/internal/ptyexec"
	"github.com/igoryan-dao/shellmate/internal/safety"
	"github.com/igoryan-dao/shellmate/internal/websearch"
)

// Config carries the operator-tunable limits from the config's `settings`
// block (spec.md §6).
type Config struct {
	MaxRetries   int
	SafeCommands map[string]bool
	SystemPrompt string
}

// Controller is the sole in-memory owner of the active *protocol.Session
// (spec.md §3 "Ownership").
type Controller struct {
	Session *protocol.Session

	ctxMgr   *context_manager.Manager
	chat     *chat.Client
	pty      *ptyexec.Executor
	search   *websearch.Client
	notifier notify.Notifier
	ui       UI

	cfg Config

	incognito      bool
	violationCount int
	retryCount     int
}

// New builds a Controller around an existing session and its collaborators.
// If session has no messages yet (a fresh session, as opposed to one
// resumed from disk), its first message is set to the system prompt, per
// spec.md §3 invariant 3.
func New(session *protocol.Session, ctxMgr *context_manager.Manager, chatClient *chat.Client, pty *ptyexec.Executor, search *websearch.Client, notifier notify.Notifier, ui UI, cfg Config) *Controller {
	if len(session.Messages) == 0 {
		session.Messages = append(session.Messages, protocol.Message{Role: protocol.RoleSystem, Content: cfg.SystemPrompt})
	}
	return &Controller{
		Session:  session,
		ctxMgr:   ctxMgr,
		chat:     chatClient,
		pty:      pty,
		search:   search,
		notifier: notifier,
		ui:       ui,
		cfg:      cfg,
	}
}

// SetIncognito switches the profile used for CallModel. Web-search calls
// keep the incognito setting their websearch.Client was built with; this
// call does not change it.
func (c *Controller) SetIncognito(incognito bool) { c.incognito = incognito }

// Incognito reports the profile currently in effect.
func (c *Controller) Incognito() bool { return c.incognito }

// Chat exposes the Chat Client so the slash-command dispatcher can switch
// the active response model alias (§4.I `/model`).
func (c *Controller) Chat() *chat.Client { return c.chat }

// TotalTokens estimates the full payload's token count the same way the
// model-facing prunable list does (§4.C).
func (c *Controller) TotalTokens() int {
	return c.ctxMgr.TotalTokens(c.Session.Messages)
}

// ReplaceSession swaps in a different session (a fresh one for /clear and
// /archive, or a loaded one for /load), restarting the context manager's id
// counter from whatever ids the incoming messages already carry and
// clearing loop-local counters. The caller is responsible for any
// persistence side effects (archiving the outgoing session, etc).
func (c *Controller) ReplaceSession(session *protocol.Session) {
	c.Session = session
	c.ctxMgr.Reset()
	c.ctxMgr.RestoreIDs(session.Messages)
	c.violationCount = 0
	c.retryCount = 0
}

// CompactPayload shortens the Output: section of every injected command
// result message still over compactLength characters, replacing the prior
// full body. Web-search results carry no Output: section and are left as
// they are. It mirrors app.py's `/compact`, trading the full output
// for a fixed-size head rather than the context manager's head+tail
// auto-truncate (a different, narrower compaction aimed at freeing context
// without losing the initial summary line a human skimming /payload wants).
// Returns the number of messages compacted.
func (c *Controller) CompactPayload(compactLength int) int {
	if compactLength <= 0 {
		compactLength = 500
	}
	compacted := 0
	for i := range c.Session.Messages {
		msg := &c.Session.Messages[i]
		if msg.Role != protocol.RoleUser || !strings.Contains(msg.Content, "SYSTEM MESSAGE:") {
			continue
		}
		shortened := compactOutputSection(msg.Content, compactLength)
		if len(shortened) < len(msg.Content) {
			msg.Content = shortened
			compacted++
		}
	}
	return compacted
}

// compactOutputSection truncates the "Output:\n..." section of a system
// message body to at most maxLength characters, preferring to cut on a line
// boundary past 70% of the budget. Ported from
// _examples/original_source/src/ai_shell/app.py's
// _truncate_system_message_outputs.
func compactOutputSection(content string, maxLength int) string {
	if content == "" || !strings.Contains(content, "Output:") {
		return content
	}

	lines := strings.Split(content, "\n")
	var result []string
	inOutput := false
	var output []string

	flush := func() {
		text := strings.Join(output, "\n")
		if len(text) > maxLength {
			cut := text[:maxLength]
			if last := strings.LastIndex(cut, "\n"); last > int(float64(maxLength)*0.7) {
				cut = text[:last]
			}
			cut += "\n... [truncated by /compact command]"
			result = append(result, cut)
		} else {
			result = append(result, output...)
		}
		output = nil
	}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "Output:"):
			inOutput = true
			output = []string{line}
		case inOutput && (strings.HasPrefix(line, "Success:") || strings.HasPrefix(line, "Command output:") || line == ""):
			flush()
			inOutput = false
			result = append(result, line)
		case inOutput:
			output = append(output, line)
		default:
			result = append(result, line)
		}
	}
	if inOutput && len(output) > 0 {
		flush()
	}
	return strings.Join(result, "\n")
}

// PayloadStats summarizes the current session for `/status` and `/payload`.
type PayloadStats struct {
	MessageCount int
	TotalTokens  int
	Prunable     int
	Pruned       int
	Distilled    int
}

// Stats computes PayloadStats over the current session.
func (c *Controller) Stats() PayloadStats {
	stats := PayloadStats{
		MessageCount: len(c.Session.Messages),
		TotalTokens:  c.TotalTokens(),
	}
	for _, msg := range c.Session.Messages {
		switch {
		case msg.State == protocol.StatePruned:
			stats.Pruned++
		case msg.State == protocol.StateDistilled:
			stats.Distilled++
		case msg.Prunable():
			stats.Prunable++
		}
	}
	return stats
}

// ReadInput is the entry point for one user-initiated task: it appends the
// user's message and drives turns until the model asks a question,
// declares completion, or the call chain is aborted by cancellation or a
// transport failure. It never panics on model or tool errors; every
// failure kind in spec.md §7's taxonomy is absorbed into the loop.
func (c *Controller) ReadInput(ctx context.Context, input string) error {
	userMsg := protocol.Message{Role: protocol.RoleUser, Content: input}
	c.Session.Append(userMsg)
	if c.Session.OriginalRequest == "" {
		c.Session.OriginalRequest = input
	}

	return c.callModelLoop(ctx)
}

// callModelLoop repeatedly calls the model and dispatches whatever it asks
// for until control must return to ReadInput.
func (c *Controller) callModelLoop(ctx context.Context) error {
	for {
		reply, streamed, err := c.callModel(ctx)
		if err != nil {
			c.ui.Warn(fmt.Sprintf("model request failed: %v", err))
			return nil
		}
		if !streamed {
			// Cancelled or empty reply: spec.md §4.B/§5 — abort the turn
			// quietly, discard nothing (nothing was appended), return to
			// ReadInput.
			return nil
		}

		assistantMsg := protocol.Message{Role: protocol.RoleAssistant, Content: reply.Content, ReasoningContent: reply.Reasoning}
		c.Session.Append(assistantMsg)

		result, perr := parser.Parse(reply.Content)
		if perr != nil {
			c.injectSystemMessage(fmt.Sprintf("SYSTEM MESSAGE: could not parse your reply: %v. Please emit exactly one recognized tool block.", perr))
			continue
		}

		if result.BlockCount > 1 || result.UnknownKind != "" {
			c.violationCount++
			if c.violationCount >= 3 {
				c.resetToSystemPrompt()
				return nil
			}
			if result.UnknownKind != "" {
				c.injectSystemMessage(fmt.Sprintf("SYSTEM MESSAGE: %q is not a recognized tool block kind. Use one of command, websearch, context_distill, context_prune, or context_untruncate.", result.UnknownKind))
			} else {
				c.injectSystemMessage("SYSTEM MESSAGE: your reply must contain exactly one tool block (command, websearch, context_distill, context_prune, or context_untruncate). Please try again with a single block.")
			}
			continue
		}
		c.violationCount = 0

		if result.Block == nil {
			done, err := c.handleTextOnly(result)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}

		done, err := c.dispatchTool(ctx, result.Block)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// callModel streams one completion for the current session. A transport
// error is returned as err for the caller to surface; streamed=false with a
// nil error means the reply was empty (e.g. cancellation) and the caller
// should end the turn.
func (c *Controller) callModel(ctx context.Context) (chat.Reply, bool, error) {
	base := c.cfg.SystemPrompt
	rest := c.Session.Messages
	if len(rest) > 0 && rest[0].Role == protocol.RoleSystem {
		base = rest[0].Content
		rest = rest[1:]
	}
	// The prunable list is appended to a copy of the system prompt at call
	// time (spec.md §4.C) — the stored system message itself is untouched.
	systemPrompt := base
	if list := c.ctxMgr.BuildPrunableList(c.Session.Messages); list != "" {
		systemPrompt = base + "\n\n" + list
	}
	apiMessages := context_manager.PrepareForAPI(rest)

	reply, err := c.chat.StreamReply(ctx, apiMessages, systemPrompt, c.incognito, func(chunk chat.StreamChunk) error {
		c.ui.StreamChunk(chunk)
		return nil
	})
	if err != nil {
		return chat.Reply{}, false, err
	}
	if reply.Content == "" && reply.Reasoning == "" {
		return reply, false, nil
	}
	return reply, true, nil
}

// handleTextOnly processes a reply with no tool block, per spec.md §4.E's
// TextReply/Empty branches.
func (c *Controller) handleTextOnly(result parser.ParseResult) (done bool, err error) {
	c.ui.ShowAssistantText(result.Text)

	switch result.Completion {
	case parser.CompletionComplete:
		c.Session.OriginalRequest = ""
		c.Session.AutoApprove = false
		c.notifier.Notify("Task complete", result.Text)
		return true, nil
	case parser.CompletionQuestion:
		c.notifier.Notify("Question", result.Text)
		return true, nil
	default:
		if result.Text == "" {
			c.injectSystemMessage("SYSTEM MESSAGE: empty response received. Please provide a tool block or a [COMPLETE]/[QUESTION] tagged reply.")
		} else {
			c.injectSystemMessage("SYSTEM MESSAGE: task not yet complete. Continue with the next tool block, or tag your reply [COMPLETE] or [QUESTION].")
		}
		return false, nil
	}
}

// dispatchTool routes a parsed tool block to its handler (design note 1's
// tagged-variant dispatch table).
func (c *Controller) dispatchTool(ctx context.Context, block *parser.ToolBlock) (done bool, err error) {
	switch block.Kind {
	case parser.BlockCommand:
		return false, c.handleCommand(ctx, block.Body)
	case parser.BlockWebSearch:
		return false, c.handleWebSearch(ctx, block.Body)
	case parser.BlockContextDistill:
		return false, c.handleDistill(block.DistillID, block.DistillSummary)
	case parser.BlockContextPrune:
		return false, c.handlePrune(block.PruneIDs)
	case parser.BlockContextUntruncate:
		return false, c.handleUntruncate(block.UntruncateID)
	default:
		c.injectSystemMessage(fmt.Sprintf("SYSTEM MESSAGE: unknown tool block kind %q.", block.Kind))
		return false, nil
	}
}

// handleCommand implements the Command branch of §4.E's diagram: auto
// approve if safe, else prompt; run via the PTY executor; truncate and
// inject the result.
func (c *Controller) handleCommand(ctx context.Context, command string) error {
	approved := c.Session.AutoApprove || safety.IsSafe(command, c.cfg.SafeCommands)

	if !approved {
		switch c.ui.Confirm(command) {
		case ConfirmAlways:
			c.Session.AutoApprove = true
			approved = true
		case ConfirmYes:
			approved = true
		case ConfirmNo:
			reason := c.ui.AskDeclineReason()
			c.injectSystemMessage(fmt.Sprintf("SYSTEM MESSAGE: User declined to run the command: %s. Reason: %s", command, reason))
			return nil
		}
	}

	resume := c.ui.Suspend()
	result, err := c.pty.Run(ctx, command, c.Session.CWD)
	resume()
	if err != nil {
		c.injectSystemMessage(fmt.Sprintf("SYSTEM MESSAGE: Command executed: %s\nFailed to start: %v", command, err))
		return nil
	}
	if result.NewCWD != "" {
		c.Session.CWD = result.NewCWD
	}

	if !result.Success {
		c.retryCount++
		if c.retryCount >= c.cfg.MaxRetries {
			if !c.ui.AskContinueAfterRetries() {
				c.injectSystemMessage("SYSTEM MESSAGE: Retry budget exhausted. Please summarize what was accomplished and stop.")
				c.Session.OriginalRequest = ""
				c.Session.AutoApprove = false
				c.retryCount = 0
				return nil
			}
			c.retryCount = 0
		}
	} else {
		c.retryCount = 0
	}

	status := "succeeded"
	if !result.Success {
		status = "failed"
	}
	body := fmt.Sprintf("SYSTEM MESSAGE: Command executed: %s\nStatus: %s\nOutput:\n%s", command, status, result.Output)
	c.injectTruncatable(body)
	return nil
}

func (c *Controller) handleWebSearch(ctx context.Context, query string) error {
	result, err := c.search.Search(ctx, query)
	if err != nil {
		c.injectSystemMessage(fmt.Sprintf("SYSTEM MESSAGE: Web search failed for query: %s\nError: %v", query, err))
		return nil
	}
	body := fmt.Sprintf("SYSTEM MESSAGE: Web search executed for: %s\nResult:\n%s", query, result)
	c.injectTruncatable(body)
	return nil
}

func (c *Controller) handleDistill(id int, summary string) error {
	if summary == "" {
		c.injectSystemMessage("SYSTEM MESSAGE: Context management error: distill requires a non-empty summary.")
		return nil
	}
	if c.ctxMgr.Distill(c.Session.Messages, id, summary) {
		c.injectSystemMessage(fmt.Sprintf("SYSTEM MESSAGE: Context management: message #%d distilled.", id))
	} else {
		c.injectSystemMessage(fmt.Sprintf("SYSTEM MESSAGE: Context management error: could not distill message #%d (unknown id or already pruned).", id))
	}
	return nil
}

func (c *Controller) handlePrune(ids map[int]bool) error {
	pruned := c.ctxMgr.Prune(c.Session.Messages, ids)
	if len(pruned) == 0 {
		c.injectSystemMessage("SYSTEM MESSAGE: Context management error: no matching messages were pruned.")
		return nil
	}
	idList := make([]string, len(pruned))
	for i, id := range pruned {
		idList[i] = fmt.Sprintf("%d", id)
	}
	c.injectSystemMessage(fmt.Sprintf("SYSTEM MESSAGE: Context management: messages %s pruned.", strings.Join(idList, ", ")))
	return nil
}

func (c *Controller) handleUntruncate(id int) error {
	if c.ctxMgr.Untruncate(c.Session.Messages, id) {
		c.injectSystemMessage(fmt.Sprintf("SYSTEM MESSAGE: Context management: message #%d restored to its full content.", id))
	} else {
		c.injectSystemMessage(fmt.Sprintf("SYSTEM MESSAGE: Context management error: message #%d is not truncated.", id))
	}
	return nil
}

// injectSystemMessage appends a short tool-result/corrective message,
// assigning it a msg_id so it becomes part of the addressable,
// compactable context.
func (c *Controller) injectSystemMessage(body string) {
	c.ui.ShowSystemMessage(body)
	msg := protocol.Message{Role: protocol.RoleUser, Content: body}
	c.Session.Append(c.ctxMgr.Assign(msg, ""))
}

// injectTruncatable is injectSystemMessage plus automatic head-tail
// truncation of oversized tool output before the message is assigned an id
// (spec.md §4.E invariant 5).
func (c *Controller) injectTruncatable(body string) {
	visible, wasTruncated, original := context_manager.AutoTruncate(body, 0, 0, 0)

	c.ui.ShowSystemMessage(visible)
	msg := protocol.Message{Role: protocol.RoleUser, Content: visible}
	msg = c.ctxMgr.Assign(msg, "")
	if wasTruncated {
		msg.State = protocol.StateTruncated
		msg.OriginalContent = original
	}
	c.Session.Append(msg)
}

// resetToSystemPrompt clears the payload back to just the system prompt
// after three consecutive protocol violations (spec.md §4.E invariant 1).
func (c *Controller) resetToSystemPrompt() {
	systemPrompt := c.cfg.SystemPrompt
	if len(c.Session.Messages) > 0 && c.Session.Messages[0].Role == protocol.RoleSystem {
		systemPrompt = c.Session.Messages[0].Content
	}
	c.Session.Messages = []protocol.Message{{Role: protocol.RoleSystem, Content: systemPrompt}}
	c.ctxMgr.Reset()
	c.violationCount = 0
	c.Session.OriginalRequest = ""
	c.Session.AutoApprove = false
}
