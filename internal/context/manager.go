// Package context_manager assigns stable identifiers to conversation
// messages, tracks their compaction state, and implements the model-facing
// context operations (distill, prune, untruncate) plus automatic head-tail
// truncation of oversized tool output.
//
// Grounded on _examples/original_source/src/ai_shell/context_manager.py;
// the label-extraction heuristics and the auto-truncate marker text mirror
// that implementation line for line.
package context_manager

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/igoryan-dao/shellmate/internal/protocol"
)

const (
	DefaultAutoTruncateThreshold = 10000
	DefaultTruncateHeadLines     = 50
	DefaultTruncateTailLines     = 50
)

// Manager assigns message IDs and performs context-compaction operations
// over a *protocol.Session's message slice. It never reorders or removes
// messages — compaction only rewrites Content, State and OriginalContent
// in place.
type Manager struct {
	nextID int
}

// NewManager returns a Manager whose ID counter starts at 1.
func NewManager() *Manager {
	return &Manager{nextID: 1}
}

// Reset restarts the ID counter, used when a session is cleared.
func (m *Manager) Reset() {
	m.nextID = 1
}

// RestoreIDs sets the next-id counter to one greater than the largest
// msg_id found in messages, so IDs stay monotonic across save/load.
func (m *Manager) RestoreIDs(messages []protocol.Message) {
	max := 0
	for _, msg := range messages {
		if msg.MsgID > max {
			max = msg.MsgID
		}
	}
	m.nextID = max + 1
}

// Assign allocates the next msg_id for msg and marks it normal/prunable. If
// label is empty, one is derived from msg.Content.
func (m *Manager) Assign(msg protocol.Message, label string) protocol.Message {
	msg.MsgID = m.nextID
	m.nextID++
	msg.State = protocol.StateNormal
	msg.OriginalContent = ""
	if label == "" {
		label = extractLabel(msg.Content)
	}
	msg.Label = label
	return msg
}

var (
	reCommandExecuted = regexp.MustCompile(`(?s)Command executed:\s*(.+?)(?:\n|$)`)
	reWebSearchExec   = regexp.MustCompile(`(?s)Web search executed for:\s*(.+?)(?:\n|$)`)
	reDeclined        = regexp.MustCompile(`(?s)User declined to run the command:\s*(.+?)(?:\n|$)`)
	reWebSearchFailed = regexp.MustCompile(`(?s)failed for query:\s*(.+?)(?:\n|$)`)
)

// extractLabel derives a short human-readable label from a SYSTEM MESSAGE
// body, mirroring context_manager.py's _extract_label pattern cascade.
func extractLabel(content string) string {
	if content == "" {
		return "System message"
	}

	if mch := reCommandExecuted.FindStringSubmatch(content); mch != nil {
		return "Command output: " + truncateLabel(strings.TrimSpace(mch[1]), 60)
	}
	if mch := reWebSearchExec.FindStringSubmatch(content); mch != nil {
		return "Web search: " + truncateLabel(strings.TrimSpace(mch[1]), 60)
	}
	if mch := reDeclined.FindStringSubmatch(content); mch != nil {
		return "User declined: " + truncateLabel(strings.TrimSpace(mch[1]), 50)
	}

	switch {
	case strings.Contains(content, "Task completed"):
		return "Task completion"
	case strings.Contains(content, "Task failed"), strings.Contains(content, "task status check failed"):
		return "Task failure"
	case strings.Contains(strings.ToLower(content), "empty response"):
		return "Empty response handling"
	case strings.Contains(strings.ToLower(content), "not yet complete"):
		return "Task continuation"
	case strings.Contains(strings.ToLower(content), "multiple") &&
		(strings.Contains(strings.ToLower(content), "commands") || strings.Contains(strings.ToLower(content), "actions")):
		return "Multiple actions error"
	case strings.Contains(content, "Web search failed"):
		if mch := reWebSearchFailed.FindStringSubmatch(content); mch != nil {
			return "Web search failed: " + truncateLabel(strings.TrimSpace(mch[1]), 50)
		}
		return "Web search failed"
	case strings.Contains(content, "Context management"):
		return "Context management confirmation"
	}

	preview := content
	if len(preview) > 50 {
		preview = preview[:50]
	}
	preview = strings.TrimSpace(strings.ReplaceAll(preview, "\n", " "))
	return "System message: " + preview
}

func truncateLabel(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// EstimateTokens is the deterministic cheap estimate spec.md mandates:
// character count divided by 4.
func (m *Manager) EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return len(content) / 4
}

// TotalTokens sums EstimateTokens across every message's content.
func (m *Manager) TotalTokens(messages []protocol.Message) int {
	total := 0
	for _, msg := range messages {
		total += m.EstimateTokens(msg.Content)
	}
	return total
}

// BuildPrunableList renders the <prunable-messages> block appended to a
// per-call copy of the system prompt, so the model can reason about which
// messages to compact.
func (m *Manager) BuildPrunableList(messages []protocol.Message) string {
	var lines []string
	for _, msg := range messages {
		if !msg.Prunable() || msg.State == protocol.StatePruned {
			continue
		}
		stateInfo := ""
		switch msg.State {
		case protocol.StateTruncated:
			stateInfo = " [truncated, can untruncate]"
		case protocol.StateDistilled:
			stateInfo = " [already distilled]"
		}
		tokens := m.EstimateTokens(msg.Content)
		lines = append(lines, fmt.Sprintf("%d: %s%s (~%d tokens)", msg.MsgID, msg.Label, stateInfo, tokens))
	}
	if len(lines) == 0 {
		return ""
	}
	header := fmt.Sprintf("Total estimated context: ~%d tokens", m.TotalTokens(messages))
	return "<prunable-messages>\n" + header + "\n" + strings.Join(lines, "\n") + "\n</prunable-messages>"
}

// PrepareForAPI strips all metadata fields, returning role/content-only
// records suitable for the Chat Client.
func PrepareForAPI(messages []protocol.Message) []protocol.Message {
	clean := make([]protocol.Message, len(messages))
	for i, msg := range messages {
		clean[i] = protocol.Message{
			Role:             msg.Role,
			Content:          msg.Content,
			ReasoningContent: msg.ReasoningContent,
		}
	}
	return clean
}

// AutoTruncate shortens content when it exceeds threshold chars and has more
// than headLines+tailLines lines, keeping the head and tail with an explicit
// marker between them. Zero arguments select the package defaults.
func AutoTruncate(content string, threshold, headLines, tailLines int) (visible string, wasTruncated bool, original string) {
	if threshold == 0 {
		threshold = DefaultAutoTruncateThreshold
	}
	if headLines == 0 {
		headLines = DefaultTruncateHeadLines
	}
	if tailLines == 0 {
		tailLines = DefaultTruncateTailLines
	}

	if content == "" || len(content) <= threshold {
		return content, false, ""
	}

	lines := strings.Split(content, "\n")
	total := len(lines)
	if total <= headLines+tailLines {
		return content, false, ""
	}

	head := lines[:headLines]
	tail := lines[total-tailLines:]
	omitted := total - headLines - tailLines

	var b strings.Builder
	b.WriteString(strings.Join(head, "\n"))
	b.WriteString(fmt.Sprintf("\n\n... [%d lines omitted - use context_untruncate to view full output] ...\n\n", omitted))
	b.WriteString(strings.Join(tail, "\n"))

	return b.String(), true, content
}

// Prune replaces the bodies of the named messages with a short marker. A
// message already in state pruned is left untouched (leaf state).
func (m *Manager) Prune(messages []protocol.Message, ids map[int]bool) (pruned []int) {
	for i := range messages {
		msg := &messages[i]
		if !msg.Prunable() || !ids[msg.MsgID] {
			continue
		}
		if msg.State == protocol.StatePruned {
			continue
		}
		if msg.OriginalContent == "" {
			msg.OriginalContent = msg.Content
		}
		msg.Content = "[PRUNED] " + msg.Label
		msg.State = protocol.StatePruned
		pruned = append(pruned, msg.MsgID)
	}
	return pruned
}

// Distill replaces a message's body with a model-authored summary. Returns
// false if the id is not found or the message is already pruned.
func (m *Manager) Distill(messages []protocol.Message, id int, summary string) bool {
	for i := range messages {
		msg := &messages[i]
		if !msg.Prunable() || msg.MsgID != id {
			continue
		}
		if msg.State == protocol.StatePruned {
			return false
		}
		if msg.OriginalContent == "" {
			msg.OriginalContent = msg.Content
		}
		msg.Content = "[DISTILLED] " + msg.Label + "\nSummary: " + summary
		msg.State = protocol.StateDistilled
		return true
	}
	return false
}

// Untruncate restores a truncated message's original content. Returns false
// if the message is not in state truncated.
func (m *Manager) Untruncate(messages []protocol.Message, id int) bool {
	for i := range messages {
		msg := &messages[i]
		if !msg.Prunable() || msg.MsgID != id {
			continue
		}
		if msg.State != protocol.StateTruncated {
			return false
		}
		if msg.OriginalContent == "" {
			return false
		}
		msg.Content = msg.OriginalContent
		msg.OriginalContent = ""
		msg.State = protocol.StateNormal
		return true
	}
	return false
}

// ParseIDList parses a comma-separated list of integer message IDs, as
// accepted by the context_prune block's `ids:` field.
func ParseIDList(s string) (map[int]bool, error) {
	ids := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid message id %q: %w", part, err)
		}
		ids[n] = true
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no message ids given")
	}
	return ids, nil
}
