// Package parser implements the Response Parser: it extracts at most one
// tool invocation from an assistant reply's fenced code blocks and
// classifies the reply's completion state from its trailing tag.
//
// Grounded on spec.md §4.D and on the tag-handling routines of
// _examples/original_source/src/ai_shell/app.py (the distill/prune/
// untruncate block bodies and the [COMPLETE]/[QUESTION] suffix check).
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// BlockKind names one of the five recognized tool block info-strings.
type BlockKind string

const (
	BlockCommand           BlockKind = "command"
	BlockWebSearch         BlockKind = "websearch"
	BlockContextDistill    BlockKind = "context_distill"
	BlockContextPrune      BlockKind = "context_prune"
	BlockContextUntruncate BlockKind = "context_untruncate"
)

// CompletionState classifies the assistant's self-assessed task state.
type CompletionState string

const (
	CompletionContinue CompletionState = "continue"
	CompletionComplete CompletionState = "complete"
	CompletionQuestion CompletionState = "question"
)

// ToolBlock is the parsed content of one fenced tool invocation.
type ToolBlock struct {
	Kind BlockKind

	// Command / WebSearch: Body is the raw block body (command string or query).
	Body string

	// ContextDistill
	DistillID      int
	DistillSummary string

	// ContextPrune
	PruneIDs map[int]bool

	// ContextUntruncate
	UntruncateID int
}

// ParseResult is the outcome of parsing one assistant reply.
type ParseResult struct {
	// Block is nil when the reply was text-only (no tool block).
	Block *ToolBlock
	// BlockCount is the total number of recognized fenced blocks found —
	// used to detect the ">1 block" protocol violation. A recognized block
	// whose body fails to parse makes Parse return an error (and an empty
	// ParseResult) instead, however many blocks the reply holds.
	BlockCount int
	Completion CompletionState
	// Text is the reply with any trailing completion tag stripped.
	Text string
	// UnknownKind holds the info-string of a fenced block that isn't one of
	// the five recognized tool kinds, or "" if none was seen. spec.md §7
	// classifies an unknown block kind as a protocol violation, same as
	// emitting more than one recognized block.
	UnknownKind string
}

var fenceRe = regexp.MustCompile("(?s)```([a-zA-Z_]+)\\s*\\n(.*?)```")

var recognizedKinds = map[string]BlockKind{
	"command":             BlockCommand,
	"websearch":           BlockWebSearch,
	"context_distill":      BlockContextDistill,
	"context_prune":        BlockContextPrune,
	"context_untruncate":   BlockContextUntruncate,
}

// Parse extracts the tool block (if exactly one is present) and classifies
// the completion tag of reply.
//
// If more than one recognized block is present, Block is nil and
// BlockCount > 1; if a fenced block's info-string isn't one of the five
// recognized kinds, UnknownKind names it. Either case is a protocol
// violation the caller (Turn Controller) is responsible for handling
// per spec.md §4.D rule 1 and §7.
func Parse(reply string) (ParseResult, error) {
	matches := fenceRe.FindAllStringSubmatch(reply, -1)

	var found []ToolBlock
	var unknownKind string
	for _, m := range matches {
		kindStr := strings.ToLower(strings.TrimSpace(m[1]))
		kind, ok := recognizedKinds[kindStr]
		if !ok {
			if unknownKind == "" {
				unknownKind = kindStr
			}
			continue
		}
		body := strings.TrimSpace(m[2])
		block, err := parseBlockBody(kind, body)
		if err != nil {
			return ParseResult{}, err
		}
		found = append(found, block)
	}

	result := ParseResult{
		BlockCount:  len(found),
		Completion:  classifyCompletion(reply),
		Text:        stripCompletionTag(reply),
		UnknownKind: unknownKind,
	}
	if len(found) == 1 {
		b := found[0]
		result.Block = &b
	}
	return result, nil
}

func parseBlockBody(kind BlockKind, body string) (ToolBlock, error) {
	switch kind {
	case BlockCommand:
		return ToolBlock{Kind: kind, Body: body}, nil
	case BlockWebSearch:
		return ToolBlock{Kind: kind, Body: body}, nil
	case BlockContextDistill:
		return parseDistill(body)
	case BlockContextPrune:
		return parsePrune(body)
	case BlockContextUntruncate:
		return parseUntruncate(body)
	}
	return ToolBlock{}, fmt.Errorf("unknown block kind %q", kind)
}

var (
	reID      = regexp.MustCompile(`(?m)^\s*id:\s*(\d+)\s*$`)
	reIDs     = regexp.MustCompile(`(?m)^\s*ids:\s*(.+)$`)
	reSummary = regexp.MustCompile(`(?s)summary:\s*(.+)$`)
)

func parseDistill(body string) (ToolBlock, error) {
	idm := reID.FindStringSubmatch(body)
	if idm == nil {
		return ToolBlock{}, fmt.Errorf("context_distill: missing id field")
	}
	id, err := strconv.Atoi(idm[1])
	if err != nil {
		return ToolBlock{}, fmt.Errorf("context_distill: invalid id: %w", err)
	}
	sm := reSummary.FindStringSubmatch(body)
	if sm == nil {
		return ToolBlock{}, fmt.Errorf("context_distill: missing summary field")
	}
	return ToolBlock{Kind: BlockContextDistill, DistillID: id, DistillSummary: strings.TrimSpace(sm[1])}, nil
}

func parsePrune(body string) (ToolBlock, error) {
	ids := make(map[int]bool)
	if m := reIDs.FindStringSubmatch(body); m != nil {
		for _, part := range strings.Split(m[1], ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			n, err := strconv.Atoi(part)
			if err != nil {
				return ToolBlock{}, fmt.Errorf("context_prune: invalid id %q: %w", part, err)
			}
			ids[n] = true
		}
	} else if m := reID.FindStringSubmatch(body); m != nil {
		n, _ := strconv.Atoi(m[1])
		ids[n] = true
	} else {
		return ToolBlock{}, fmt.Errorf("context_prune: missing ids/id field")
	}
	if len(ids) == 0 {
		return ToolBlock{}, fmt.Errorf("context_prune: no ids given")
	}
	return ToolBlock{Kind: BlockContextPrune, PruneIDs: ids}, nil
}

func parseUntruncate(body string) (ToolBlock, error) {
	m := reID.FindStringSubmatch(body)
	if m == nil {
		return ToolBlock{}, fmt.Errorf("context_untruncate: missing id field")
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return ToolBlock{}, fmt.Errorf("context_untruncate: invalid id: %w", err)
	}
	return ToolBlock{Kind: BlockContextUntruncate, UntruncateID: id}, nil
}

// classifyCompletion inspects the last non-whitespace token of reply,
// case-insensitively, for the [QUESTION] / [COMPLETE] suffix tags.
func classifyCompletion(reply string) CompletionState {
	trimmed := strings.TrimSpace(reply)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasSuffix(upper, "[QUESTION]"):
		return CompletionQuestion
	case strings.HasSuffix(upper, "[COMPLETE]"):
		return CompletionComplete
	default:
		return CompletionContinue
	}
}

var trailingTagRe = regexp.MustCompile(`(?i)\s*\[(question|complete)\]\s*$`)

func stripCompletionTag(reply string) string {
	return strings.TrimSpace(trailingTagRe.ReplaceAllString(reply, ""))
}
