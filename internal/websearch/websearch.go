// Package websearch implements the Chat Client's web-search collaborator
// (spec.md's "websearch" tool kind): resolving a natural-language query to
// a short text result injected as a tool result, exactly like a command's
// output.
//
// Grounded on _examples/original_source/src/ai_shell/web_search.py's shape
// (a thin wrapper reusing the main chat credentials unless overridden) but
// implemented as a reuse of internal/chat's non-streaming Chat call rather
// than a live-browsing transport — spec.md names web-search transport
// details out of scope.
package websearch

import (
	"context"
	"fmt"

	"github.com/igoryan-dao/shellmate/internal/chat"
	"github.com/igoryan-dao/shellmate/internal/protocol"
)

const defaultSystemPrompt = "You are a web search assistant. Answer the user's query concisely and factually from your own knowledge. If you are not confident, say so."

// Client resolves websearch tool queries via a Chat Client.
type Client struct {
	chat         *chat.Client
	systemPrompt string
	incognito    bool
}

// New returns a Client that issues queries through c. If systemPrompt is
// empty, a default instructing the model to answer from its own knowledge
// is used.
func New(c *chat.Client, systemPrompt string, incognito bool) *Client {
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &Client{chat: c, systemPrompt: systemPrompt, incognito: incognito}
}

// Search resolves query to a short text answer. Errors are non-fatal from
// the caller's point of view (spec.md §7): the Turn Controller surfaces
// them as a SYSTEM MESSAGE and continues.
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	if query == "" {
		return "", fmt.Errorf("empty search query")
	}
	messages := []protocol.Message{{Role: protocol.RoleUser, Content: query}}
	result, err := c.chat.Chat(ctx, messages, c.systemPrompt, c.incognito)
	if err != nil {
		return "", fmt.Errorf("web search failed for query %q: %w", query, err)
	}
	return result, nil
}
