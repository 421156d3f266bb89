// Package chat implements the Chat Client: it streams completions from an
// OpenAI-compatible chat endpoint and multiplexes a remote and an optional
// "incognito" local profile.
//
// Grounded on _examples/igoryanba-ricochet/core/internal/agent/openai.go
// and provider.go: the request/response wire structs, the retrying
// doRequest helper, and the SSE line-scanning loop (including the
// DeepSeek-style reasoning_content side channel) are carried over from
// OpenAIProvider, generalized to the single wire format spec.md's config
// names (no per-provider switch — the config only ever carries a url and
// an api_key).
package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/igoryan-dao/shellmate/internal/protocol"
)

// Profile holds the credentials for one chat endpoint.
type Profile struct {
	URL    string
	APIKey string
	Model  string
}

// Client streams chat completions against an OpenAI-compatible endpoint,
// switching between a remote and an incognito Profile per call.
type Client struct {
	Remote    Profile
	Incognito *Profile // nil when incognito is disabled

	RequestTimeout time.Duration
}

// New returns a Client for remote, with incognito disabled.
func New(remote Profile) *Client {
	return &Client{Remote: remote, RequestTimeout: 30 * time.Second}
}

// Reply is the result of a completed (or cancelled) stream_reply call.
type Reply struct {
	Content   string
	Reasoning string
}

// StreamChunk is delivered to the caller's callback as the reply streams.
type StreamChunk struct {
	Delta          string
	ReasoningDelta string
	Done           bool
}

var httpClient = &http.Client{
	Transport: &http.Transport{
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	},
}

// StreamReply sends messages (already stripped of context-manager metadata
// by the caller) to the selected profile and streams the assistant's reply.
// onChunk is invoked for every content/reasoning delta; a non-nil error it
// returns aborts the stream early. Cancelling ctx aborts the HTTP request
// and returns an empty Reply with a nil error — per spec.md §4.B, a user
// interrupt during streaming is not itself a failure.
func (c *Client) StreamReply(ctx context.Context, messages []protocol.Message, systemPrompt string, incognito bool, onChunk func(StreamChunk) error) (Reply, error) {
	profile := c.Remote
	if incognito {
		if c.Incognito == nil {
			return Reply{}, fmt.Errorf("incognito profile not configured")
		}
		profile = *c.Incognito
	}

	reqBody := buildRequest(profile.Model, systemPrompt, messages, true)
	body, err := json.Marshal(reqBody)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal request: %w", err)
	}

	timeout := c.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := doRequest(reqCtx, profile.URL, profile.APIKey, body)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, nil
		}
		return Reply{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return Reply{}, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	reply, err := processStream(resp.Body, onChunk)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, nil
		}
		return Reply{}, err
	}
	return reply, nil
}

// Chat performs a single non-streaming completion, used by the web-search
// client (§4.H), which only needs one short reply and never cancellation.
func (c *Client) Chat(ctx context.Context, messages []protocol.Message, systemPrompt string, incognito bool) (string, error) {
	profile := c.Remote
	if incognito {
		if c.Incognito == nil {
			return "", fmt.Errorf("incognito profile not configured")
		}
		profile = *c.Incognito
	}

	reqBody := buildRequest(profile.Model, systemPrompt, messages, false)
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doRequest(ctx, profile.URL, profile.APIKey, body)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var wireResp wireResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if wireResp.Error != nil {
		return "", fmt.Errorf("API error: %s", wireResp.Error.Message)
	}
	if len(wireResp.Choices) == 0 {
		return "", nil
	}
	return wireResp.Choices[0].Message.Content, nil
}

type wireMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type wireStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content,omitempty"`
			ReasoningContent string `json:"reasoning_content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func buildRequest(model, systemPrompt string, messages []protocol.Message, stream bool) wireRequest {
	wireMessages := make([]wireMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		wireMessages = append(wireMessages, wireMessage{Role: protocol.RoleSystem, Content: systemPrompt})
	}
	for _, m := range messages {
		wireMessages = append(wireMessages, wireMessage{
			Role:             m.Role,
			Content:          m.Content,
			ReasoningContent: m.ReasoningContent,
		})
	}
	return wireRequest{Model: model, Messages: wireMessages, Stream: stream}
}

func doRequest(ctx context.Context, url, apiKey string, body []byte) (*http.Response, error) {
	retryDelay := 1 * time.Second
	const maxRetries = 3

	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := httpClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i < maxRetries {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			retryDelay *= 2
		}
	}
	return nil, lastErr
}

func processStream(r io.Reader, onChunk func(StreamChunk) error) (Reply, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var content, reasoning strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			if onChunk != nil {
				onChunk(StreamChunk{Done: true})
			}
			break
		}

		var chunk wireStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			reasoning.WriteString(delta.ReasoningContent)
			if onChunk != nil {
				if err := onChunk(StreamChunk{ReasoningDelta: delta.ReasoningContent}); err != nil {
					return Reply{Content: content.String(), Reasoning: reasoning.String()}, err
				}
			}
		}
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if onChunk != nil {
				if err := onChunk(StreamChunk{Delta: delta.Content}); err != nil {
					return Reply{Content: content.String(), Reasoning: reasoning.String()}, err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Reply{Content: content.String(), Reasoning: reasoning.String()}, err
	}

	return Reply{Content: content.String(), Reasoning: reasoning.String()}, nil
}
