package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/igoryan-dao/shellmate/internal/protocol"
)

// sseServer serves one canned SSE chat-completion stream, mirroring the
// subset of the OpenAI-compatible wire format this package consumes.
func sseServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		bw := bufio.NewWriter(w)
		for _, c := range chunks {
			fmt.Fprintf(bw, "data: %s\n\n", c)
			bw.Flush()
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprintf(bw, "data: [DONE]\n\n")
		bw.Flush()
		if flusher != nil {
			flusher.Flush()
		}
	}))
}

func TestStreamReplyAccumulatesContentAndReasoning(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"reasoning_content":"thinking... "}}]}`,
		`{"choices":[{"delta":{"content":"ls -la"}}]}`,
		`{"choices":[{"delta":{"content":" done"}}]}`,
	})
	defer server.Close()

	c := New(Profile{URL: server.URL, APIKey: "k", Model: "m"})

	var gotChunks []StreamChunk
	reply, err := c.StreamReply(context.Background(), nil, "system prompt", false, func(chunk StreamChunk) error {
		gotChunks = append(gotChunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Content != "ls -la done" {
		t.Fatalf("expected accumulated content, got %q", reply.Content)
	}
	if reply.Reasoning != "thinking... " {
		t.Fatalf("expected accumulated reasoning, got %q", reply.Reasoning)
	}
	if len(gotChunks) != 4 { // reasoning + 2 content deltas + the Done marker
		t.Fatalf("expected 4 chunks delivered, got %d: %+v", len(gotChunks), gotChunks)
	}
	if !gotChunks[len(gotChunks)-1].Done {
		t.Fatalf("expected the last chunk to be the done marker")
	}
}

func TestStreamReplyOnChunkErrorAbortsEarly(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"first"}}]}`,
		`{"choices":[{"delta":{"content":"second"}}]}`,
	})
	defer server.Close()

	c := New(Profile{URL: server.URL, APIKey: "k", Model: "m"})

	boom := fmt.Errorf("boom")
	seen := 0
	_, err := c.StreamReply(context.Background(), nil, "", false, func(chunk StreamChunk) error {
		seen++
		return boom
	})
	if err != boom {
		t.Fatalf("expected the onChunk error to propagate, got %v", err)
	}
	if seen != 1 {
		t.Fatalf("expected the stream to stop after the first chunk, saw %d", seen)
	}
}

func TestStreamReplyCancelledContextReturnsEmptyReplyNoError(t *testing.T) {
	server := sseServer(t, []string{`{"choices":[{"delta":{"content":"late"}}]}`})
	defer server.Close()

	c := New(Profile{URL: server.URL, APIKey: "k", Model: "m"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reply, err := c.StreamReply(ctx, nil, "", false, nil)
	if err != nil {
		t.Fatalf("expected a cancelled context to report no error, got %v", err)
	}
	if reply.Content != "" {
		t.Fatalf("expected an empty reply, got %+v", reply)
	}
}

func TestStreamReplyIncognitoRequiresProfile(t *testing.T) {
	c := New(Profile{URL: "http://unused", APIKey: "k", Model: "m"})
	if _, err := c.StreamReply(context.Background(), nil, "", true, nil); err == nil {
		t.Fatalf("expected an error when incognito is requested but not configured")
	}
}

func TestStreamReplyIncognitoUsesIncognitoProfile(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := New(Profile{URL: "http://unused", APIKey: "remote-key", Model: "remote-model"})
	c.Incognito = &Profile{URL: server.URL, APIKey: "local-key", Model: "local-model"}

	if _, err := c.StreamReply(context.Background(), nil, "", true, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer local-key" {
		t.Fatalf("expected the incognito profile's key to be used, got %q", gotAuth)
	}
}

func TestChatReturnsFirstChoiceContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Stream {
			t.Errorf("expected a non-streaming request")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","choices":[{"message":{"role":"assistant","content":"the answer"}}]}`)
	}))
	defer server.Close()

	c := New(Profile{URL: server.URL, APIKey: "k", Model: "m"})
	got, err := c.Chat(context.Background(), []protocol.Message{{Role: protocol.RoleUser, Content: "query"}}, "sys", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "the answer" {
		t.Fatalf("expected %q, got %q", "the answer", got)
	}
}

func TestChatSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer server.Close()

	c := New(Profile{URL: server.URL, APIKey: "k", Model: "m"})
	if _, err := c.Chat(context.Background(), nil, "", false); err == nil {
		t.Fatalf("expected the API error to surface")
	}
}

func TestChatNonOKStatusIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	}))
	defer server.Close()

	c := New(Profile{URL: server.URL, APIKey: "k", Model: "m"})
	if _, err := c.Chat(context.Background(), nil, "", false); err == nil {
		t.Fatalf("expected a non-200 status to be an error")
	}
}

func TestBuildRequestPrependsSystemPromptAndCarriesReasoning(t *testing.T) {
	req := buildRequest("m", "be terse", []protocol.Message{
		{Role: protocol.RoleAssistant, Content: "ok", ReasoningContent: "because"},
	}, true)

	if !req.Stream {
		t.Fatalf("expected Stream true")
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected system prompt plus one message, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != protocol.RoleSystem || req.Messages[0].Content != "be terse" {
		t.Fatalf("expected a leading system message, got %+v", req.Messages[0])
	}
	if req.Messages[1].ReasoningContent != "because" {
		t.Fatalf("expected reasoning content carried over, got %+v", req.Messages[1])
	}
}

func TestBuildRequestOmitsSystemPromptWhenEmpty(t *testing.T) {
	req := buildRequest("m", "", []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}, false)
	if len(req.Messages) != 1 {
		t.Fatalf("expected no system message prepended, got %+v", req.Messages)
	}
}

func init() {
	// keep httpClient's shared transport from leaving this package's tests
	// waiting on the default 30s request timeout if a server hangs.
	httpClient.Timeout = 5 * time.Second
}
