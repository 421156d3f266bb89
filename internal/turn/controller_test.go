package turn

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/igoryan-dao/shellmate/internal/chat"
	context_manager "github.com/igoryan-dao/shellmate/internal/context"
	"github.com/igoryan-dao/shellmate/internal/notify"
	"github.com/igoryan-dao/shellmate/internal/protocol"
	"github.com/igoryan-dao/shellmate/internal/ptyexec"
	"github.com/igoryan-dao/shellmate/internal/safety"
	"github.com/igoryan-dao/shellmate/internal/websearch"
)

type fakeUI struct {
	assistantTexts []string
	systemMessages []string
	confirmAnswer  Confirmation
	declineReason  string
	continueRetry  bool
	warnings       []string
}

func (f *fakeUI) ShowAssistantText(text string)       { f.assistantTexts = append(f.assistantTexts, text) }
func (f *fakeUI) ShowSystemMessage(text string)       { f.systemMessages = append(f.systemMessages, text) }
func (f *fakeUI) Confirm(command string) Confirmation { return f.confirmAnswer }
func (f *fakeUI) AskDeclineReason() string            { return f.declineReason }
func (f *fakeUI) AskContinueAfterRetries() bool       { return f.continueRetry }
func (f *fakeUI) StreamChunk(chunk chat.StreamChunk)  {}
func (f *fakeUI) Warn(message string)                 { f.warnings = append(f.warnings, message) }
func (f *fakeUI) Suspend() (resume func())            { return func() {} }

func newTestController(t *testing.T) (*Controller, *fakeUI) {
	t.Helper()
	session := protocol.NewSession("test-session", "/tmp")
	ctxMgr := context_manager.NewManager()
	ui := &fakeUI{}
	ctrl := New(session, ctxMgr, chat.New(chat.Profile{URL: "http://unused", APIKey: "k", Model: "m"}), ptyexec.New(), websearch.New(chat.New(chat.Profile{}), "", false), notify.New(), ui, Config{
		MaxRetries:   3,
		SafeCommands: safety.DefaultSafeCommands,
		SystemPrompt: "You are a helpful agentic shell.",
	})
	return ctrl, ui
}

func TestNewSeedsSystemMessage(t *testing.T) {
	ctrl, _ := newTestController(t)
	if len(ctrl.Session.Messages) != 1 {
		t.Fatalf("expected exactly one seed message, got %d", len(ctrl.Session.Messages))
	}
	if ctrl.Session.Messages[0].Role != protocol.RoleSystem {
		t.Fatalf("expected first message to be system role, got %s", ctrl.Session.Messages[0].Role)
	}
	if ctrl.Session.Messages[0].MsgID != 0 {
		t.Fatalf("system message must not carry a msg_id")
	}
}

func TestHandleDistillPruneUntruncateSequence(t *testing.T) {
	ctrl, ui := newTestController(t)
	msg := protocol.Message{Role: protocol.RoleUser, Content: "apt install nginx output..."}
	msg = ctrl.ctxMgr.Assign(msg, "")
	ctrl.Session.Append(msg)
	id := msg.MsgID

	if err := ctrl.handleDistill(id, "installed nginx 1.24.0"); err != nil {
		t.Fatalf("handleDistill: %v", err)
	}
	got := ctrl.Session.Messages[len(ctrl.Session.Messages)-2] // the mutated message, before the injected confirmation
	if got.MsgID != id {
		t.Fatalf("expected distilled message preserved at its position")
	}
	if got.State != protocol.StateDistilled {
		t.Fatalf("expected state distilled, got %s", got.State)
	}
	if !strings.HasPrefix(got.Content, "[DISTILLED] ") {
		t.Fatalf("expected [DISTILLED] prefix, got %q", got.Content)
	}

	if err := ctrl.handlePrune(map[int]bool{id: true}); err != nil {
		t.Fatalf("handlePrune: %v", err)
	}
	got = ctrl.Session.Messages[len(ctrl.Session.Messages)-3]
	if got.State != protocol.StatePruned {
		t.Fatalf("expected state pruned, got %s", got.State)
	}
	if !strings.HasPrefix(got.Content, "[PRUNED] ") {
		t.Fatalf("expected [PRUNED] prefix, got %q", got.Content)
	}

	if err := ctrl.handleUntruncate(id); err != nil {
		t.Fatalf("handleUntruncate: %v", err)
	}
	lastSystemMsg := ui.systemMessages[len(ui.systemMessages)-1]
	if !strings.Contains(lastSystemMsg, "error") {
		t.Fatalf("expected untruncate-on-pruned-message to report an error, got %q", lastSystemMsg)
	}
}

func TestResetToSystemPromptAfterThreeViolations(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctrl.Session.Append(protocol.Message{Role: protocol.RoleUser, Content: "do a thing"})
	ctrl.Session.Append(protocol.Message{Role: protocol.RoleAssistant, Content: "```command\nls\n```\n```websearch\nquery\n```"})

	ctrl.violationCount = 2
	ctrl.resetToSystemPrompt()

	if len(ctrl.Session.Messages) != 1 {
		t.Fatalf("expected payload cleared to just the system prompt, got %d messages", len(ctrl.Session.Messages))
	}
	if ctrl.Session.Messages[0].Role != protocol.RoleSystem {
		t.Fatalf("expected remaining message to be the system prompt")
	}
	if ctrl.violationCount != 0 {
		t.Fatalf("expected violation counter reset")
	}
}

func TestInjectTruncatableMarksStateTruncated(t *testing.T) {
	ctrl, _ := newTestController(t)

	var lines []string
	for i := 0; i < 300; i++ {
		lines = append(lines, fmt.Sprintf("line %d %s", i, strings.Repeat("x", 60)))
	}
	body := "SYSTEM MESSAGE: Command executed: find /\nStatus: succeeded\nOutput:\n" + strings.Join(lines, "\n")

	ctrl.injectTruncatable(body)

	last := ctrl.Session.Messages[len(ctrl.Session.Messages)-1]
	if last.State != protocol.StateTruncated {
		t.Fatalf("expected state truncated for oversized output, got %s", last.State)
	}
	if last.OriginalContent == "" {
		t.Fatalf("expected original_content to be preserved")
	}
	if !strings.Contains(last.Content, "lines omitted") {
		t.Fatalf("expected truncation marker in visible content")
	}
}

func TestHandleCommandAutoApprovesSafeCommand(t *testing.T) {
	ctrl, ui := newTestController(t)
	ui.confirmAnswer = ConfirmNo // must not be consulted for a safe command

	if err := ctrl.handleCommand(context.Background(), "echo hello-from-test"); err != nil {
		t.Fatalf("handleCommand: %v", err)
	}

	last := ctrl.Session.Messages[len(ctrl.Session.Messages)-1]
	if !strings.Contains(last.Content, "Command executed: echo hello-from-test") {
		t.Fatalf("expected command-output message, got %q", last.Content)
	}
	if !strings.Contains(last.Content, "hello-from-test") {
		t.Fatalf("expected captured output to include command output, got %q", last.Content)
	}
}

func TestHandleCommandPromptsForUnsafeCommandAndHonorsDecline(t *testing.T) {
	ctrl, ui := newTestController(t)
	ui.confirmAnswer = ConfirmNo
	ui.declineReason = "too risky"

	if err := ctrl.handleCommand(context.Background(), "rm -rf /tmp/x"); err != nil {
		t.Fatalf("handleCommand: %v", err)
	}

	last := ctrl.Session.Messages[len(ctrl.Session.Messages)-1]
	if !strings.Contains(last.Content, "User declined to run the command") {
		t.Fatalf("expected decline message, got %q", last.Content)
	}
	if !strings.Contains(last.Content, "too risky") {
		t.Fatalf("expected decline reason to be included, got %q", last.Content)
	}
	if ctrl.Session.AutoApprove {
		t.Fatalf("declining must not set auto-approve")
	}
}

func TestHandleCommandConfirmAlwaysSetsAutoApprove(t *testing.T) {
	ctrl, ui := newTestController(t)
	ui.confirmAnswer = ConfirmAlways

	if err := ctrl.handleCommand(context.Background(), "rm -f /tmp/does-not-exist-shellmate-test"); err != nil {
		t.Fatalf("handleCommand: %v", err)
	}
	if !ctrl.Session.AutoApprove {
		t.Fatalf("expected auto-approve to be set after ConfirmAlways")
	}
}

// sseServer serves one canned SSE chat-completion stream, mirroring the
// subset of the OpenAI-compatible wire format internal/chat consumes.
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

func TestCallModelLoopReachesCompletion(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Done. [COMPLETE]"}}]}`,
	})
	defer server.Close()

	session := protocol.NewSession("test-session-2", "/tmp")
	ctxMgr := context_manager.NewManager()
	ui := &fakeUI{}
	ctrl := New(session, ctxMgr, chat.New(chat.Profile{URL: server.URL, APIKey: "k", Model: "m"}), ptyexec.New(), websearch.New(chat.New(chat.Profile{}), "", false), notify.New(), ui, Config{
		MaxRetries:   3,
		SafeCommands: safety.DefaultSafeCommands,
		SystemPrompt: "You are a helpful agentic shell.",
	})

	if err := ctrl.ReadInput(context.Background(), "what kernel am I running?"); err != nil {
		t.Fatalf("ReadInput: %v", err)
	}

	if ctrl.Session.OriginalRequest != "" {
		t.Fatalf("expected original_request cleared on completion")
	}
	if len(ui.assistantTexts) != 1 || !strings.Contains(ui.assistantTexts[0], "Done.") {
		t.Fatalf("expected the tag-stripped assistant text to be shown, got %+v", ui.assistantTexts)
	}
}

func TestCallModelLoopDetectsMultiBlockViolation(t *testing.T) {
	// The server always replies with two tool blocks, a protocol violation;
	// callModelLoop re-requests on every violation, so after three
	// consecutive violations the payload resets to just the system prompt.
	multiBlockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"`+escapeJSON("```command\nls\n```\n```websearch\nfoo\n```")+`"}}]}`)
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer multiBlockServer.Close()

	session := protocol.NewSession("test-session-3", "/tmp")
	ctxMgr := context_manager.NewManager()
	ui := &fakeUI{}
	ctrl := New(session, ctxMgr, chat.New(chat.Profile{URL: multiBlockServer.URL, APIKey: "k", Model: "m"}), ptyexec.New(), websearch.New(chat.New(chat.Profile{}), "", false), notify.New(), ui, Config{
		MaxRetries:   3,
		SafeCommands: safety.DefaultSafeCommands,
		SystemPrompt: "base prompt",
	})

	if err := ctrl.ReadInput(context.Background(), "do two things"); err != nil {
		t.Fatalf("ReadInput: %v", err)
	}

	if len(ctrl.Session.Messages) != 1 {
		t.Fatalf("expected payload reset to just the system prompt after 3 violations, got %d messages", len(ctrl.Session.Messages))
	}
}

func TestCallModelLoopDetectsUnknownBlockKindViolation(t *testing.T) {
	// The server always replies with an unrecognized fenced block kind, a
	// protocol violation under spec.md §7; after three consecutive
	// violations the payload resets to just the system prompt, same as the
	// multi-block case.
	unknownKindServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"`+escapeJSON("```python\nprint(1)\n```")+`"}}]}`)
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer unknownKindServer.Close()

	session := protocol.NewSession("test-session-4", "/tmp")
	ctxMgr := context_manager.NewManager()
	ui := &fakeUI{}
	ctrl := New(session, ctxMgr, chat.New(chat.Profile{URL: unknownKindServer.URL, APIKey: "k", Model: "m"}), ptyexec.New(), websearch.New(chat.New(chat.Profile{}), "", false), notify.New(), ui, Config{
		MaxRetries:   3,
		SafeCommands: safety.DefaultSafeCommands,
		SystemPrompt: "base prompt",
	})

	if err := ctrl.ReadInput(context.Background(), "run some python"); err != nil {
		t.Fatalf("ReadInput: %v", err)
	}

	if len(ctrl.Session.Messages) != 1 {
		t.Fatalf("expected payload reset to just the system prompt after 3 violations, got %d messages", len(ctrl.Session.Messages))
	}
}

func escapeJSON(s string) string {
	replacer := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")
	return replacer.Replace(s)
}
