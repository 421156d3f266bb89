package slashcmd

import (
	"context"
	"strings"
	"testing"

	"github.com/igoryan-dao/shellmate/internal/chat"
	context_manager "github.com/igoryan-dao/shellmate/internal/context"
	"github.com/igoryan-dao/shellmate/internal/config"
	"github.com/igoryan-dao/shellmate/internal/notify"
	"github.com/igoryan-dao/shellmate/internal/protocol"
	"github.com/igoryan-dao/shellmate/internal/ptyexec"
	"github.com/igoryan-dao/shellmate/internal/store"
	"github.com/igoryan-dao/shellmate/internal/turn"
	"github.com/igoryan-dao/shellmate/internal/websearch"
)

type fakeUI struct {
	shown    []string
	warnings []string
}

func (f *fakeUI) ShowSystemMessage(text string) { f.shown = append(f.shown, text) }
func (f *fakeUI) Warn(message string)           { f.warnings = append(f.warnings, message) }

type fakeTurnUI struct{}

func (fakeTurnUI) ShowAssistantText(string)            {}
func (fakeTurnUI) ShowSystemMessage(string)            {}
func (fakeTurnUI) Confirm(string) turn.Confirmation    { return turn.ConfirmYes }
func (fakeTurnUI) AskDeclineReason() string            { return "" }
func (fakeTurnUI) AskContinueAfterRetries() bool       { return false }
func (fakeTurnUI) StreamChunk(chunk chat.StreamChunk)  {}
func (fakeTurnUI) Warn(string)                         {}
func (fakeTurnUI) Suspend() (resume func())            { return func() {} }

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeUI, *turn.Controller) {
	t.Helper()
	dir := t.TempDir()

	cfgStore, err := config.NewStore(dir)
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	if err := cfgStore.Update(func(c *config.Config) {
		c.Models.ResponseModel = "default"
		c.Models.Available = map[string]config.ModelAlias{
			"default": {Name: "gpt-4o", DisplayName: "GPT-4o"},
			"fast":    {Name: "gpt-4o-mini", DisplayName: "GPT-4o mini"},
		}
		c.Incognito.Enabled = false
	}); err != nil {
		t.Fatalf("config.Update: %v", err)
	}

	st, err := store.New(dir+"/conversations", 5, 10, true)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	session := protocol.NewSession("session_test", "/tmp")
	ctxMgr := context_manager.NewManager()
	chatClient := chat.New(chat.Profile{URL: "http://unused", APIKey: "k", Model: "gpt-4o"})
	ctrl := turn.New(session, ctxMgr, chatClient, ptyexec.New(), websearch.New(chat.New(chat.Profile{}), "", false), notify.New(), fakeTurnUI{}, turn.Config{
		MaxRetries:   3,
		SafeCommands: nil,
		SystemPrompt: "base prompt",
	})

	ui := &fakeUI{}
	disp := New(ctrl, cfgStore, st, ptyexec.New(), ui, func() string { return "/tmp" }, nil)
	return disp, ui, ctrl
}

func TestDispatchNotHandledForPlainText(t *testing.T) {
	disp, _, _ := newTestDispatcher(t)
	if got := disp.Dispatch(context.Background(), "list the files here"); got != NotHandled {
		t.Fatalf("expected NotHandled, got %v", got)
	}
}

func TestDispatchHelp(t *testing.T) {
	disp, ui, _ := newTestDispatcher(t)
	if got := disp.Dispatch(context.Background(), "/help"); got != Handled {
		t.Fatalf("expected Handled, got %v", got)
	}
	if len(ui.shown) != 1 || !strings.Contains(ui.shown[0], "shellmate") {
		t.Fatalf("expected help text shown, got %+v", ui.shown)
	}
}

func TestDispatchClearStartsFreshSession(t *testing.T) {
	disp, _, ctrl := newTestDispatcher(t)
	ctrl.Session.Append(protocol.Message{Role: protocol.RoleUser, Content: "hello"})
	oldID := ctrl.Session.ID

	if got := disp.Dispatch(context.Background(), "/clear"); got != Handled {
		t.Fatalf("expected Handled, got %v", got)
	}
	if ctrl.Session.ID == oldID {
		t.Fatalf("expected a fresh session after /clear")
	}
	if len(ctrl.Session.Messages) != 0 {
		t.Fatalf("expected fresh session to start empty, got %d messages", len(ctrl.Session.Messages))
	}
}

func TestDispatchSaveAndLoad(t *testing.T) {
	disp, ui, ctrl := newTestDispatcher(t)
	ctrl.Session.Append(protocol.Message{Role: protocol.RoleUser, Content: "do the thing"})

	if got := disp.Dispatch(context.Background(), "/save my-run"); got != Handled {
		t.Fatalf("expected Handled, got %v", got)
	}
	if len(ui.warnings) != 0 {
		t.Fatalf("expected no warnings on save, got %+v", ui.warnings)
	}

	savedID := ctrl.Session.ID
	disp.handleClear()

	if got := disp.Dispatch(context.Background(), "/load my-run"); got != Handled {
		t.Fatalf("expected Handled, got %v", got)
	}
	if ctrl.Session.ID != savedID {
		t.Fatalf("expected loaded session to restore the original session, got %q want %q", ctrl.Session.ID, savedID)
	}
}

func TestDispatchModelSwitch(t *testing.T) {
	disp, ui, ctrl := newTestDispatcher(t)

	if got := disp.Dispatch(context.Background(), "/model fast"); got != Handled {
		t.Fatalf("expected Handled, got %v", got)
	}
	if len(ui.warnings) != 0 {
		t.Fatalf("expected no warnings, got %+v", ui.warnings)
	}
	if ctrl.Chat().Remote.Model != "gpt-4o-mini" {
		t.Fatalf("expected model switched to gpt-4o-mini, got %q", ctrl.Chat().Remote.Model)
	}

	ui.warnings = nil
	if got := disp.Dispatch(context.Background(), "/model nonexistent"); got != Handled {
		t.Fatalf("expected Handled, got %v", got)
	}
	if len(ui.warnings) != 1 {
		t.Fatalf("expected a warning for an unknown alias, got %+v", ui.warnings)
	}
}

func TestDispatchIncognitoToggleRespectsConfig(t *testing.T) {
	disp, ui, ctrl := newTestDispatcher(t)
	// newTestDispatcher turns incognito.enabled off in this test's config
	if got := disp.Dispatch(context.Background(), "/inc"); got != Handled {
		t.Fatalf("expected Handled, got %v", got)
	}
	if ctrl.Incognito() {
		t.Fatalf("expected incognito to remain off when disabled in config")
	}
	if len(ui.warnings) != 1 {
		t.Fatalf("expected a warning explaining incognito is disabled, got %+v", ui.warnings)
	}
}

func TestDispatchDiffShowsCompactionChange(t *testing.T) {
	disp, ui, ctrl := newTestDispatcher(t)
	ctrl.Session.Messages = append(ctrl.Session.Messages, protocol.Message{
		Role:            protocol.RoleUser,
		MsgID:           7,
		Content:         "[DISTILLED] Command output: ls\nSummary: three files",
		OriginalContent: "a.txt\nb.txt\nc.txt",
		State:           "distilled",
	})

	if got := disp.Dispatch(context.Background(), "/diff 7"); got != Handled {
		t.Fatalf("expected Handled, got %v", got)
	}
	if len(ui.shown) != 1 || !strings.Contains(ui.shown[0], "a.txt") {
		t.Fatalf("expected the diff to surface the original content, got %+v", ui.shown)
	}
}

func TestDispatchDiffWarnsWhenNothingToCompare(t *testing.T) {
	disp, ui, ctrl := newTestDispatcher(t)
	ctrl.Session.Messages = append(ctrl.Session.Messages, protocol.Message{Role: protocol.RoleUser, MsgID: 3, Content: "plain"})

	if got := disp.Dispatch(context.Background(), "/diff 3"); got != Handled {
		t.Fatalf("expected Handled, got %v", got)
	}
	if len(ui.warnings) != 1 {
		t.Fatalf("expected a warning for an uncompacted message, got %+v", ui.warnings)
	}
}

func TestDispatchDirectBang(t *testing.T) {
	disp, ui, _ := newTestDispatcher(t)
	if got := disp.Dispatch(context.Background(), "!echo from-bang"); got != Handled {
		t.Fatalf("expected Handled, got %v", got)
	}
	found := false
	for _, s := range ui.shown {
		if strings.Contains(s, "from-bang") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected bang command output to be shown, got %+v", ui.shown)
	}
}
