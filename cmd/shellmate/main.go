// Command shellmate is the agentic terminal shell: a conversational CLI
// that turns natural-language requests into shell commands, runs them in a
// real PTY, and iterates with a language model until the task is done.
//
// Grounded on _examples/igoryanba-ricochet/core/cmd/cli/main.go for the
// cobra root/flag layout and on
// _examples/original_source/src/ai_shell/app.py's AIShellApp.run for the
// overall startup sequence (load config, offer resume, run the loop).
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/igoryan-dao/shellmate/internal/chat"
	"github.com/igoryan-dao/shellmate/internal/config"
	context_manager "github.com/igoryan-dao/shellmate/internal/context"
	"github.com/igoryan-dao/shellmate/internal/logging"
	"github.com/igoryan-dao/shellmate/internal/notify"
	"github.com/igoryan-dao/shellmate/internal/paths"
	"github.com/igoryan-dao/shellmate/internal/protocol"
	"github.com/igoryan-dao/shellmate/internal/ptyexec"
	"github.com/igoryan-dao/shellmate/internal/safeguard"
	"github.com/igoryan-dao/shellmate/internal/safety"
	"github.com/igoryan-dao/shellmate/internal/slashcmd"
	"github.com/igoryan-dao/shellmate/internal/store"
	"github.com/igoryan-dao/shellmate/internal/tui"
	"github.com/igoryan-dao/shellmate/internal/turn"
	"github.com/igoryan-dao/shellmate/internal/websearch"
)

var (
	configDir  string
	workspace  string
	incognito  bool
	directMode bool
)

var rootCmd = &cobra.Command{
	Use:   "shellmate",
	Short: "An agentic terminal shell: tell it what you want, it runs the commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", paths.GetGlobalDir(), "configuration directory")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", ".", "working directory the session starts in")
	rootCmd.PersistentFlags().BoolVar(&incognito, "incognito", false, "start in incognito mode (no persistence, local model)")
	rootCmd.PersistentFlags().BoolVar(&directMode, "direct", false, "start in direct mode (commands run without the model)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if !isatty.IsTerminal(os.Stdin.Fd()) || !isatty.IsTerminal(os.Stdout.Fd()) {
		return fmt.Errorf("shellmate needs an interactive terminal on stdin and stdout")
	}

	workspaceAbs, err := filepath.Abs(workspace)
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}

	cfgStore, err := config.NewStore(configDir)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cfg := cfgStore.Get()

	if !incognito && cfg.API.APIKey == "" {
		return fmt.Errorf("no api key configured: set api.api_key in %s/config.json, or pass --incognito to use the local model", configDir)
	}

	logger, closeLog := logging.Open(workspaceAbs)
	defer closeLog()

	contextFile, err := config.LoadContextFile(configDir)
	if err != nil {
		return fmt.Errorf("loading context.md: %w", err)
	}
	systemPrompt := buildSystemPrompt(contextFile)

	overlay, err := safeguard.Load(workspaceAbs)
	if err != nil {
		return fmt.Errorf("loading permissions overlay: %w", err)
	}
	safeCommands := safety.MergeOverlay(cloneSafeCommands(cfg.Settings.SafeCommands), overlay.Commands.Allow, overlay.Commands.Deny)

	convStore, err := store.New(cfg.Conversations.StoragePath, cfg.Conversations.AutoSaveInterval, cfg.Conversations.MaxRecent, cfg.Conversations.ResumeOnStartup)
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}
	convStore.SetIncognito(incognito)

	session, resumed := startSession(convStore, workspaceAbs)
	if resumed {
		logger.Printf("resumed session %s", session.ID)
	}

	ctxMgr := context_manager.NewManager()
	if resumed {
		ctxMgr.RestoreIDs(session.Messages)
	}

	remoteProfile := chat.Profile{URL: cfg.API.URL, APIKey: cfg.API.APIKey, Model: modelName(cfg, cfg.Models.ResponseModel)}
	chatClient := chat.New(remoteProfile)
	if cfg.Incognito.Enabled {
		chatClient.Incognito = &chat.Profile{URL: cfg.Incognito.API.URL, APIKey: cfg.Incognito.API.APIKey, Model: cfg.Incognito.Model.Name}
	}

	searchProfile := remoteProfile
	if cfg.WebSearch.APIURL != "" {
		searchProfile.URL = cfg.WebSearch.APIURL
	}
	if cfg.WebSearch.APIKey != "" {
		searchProfile.APIKey = cfg.WebSearch.APIKey
	}
	if cfg.WebSearch.Model != "" {
		searchProfile.Model = modelName(cfg, cfg.WebSearch.Model)
	}
	searchChat := chatClient
	if searchProfile != remoteProfile {
		searchChat = chat.New(searchProfile)
		searchChat.Incognito = chatClient.Incognito
	}
	searchClient := websearch.New(searchChat, cfg.WebSearch.SystemPrompt, incognito)
	pty := ptyexec.New()
	notifier := notify.New()

	err = runProgram(ctx, session, ctxMgr, chatClient, pty, searchClient, notifier, cfgStore, convStore, logger, turn.Config{
		MaxRetries:   cfg.Settings.MaxRetries,
		SafeCommands: safeCommands,
		SystemPrompt: systemPrompt,
	}, incognito)
	return err
}

// runProgram wires the Turn Controller, the Slash-Command Dispatcher, and
// the bubbletea front end together and runs until the user quits.
func runProgram(ctx context.Context, session *protocol.Session, ctxMgr *context_manager.Manager, chatClient *chat.Client, pty *ptyexec.Executor, searchClient *websearch.Client, notifier notify.Notifier, cfgStore *config.Store, convStore *store.Store, logger *log.Logger, turnCfg turn.Config, startIncognito bool) error {
	aiMode := !directMode

	return tui.Run(ctx, func(ui *tui.Adapter) tui.Turn {
		ctrl := turn.New(session, ctxMgr, chatClient, pty, searchClient, notifier, ui, turnCfg)
		ctrl.SetIncognito(startIncognito)

		dispatcher := slashcmd.New(ctrl, cfgStore, convStore, pty, ui, func() string { return ctrl.Session.CWD }, func(toAI bool) { aiMode = toAI })

		return &dispatchingController{ctrl: ctrl, dispatcher: dispatcher, pty: pty, ui: ui, store: convStore, logger: logger, aiModePtr: &aiMode}
	})
}

// dispatchingController adapts the Turn Controller plus the Slash-Command
// Dispatcher into the single ReadInput entry point tui.Run drives: every
// line is checked against the slash-command table (and the "!" prefix)
// first, exactly as spec.md §4.I requires, before falling through to the
// model in agentic mode or straight to the PTY executor in direct mode.
type dispatchingController struct {
	ctrl       *turn.Controller
	dispatcher *slashcmd.Dispatcher
	store      *store.Store
	pty        *ptyexec.Executor
	ui         *tui.Adapter
	logger     *log.Logger
	aiModePtr  *bool
}

func (d *dispatchingController) ReadInput(ctx context.Context, input string) error {
	switch d.dispatcher.Dispatch(ctx, input) {
	case slashcmd.Exit:
		return tui.ErrExit
	case slashcmd.Handled:
		return nil
	}

	if !*d.aiModePtr {
		return d.runDirect(ctx, input)
	}

	if err := d.ctrl.ReadInput(ctx, input); err != nil {
		logging.Warnf(d.logger, "turn failed: %v", err)
		return err
	}
	if !d.ctrl.Incognito() {
		return d.store.UpdatePayload(d.ctrl.Session, d.ctrl.Session.OriginalRequest)
	}
	return nil
}

// runDirect executes a line straight through the PTY executor, bypassing
// the model, when the session is in direct mode (spec.md §6's "direct mode
// commands", toggled by /ai and /dr).
func (d *dispatchingController) runDirect(ctx context.Context, command string) error {
	if command == "" {
		return nil
	}
	result, err := d.pty.Run(ctx, command, d.ctrl.Session.CWD)
	if err != nil {
		return fmt.Errorf("command failed to start: %w", err)
	}
	if result.NewCWD != "" {
		d.ctrl.Session.CWD = result.NewCWD
	}
	d.ui.ShowSystemMessage(result.Output)
	if !result.Success {
		return fmt.Errorf("command failed")
	}
	return nil
}

func buildSystemPrompt(contextFile string) string {
	prompt := basePrompt
	if contextFile != "" {
		prompt += "\n\n" + contextFile
	}
	return prompt
}

const basePrompt = `You are an agentic terminal shell. The user describes what they want in
plain language; you accomplish it by emitting exactly one tool block per
reply:

  ` + "```command\n<shell command>\n```" + `
  ` + "```websearch\n<query>\n```" + `
  ` + "```context_distill\nid: <n>\nsummary: <text>\n```" + `
  ` + "```context_prune\nids: <n,n,...>\n```" + `
  ` + "```context_untruncate\nid: <n>\n```" + `

When the task is done, reply with plain text ending in [COMPLETE]. If you
need the user to clarify something, reply with plain text ending in
[QUESTION]. Never emit more than one tool block in a single reply.`

// startSession offers to resume a recent active session, per conversation_manager.py's
// check_for_resume/Confirm.ask("Resume previous session?", default=True): finding
// one is not enough, the user must accept it before it replaces a fresh session.
func startSession(convStore *store.Store, cwd string) (*protocol.Session, bool) {
	active, ok, err := convStore.CheckForResume()
	if err == nil && ok && confirmResume(active) {
		convStore.ResumeSession(active)
		return active, true
	}
	return protocol.NewSession("session_"+uuid.NewString(), cwd), false
}

// confirmResume prints a summary of the candidate session and asks the user
// to accept it, defaulting to yes on a bare Enter to match the original's
// Confirm.ask(..., default=True).
func confirmResume(session *protocol.Session) bool {
	fmt.Printf("\nFound a previous session from %s:\n", session.LastUpdated.Format("2006-01-02 15:04"))
	if session.Summary != "" {
		fmt.Printf("  %s\n", session.Summary)
	}
	fmt.Print("Resume previous session? [Y/n] ")

	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "" || line == "y" || line == "yes"
}

func modelName(cfg config.Config, alias string) string {
	if m, ok := cfg.Models.Available[alias]; ok {
		return m.Name
	}
	return alias
}

func cloneSafeCommands(names []string) map[string]bool {
	out := make(map[string]bool, len(safety.DefaultSafeCommands)+len(names))
	for k, v := range safety.DefaultSafeCommands {
		out[k] = v
	}
	for _, n := range names {
		out[n] = true
	}
	return out
}
