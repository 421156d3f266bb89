// Package ptyexec runs a shell command under a real pseudo-terminal,
// multiplexing the user's keystrokes and the command's output, and detects
// logical working-directory changes that must persist across turns.
//
// Grounded on _examples/original_source/src/ai_shell/commands.py
// (execute_command): the cd-wrap, process-group isolation, raw-mode
// terminal handling, select-style I/O loop, and post-exit cwd probe are a
// direct port of that function's algorithm, using
// github.com/creack/pty (the teacher's dependency,
// _examples/igoryanba-ricochet/core/internal/host/pty_manager.go) in place
// of Python's pty.openpty()+subprocess.Popen.
package ptyexec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/igoryan-dao/shellmate/internal/safety"
)

// Executor runs commands in the caller's controlling terminal.
type Executor struct {
	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	Stdin  *os.File
	Stdout *os.File

	// DirChangingCommands names words that, when present in a command,
	// trigger the post-exit cwd probe (default: cd, pushd, popd).
	DirChangingCommands map[string]bool

	// ProbeTimeout bounds the secondary cwd-detection subprocess.
	ProbeTimeout time.Duration
}

// Result is the outcome of one Run call.
type Result struct {
	Success bool
	Output  string
	// NewCWD is set when the command changed the logical working
	// directory and it was detected by the probe; empty otherwise.
	NewCWD string
}

// New returns an Executor with the spec.md defaults: cd/pushd/popd trigger
// the directory probe, which times out after 5 seconds.
func New() *Executor {
	return &Executor{
		DirChangingCommands: map[string]bool{"cd": true, "pushd": true, "popd": true},
		ProbeTimeout:        5 * time.Second,
	}
}

// Run executes command with cwd as the logical working directory. It wraps
// the command as `cd <cwd> && <command>`, runs it in a fresh pty under its
// own process group, forwards stdin to the pty and pty output to stdout
// (capturing a copy), and on ctx cancellation sends SIGTERM to the process
// group, waits briefly, then escalates to SIGKILL.
func (e *Executor) Run(ctx context.Context, command, cwd string) (Result, error) {
	if strings.TrimSpace(command) == "" {
		return Result{Success: false}, fmt.Errorf("empty command")
	}

	stdin := e.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := e.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	wrapped := fmt.Sprintf("cd %s && %s", shellQuote(cwd), command)
	cmd := exec.Command("/bin/bash", "-c", wrapped)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "FORCE_COLOR=1", "COLORTERM=truecolor")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return Result{Success: false}, fmt.Errorf("creating pseudo-terminal: %w", err)
	}
	defer ptmx.Close()

	var oldState *term.State
	isTerminal := term.IsTerminal(int(stdin.Fd()))
	if isTerminal {
		oldState, err = term.MakeRaw(int(stdin.Fd()))
		if err != nil {
			oldState = nil
		}
	}
	defer func() {
		if oldState != nil {
			_ = term.Restore(int(stdin.Fd()), oldState)
		}
	}()

	var captured strings.Builder
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	inputDone := make(chan struct{})
	go e.forwardStdin(stdin, ptmx, inputDone)

	copyOutput := func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := ptmx.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				stdout.Write(chunk)
				captured.Write(chunk)
			}
			if rerr != nil {
				return
			}
		}
	}
	outputDone := make(chan struct{})
	go func() { copyOutput(); close(outputDone) }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		terminateProcessGroup(cmd)
		waitErr = <-done
	}

	// Drain any residual output after the child exits.
	select {
	case <-outputDone:
	case <-time.After(200 * time.Millisecond):
	}

	close(inputDone)

	success := waitErr == nil
	result := Result{Success: success, Output: captured.String()}

	if !hasPrivilegeEscalationPrefix(command) {
		if newDir, ok := e.probeCWD(command, cwd); ok {
			result.NewCWD = newDir
		}
	}

	return result, nil
}

// forwardStdin copies raw keystrokes from in to the pty master until done
// is closed or a read error occurs.
func (e *Executor) forwardStdin(in *os.File, ptmx *os.File, done chan struct{}) {
	buf := make([]byte, 1024)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := ptmx.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return
	}
	syscall.Kill(-pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// hasPrivilegeEscalationPrefix reports whether command's first word changes
// the execution context (sudo, doas, nohup), matching internal/safety's own
// list so a privilege-escalated command is never trusted to reflect the
// caller's logical cwd.
func hasPrivilegeEscalationPrefix(command string) bool {
	first := strings.Fields(command)
	if len(first) == 0 {
		return false
	}
	for _, prefix := range safety.PrivilegeEscalationPrefixes {
		if first[0] == prefix {
			return true
		}
	}
	return false
}

// probeCWD runs `cd <cwd> && <command> >/dev/null 2>&1 && pwd` under a
// timeout and, if it yields a valid existing directory different from cwd,
// returns it. Gated on command containing a directory-changing word and not
// starting with a privilege-escalation prefix (checked by the caller).
func (e *Executor) probeCWD(command, cwd string) (string, bool) {
	words := strings.Fields(command)
	mightChange := false
	for _, w := range words {
		if e.DirChangingCommands[w] {
			mightChange = true
			break
		}
	}
	if !mightChange {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.ProbeTimeout)
	defer cancel()

	probe := fmt.Sprintf("cd %s && %s >/dev/null 2>&1 && pwd", shellQuote(cwd), command)
	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", probe)
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	newDir := strings.TrimSpace(string(out))
	if newDir == "" || newDir == cwd {
		return "", false
	}
	if info, err := os.Stat(newDir); err != nil || !info.IsDir() {
		return "", false
	}
	return newDir, true
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
