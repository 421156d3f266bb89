// Package logging is a thin wrapper around the standard log.Logger, writing
// to a per-workspace log file under internal/paths.GetLogDir instead of
// stderr, so interactive TUI output is never interleaved with diagnostics.
//
// Grounded on _examples/igoryanba-ricochet/core/internal/agent/session_manager.go,
// which logs warnings with the plain standard-library log package
// (log.Printf("Warning: ...")) rather than a structured-logging library;
// this package keeps that style and only adds the per-workspace file
// destination spec.md's single-TTY framing requires.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/igoryan-dao/shellmate/internal/paths"
)

// Open creates (or appends to) shellmate.log under the workspace's log
// directory and returns a Logger writing to it. If the directory or file
// cannot be created, it falls back to a Logger writing to os.Stderr — a
// logging failure must never stop the shell from starting.
func Open(workspaceRoot string) (*log.Logger, func() error) {
	dir := paths.GetLogDir(workspaceRoot)
	if err := paths.EnsureDir(dir); err != nil {
		return log.New(os.Stderr, "shellmate: ", log.LstdFlags), func() error { return nil }
	}

	f, err := os.OpenFile(filepath.Join(dir, "shellmate.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return log.New(os.Stderr, "shellmate: ", log.LstdFlags), func() error { return nil }
	}
	return log.New(f, "", log.LstdFlags), f.Close
}

// Warnf matches the teacher's log.Printf("Warning: ...") idiom for
// non-fatal problems worth a paper trail but not worth interrupting the
// session over.
func Warnf(l *log.Logger, format string, args ...any) {
	l.Printf("Warning: %s", fmt.Sprintf(format, args...))
}
