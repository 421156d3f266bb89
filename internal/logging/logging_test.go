package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/igoryan-dao/shellmate/internal/paths"
)

func TestOpenWritesToWorkspaceLogFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	workspace := t.TempDir()
	logger, closeLog := Open(workspace)
	defer closeLog()

	logger.Printf("hello from test")
	closeLog()

	logPath := filepath.Join(paths.GetLogDir(workspace), "shellmate.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Fatalf("expected log file to contain the logged line, got %q", string(data))
	}
}

func TestWarnfPrependsWarningPrefix(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	workspace := t.TempDir()
	logger, closeLog := Open(workspace)
	defer closeLog()

	Warnf(logger, "turn failed: %v", "boom")
	closeLog()

	logPath := filepath.Join(paths.GetLogDir(workspace), "shellmate.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "Warning: turn failed: boom") {
		t.Fatalf("expected formatted warning line, got %q", string(data))
	}
}
