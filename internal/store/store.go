// Package store implements the Conversation Store (§4.F): persistence,
// resume-on-startup, auto-save, and the active/recent/saved/archive file
// layout.
//
// Grounded on _examples/original_source/src/conversation_manager.py
// (ConversationManager): the four-directory layout, the 24-hour resume
// window, the interaction-count-driven auto-save cadence, and the
// mtime-sorted recent ring bounded by max_recent are a direct port of that
// class's algorithm. The JSON-file-per-session persistence mechanics reuse
// the teacher's pattern from
// _examples/igoryanba-ricochet/core/internal/agent/session_manager.go
// (one file per session, encoding/json with indent). Concurrent-safe writes
// to active.json use github.com/gofrs/flock, the teacher's file-locking
// dependency, since unlike session_manager.go's in-process map this store
// is the only writer but must not corrupt active.json if interrupted
// mid-write by a signal.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/igoryan-dao/shellmate/internal/protocol"
)

// Store manages conversation persistence under a base directory split into
// active.json, recent/, saved/, and archive/.
type Store struct {
	basePath string

	AutoSaveInterval int
	MaxRecent        int
	ResumeOnStartup  bool

	incognito bool
}

// New returns a Store rooted at basePath, creating its subdirectories.
func New(basePath string, autoSaveInterval, maxRecent int, resumeOnStartup bool) (*Store, error) {
	s := &Store{
		basePath:         basePath,
		AutoSaveInterval: autoSaveInterval,
		MaxRecent:        maxRecent,
		ResumeOnStartup:  resumeOnStartup,
	}
	for _, dir := range []string{s.basePath, s.recentDir(), s.savedDir(), s.archiveDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create conversation dir %s: %w", dir, err)
		}
	}
	return s, nil
}

// SetIncognito toggles whether persistence calls are silently skipped, per
// spec.md's incognito mode (SUPPLEMENTED feature and §4.F Non-goals carry
// no save/resume in incognito sessions).
func (s *Store) SetIncognito(incognito bool) { s.incognito = incognito }

func (s *Store) activePath() string   { return filepath.Join(s.basePath, "active.json") }
func (s *Store) recentDir() string    { return filepath.Join(s.basePath, "recent") }
func (s *Store) savedDir() string     { return filepath.Join(s.basePath, "saved") }
func (s *Store) archiveDir() string   { return filepath.Join(s.basePath, "archive") }
func (s *Store) lockPath() string     { return filepath.Join(s.basePath, "active.json.lock") }

// CheckForResume returns the previously active session if ResumeOnStartup
// is set, the active.json file exists, has messages, and was last updated
// within the last 24 hours. The caller is responsible for prompting the
// user; a zero-value, ok=false result means "nothing to resume."
func (s *Store) CheckForResume() (session *protocol.Session, ok bool, err error) {
	if !s.ResumeOnStartup {
		return nil, false, nil
	}

	sess, err := s.loadFile(s.activePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if sess == nil || len(sess.Messages) == 0 {
		return nil, false, nil
	}
	if time.Since(sess.LastUpdated) > 24*time.Hour {
		return nil, false, nil
	}
	return sess, true, nil
}

// ResumeSession marks session as resumed and touches its timestamps.
func (s *Store) ResumeSession(session *protocol.Session) {
	session.Status = protocol.SessionResumed
	session.Touch()
}

// UpdatePayload records new messages against the session, updates its
// summary and timestamps, and triggers an auto-save every AutoSaveInterval
// interactions. No-op (beyond counters) in incognito mode.
func (s *Store) UpdatePayload(session *protocol.Session, originalRequest string) error {
	session.Touch()
	if originalRequest != "" && session.OriginalRequest == "" {
		session.OriginalRequest = originalRequest
	}
	session.Summary = summarize(session.Messages)
	session.InteractionCount++

	if s.AutoSaveInterval > 0 && session.InteractionCount%s.AutoSaveInterval == 0 {
		return s.autoSave(session)
	}
	return nil
}

func (s *Store) autoSave(session *protocol.Session) error {
	if s.incognito {
		return nil
	}
	return s.saveFileLocked(s.activePath(), session)
}

// SaveConversation persists session under the saved/ directory with the
// given (sanitized) name, returning the sanitized name actually used.
// Overwrite must be true if a file with that name already exists.
func (s *Store) SaveConversation(session *protocol.Session, name string, overwrite bool) (string, error) {
	if s.incognito {
		return "", fmt.Errorf("cannot save conversations in incognito mode")
	}
	if len(session.Messages) == 0 {
		return "", fmt.Errorf("no conversation to save")
	}

	safeName := SanitizeName(name)
	if safeName == "" {
		safeName = fmt.Sprintf("conversation_%d", time.Now().Unix())
	}
	path := filepath.Join(s.savedDir(), safeName+".json")

	if _, err := os.Stat(path); err == nil && !overwrite {
		return safeName, fmt.Errorf("conversation %q already exists", safeName)
	}

	session.Status = protocol.SessionSaved
	if err := s.saveFile(path, session); err != nil {
		return safeName, err
	}
	return safeName, nil
}

// LoadConversation loads a saved conversation by name, archiving the
// caller's current (non-empty) session to recent/ first.
func (s *Store) LoadConversation(current *protocol.Session, name string) (*protocol.Session, error) {
	safeName := SanitizeName(name)
	path := filepath.Join(s.savedDir(), safeName+".json")

	loaded, err := s.loadFile(path)
	if err != nil {
		return nil, fmt.Errorf("conversation %q not found: %w", name, err)
	}

	if current != nil && len(current.Messages) > 0 {
		s.moveToRecent(current)
	}

	loaded.Status = protocol.SessionLoaded
	loaded.Touch()
	return loaded, nil
}

// ConversationSummary is one row in a saved/recent listing.
type ConversationSummary struct {
	Name         string
	Path         string
	LastActivity time.Time
	Summary      string
	MessageCount int
}

// ListSaved returns all saved conversations, most recently modified first.
func (s *Store) ListSaved() ([]ConversationSummary, error) {
	return s.listDir(s.savedDir(), func(p string) string {
		return strings.TrimSuffix(filepath.Base(p), ".json")
	})
}

// ListRecent returns recent conversations (the auto-archived ring), most
// recently used first — the order /load <index> indexes into.
func (s *Store) ListRecent() ([]ConversationSummary, error) {
	return s.listDir(s.recentDir(), func(p string) string {
		return strings.TrimSuffix(filepath.Base(p), ".json")
	})
}

func (s *Store) listDir(dir string, nameOf func(string) string) ([]ConversationSummary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []ConversationSummary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		sess, err := s.loadFile(path)
		if err != nil {
			continue
		}
		out = append(out, ConversationSummary{
			Name:         nameOf(path),
			Path:         path,
			LastActivity: info.ModTime(),
			Summary:      sess.Summary,
			MessageCount: len(sess.Messages),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

// LoadRecentByIndex loads the recent conversation at the given 1-based
// index, as listed by ListRecent.
func (s *Store) LoadRecentByIndex(current *protocol.Session, index int) (*protocol.Session, error) {
	recents, err := s.ListRecent()
	if err != nil {
		return nil, err
	}
	if index < 1 || index > len(recents) {
		return nil, fmt.Errorf("invalid index, choose a number between 1 and %d", len(recents))
	}

	loaded, err := s.loadFile(recents[index-1].Path)
	if err != nil {
		return nil, err
	}

	if current != nil && len(current.Messages) > 0 {
		s.moveToRecent(current)
	}

	loaded.Status = protocol.SessionLoaded
	loaded.Touch()
	return loaded, nil
}

// ArchiveConversation moves session to archive/ permanently (no recent-ring
// cleanup, no later listing) and returns a fresh session to replace it.
func (s *Store) ArchiveConversation(session *protocol.Session, cwd string) (*protocol.Session, error) {
	if len(session.Messages) == 0 {
		return nil, fmt.Errorf("no conversation to archive")
	}
	session.Status = protocol.SessionArchived
	path := filepath.Join(s.archiveDir(), session.ID+".json")
	if err := s.saveFile(path, session); err != nil {
		return nil, err
	}
	return protocol.NewSession(newSessionID(), cwd), nil
}

// DeleteConversation removes a saved conversation by name.
func (s *Store) DeleteConversation(name string) error {
	safeName := SanitizeName(name)
	path := filepath.Join(s.savedDir(), safeName+".json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("conversation %q not found", name)
	}
	return os.Remove(path)
}

// ClearConversation archives the current session (if non-empty) to recent/
// and removes active.json, returning a fresh session.
func (s *Store) ClearConversation(session *protocol.Session, cwd string) *protocol.Session {
	if len(session.Messages) > 0 {
		s.moveToRecent(session)
	}
	_ = os.Remove(s.activePath())
	return protocol.NewSession(newSessionID(), cwd)
}

// SaveAndExit archives a non-empty session to recent/ and removes
// active.json, called on graceful shutdown.
func (s *Store) SaveAndExit(session *protocol.Session) error {
	if len(session.Messages) == 0 {
		return nil
	}
	s.moveToRecent(session)
	if err := os.Remove(s.activePath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) moveToRecent(session *protocol.Session) {
	if s.incognito || len(session.Messages) == 0 {
		return
	}
	session.Status = protocol.SessionRecent
	path := filepath.Join(s.recentDir(), session.ID+".json")
	if err := s.saveFile(path, session); err != nil {
		return
	}
	s.cleanupRecent()
}

func (s *Store) cleanupRecent() {
	entries, err := os.ReadDir(s.recentDir())
	if err != nil {
		return
	}
	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(s.recentDir(), e.Name()), modTime: info.ModTime()})
	}
	if len(files) <= s.MaxRecent {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files[:len(files)-s.MaxRecent] {
		_ = os.Remove(f.path)
	}
}

func (s *Store) loadFile(path string) (*protocol.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sess protocol.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	return &sess, nil
}

func (s *Store) saveFile(path string, session *protocol.Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// saveFileLocked is used for active.json, the one file written repeatedly
// over a session's lifetime and at risk of a torn write if interrupted.
func (s *Store) saveFileLocked(path string, session *protocol.Session) error {
	lock := flock.New(s.lockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock active conversation: %w", err)
	}
	defer lock.Unlock()
	tmp := path + ".tmp"
	if err := s.saveFile(tmp, session); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SanitizeName keeps alphanumerics, '-', '_', and spaces (spaces become
// underscores), matching conversation_manager.py's filename sanitization.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == ' ' {
			b.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(b.String()), " ", "_")
}

func summarize(messages []protocol.Message) string {
	if len(messages) == 0 {
		return "Empty conversation"
	}
	for _, m := range messages {
		if m.Role == protocol.RoleUser {
			content := m.Content
			if len(content) > 50 {
				return content[:47] + "..."
			}
			return content
		}
	}
	return "System-only conversation"
}

func newSessionID() string {
	return "session_" + uuid.NewString()
}
