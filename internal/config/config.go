// Package config loads and persists the structured configuration named in
// spec.md §6.
//
// Grounded on _examples/igoryanba-ricochet/core/internal/config/store.go:
// the Store shape (RWMutex-guarded *Settings, JSON file under a home-rooted
// config dir, Load/Save/Get/Update(fn)) is carried over unchanged; the
// Settings fields themselves are redefined for this spec.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/igoryan-dao/shellmate/internal/paths"
)

// APISettings names the main chat endpoint.
type APISettings struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

// ModelAlias names one selectable model.
type ModelAlias struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// ModelsSettings picks the active model alias out of a map of available ones.
type ModelsSettings struct {
	ResponseModel string                `json:"response_model"`
	Available     map[string]ModelAlias `json:"available"`
}

// IncognitoSettings configures the optional local/alternative profile.
type IncognitoSettings struct {
	Enabled bool        `json:"enabled"`
	API     APISettings `json:"api"`
	Model   ModelAlias  `json:"model"`
}

// WebSearchSettings configures the websearch tool's backing model. If URL
// or APIKey are empty, the main API credentials are reused.
type WebSearchSettings struct {
	Enabled      bool   `json:"enabled"`
	Model        string `json:"model"`
	APIURL       string `json:"api_url,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// SettingsBlock holds operator-tunable limits referenced throughout §4.
type SettingsBlock struct {
	MaxRetries             int      `json:"max_retries"`
	PayloadTruncateLength  int      `json:"payload_truncate_length"`
	DefaultMode            string   `json:"default_mode"`
	ShowWelcomeMessage     bool     `json:"show_welcome_message"`
	SafeCommands           []string `json:"safe_commands,omitempty"`
}

// ConversationsSettings configures the Conversation Store (§4.F).
type ConversationsSettings struct {
	AutoSaveInterval int    `json:"auto_save_interval"`
	MaxRecent        int    `json:"max_recent"`
	ResumeOnStartup  bool   `json:"resume_on_startup"`
	StoragePath      string `json:"storage_path"`
}

// Config is the full structured configuration at <config-dir>/config.json.
type Config struct {
	API           APISettings           `json:"api"`
	Models        ModelsSettings        `json:"models"`
	Incognito     IncognitoSettings     `json:"incognito"`
	WebSearch     WebSearchSettings     `json:"web_search"`
	Settings      SettingsBlock         `json:"settings"`
	Conversations ConversationsSettings `json:"conversations"`
	// Prompt holds the per-mode prompt-section overrides named in spec.md
	// §6. No component reads or writes individual keys yet (the per-mode
	// prompt system itself is out of scope); it is kept as raw JSON purely
	// so a hand-edited config.json round-trips through Load/Save without
	// losing the block.
	Prompt json.RawMessage `json:"prompt,omitempty"`
	Theme  string          `json:"theme"`
}

// Store guards a Config loaded from and saved to disk.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// Default returns the built-in defaults, grounded on
// _examples/original_source/src/ai_shell/constants.py.
func Default() *Config {
	storageRoot := paths.GetGlobalDir()
	return &Config{
		Models: ModelsSettings{
			ResponseModel: "default",
			Available: map[string]ModelAlias{
				"default": {Name: "gpt-4o", DisplayName: "GPT-4o"},
			},
		},
		Incognito: IncognitoSettings{
			Enabled: true,
			API:     APISettings{URL: "http://localhost:11434/v1", APIKey: "ollama"},
			Model:   ModelAlias{Name: "llama3.2:latest", DisplayName: "Llama 3.2"},
		},
		Settings: SettingsBlock{
			MaxRetries:            30,
			PayloadTruncateLength: 1500,
			DefaultMode:           "agent",
			ShowWelcomeMessage:    true,
		},
		Conversations: ConversationsSettings{
			AutoSaveInterval: 5,
			MaxRecent:        10,
			ResumeOnStartup:  true,
			StoragePath:      filepath.Join(storageRoot, "conversations"),
		},
		Theme: "dark",
	}
}

// NewStore loads (or creates, with defaults) the config at
// <config-dir>/config.json. A missing api_key is not itself fatal here —
// the caller enforces spec.md §7's "missing api key" fatal-at-startup rule
// after inspecting the loaded Config.
func NewStore(configDir string) (*Store, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}

	store := &Store{
		path: filepath.Join(configDir, "config.json"),
		cfg:  Default(),
	}

	if err := store.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if err := store.Save(); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
	}

	return store, nil
}

func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config.json: %w", err)
	}
	s.cfg = &cfg
	return nil
}

func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	fn(s.cfg)
	s.mu.Unlock()
	return s.Save()
}

// LoadContextFile reads the neighboring <config-dir>/context.md file,
// appended verbatim to the system prompt. A missing file is not an error —
// it simply contributes nothing.
func LoadContextFile(configDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(configDir, "context.md"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
