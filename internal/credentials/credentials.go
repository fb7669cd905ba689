// Package credentials resolves the API keys used for completion and
// transcription calls and tracks whether the process runs on shared keys.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ashureev/moodchat/internal/domain"
)

// Environment variable names read during resolution.
const (
	EnvCompletionKey = "COMPLETION_API_KEY"
	EnvSpeechKey     = "SPEECH_API_KEY"
	EnvSpeechSecret  = "SPEECH_SECRET_KEY"
)

var (
	// ErrInvalidKeys is returned when user-supplied keys fail validation.
	ErrInvalidKeys = errors.New("credentials do not match the expected format")
	// ErrNoCredentials is returned when nothing resolves, not even the
	// built-in shared set.
	ErrNoCredentials = errors.New("no usable credentials")
)

// Source records where the active credentials came from.
type Source string

const (
	SourceEnvironment Source = "environment"
	SourceFile        Source = "file"
	SourceDefault     Source = "default"
)

// Options configures a Manager.
type Options struct {
	SecretsPath string
	GuidePath   string
	// Default is the shared fallback set. It is trusted as-is.
	Default domain.CredentialSet
	// Lookup reads environment variables; os.LookupEnv when nil.
	Lookup func(string) (string, bool)
	Logger *slog.Logger
	// OnChange, when set, is called after a reload that changed the source.
	OnChange func(source Source)
}

// Manager owns the active credential set for the process.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu            sync.RWMutex
	current       domain.CredentialSet
	source        Source
	forcedDefault bool
}

// NewManager resolves credentials once and returns the manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Lookup == nil {
		opts.Lookup = os.LookupEnv
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{opts: opts, logger: logger}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the active credential set.
func (m *Manager) Current() domain.CredentialSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CompletionKey returns the active completion API key.
func (m *Manager) CompletionKey() string {
	return m.Current().CompletionKey
}

// Degraded reports whether the shared fallback keys are in use.
func (m *Manager) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.source == SourceDefault
}

// Source returns where the active credentials came from.
func (m *Manager) Source() Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.source
}

// Reload re-runs resolution: environment, then secrets file, then the
// shared default.
func (m *Manager) Reload() error {
	m.mu.RLock()
	forced := m.forcedDefault
	m.mu.RUnlock()

	set, source := Resolve(m.opts.Lookup, m.opts.SecretsPath, m.logger)
	if forced {
		set, source = domain.CredentialSet{}, SourceDefault
	}
	if source == SourceDefault {
		if m.opts.Default.Empty() {
			return ErrNoCredentials
		}
		set = m.opts.Default
		m.logger.Warn("Using shared API keys: requests are rate limited and may be unstable",
			"guide", m.opts.GuidePath)
		if err := WriteGuide(m.opts.GuidePath); err != nil {
			m.logger.Warn("Failed to write key setup guide", "path", m.opts.GuidePath, "error", err)
		}
	}

	m.mu.Lock()
	changed := m.source != source
	m.current = set
	m.source = source
	m.mu.Unlock()

	if changed {
		m.logger.Info("Credentials resolved", "source", source)
		if m.opts.OnChange != nil {
			m.opts.OnChange(source)
		}
	}
	return nil
}

// SaveUserKeys validates set, writes it to the secrets file and reloads.
func (m *Manager) SaveUserKeys(set domain.CredentialSet) error {
	if !set.Valid() {
		return ErrInvalidKeys
	}
	if err := writeSecrets(m.opts.SecretsPath, set); err != nil {
		return err
	}

	m.mu.Lock()
	m.forcedDefault = false
	m.mu.Unlock()

	return m.Reload()
}

// UseDefault switches to the shared keys until user keys are saved again.
func (m *Manager) UseDefault() error {
	m.mu.Lock()
	m.forcedDefault = true
	m.mu.Unlock()
	return m.Reload()
}

// Guide returns the setup guide text.
func (m *Manager) Guide() string {
	if m.opts.GuidePath != "" {
		if data, err := os.ReadFile(m.opts.GuidePath); err == nil {
			return string(data)
		}
	}
	return guideText
}

// Resolve picks the first source whose three keys all validate. It returns
// SourceDefault with an empty set when neither the environment nor the
// secrets file qualifies.
func Resolve(lookup func(string) (string, bool), secretsPath string, logger *slog.Logger) (domain.CredentialSet, Source) {
	env := domain.CredentialSet{
		CompletionKey: lookupValue(lookup, EnvCompletionKey),
		SpeechKey:     lookupValue(lookup, EnvSpeechKey),
		SpeechSecret:  lookupValue(lookup, EnvSpeechSecret),
	}
	if env.Valid() {
		return env, SourceEnvironment
	}

	fileSet, err := readSecrets(secretsPath)
	switch {
	case err == nil:
		merged := env.Overlay(fileSet)
		if merged.Valid() {
			return merged, SourceFile
		}
	case !errors.Is(err, fs.ErrNotExist):
		if logger != nil {
			logger.Warn("Failed to read secrets file", "path", secretsPath, "error", err)
		}
	}

	return domain.CredentialSet{}, SourceDefault
}

func lookupValue(lookup func(string) (string, bool), key string) string {
	v, _ := lookup(key)
	return v
}

func readSecrets(path string) (domain.CredentialSet, error) {
	var set domain.CredentialSet
	if path == "" {
		return set, fs.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return set, err
	}
	if err := json.Unmarshal(data, &set); err != nil {
		return set, fmt.Errorf("decode secrets file: %w", err)
	}
	return set, nil
}

func writeSecrets(path string, set domain.CredentialSet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create secrets directory: %w", err)
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("encode secrets: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	return nil
}
