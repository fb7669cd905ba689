package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ashureev/moodchat/internal/domain"
)

// JSONFileStore implements Repository with two flat JSON documents: one
// settings object and one object mapping conversation names to transcripts.
// Every save rewrites the whole transcript document.
type JSONFileStore struct {
	settingsPath string
	historyPath  string
	mu           sync.Mutex // serializes read-modify-write within this process
}

// NewJSONFile creates a file-backed repository, creating empty documents
// if they do not exist yet.
func NewJSONFile(settingsPath, historyPath string) (Repository, error) {
	s := &JSONFileStore{settingsPath: settingsPath, historyPath: historyPath}

	for _, p := range []string{settingsPath, historyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	if _, err := os.Stat(historyPath); errors.Is(err, fs.ErrNotExist) {
		if err := writeJSONAtomic(historyPath, map[string][]domain.Message{}); err != nil {
			return nil, fmt.Errorf("initialize history document: %w", err)
		}
	}
	if _, err := os.Stat(settingsPath); errors.Is(err, fs.ErrNotExist) {
		if err := writeJSONAtomic(settingsPath, domain.DefaultSettings()); err != nil {
			return nil, fmt.Errorf("initialize settings document: %w", err)
		}
	}

	return s, nil
}

// LoadTranscript returns the named transcript.
func (s *JSONFileStore) LoadTranscript(_ context.Context, name string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readHistory()
	if err != nil {
		return nil, err
	}
	return domain.Clone(all[name]), nil
}

// SaveTranscript rewrites the history document with name set to msgs.
func (s *JSONFileStore) SaveTranscript(_ context.Context, name string, msgs []domain.Message) error {
	if name == "" {
		return ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readHistory()
	if err != nil {
		return err
	}
	all[name] = domain.Clone(msgs)
	if err := writeJSONAtomic(s.historyPath, all); err != nil {
		return fmt.Errorf("write history document: %w", err)
	}
	return nil
}

// TranscriptNames returns stored names in lexical order; JSON objects carry
// no ordering of their own.
func (s *JSONFileStore) TranscriptNames(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readHistory()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadSettings reads the settings document. A missing or unreadable
// document yields defaults.
func (s *JSONFileStore) LoadSettings(_ context.Context) (*domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := domain.DefaultSettings()
	data, err := os.ReadFile(s.settingsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings document: %w", err)
	}
	if err := json.Unmarshal(data, settings); err != nil {
		slog.Warn("Settings document is malformed, using defaults", "path", s.settingsPath, "error", err)
		return domain.DefaultSettings(), nil
	}
	settings.Normalize()
	return settings, nil
}

// SaveSettings rewrites the settings document.
func (s *JSONFileStore) SaveSettings(_ context.Context, settings *domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *settings
	cp.Normalize()
	if err := writeJSONAtomic(s.settingsPath, &cp); err != nil {
		return fmt.Errorf("write settings document: %w", err)
	}
	return nil
}

// Ping checks that the history document is readable.
func (s *JSONFileStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.readHistory()
	return err
}

// Close is a no-op for file storage.
func (s *JSONFileStore) Close() error { return nil }

func (s *JSONFileStore) readHistory() (map[string][]domain.Message, error) {
	all := map[string][]domain.Message{}
	data, err := os.ReadFile(s.historyPath)
	if errors.Is(err, fs.ErrNotExist) {
		return all, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history document: %w", err)
	}
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decode history document: %w", err)
	}
	return all, nil
}

// writeJSONAtomic writes v as indented JSON to a temp file and renames it
// over path.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if _, statErr := os.Stat(tmpName); statErr == nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
