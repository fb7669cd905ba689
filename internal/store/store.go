// Package store provides conversation persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ashureev/moodchat/internal/config"
	"github.com/ashureev/moodchat/internal/domain"
)

// ErrEmptyName is returned when a transcript is saved without a name.
var ErrEmptyName = errors.New("conversation name is empty")

// Repository defines the interface for persisting transcripts and settings.
type Repository interface {
	// LoadTranscript returns the messages of the named conversation, or an
	// empty slice if it does not exist.
	LoadTranscript(ctx context.Context, name string) ([]domain.Message, error)

	// SaveTranscript replaces the named conversation with msgs.
	SaveTranscript(ctx context.Context, name string, msgs []domain.Message) error

	// TranscriptNames lists the names of stored conversations.
	TranscriptNames(ctx context.Context) ([]string, error)

	// LoadSettings returns the persisted settings, or defaults.
	LoadSettings(ctx context.Context) (*domain.Settings, error)

	// SaveSettings replaces the persisted settings.
	SaveSettings(ctx context.Context, settings *domain.Settings) error

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing storage.
	Close() error
}

// Open returns the repository selected by cfg.Backend.
func Open(cfg config.StoreConfig) (Repository, error) {
	switch cfg.Backend {
	case "json":
		return NewJSONFile(cfg.SettingsPath, cfg.HistoryPath)
	case "sqlite":
		return NewSQLite(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// ListNames merges the settings conversation list with the stored
// transcript names. The default conversation is always present.
func ListNames(ctx context.Context, repo Repository) ([]string, error) {
	settings, err := repo.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	stored, err := repo.TranscriptNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	return domain.MergeNames(settings.Conversations, stored), nil
}

// Sync reconciles the settings conversation list with stored transcripts
// and persists the result if it changed.
func Sync(ctx context.Context, repo Repository) (*domain.Settings, error) {
	settings, err := repo.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	stored, err := repo.TranscriptNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	merged := domain.MergeNames(settings.Conversations, stored)
	if slices.Equal(merged, settings.Conversations) {
		return settings, nil
	}
	settings.Conversations = merged
	if err := repo.SaveSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}
	return settings, nil
}
