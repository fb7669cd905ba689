package domain

import "slices"

// DefaultConversation is the name that always exists in the conversation list.
const DefaultConversation = "Default chat"

// Settings is the small persisted UI state. It is derived data: the
// conversation list is reconciled against stored transcripts on startup.
type Settings struct {
	Theme         string   `json:"theme"`
	Conversations []string `json:"history"`
	Mode          Mode     `json:"mode"`
}

// DefaultSettings returns the settings used when nothing is persisted.
func DefaultSettings() *Settings {
	return &Settings{
		Theme:         "light",
		Conversations: []string{DefaultConversation},
		Mode:          ModeStory,
	}
}

// Normalize fills missing fields with defaults and folds the stored mode
// onto story or freeform.
func (s *Settings) Normalize() {
	if s.Theme == "" {
		s.Theme = "light"
	}
	if s.Conversations == nil {
		s.Conversations = []string{DefaultConversation}
	}
	switch {
	case s.Mode <= 0:
		s.Mode = ModeStory
	case s.Mode > ModeFreeform:
		// Persona is never stored; fold larger values by parity.
		s.Mode = s.Mode.normalize()
	}
}

// MergeNames returns the names in lists, in first-seen order without
// duplicates, with DefaultConversation appended if absent.
func MergeNames(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var merged []string
	for _, list := range lists {
		for _, name := range list {
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			merged = append(merged, name)
		}
	}
	if !slices.Contains(merged, DefaultConversation) {
		merged = append(merged, DefaultConversation)
	}
	return merged
}
