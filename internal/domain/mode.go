package domain

import "strings"

// Mode selects the assistant persona and prompt for a turn.
type Mode int

const (
	// ModeStory generates a scenario and critiques the user's choice.
	ModeStory Mode = 1
	// ModeFreeform is open discussion, gated on emotional relevance.
	ModeFreeform Mode = 2
	// ModePersona is the playful cat persona.
	ModePersona Mode = 3
)

// PersonaPrefix switches a single turn into persona mode when the raw
// message starts with it. The match is literal and case-sensitive.
const PersonaPrefix = "cat"

// NextMode is the mode transition function.
//
// An explicit toggle cycles between story and freeform. Otherwise a message
// starting with PersonaPrefix selects persona for that turn, and any other
// message runs in the non-persona mode of the same parity as prior.
func NextMode(prior Mode, raw string, toggle bool) Mode {
	if toggle {
		return prior.normalize()%2 + 1
	}
	if strings.HasPrefix(raw, PersonaPrefix) {
		return ModePersona
	}
	return prior.normalize()
}

// normalize folds any value onto story or freeform by parity.
func (m Mode) normalize() Mode {
	if m < 0 {
		m = -m
	}
	return 2 - m%2
}

// Valid reports whether m is one of the three known modes.
func (m Mode) Valid() bool {
	return m == ModeStory || m == ModeFreeform || m == ModePersona
}

func (m Mode) String() string {
	switch m {
	case ModeStory:
		return "story"
	case ModeFreeform:
		return "freeform"
	case ModePersona:
		return "persona"
	default:
		return "unknown"
	}
}

// Description is the user-facing label shown when the mode changes.
func (m Mode) Description() string {
	switch m {
	case ModeStory:
		return "Story mode: I set up an emotional scenario and critique your choice"
	case ModeFreeform:
		return "Freeform mode: talk through any relationship or feelings question"
	case ModePersona:
		return "Persona mode: the cat answers"
	default:
		return ""
	}
}
