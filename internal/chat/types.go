// Package chat runs chat turns: moderation, the emotion gate, streaming and
// persistence, plus the per-session mode state machine.
package chat

import (
	"context"
	"iter"

	"github.com/ashureev/moodchat/internal/attachment"
	"github.com/ashureev/moodchat/internal/domain"
	"github.com/ashureev/moodchat/internal/llm"
)

// State is the position of a turn in its pipeline.
type State string

const (
	StateIdle       State = "idle"
	StateModeration State = "awaiting_moderation"
	StateEmotion    State = "awaiting_emotion"
	StateStreaming  State = "streaming"
	StateDone       State = "done"
)

// Fixed assistant replies.
const (
	RejectedMessage              = "Your message contains words I can't discuss. Please rephrase and try again."
	ModerationUnavailableMessage = "The review service is temporarily unavailable. Please try again later."
	NotEmotionalMessage          = "Other topics just hurt feelings. Let's talk about feelings and relationships instead."
	EmotionUnavailableMessage    = "I couldn't tell whether this is about feelings right now. Please try again later."
	ClearedMessage               = "Conversation cleared"
)

// SessionKey identifies one browser tab.
type SessionKey struct {
	UserID    string
	SessionID string
}

// Update is emitted after every step of a turn.
type Update struct {
	State        State            `json:"state"`
	Mode         domain.Mode      `json:"mode"`
	Conversation string           `json:"conversation"`
	TurnID       string           `json:"turn_id,omitempty"`
	Transcript   []domain.Message `json:"transcript"`
}

// SendRequest is one user submission.
type SendRequest struct {
	Message      string            `json:"message"`
	Conversation string            `json:"conversation,omitempty"`
	Files        []attachment.File `json:"files,omitempty"`
	Recording    *attachment.File  `json:"recording,omitempty"`
}

// SessionView is the state shown when a tab loads.
type SessionView struct {
	Mode            domain.Mode      `json:"mode"`
	ModeDescription string           `json:"mode_description"`
	Conversation    string           `json:"conversation"`
	Conversations   []string         `json:"conversations"`
	Theme           string           `json:"theme"`
	Transcript      []domain.Message `json:"transcript"`
}

// Gates classifies user input.
type Gates interface {
	Moderate(ctx context.Context, text string) llm.Verdict
	DetectEmotion(ctx context.Context, text string) llm.Verdict
}

// Completer streams model replies as cumulative snapshots.
type Completer interface {
	Stream(ctx context.Context, mode domain.Mode, window []domain.Message, userText string) iter.Seq2[string, error]
	Story(ctx context.Context) iter.Seq2[string, error]
}

// Composer renders attachments into the outgoing message.
type Composer interface {
	Compose(ctx context.Context, message string, files []attachment.File, recording *attachment.File) string
}
