package llm

import (
	"context"

	"github.com/ashureev/moodchat/internal/domain"
)

// Verdict is the outcome of a classification gate.
type Verdict int

const (
	// VerdictClear means the positive label was not returned.
	VerdictClear Verdict = iota
	// VerdictFlagged means the model returned the positive label.
	VerdictFlagged
	// VerdictUnavailable means the call failed; no classification exists.
	VerdictUnavailable
)

func (v Verdict) String() string {
	switch v {
	case VerdictClear:
		return "clear"
	case VerdictFlagged:
		return "flagged"
	case VerdictUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Gate describes a single-label classification prompt.
type Gate struct {
	Name        string
	Instruction string
	Positive    string
	Negative    string
	Temperature float64
}

const gateMaxTokens = 10

// ModerationGate flags policy-violating input.
var ModerationGate = Gate{
	Name: "moderation",
	Instruction: "You are a strict content reviewer. Decide whether the user's input contains " +
		"sensitive content such as political extremism, violence, pornography or illegal activity. " +
		"If it does, answer exactly VIOLATION; otherwise answer exactly COMPLIANT. Output only one of these two words.",
	Positive:    "VIOLATION",
	Negative:    "COMPLIANT",
	Temperature: 0.1,
}

// EmotionGate flags input that talks about feelings or relationships.
var EmotionGate = Gate{
	Name: "emotion",
	Instruction: "You are an expert in emotional analysis. Decide whether the user's input expresses " +
		"emotion or concerns feelings (joy, anger, sadness, love, friendship, loneliness and the like). " +
		"If it does, answer exactly EMOTIONAL; otherwise answer exactly NOT_EMOTIONAL. Output only one of these two words.",
	Positive:    "EMOTIONAL",
	Negative:    "NOT_EMOTIONAL",
	Temperature: 0.3,
}

// Classify runs gate over text. Only an exact match of the positive label
// flags the input; transport or decode failures yield VerdictUnavailable.
func (c *Client) Classify(ctx context.Context, gate Gate, text string) Verdict {
	answer, err := c.Complete(ctx, []domain.Message{
		{Role: domain.RoleSystem, Content: gate.Instruction},
		domain.UserMessage(text),
	}, gate.Temperature, gateMaxTokens)

	verdict := VerdictClear
	switch {
	case err != nil:
		c.logger.Warn("Classification gate unavailable", "gate", gate.Name, "error", err)
		verdict = VerdictUnavailable
	case answer == gate.Positive:
		verdict = VerdictFlagged
	}
	c.metrics.ObserveGate(gate.Name, verdict.String())
	return verdict
}

// Moderate runs the moderation gate.
func (c *Client) Moderate(ctx context.Context, text string) Verdict {
	return c.Classify(ctx, ModerationGate, text)
}

// DetectEmotion runs the emotion gate. VerdictFlagged means the text is
// emotionally relevant.
func (c *Client) DetectEmotion(ctx context.Context, text string) Verdict {
	return c.Classify(ctx, EmotionGate, text)
}
