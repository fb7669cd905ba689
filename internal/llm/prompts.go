package llm

import (
	"fmt"
	"os"

	"github.com/ashureev/moodchat/internal/domain"
	"gopkg.in/yaml.v3"
)

const storyRequest = "Please write a new scenario."

// Prompts holds the system instructions per mode plus the story material.
type Prompts struct {
	Story         string `yaml:"story"`
	Freeform      string `yaml:"freeform"`
	Persona       string `yaml:"persona"`
	StoryScenario string `yaml:"story_scenario"`
	FallbackStory string `yaml:"fallback_story"`
}

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() Prompts {
	return Prompts{
		Story: "You are an emotional-intelligence coach. The user has just read a short scenario about " +
			"a relationship conflict and describes how they would respond. Evaluate their choice: say what " +
			"works, what could hurt the other person, and suggest a more considerate reply. Be warm and concrete. " +
			"Answer in the user's language.",
		Freeform: "You are a thoughtful companion who helps people with feelings, friendship, family and " +
			"romantic relationships. Listen first, reflect what you hear, then offer practical, kind advice. " +
			"Keep answers focused and under a few paragraphs. Answer in the user's language.",
		Persona: "You are Mochi, a playful talking cat. Answer the user's question helpfully and honestly, " +
			"but stay in character: curious, a little smug, fond of naps and sunny windowsills, and you end " +
			"most replies with a soft \"meow\". Answer in the user's language.",
		StoryScenario: "You write short everyday scenarios for emotional-intelligence practice. Describe, in " +
			"under 150 words, a realistic moment of tension between the reader and someone close to them, then " +
			"end with the question \"What would you say or do?\" Do not suggest an answer.",
		FallbackStory: "Your close friend cancels your birthday dinner an hour before it starts, saying " +
			"something came up at work. Later that evening you see photos of them at a party with colleagues. " +
			"What would you say or do?",
	}
}

// LoadPrompts returns the defaults overlaid with any non-empty fields found in
// the YAML file at path. An empty path returns the defaults.
func LoadPrompts(path string) (Prompts, error) {
	prompts := DefaultPrompts()
	if path == "" {
		return prompts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return prompts, fmt.Errorf("read prompts file: %w", err)
	}
	var override Prompts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return prompts, fmt.Errorf("parse prompts file: %w", err)
	}

	overlay(&prompts.Story, override.Story)
	overlay(&prompts.Freeform, override.Freeform)
	overlay(&prompts.Persona, override.Persona)
	overlay(&prompts.StoryScenario, override.StoryScenario)
	overlay(&prompts.FallbackStory, override.FallbackStory)
	return prompts, nil
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// For returns the system instruction for mode. Unknown modes get the story
// prompt.
func (p Prompts) For(mode domain.Mode) string {
	switch mode {
	case domain.ModeFreeform:
		return p.Freeform
	case domain.ModePersona:
		return p.Persona
	default:
		return p.Story
	}
}

func (p Prompts) isZero() bool {
	return p == Prompts{}
}
