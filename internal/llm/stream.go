package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/ashureev/moodchat/internal/domain"
)

// Apology replaces or completes a reply whose stream failed.
const Apology = "Sorry, I can't reply right now. Please try again in a moment."

const (
	chatTemperature  = 0.8
	storyTemperature = 0.7
	streamMaxTokens  = 512
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *streamChunk) content() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// Stream requests a streamed reply for userText in the given mode. window is
// the recent transcript sent as context. The sequence yields the cumulative
// reply after every non-empty fragment; on failure it yields (Apology, err)
// once and stops.
func (c *Client) Stream(ctx context.Context, mode domain.Mode, window []domain.Message, userText string) iter.Seq2[string, error] {
	messages := make([]domain.Message, 0, len(window)+2)
	messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: c.prompts.For(mode)})
	messages = append(messages, window...)
	messages = append(messages, domain.UserMessage(userText))

	return c.stream(ctx, "chat", completionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: chatTemperature,
		MaxTokens:   streamMaxTokens,
		Stream:      true,
	}, Apology)
}

// Story streams a fresh scenario for story mode. On failure it yields the
// fixed fallback scenario with the error.
func (c *Client) Story(ctx context.Context) iter.Seq2[string, error] {
	return c.stream(ctx, "story", completionRequest{
		Model: c.model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: c.prompts.StoryScenario},
			domain.UserMessage(storyRequest),
		},
		Temperature: storyTemperature,
		MaxTokens:   streamMaxTokens,
		Stream:      true,
	}, c.prompts.FallbackStory)
}

func (c *Client) stream(ctx context.Context, kind string, req completionRequest, fallback string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		start := time.Now()
		outcome := "ok"
		defer func() { c.metrics.ObserveStream(kind, outcome, time.Since(start)) }()

		fail := func(err error) {
			outcome = "error"
			c.logger.Warn("Completion stream failed", "kind", kind, "error", err)
			yield(fallback, err)
		}

		if err := c.pacer.Wait(ctx); err != nil {
			fail(err)
			return
		}

		if c.streamTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.streamTimeout)
			defer cancel()
		}

		resp, err := c.post(ctx, req)
		if err != nil {
			fail(err)
			return
		}
		defer resp.Body.Close()

		var reply strings.Builder
		reader := newSSEReader(resp.Body)
		for {
			data, err := reader.next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				fail(err)
				return
			}
			if string(data) == sseDone {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				c.logger.Debug("Skipping malformed stream line", "kind", kind, "error", err)
				continue
			}
			delta := chunk.content()
			if delta == "" {
				continue
			}
			reply.WriteString(delta)
			if !yield(reply.String(), nil) {
				outcome = "abandoned"
				return
			}
		}
	}
}
