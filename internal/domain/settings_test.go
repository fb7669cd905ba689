package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeNamesKeepsOrderAndInjectsDefault(t *testing.T) {
	t.Parallel()

	got := MergeNames([]string{"b", "a", "b"}, []string{"c", "a"})
	assert.Equal(t, []string{"b", "a", "c", DefaultConversation}, got)
}

func TestMergeNamesEmpty(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{DefaultConversation}, MergeNames(nil, nil))
}

func TestMergeNamesDefaultNotDuplicated(t *testing.T) {
	t.Parallel()

	got := MergeNames([]string{DefaultConversation, "x"})
	assert.Equal(t, []string{DefaultConversation, "x"}, got)
}

func TestSettingsNormalize(t *testing.T) {
	t.Parallel()

	s := &Settings{Mode: ModePersona}
	s.Normalize()
	assert.Equal(t, "light", s.Theme)
	assert.Equal(t, ModeStory, s.Mode)
	assert.Equal(t, []string{DefaultConversation}, s.Conversations)
}

func TestSettingsNormalizeFoldsModeByParity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stored Mode
		want   Mode
	}{
		{0, ModeStory},
		{-2, ModeStory},
		{ModeStory, ModeStory},
		{ModeFreeform, ModeFreeform},
		{ModePersona, ModeStory},
		{4, ModeFreeform},
		{7, ModeStory},
	}
	for _, tt := range tests {
		s := &Settings{Mode: tt.stored}
		s.Normalize()
		assert.Equal(t, tt.want, s.Mode, "stored %d", tt.stored)
	}
}

func TestCredentialSetValid(t *testing.T) {
	t.Parallel()

	good := CredentialSet{
		CompletionKey: "sk-" + repeat("a", 30),
		SpeechKey:     repeat("b", 24),
		SpeechSecret:  repeat("c", 32),
	}
	assert.True(t, good.Valid())

	short := good
	short.CompletionKey = "sk-short"
	assert.False(t, short.Valid())

	noPrefix := good
	noPrefix.CompletionKey = repeat("x", 40)
	assert.False(t, noPrefix.Valid())

	badSecret := good
	badSecret.SpeechSecret = repeat("c", 31)
	assert.False(t, badSecret.Valid())

	assert.True(t, CredentialSet{}.Empty())
}

func TestRecent(t *testing.T) {
	t.Parallel()

	msgs := make([]Message, 8)
	for i := range msgs {
		msgs[i] = UserMessage(string(rune('a' + i)))
	}
	got := Recent(msgs, HistoryWindow)
	assert.Len(t, got, 6)
	assert.Equal(t, "c", got[0].Content)
	assert.Len(t, Recent(msgs[:2], HistoryWindow), 2)
	assert.Nil(t, Recent(msgs, 0))
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
