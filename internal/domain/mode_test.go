package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prior  Mode
		raw    string
		toggle bool
		want   Mode
	}{
		{"story stays story", ModeStory, "hello", false, ModeStory},
		{"freeform stays freeform", ModeFreeform, "hello", false, ModeFreeform},
		{"persona folds back to story", ModePersona, "hello", false, ModeStory},
		{"prefix from story", ModeStory, "cat, help me", false, ModePersona},
		{"prefix from freeform", ModeFreeform, "catalogue my feelings", false, ModePersona},
		{"prefix is case sensitive", ModeFreeform, "Cat help", false, ModeFreeform},
		{"prefix must lead", ModeStory, " cat", false, ModeStory},
		{"short input", ModeStory, "ca", false, ModeStory},
		{"toggle story", ModeStory, "", true, ModeFreeform},
		{"toggle freeform", ModeFreeform, "", true, ModeStory},
		{"toggle ignores prefix", ModeFreeform, "cat", true, ModeStory},
		{"toggle from persona", ModePersona, "", true, ModeFreeform},
		{"zero value", Mode(0), "hi", false, ModeFreeform},
		{"legacy four", Mode(4), "hi", false, ModeFreeform},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NextMode(tt.prior, tt.raw, tt.toggle))
		})
	}
}

func TestModeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "story", ModeStory.String())
	assert.Equal(t, "persona", ModePersona.String())
	assert.Equal(t, "unknown", Mode(9).String())
	assert.False(t, Mode(4).Valid())
}
