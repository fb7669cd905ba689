package domain

import (
	"strings"
)

// CredentialSet holds the keys for the completion and transcription services.
type CredentialSet struct {
	CompletionKey string `json:"COMPLETION_API_KEY"`
	SpeechKey     string `json:"SPEECH_API_KEY"`
	SpeechSecret  string `json:"SPEECH_SECRET_KEY"`
}

const (
	completionKeyPrefix = "sk-"
	completionKeyMinLen = 31
	speechKeyLen        = 24
	speechSecretLen     = 32
)

// Valid reports whether every key matches its expected shape.
func (c CredentialSet) Valid() bool {
	return ValidCompletionKey(c.CompletionKey) &&
		len(c.SpeechKey) == speechKeyLen &&
		len(c.SpeechSecret) == speechSecretLen
}

// Empty reports whether no key is set.
func (c CredentialSet) Empty() bool {
	return c.CompletionKey == "" && c.SpeechKey == "" && c.SpeechSecret == ""
}

// ValidCompletionKey checks the completion key prefix and length.
func ValidCompletionKey(key string) bool {
	return strings.HasPrefix(key, completionKeyPrefix) && len(key) >= completionKeyMinLen
}

// Overlay returns c with every non-empty field of o applied on top.
func (c CredentialSet) Overlay(o CredentialSet) CredentialSet {
	if o.CompletionKey != "" {
		c.CompletionKey = o.CompletionKey
	}
	if o.SpeechKey != "" {
		c.SpeechKey = o.SpeechKey
	}
	if o.SpeechSecret != "" {
		c.SpeechSecret = o.SpeechSecret
	}
	return c
}
