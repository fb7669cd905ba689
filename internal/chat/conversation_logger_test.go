package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/moodchat/internal/domain"
)

func TestConversationLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.Log(ConversationLogEvent{
		UserID:     "user-1",
		SessionID:  "sess-1",
		Channel:    "chat",
		Direction:  "inbound",
		EventType:  "chat_user_message",
		ContentRaw: "I  feel\n\nfine",
	})

	line := waitForLogLine(t, filepath.Join(dir, "user-1", "sess-1.ndjson"))
	var got ConversationLogEvent
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, "I  feel\n\nfine", got.ContentRaw)
	assert.Equal(t, "I feel fine", got.Content)
}

func TestConversationLoggerFlushesOnClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir, QueueSize: 64}, nil)
	require.NoError(t, err)

	for range 10 {
		logger.Log(ConversationLogEvent{UserID: "u", SessionID: "s", ContentRaw: "x"})
	}
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(filepath.Join(dir, "u", "s.ndjson"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 10)
}

func TestConversationLoggerDropsEventsAfterClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir, QueueSize: 8}, nil)
	require.NoError(t, err)

	logger.Log(ConversationLogEvent{UserID: "u", SessionID: "s", ContentRaw: "before"})
	require.NoError(t, logger.Close())

	assert.NotPanics(t, func() {
		logger.Log(ConversationLogEvent{UserID: "u", SessionID: "s", ContentRaw: "after"})
	})

	data, err := os.ReadFile(filepath.Join(dir, "u", "s.ndjson"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "before")
	assert.NotContains(t, string(data), "after")
}

func TestConversationLoggerDisabled(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{}, nil)
	require.NoError(t, err)
	logger.Log(ConversationLogEvent{ContentRaw: "ignored"})
	assert.NoError(t, logger.Close())
}

func TestSafePathPart(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "unknown", safePathPart(""))
	assert.Equal(t, "unknown", safePathPart(".."))
	assert.Equal(t, "_etc_passwd", safePathPart("/etc/passwd"))
	assert.Equal(t, "anon_abc", safePathPart("anon_abc"))
}

func TestCleanForReadabilityTruncates(t *testing.T) {
	t.Parallel()

	clean := cleanForReadability("\x07bell " + strings.Repeat("é", maxReadableContent+10))
	assert.True(t, strings.HasPrefix(clean, "bell é"))
	assert.True(t, strings.HasSuffix(clean, "…"))
}

func TestTurnIsAudited(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir}, nil)
	require.NoError(t, err)

	f := newFixture(t, domain.ModeStory)
	f.svc.log = logger
	_, err = drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "audit me"}))
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(filepath.Join(dir, testKey.UserID, testKey.SessionID+".ndjson"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var in, out ConversationLogEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &in))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &out))
	assert.Equal(t, "chat_user_message", in.EventType)
	assert.Equal(t, "audit me", in.ContentRaw)
	assert.Equal(t, "chat_assistant_message", out.EventType)
	assert.Equal(t, "ABC", out.ContentRaw)
	assert.Equal(t, in.TurnID, out.TurnID)
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			return lines[len(lines)-1]
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
