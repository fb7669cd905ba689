package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

const maxReadableContent = 2000

// ConversationLogConfig configures the audit log.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// ConversationLogEvent is one NDJSON line in the audit log.
type ConversationLogEvent struct {
	Timestamp    string         `json:"ts"`
	UserID       string         `json:"user_id"`
	SessionID    string         `json:"session_id"`
	Conversation string         `json:"conversation,omitempty"`
	TurnID       string         `json:"turn_id,omitempty"`
	Channel      string         `json:"channel"`
	Direction    string         `json:"direction"`
	EventType    string         `json:"event_type"`
	Mode         string         `json:"mode,omitempty"`
	ContentRaw   string         `json:"content_raw"`
	Content      string         `json:"content"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// ConversationLogger records chat turns.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

type nopConversationLogger struct{}

func (nopConversationLogger) Log(ConversationLogEvent) {}
func (nopConversationLogger) Close() error             { return nil }

// NopConversationLogger discards every event.
func NopConversationLogger() ConversationLogger {
	return nopConversationLogger{}
}

// fileConversationLogger appends events to <dir>/<user>/<session>.ndjson from
// a single writer goroutine. Events are dropped when the queue is full.
type fileConversationLogger struct {
	dir     string
	events  chan ConversationLogEvent
	done    chan struct{}
	logger  *slog.Logger
	dropped atomic.Int64

	// closeMu orders Log sends against closing the queue.
	closeMu sync.RWMutex
	closed  bool
	files   map[string]*os.File
}

// NewConversationLogger returns a file-backed logger, or a no-op logger when
// cfg is disabled.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return NopConversationLogger(), nil
	}
	if cfg.Dir == "" {
		return nil, errors.New("conversation log directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log directory: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &fileConversationLogger{
		dir:    cfg.Dir,
		events: make(chan ConversationLogEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
		files:  make(map[string]*os.File),
	}
	go l.run()
	return l, nil
}

func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.events <- event:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			l.logger.Warn("Conversation log queue full, dropping events", "dropped", n)
		}
	}
}

// Close flushes queued events and closes every open file. Events logged
// after Close are discarded.
func (l *fileConversationLogger) Close() error {
	l.closeMu.Lock()
	if !l.closed {
		l.closed = true
		close(l.events)
	}
	l.closeMu.Unlock()
	<-l.done
	return nil
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	defer func() {
		for path, f := range l.files {
			if err := f.Close(); err != nil {
				l.logger.Warn("Failed to close conversation log", "path", path, "error", err)
			}
		}
	}()

	for event := range l.events {
		if err := l.write(event); err != nil {
			l.logger.Warn("Failed to write conversation log event", "error", err)
		}
	}
}

func (l *fileConversationLogger) write(event ConversationLogEvent) error {
	path := filepath.Join(l.dir, safePathPart(event.UserID), safePathPart(event.SessionID)+".ndjson")
	f, ok := l.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		l.files[path] = f
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode log event: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append log event: %w", err)
	}
	return nil
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safePathPart(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "unknown"
	}
	return s
}

// cleanForReadability collapses whitespace, drops control characters and
// truncates long content for the human-readable field.
func cleanForReadability(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case unicode.IsControl(r):
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}

	out := b.String()
	if runes := []rune(out); len(runes) > maxReadableContent {
		out = string(runes[:maxReadableContent]) + "…"
	}
	return out
}
