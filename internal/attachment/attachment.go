// Package attachment turns uploaded files and voice recordings into text
// that is appended to the user's message.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/moodchat/internal/speech"
)

// MaxFileSize bounds a single attachment.
const MaxFileSize = 16 << 20

// Transcriber converts audio to text.
type Transcriber interface {
	Recognize(ctx context.Context, pcm []byte) (string, error)
	TranscribeWAV(ctx context.Context, r io.ReadSeeker) (string, error)
}

// File is an uploaded attachment.
type File struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// Processor renders attachments as text.
type Processor struct {
	speech Transcriber
	logger *slog.Logger
}

// NewProcessor creates a Processor. A nil transcriber disables audio.
func NewProcessor(t Transcriber, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{speech: t, logger: logger}
}

// Compose appends the rendered files and the optional recording to message.
// The result may be blank, in which case nothing should be sent.
func (p *Processor) Compose(ctx context.Context, message string, files []File, recording *File) string {
	var b strings.Builder
	b.WriteString(message)
	for _, f := range files {
		b.WriteString("\n")
		b.WriteString(p.Render(ctx, f))
	}
	if recording != nil && len(recording.Data) > 0 {
		b.WriteString("\n[Recording]\n")
		b.WriteString(p.transcribe(ctx, *recording))
	}
	return b.String()
}

// Render returns the text for one attachment.
func (p *Processor) Render(ctx context.Context, f File) string {
	ext := strings.ToLower(filepath.Ext(f.Name))
	if len(f.Data) > MaxFileSize {
		return fmt.Sprintf("[file too large: %s]", f.Name)
	}

	switch ext {
	case ".txt", ".md":
		if !utf8.Valid(f.Data) {
			p.logger.Warn("Attachment is not valid UTF-8", "file", f.Name)
			return "[could not read file content]"
		}
		return "Document content:\n" + string(f.Data)
	case ".wav", ".pcm":
		return "[Audio content]\n" + p.transcribe(ctx, f)
	default:
		return fmt.Sprintf("[unsupported file type: %s]", ext)
	}
}

func (p *Processor) transcribe(ctx context.Context, f File) string {
	if p.speech == nil {
		return "[speech recognition unavailable]"
	}

	var (
		text string
		err  error
	)
	if strings.EqualFold(filepath.Ext(f.Name), ".pcm") {
		text, err = p.speech.Recognize(ctx, f.Data)
	} else {
		text, err = p.speech.TranscribeWAV(ctx, bytes.NewReader(f.Data))
	}

	var recErr *speech.RecognitionError
	switch {
	case err == nil:
		return text
	case errors.As(err, &recErr):
		return fmt.Sprintf("[speech recognition error: %s]", recErr.Message)
	case errors.Is(err, speech.ErrInvalidWAV):
		return "[unsupported audio format]"
	default:
		p.logger.Warn("Transcription failed", "file", f.Name, "error", err)
		return "[speech recognition failed]"
	}
}
