package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ashureev/moodchat/internal/domain"
	"github.com/ashureev/moodchat/internal/llm"
	"github.com/ashureev/moodchat/internal/metrics"
	"github.com/ashureev/moodchat/internal/store"
)

// sessionIdleTTL is how long an untouched session keeps its mode and
// selected conversation in memory.
const sessionIdleTTL = 24 * time.Hour

// Options configures a Service.
type Options struct {
	Repo        store.Repository
	Gates       Gates
	Completer   Completer
	Attachments Composer
	Log         ConversationLogger
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	// Now is used for default conversation titles; time.Now when nil.
	Now func() time.Time
}

type session struct {
	// turnMu serializes turns. It is held for a whole Send or ToggleMode.
	turnMu sync.Mutex

	// lastSeen is guarded by Service.sessionsMu.
	lastSeen time.Time

	// mu guards the fields below and is only held to read or update them.
	mu           sync.Mutex
	mode         domain.Mode
	conversation string
}

// Service owns per-session chat state and runs turns.
type Service struct {
	repo        store.Repository
	gates       Gates
	completer   Completer
	attachments Composer
	log         ConversationLogger
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	// settingsMu serializes read-modify-write cycles on the settings document.
	settingsMu sync.Mutex

	sessionsMu sync.Mutex
	sessions   map[SessionKey]*session
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	log := opts.Log
	if log == nil {
		log = NopConversationLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:        opts.Repo,
		gates:       opts.Gates,
		completer:   opts.Completer,
		attachments: opts.Attachments,
		log:         log,
		metrics:     opts.Metrics,
		logger:      logger,
		now:         now,
		sessions:    make(map[SessionKey]*session),
	}
}

// session returns the state for key, seeding mode from the stored settings
// on first use.
func (s *Service) session(ctx context.Context, key SessionKey) *session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		sess.lastSeen = s.now()
		return sess
	}

	mode := domain.ModeStory
	if settings, err := s.repo.LoadSettings(ctx); err != nil {
		s.logger.Warn("Failed to load settings for new session", "error", err)
	} else {
		mode = settings.Mode
	}
	sess := &session{mode: mode, conversation: domain.DefaultConversation, lastSeen: s.now()}
	s.sessions[key] = sess
	return sess
}

// Run evicts idle sessions until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.evictIdle(sessionIdleTTL)
		}
	}
}

func (s *Service) evictIdle(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	evicted := 0
	for key, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) && sess.turnMu.TryLock() {
			delete(s.sessions, key)
			sess.turnMu.Unlock()
			evicted++
		}
	}
	return evicted
}

func (s *Service) saveTranscript(ctx context.Context, name string, msgs []domain.Message) error {
	err := s.repo.SaveTranscript(ctx, name, msgs)
	s.metrics.ObserveStoreWrite(err)
	if err != nil {
		s.logger.Error("Failed to persist transcript", "conversation", name, "error", err)
		return fmt.Errorf("save conversation %q: %w", name, err)
	}
	return nil
}

func (s *Service) updateSettings(ctx context.Context, mutate func(*domain.Settings)) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	settings, err := s.repo.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	mutate(settings)
	if err := s.repo.SaveSettings(ctx, settings); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Send runs one chat turn. Every step is persisted before its Update is
// yielded. An error ends the sequence. A blank message yields nothing.
//
// The turn is detached from ctx cancellation: once started it runs to
// completion even if the caller stops listening, as long as the caller keeps
// ranging over the sequence.
func (s *Service) Send(ctx context.Context, key SessionKey, req SendRequest) iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		ctx := context.WithoutCancel(ctx)
		sess := s.session(ctx, key)
		sess.turnMu.Lock()
		defer sess.turnMu.Unlock()

		sess.mu.Lock()
		if req.Conversation != "" {
			sess.conversation = req.Conversation
		}
		name, prior := sess.conversation, sess.mode
		sess.mu.Unlock()

		text := req.Message
		if s.attachments != nil {
			text = s.attachments.Compose(ctx, req.Message, req.Files, req.Recording)
		}
		// Transcripts are stored as JSON, which cannot carry invalid UTF-8.
		text = strings.ToValidUTF8(text, string(utf8.RuneError))
		if strings.TrimSpace(text) == "" {
			return
		}

		mode := domain.NextMode(prior, text, false)
		t := &turn{
			svc:  s,
			ctx:  ctx,
			key:  key,
			name: name,
			mode: mode,
			id:   uuid.NewString(),
		}
		t.run(text, yield)
	}
}

// ToggleMode switches the session between story and freeform, stores the
// new mode in settings and, when entering story mode, streams a new scenario
// into the conversation.
func (s *Service) ToggleMode(ctx context.Context, key SessionKey, conversation string) iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		ctx := context.WithoutCancel(ctx)
		sess := s.session(ctx, key)
		sess.turnMu.Lock()
		defer sess.turnMu.Unlock()

		sess.mu.Lock()
		if conversation != "" {
			sess.conversation = conversation
		}
		name := sess.conversation
		next := domain.NextMode(sess.mode, "", true)
		sess.mode = next
		sess.mu.Unlock()

		if err := s.updateSettings(ctx, func(st *domain.Settings) { st.Mode = next }); err != nil {
			s.logger.Warn("Failed to persist mode", "mode", next, "error", err)
		}

		transcript, err := s.repo.LoadTranscript(ctx, name)
		if err != nil {
			yield(Update{}, fmt.Errorf("load conversation %q: %w", name, err))
			return
		}

		update := func(state State) Update {
			return Update{State: state, Mode: next, Conversation: name, Transcript: domain.Clone(transcript)}
		}

		if next != domain.ModeStory {
			yield(update(StateDone), nil)
			return
		}

		transcript = append(transcript, domain.AssistantMessage(""))
		if err := s.saveTranscript(ctx, name, transcript); err != nil {
			yield(Update{}, err)
			return
		}
		if !yield(update(StateStreaming), nil) {
			return
		}

		last := len(transcript) - 1
		for snapshot, streamErr := range s.completer.Story(ctx) {
			transcript[last].Content = joinFailure(transcript[last].Content, snapshot, streamErr)
			if err := s.saveTranscript(ctx, name, transcript); err != nil {
				yield(Update{}, err)
				return
			}
			if !yield(update(StateStreaming), nil) {
				return
			}
		}
		yield(update(StateDone), nil)
	}
}

// joinFailure returns the new assistant content for a snapshot. On error the
// snapshot is the fixed failure text, appended to any partial reply.
func joinFailure(current, snapshot string, err error) string {
	if err == nil {
		return snapshot
	}
	if current == "" {
		return snapshot
	}
	return current + "\n\n" + snapshot
}

// Transcript returns the named conversation. An empty conversation is shown
// with a welcome line that is not persisted.
func (s *Service) Transcript(ctx context.Context, name string) ([]domain.Message, error) {
	msgs, err := s.repo.LoadTranscript(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load conversation %q: %w", name, err)
	}
	if len(msgs) == 0 {
		return []domain.Message{domain.AssistantMessage("Welcome to the conversation: " + name)}, nil
	}
	return msgs, nil
}

// Select makes name the session's current conversation and returns it.
func (s *Service) Select(ctx context.Context, key SessionKey, name string) ([]domain.Message, error) {
	if name == "" {
		return nil, store.ErrEmptyName
	}
	sess := s.session(ctx, key)
	sess.mu.Lock()
	sess.conversation = name
	sess.mu.Unlock()
	return s.Transcript(ctx, name)
}

// Clear empties a conversation. The returned transcript carries a
// confirmation line that is not persisted.
func (s *Service) Clear(ctx context.Context, name string) ([]domain.Message, error) {
	if err := s.saveTranscript(ctx, name, []domain.Message{}); err != nil {
		return nil, err
	}
	return []domain.Message{domain.AssistantMessage(ClearedMessage)}, nil
}

// Conversation is the result of creating a conversation.
type Conversation struct {
	Name          string           `json:"name"`
	Conversations []string         `json:"conversations"`
	Transcript    []domain.Message `json:"transcript"`
}

// NewConversation creates a conversation titled title, or a timestamped
// title when blank. Existing titles get a "(n)" suffix. The new name moves to
// the front of the stored list and becomes the session's current one.
func (s *Service) NewConversation(ctx context.Context, key SessionKey, title string) (*Conversation, error) {
	existing, err := store.ListNames(ctx, s.repo)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = "New chat " + s.now().Format("2006-01-02 15:04")
	}
	name := uniqueTitle(title, existing)

	welcome := []domain.Message{domain.AssistantMessage("Welcome to your new conversation: " + name)}
	if err := s.saveTranscript(ctx, name, welcome); err != nil {
		return nil, err
	}

	names := append([]string{name}, slices.DeleteFunc(slices.Clone(existing), func(n string) bool { return n == name })...)
	if err := s.updateSettings(ctx, func(st *domain.Settings) { st.Conversations = names }); err != nil {
		return nil, err
	}

	sess := s.session(ctx, key)
	sess.mu.Lock()
	sess.conversation = name
	sess.mu.Unlock()

	return &Conversation{Name: name, Conversations: names, Transcript: welcome}, nil
}

func uniqueTitle(title string, existing []string) string {
	name := title
	for n := 1; slices.Contains(existing, name); n++ {
		name = fmt.Sprintf("%s(%d)", title, n)
	}
	return name
}

// SetTheme stores the UI theme.
func (s *Service) SetTheme(ctx context.Context, theme string) error {
	return s.updateSettings(ctx, func(st *domain.Settings) { st.Theme = theme })
}

// View returns what a tab needs to render on load.
func (s *Service) View(ctx context.Context, key SessionKey) (*SessionView, error) {
	sess := s.session(ctx, key)
	sess.mu.Lock()
	mode, name := sess.mode, sess.conversation
	sess.mu.Unlock()

	settings, err := s.repo.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	names, err := store.ListNames(ctx, s.repo)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	transcript, err := s.Transcript(ctx, name)
	if err != nil {
		return nil, err
	}
	return &SessionView{
		Mode:            mode,
		ModeDescription: mode.Description(),
		Conversation:    name,
		Conversations:   names,
		Theme:           settings.Theme,
		Transcript:      transcript,
	}, nil
}

// Conversations lists every conversation name.
func (s *Service) Conversations(ctx context.Context) ([]string, error) {
	return store.ListNames(ctx, s.repo)
}

// turn carries the state of one Send.
type turn struct {
	svc        *Service
	ctx        context.Context
	key        SessionKey
	name       string
	mode       domain.Mode
	id         string
	transcript []domain.Message
}

func (t *turn) update(state State) Update {
	return Update{
		State:        state,
		Mode:         t.mode,
		Conversation: t.name,
		TurnID:       t.id,
		Transcript:   domain.Clone(t.transcript),
	}
}

// commit persists the transcript and yields it.
func (t *turn) commit(state State, yield func(Update, error) bool) bool {
	if err := t.svc.saveTranscript(t.ctx, t.name, t.transcript); err != nil {
		yield(Update{}, err)
		return false
	}
	return yield(t.update(state), nil)
}

// reply appends a fixed assistant message and ends the turn.
func (t *turn) reply(content, outcome string, yield func(Update, error) bool) {
	t.transcript = append(t.transcript, domain.AssistantMessage(content))
	t.svc.metrics.ObserveTurn(t.mode.String(), outcome)
	t.logAssistant(content, outcome, nil)
	t.svc.logger.Info("Chat turn finished", "turn_id", t.id, "outcome", outcome)
	t.commit(StateDone, yield)
}

func (t *turn) run(text string, yield func(Update, error) bool) {
	svc := t.svc
	prior, err := svc.repo.LoadTranscript(t.ctx, t.name)
	if err != nil {
		yield(Update{}, fmt.Errorf("load conversation %q: %w", t.name, err))
		return
	}
	window := domain.Clone(domain.Recent(prior, domain.HistoryWindow))

	svc.logger.Info("Chat turn started",
		"turn_id", t.id,
		"user_id", t.key.UserID,
		"session_id", t.key.SessionID,
		"conversation", t.name,
		"mode", t.mode.String(),
		"message_length", len(text),
	)
	svc.log.Log(ConversationLogEvent{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		UserID:       t.key.UserID,
		SessionID:    t.key.SessionID,
		Conversation: t.name,
		TurnID:       t.id,
		Channel:      "chat",
		Direction:    "inbound",
		EventType:    "chat_user_message",
		Mode:         t.mode.String(),
		ContentRaw:   text,
	})

	t.transcript = append(prior, domain.UserMessage(text))
	if !t.commit(StateModeration, yield) {
		return
	}

	switch svc.gates.Moderate(t.ctx, text) {
	case llm.VerdictFlagged:
		t.reply(RejectedMessage, "rejected", yield)
		return
	case llm.VerdictUnavailable:
		t.reply(ModerationUnavailableMessage, "moderation_unavailable", yield)
		return
	}

	if t.mode == domain.ModeFreeform {
		if !yield(t.update(StateEmotion), nil) {
			return
		}
		switch svc.gates.DetectEmotion(t.ctx, text) {
		case llm.VerdictClear:
			t.reply(NotEmotionalMessage, "not_emotional", yield)
			return
		case llm.VerdictUnavailable:
			t.reply(EmotionUnavailableMessage, "emotion_unavailable", yield)
			return
		}
	}

	t.transcript = append(t.transcript, domain.AssistantMessage(""))
	if !t.commit(StateStreaming, yield) {
		return
	}

	last := len(t.transcript) - 1
	var streamErr error
	for snapshot, err := range svc.completer.Stream(t.ctx, t.mode, window, text) {
		if err != nil {
			streamErr = err
		}
		t.transcript[last].Content = joinFailure(t.transcript[last].Content, snapshot, err)
		if !t.commit(StateStreaming, yield) {
			return
		}
	}

	outcome := "ok"
	if streamErr != nil {
		outcome = "stream_error"
	}
	svc.metrics.ObserveTurn(t.mode.String(), outcome)
	t.logAssistant(t.transcript[last].Content, outcome, streamErr)
	svc.logger.Info("Chat turn finished", "turn_id", t.id, "outcome", outcome, "reply_length", len(t.transcript[last].Content))
	yield(t.update(StateDone), nil)
}

func (t *turn) logAssistant(content, outcome string, streamErr error) {
	meta := map[string]any{"outcome": outcome}
	if streamErr != nil {
		meta["stream_error"] = streamErr.Error()
	}
	t.svc.log.Log(ConversationLogEvent{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		UserID:       t.key.UserID,
		SessionID:    t.key.SessionID,
		Conversation: t.name,
		TurnID:       t.id,
		Channel:      "chat",
		Direction:    "outbound",
		EventType:    "chat_assistant_message",
		Mode:         t.mode.String(),
		ContentRaw:   content,
		Meta:         meta,
	})
}
