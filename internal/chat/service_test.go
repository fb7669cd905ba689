package chat

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/moodchat/internal/domain"
	"github.com/ashureev/moodchat/internal/llm"
	"github.com/ashureev/moodchat/internal/store"
)

type fakeGates struct {
	mu           sync.Mutex
	moderation   llm.Verdict
	emotion      llm.Verdict
	emotionCalls int
}

func (f *fakeGates) Moderate(context.Context, string) llm.Verdict {
	return f.moderation
}

func (f *fakeGates) DetectEmotion(context.Context, string) llm.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emotionCalls++
	return f.emotion
}

type fakeCompleter struct {
	mu        sync.Mutex
	snapshots []string
	err       error
	story     []string
	storyErr  error
	calls     int
	gotMode   domain.Mode
	gotWindow []domain.Message
}

func (f *fakeCompleter) Stream(_ context.Context, mode domain.Mode, window []domain.Message, _ string) iter.Seq2[string, error] {
	f.mu.Lock()
	f.calls++
	f.gotMode = mode
	f.gotWindow = window
	f.mu.Unlock()
	return seqOf(f.snapshots, llm.Apology, f.err)
}

func (f *fakeCompleter) Story(context.Context) iter.Seq2[string, error] {
	return seqOf(f.story, "fallback story", f.storyErr)
}

func seqOf(snapshots []string, failure string, err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, s := range snapshots {
			if !yield(s, nil) {
				return
			}
		}
		if err != nil {
			yield(failure, err)
		}
	}
}

type failingRepo struct {
	store.Repository
}

func (failingRepo) SaveTranscript(context.Context, string, []domain.Message) error {
	return errors.New("disk full")
}

type fixture struct {
	svc       *Service
	repo      store.Repository
	gates     *fakeGates
	completer *fakeCompleter
}

var testKey = SessionKey{UserID: "anon_1", SessionID: "tab"}

func newFixture(t *testing.T, mode domain.Mode) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.NewJSONFile(filepath.Join(dir, "settings.json"), filepath.Join(dir, "history.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	settings := domain.DefaultSettings()
	settings.Mode = mode
	require.NoError(t, repo.SaveSettings(context.Background(), settings))

	f := &fixture{
		repo:      repo,
		gates:     &fakeGates{moderation: llm.VerdictClear, emotion: llm.VerdictFlagged},
		completer: &fakeCompleter{snapshots: []string{"A", "AB", "ABC"}},
	}
	f.svc = NewService(Options{
		Repo:      repo,
		Gates:     f.gates,
		Completer: f.completer,
		Now:       func() time.Time { return time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC) },
	})
	return f
}

func drain(t *testing.T, seq iter.Seq2[Update, error]) ([]Update, error) {
	t.Helper()
	var updates []Update
	for u, err := range seq {
		if err != nil {
			return updates, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func states(updates []Update) []State {
	out := make([]State, len(updates))
	for i, u := range updates {
		out[i] = u.State
	}
	return out
}

func (f *fixture) stored(t *testing.T, name string) []domain.Message {
	t.Helper()
	msgs, err := f.repo.LoadTranscript(context.Background(), name)
	require.NoError(t, err)
	return msgs
}

func TestFreeformTurnStreamsAndPersists(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeFreeform)
	updates, err := drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "I feel lonely"}))
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateModeration, StateEmotion, StateStreaming,
		StateStreaming, StateStreaming, StateStreaming, StateDone,
	}, states(updates))

	want := []domain.Message{domain.UserMessage("I feel lonely"), domain.AssistantMessage("ABC")}
	last := updates[len(updates)-1]
	assert.Equal(t, want, last.Transcript)
	assert.Equal(t, domain.ModeFreeform, last.Mode)
	assert.Equal(t, domain.DefaultConversation, last.Conversation)
	assert.NotEmpty(t, last.TurnID)
	assert.Equal(t, want, f.stored(t, domain.DefaultConversation))

	// Placeholder is persisted empty before the first fragment arrives.
	assert.Equal(t, domain.AssistantMessage(""), updates[2].Transcript[1])
	assert.Equal(t, "AB", updates[4].Transcript[1].Content)
}

func TestStoryModeSkipsEmotionGate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	f.gates.emotion = llm.VerdictClear

	updates, err := drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "what now?"}))
	require.NoError(t, err)
	assert.NotContains(t, states(updates), StateEmotion)
	assert.Zero(t, f.gates.emotionCalls)
	assert.Equal(t, domain.ModeStory, f.completer.gotMode)
}

func TestPersonaPrefixAppliesToOneTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeFreeform)
	updates, err := drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "cat, tell me a joke"}))
	require.NoError(t, err)
	assert.Equal(t, domain.ModePersona, updates[len(updates)-1].Mode)
	assert.Equal(t, domain.ModePersona, f.completer.gotMode)
	assert.Zero(t, f.gates.emotionCalls)

	// Uppercase does not match, and the session stays in freeform.
	_, err = drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "Cat feelings"}))
	require.NoError(t, err)
	assert.Equal(t, domain.ModeFreeform, f.completer.gotMode)
	assert.Equal(t, 1, f.gates.emotionCalls)
}

func TestGateOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mode       domain.Mode
		moderation llm.Verdict
		emotion    llm.Verdict
		want       string
	}{
		{"moderation flagged", domain.ModeStory, llm.VerdictFlagged, llm.VerdictFlagged, RejectedMessage},
		{"moderation unavailable", domain.ModeStory, llm.VerdictUnavailable, llm.VerdictFlagged, ModerationUnavailableMessage},
		{"not emotional", domain.ModeFreeform, llm.VerdictClear, llm.VerdictClear, NotEmotionalMessage},
		{"emotion unavailable", domain.ModeFreeform, llm.VerdictClear, llm.VerdictUnavailable, EmotionUnavailableMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tt.mode)
			f.gates.moderation = tt.moderation
			f.gates.emotion = tt.emotion

			updates, err := drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "hello"}))
			require.NoError(t, err)

			want := []domain.Message{domain.UserMessage("hello"), domain.AssistantMessage(tt.want)}
			assert.Equal(t, StateDone, updates[len(updates)-1].State)
			assert.Equal(t, want, updates[len(updates)-1].Transcript)
			assert.Equal(t, want, f.stored(t, domain.DefaultConversation))
			assert.Zero(t, f.completer.calls)
		})
	}
}

func TestStreamFailureKeepsPartialReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	f.completer.snapshots = []string{"par", "partial"}
	f.completer.err = errors.New("connection reset")

	updates, err := drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "go"}))
	require.NoError(t, err)
	assert.Equal(t, "partial\n\n"+llm.Apology, updates[len(updates)-1].Transcript[1].Content)
	assert.Equal(t, "partial\n\n"+llm.Apology, f.stored(t, domain.DefaultConversation)[1].Content)
}

func TestStreamFailureBeforeFirstFragment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	f.completer.snapshots = nil
	f.completer.err = errors.New("503")

	updates, err := drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "go"}))
	require.NoError(t, err)
	assert.Equal(t, llm.Apology, updates[len(updates)-1].Transcript[1].Content)
}

func TestBlankMessageDoesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	updates, err := drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "  \n\t"}))
	require.NoError(t, err)
	assert.Empty(t, updates)
	assert.Empty(t, f.stored(t, domain.DefaultConversation))
}

func TestWindowIsLastSixPriorEntries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	var prior []domain.Message
	for i := range 8 {
		prior = append(prior, domain.UserMessage(string(rune('a'+i))))
	}
	require.NoError(t, f.repo.SaveTranscript(context.Background(), domain.DefaultConversation, prior))

	_, err := drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "now"}))
	require.NoError(t, err)
	assert.Equal(t, prior[2:], f.completer.gotWindow)
	assert.Len(t, f.stored(t, domain.DefaultConversation), 10)
}

func TestPersistFailureEndsTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	f.svc.repo = failingRepo{Repository: f.repo}

	updates, err := drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "hi"}))
	require.Error(t, err)
	assert.Empty(t, updates)
	assert.Zero(t, f.completer.calls)
}

func TestCancelledCallerDoesNotAbortTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	updates, err := drain(t, f.svc.Send(ctx, testKey, SendRequest{Message: "still here"}))
	require.NoError(t, err)
	assert.Equal(t, StateDone, updates[len(updates)-1].State)
	assert.Equal(t, "ABC", f.stored(t, domain.DefaultConversation)[1].Content)
}

func TestSendToNamedConversationSelectsIt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	_, err := drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "x", Conversation: "Work"}))
	require.NoError(t, err)
	assert.Len(t, f.stored(t, "Work"), 2)

	view, err := f.svc.View(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "Work", view.Conversation)
	assert.Contains(t, view.Conversations, "Work")
}

func TestToggleToFreeformPersistsMode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	updates, err := drain(t, f.svc.ToggleMode(context.Background(), testKey, ""))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, domain.ModeFreeform, updates[0].Mode)
	assert.Empty(t, updates[0].Transcript)

	settings, err := f.repo.LoadSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ModeFreeform, settings.Mode)
}

func TestToggleToStoryStreamsScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeFreeform)
	f.completer.story = []string{"Once", "Once upon"}

	updates, err := drain(t, f.svc.ToggleMode(context.Background(), testKey, ""))
	require.NoError(t, err)
	assert.Equal(t, []State{StateStreaming, StateStreaming, StateStreaming, StateDone}, states(updates))
	assert.Equal(t, []domain.Message{domain.AssistantMessage("Once upon")}, f.stored(t, domain.DefaultConversation))

	// Toggling back and forth again yields the fallback on failure.
	f.completer.story = nil
	f.completer.storyErr = errors.New("down")
	_, err = drain(t, f.svc.ToggleMode(context.Background(), testKey, ""))
	require.NoError(t, err)
	_, err = drain(t, f.svc.ToggleMode(context.Background(), testKey, ""))
	require.NoError(t, err)
	stored := f.stored(t, domain.DefaultConversation)
	assert.Equal(t, "fallback story", stored[len(stored)-1].Content)
}

func TestNewConversationDedupesTitles(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	ctx := context.Background()

	first, err := f.svc.NewConversation(ctx, testKey, "Work")
	require.NoError(t, err)
	assert.Equal(t, "Work", first.Name)

	second, err := f.svc.NewConversation(ctx, testKey, "Work")
	require.NoError(t, err)
	assert.Equal(t, "Work(1)", second.Name)
	assert.Equal(t, []string{"Work(1)", "Work", domain.DefaultConversation}, second.Conversations)
	assert.Equal(t, []domain.Message{domain.AssistantMessage("Welcome to your new conversation: Work(1)")}, f.stored(t, "Work(1)"))

	third, err := f.svc.NewConversation(ctx, testKey, "   ")
	require.NoError(t, err)
	assert.Equal(t, "New chat 2026-10-18 09:30", third.Name)

	view, err := f.svc.View(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, third.Name, view.Conversation)
	assert.Equal(t, third.Name, view.Conversations[0])
}

func TestClearKeepsNameAndEmptiesTranscript(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	ctx := context.Background()
	require.NoError(t, f.repo.SaveTranscript(ctx, "old", []domain.Message{domain.UserMessage("x")}))

	shown, err := f.svc.Clear(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, []domain.Message{domain.AssistantMessage(ClearedMessage)}, shown)
	assert.Empty(t, f.stored(t, "old"))

	names, err := f.svc.Conversations(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "old")
}

func TestTranscriptWelcomeForEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	msgs, err := f.svc.Select(context.Background(), testKey, "fresh")
	require.NoError(t, err)
	assert.Equal(t, []domain.Message{domain.AssistantMessage("Welcome to the conversation: fresh")}, msgs)
	assert.Empty(t, f.stored(t, "fresh"))

	_, err = f.svc.Select(context.Background(), testKey, "")
	assert.ErrorIs(t, err, store.ErrEmptyName)
}

func TestEvictIdleSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	now := time.Now()
	f.svc.now = func() time.Time { return now }
	f.svc.session(context.Background(), testKey)

	assert.Zero(t, f.svc.evictIdle(time.Hour))
	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, f.svc.evictIdle(time.Hour))
}

// pausingCompleter yields one snapshot, then waits for release.
type pausingCompleter struct {
	paused  chan struct{}
	release chan struct{}
}

func (p *pausingCompleter) Stream(context.Context, domain.Mode, []domain.Message, string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !yield("A", nil) {
			return
		}
		close(p.paused)
		<-p.release
		yield("AB", nil)
	}
}

func (p *pausingCompleter) Story(context.Context) iter.Seq2[string, error] {
	return p.Stream(context.Background(), domain.ModeStory, nil, "")
}

func TestSessionReadsDoNotWaitForTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	pc := &pausingCompleter{paused: make(chan struct{}), release: make(chan struct{})}
	f.svc.completer = pc

	turnDone := make(chan error, 1)
	go func() {
		_, err := drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "hi"}))
		turnDone <- err
	}()

	select {
	case <-pc.paused:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never reached the stream")
	}

	viewed := make(chan *SessionView, 1)
	go func() {
		view, err := f.svc.View(context.Background(), testKey)
		assert.NoError(t, err)
		viewed <- view
	}()

	select {
	case view := <-viewed:
		require.NotNil(t, view)
		assert.Equal(t, "A", view.Transcript[len(view.Transcript)-1].Content)
	case <-time.After(2 * time.Second):
		t.Fatal("View waited for the running turn")
	}

	msgs, err := f.svc.Select(context.Background(), testKey, domain.DefaultConversation)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	close(pc.release)
	require.NoError(t, <-turnDone)
	assert.Equal(t, "AB", f.stored(t, domain.DefaultConversation)[1].Content)
}

func TestInvalidUTF8IsReplacedBeforePersisting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.ModeStory)
	updates, err := drain(t, f.svc.Send(context.Background(), testKey, SendRequest{Message: "a\xffb"}))
	require.NoError(t, err)

	want := "a�b"
	assert.Equal(t, want, updates[0].Transcript[0].Content)
	assert.Equal(t, want, f.stored(t, domain.DefaultConversation)[0].Content)
}
