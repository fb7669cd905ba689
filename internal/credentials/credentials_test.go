package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/moodchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	userSet = domain.CredentialSet{
		CompletionKey: "sk-" + strings.Repeat("u", 32),
		SpeechKey:     strings.Repeat("k", 24),
		SpeechSecret:  strings.Repeat("s", 32),
	}
	sharedSet = domain.CredentialSet{
		CompletionKey: "sk-shared",
		SpeechKey:     "shared-key",
		SpeechSecret:  "shared-secret",
	}
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func newOpts(t *testing.T, env map[string]string) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		SecretsPath: filepath.Join(dir, "secrets.json"),
		GuidePath:   filepath.Join(dir, "API_KEY_SETUP_GUIDE.txt"),
		Default:     sharedSet,
		Lookup:      envOf(env),
	}
}

func TestEnvironmentWins(t *testing.T) {
	t.Parallel()

	opts := newOpts(t, map[string]string{
		EnvCompletionKey: userSet.CompletionKey,
		EnvSpeechKey:     userSet.SpeechKey,
		EnvSpeechSecret:  userSet.SpeechSecret,
	})
	require.NoError(t, writeSecrets(opts.SecretsPath, domain.CredentialSet{
		CompletionKey: "sk-" + strings.Repeat("f", 32),
		SpeechKey:     strings.Repeat("f", 24),
		SpeechSecret:  strings.Repeat("f", 32),
	}))

	m, err := NewManager(opts)
	require.NoError(t, err)
	assert.Equal(t, SourceEnvironment, m.Source())
	assert.Equal(t, userSet, m.Current())
	assert.False(t, m.Degraded())
	assert.NoFileExists(t, opts.GuidePath)
}

func TestPartialEnvironmentFallsThroughToFile(t *testing.T) {
	t.Parallel()

	opts := newOpts(t, map[string]string{
		EnvCompletionKey: userSet.CompletionKey,
		EnvSpeechKey:     "too-short",
	})
	require.NoError(t, writeSecrets(opts.SecretsPath, domain.CredentialSet{
		SpeechKey:    userSet.SpeechKey,
		SpeechSecret: userSet.SpeechSecret,
	}))

	m, err := NewManager(opts)
	require.NoError(t, err)
	assert.Equal(t, SourceFile, m.Source())
	assert.Equal(t, userSet, m.Current())
}

func TestFallbackToDefaultWritesGuideOnce(t *testing.T) {
	t.Parallel()

	opts := newOpts(t, nil)
	m, err := NewManager(opts)
	require.NoError(t, err)

	assert.True(t, m.Degraded())
	assert.Equal(t, sharedSet, m.Current())
	require.FileExists(t, opts.GuidePath)

	require.NoError(t, os.WriteFile(opts.GuidePath, []byte("edited"), 0o644))
	require.NoError(t, m.Reload())
	data, err := os.ReadFile(opts.GuidePath)
	require.NoError(t, err)
	assert.Equal(t, "edited", string(data))
	assert.Equal(t, "edited", m.Guide())
}

func TestNoDefaultFails(t *testing.T) {
	t.Parallel()

	opts := newOpts(t, nil)
	opts.Default = domain.CredentialSet{}
	_, err := NewManager(opts)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestMalformedSecretsFileFallsBack(t *testing.T) {
	t.Parallel()

	opts := newOpts(t, nil)
	require.NoError(t, os.WriteFile(opts.SecretsPath, []byte("{"), 0o600))

	m, err := NewManager(opts)
	require.NoError(t, err)
	assert.True(t, m.Degraded())
}

func TestSaveUserKeys(t *testing.T) {
	t.Parallel()

	m, err := NewManager(newOpts(t, nil))
	require.NoError(t, err)
	require.True(t, m.Degraded())

	err = m.SaveUserKeys(domain.CredentialSet{CompletionKey: "nope"})
	assert.ErrorIs(t, err, ErrInvalidKeys)
	assert.True(t, m.Degraded())

	require.NoError(t, m.SaveUserKeys(userSet))
	assert.False(t, m.Degraded())
	assert.Equal(t, SourceFile, m.Source())
	assert.Equal(t, userSet.CompletionKey, m.CompletionKey())
}

func TestUseDefaultIsSticky(t *testing.T) {
	t.Parallel()

	opts := newOpts(t, nil)
	require.NoError(t, writeSecrets(opts.SecretsPath, userSet))
	m, err := NewManager(opts)
	require.NoError(t, err)
	require.False(t, m.Degraded())

	require.NoError(t, m.UseDefault())
	assert.True(t, m.Degraded())
	require.NoError(t, m.Reload())
	assert.True(t, m.Degraded())

	require.NoError(t, m.SaveUserKeys(userSet))
	assert.False(t, m.Degraded())
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	t.Parallel()

	opts := newOpts(t, nil)
	m, err := NewManager(opts)
	require.NoError(t, err)
	require.True(t, m.Degraded())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, writeSecrets(opts.SecretsPath, userSet))

	assert.Eventually(t, func() bool { return !m.Degraded() }, 3*time.Second, 20*time.Millisecond)
}

func TestGuideFallsBackToBuiltinText(t *testing.T) {
	t.Parallel()

	m := &Manager{opts: Options{GuidePath: filepath.Join(t.TempDir(), "missing.txt")}}
	assert.Contains(t, m.Guide(), "COMPLETION_API_KEY")
}

func TestOnChangeFiresOnSourceChange(t *testing.T) {
	t.Parallel()

	var seen []Source
	opts := newOpts(t, nil)
	opts.OnChange = func(s Source) { seen = append(seen, s) }

	m, err := NewManager(opts)
	require.NoError(t, err)
	require.NoError(t, m.Reload())
	require.NoError(t, m.SaveUserKeys(userSet))

	assert.Equal(t, []Source{SourceDefault, SourceFile}, seen)
}
