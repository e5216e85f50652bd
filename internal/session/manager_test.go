package session

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier/amplifier/internal/bundle"
	"github.com/amplifier/amplifier/internal/runtime"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

func TestManager_CreateDefaults(t *testing.T) {
	env := newTestEnv(t)

	s, err := env.manager.Create(context.Background(), CreateOptions{Cwd: "/work/demo"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(s.ID, "sess_"), "id %q", s.ID)
	assert.GreaterOrEqual(t, len(s.ID), 16)
	assert.NotContains(t, s.ID, "-")
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, protocol.ModeDefault, s.Mode())

	meta := s.Metadata()
	assert.Equal(t, bundle.Foundation, meta.Bundle)
	assert.False(t, meta.IsChild())

	got, err := env.manager.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestManager_CreateDuplicateID(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.Create(context.Background(), CreateOptions{ID: "dup", Cwd: "/w"})
	require.NoError(t, err)

	_, err = env.manager.Create(context.Background(), CreateOptions{ID: "dup", Cwd: "/w"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestManager_CreateUnknownBundle(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.Create(context.Background(), CreateOptions{Cwd: "/w", Bundle: "no-such-bundle"})
	require.Error(t, err)
}

func TestManager_CreateMinimal(t *testing.T) {
	env := newTestEnv(t)

	s, err := env.manager.CreateMinimal(context.Background(), "/w")
	require.NoError(t, err)
	assert.Equal(t, bundle.Foundation, s.Metadata().Bundle)

	// Repeat creations share the prepared bundle through the cache.
	s2, err := env.manager.CreateMinimal(context.Background(), "/w")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, s2.ID)
}

func TestManager_ResumeRoundtrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, err := env.manager.Create(ctx, CreateOptions{Cwd: "/work/demo", Name: "first"})
	require.NoError(t, err)
	id := s.ID

	_, err = s.Prompt(ctx, []protocol.ContentBlock{protocol.TextBlock("remember me")})
	require.NoError(t, err)
	require.NoError(t, env.manager.Close(id))

	_, err = env.manager.Get(id)
	assert.ErrorIs(t, err, ErrUnknownSession)

	notifier := &recordingNotifier{}
	resumed, err := env.manager.Resume(ctx, id, notifier, nil)
	require.NoError(t, err)
	assert.Equal(t, id, resumed.ID)
	assert.Equal(t, "first", resumed.Name)
	assert.Equal(t, StateReady, resumed.State())

	messages := resumed.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "remember me", messages[0].Text())
	assert.Equal(t, 1, resumed.Metadata().TurnCount)

	// The resumed session keeps working.
	stop, err := resumed.Prompt(ctx, []protocol.ContentBlock{protocol.TextBlock("again")})
	require.NoError(t, err)
	assert.Equal(t, runtime.StopEndTurn, stop)
	assert.Equal(t, 2, resumed.Metadata().TurnCount)
}

func TestManager_ResumeUnknown(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.Resume(context.Background(), "missing", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestManager_ResumeActiveRebinds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, err := env.manager.Create(ctx, CreateOptions{Cwd: "/w"})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	same, err := env.manager.Resume(ctx, s.ID, notifier, nil)
	require.NoError(t, err)
	assert.Same(t, s, same)

	_, err = same.Prompt(ctx, []protocol.ContentBlock{protocol.TextBlock("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hi", notifier.messageText(), "rebound notifier receives updates")
}

func TestManager_ListSaved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	older, err := env.manager.Create(ctx, CreateOptions{Cwd: "/work/demo"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newer, err := env.manager.Create(ctx, CreateOptions{Cwd: "/work/demo"})
	require.NoError(t, err)

	// A session in another project must not leak into the listing.
	_, err = env.manager.Create(ctx, CreateOptions{Cwd: "/elsewhere"})
	require.NoError(t, err)

	saved, err := env.manager.ListSaved("/work/demo")
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, newer.ID, saved[0].SessionID)
	assert.Equal(t, older.ID, saved[1].SessionID)

	projects, err := env.manager.ListProjects()
	require.NoError(t, err)
	assert.Contains(t, projects, "/work/demo")
	assert.Contains(t, projects, "/elsewhere")
}

func TestManager_EphemeralSessionSkipsDisk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, err := env.manager.Create(ctx, CreateOptions{Cwd: "/w", Ephemeral: true})
	require.NoError(t, err)

	_, err = s.Prompt(ctx, []protocol.ContentBlock{protocol.TextBlock("hi")})
	require.NoError(t, err)

	entries, err := os.ReadDir(env.storeRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "ephemeral sessions must not write")
}

func TestManager_PersistenceDisabled(t *testing.T) {
	env := newTestEnv(t)
	bare := NewManager(ManagerOptions{
		Bundles:  env.manager.bundles,
		Store:    nil,
		Executor: env.manager.executor,
		Logger:   env.log,
	})

	_, err := bare.ListSaved("/w")
	assert.ErrorIs(t, err, ErrPersistenceDisabled)

	_, err = bare.Resume(context.Background(), "any", nil, nil)
	assert.ErrorIs(t, err, ErrPersistenceDisabled)

	// Sessions still run, they just leave no trace.
	s, err := bare.Create(context.Background(), CreateOptions{Cwd: "/w"})
	require.NoError(t, err)
	stop, err := s.Prompt(context.Background(), []protocol.ContentBlock{protocol.TextBlock("hi")})
	require.NoError(t, err)
	assert.Equal(t, runtime.StopEndTurn, stop)
}

func TestManager_CloseAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := env.manager.Create(ctx, CreateOptions{Cwd: "/w"})
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	require.Len(t, env.manager.ActiveIDs(), 3)

	env.manager.CloseAll()
	assert.Empty(t, env.manager.ActiveIDs())

	for _, id := range ids {
		_, err := env.manager.Get(id)
		assert.ErrorIs(t, err, ErrUnknownSession)
	}
}

func TestManager_ActiveIDs(t *testing.T) {
	env := newTestEnv(t)

	s, err := env.manager.Create(context.Background(), CreateOptions{Cwd: "/w"})
	require.NoError(t, err)

	ids := env.manager.ActiveIDs()
	require.Len(t, ids, 1)
	assert.Equal(t, s.ID, ids[0])
}
