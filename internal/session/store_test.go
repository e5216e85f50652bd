package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/runtime"
)

func storeTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestEncodeProjectPath(t *testing.T) {
	assert.Equal(t, "-home-user-proj", EncodeProjectPath("/home/user/proj"))
	assert.Equal(t, "-", EncodeProjectPath("/"))

	// Relative and Windows-style paths still lead with a dash.
	assert.Equal(t, "-C:-work", EncodeProjectPath(`C:\work`))
	assert.Equal(t, "-repo", EncodeProjectPath("repo"))
}

func TestDecodeProjectPath(t *testing.T) {
	assert.Equal(t, "/home/user/proj", DecodeProjectPath("-home-user-proj"))

	for _, cwd := range []string{"/", "/tmp", "/home/user/proj"} {
		assert.Equal(t, cwd, DecodeProjectPath(EncodeProjectPath(cwd)))
	}
}

func TestStore_SaveLoadMetadata(t *testing.T) {
	store := NewStore(t.TempDir(), storeTestLogger(t))

	meta := Metadata{
		SessionID: "sess-1",
		Cwd:       "/work/demo",
		Name:      "demo session",
		Created:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Updated:   time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
		TurnCount: 3,
		State:     StateReady,
		Bundle:    "foundation",
	}
	require.NoError(t, store.SaveMetadata(meta))

	got, err := store.LoadMetadata("/work/demo", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	// The record lands where a user would expect to find it.
	path := filepath.Join(store.Root(), "-work-demo", "sessions", "sess-1", "metadata.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"session_id"`)
	assert.Contains(t, string(raw), `"turn_count"`)
	assert.NotContains(t, string(raw), `"parent_session_id"`)
}

func TestStore_AppendAndLoadMessages(t *testing.T) {
	store := NewStore(t.TempDir(), storeTestLogger(t))

	first := runtime.Message{
		Role:      "user",
		Content:   []runtime.Block{runtime.NewTextBlock("hello")},
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	second := runtime.Message{
		Role:      "assistant",
		Content:   []runtime.Block{runtime.NewTextBlock("hi there")},
		Timestamp: time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC),
	}
	require.NoError(t, store.AppendMessage("/work/demo", "sess-1", first))
	require.NoError(t, store.AppendMessage("/work/demo", "sess-1", second))

	got, err := store.LoadMessages("/work/demo", "sess-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "user", got[0].Role)
	assert.Equal(t, "hello", got[0].Text())
	assert.Equal(t, "hi there", got[1].Text())
	assert.Equal(t, first.Timestamp, got[0].Timestamp)
}

func TestStore_LoadMessagesSkipsCorruptRows(t *testing.T) {
	store := NewStore(t.TempDir(), storeTestLogger(t))

	msg := runtime.Message{
		Role:      "user",
		Content:   []runtime.Block{runtime.NewTextBlock("kept")},
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, store.AppendMessage("/work/demo", "sess-1", msg))

	path := filepath.Join(store.Root(), "-work-demo", "sessions", "sess-1", "messages.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, store.AppendMessage("/work/demo", "sess-1", msg))

	got, err := store.LoadMessages("/work/demo", "sess-1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStore_LoadMessagesMissingFile(t *testing.T) {
	store := NewStore(t.TempDir(), storeTestLogger(t))

	got, err := store.LoadMessages("/work/demo", "nope")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ListSessionsSortsNewestFirst(t *testing.T) {
	store := NewStore(t.TempDir(), storeTestLogger(t))

	old := Metadata{
		SessionID: "older",
		Cwd:       "/work/demo",
		Updated:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		State:     StateReady,
	}
	recent := Metadata{
		SessionID: "newer",
		Cwd:       "/work/demo",
		Updated:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		State:     StateReady,
	}
	require.NoError(t, store.SaveMetadata(old))
	require.NoError(t, store.SaveMetadata(recent))

	got, err := store.ListSessions("/work/demo")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "newer", got[0].SessionID)
	assert.Equal(t, "older", got[1].SessionID)
}

func TestStore_ListSessionsCorruptMetadata(t *testing.T) {
	store := NewStore(t.TempDir(), storeTestLogger(t))

	require.NoError(t, store.SaveMetadata(Metadata{
		SessionID: "good",
		Cwd:       "/work/demo",
		Updated:   time.Now().UTC(),
		State:     StateReady,
	}))

	dir := filepath.Join(store.Root(), "-work-demo", "sessions", "broken")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("{{{"), 0o644))

	got, err := store.ListSessions("/work/demo")
	require.NoError(t, err)
	require.Len(t, got, 2)

	var minimal *Metadata
	for i := range got {
		if got[i].SessionID == "broken" {
			minimal = &got[i]
		}
	}
	require.NotNil(t, minimal, "corrupt session should still be listed")
	assert.Equal(t, "/work/demo", minimal.Cwd)
	assert.Equal(t, "unknown", minimal.State)
	assert.Equal(t, 0, minimal.TurnCount)
}

func TestStore_ListSessionsEmptyProject(t *testing.T) {
	store := NewStore(t.TempDir(), storeTestLogger(t))

	got, err := store.ListSessions("/nothing/here")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ListProjects(t *testing.T) {
	store := NewStore(t.TempDir(), storeTestLogger(t))

	require.NoError(t, store.SaveMetadata(Metadata{SessionID: "a", Cwd: "/alpha", State: StateReady}))
	require.NoError(t, store.SaveMetadata(Metadata{SessionID: "b", Cwd: "/beta/deep", State: StateReady}))

	got, err := store.ListProjects()
	require.NoError(t, err)
	assert.Equal(t, []string{"/alpha", "/beta/deep"}, got)
}

func TestStore_FindSession(t *testing.T) {
	store := NewStore(t.TempDir(), storeTestLogger(t))

	require.NoError(t, store.SaveMetadata(Metadata{SessionID: "a", Cwd: "/alpha", State: StateReady}))
	require.NoError(t, store.SaveMetadata(Metadata{SessionID: "b", Cwd: "/beta", State: StateReady}))

	meta, ok := store.FindSession("b")
	require.True(t, ok)
	assert.Equal(t, "/beta", meta.Cwd)

	_, ok = store.FindSession("missing")
	assert.False(t, ok)
}

func TestMetadata_IsChild(t *testing.T) {
	tests := []struct {
		name string
		meta Metadata
		want bool
	}{
		{"explicit parent", Metadata{SessionID: "anything", ParentSessionID: "parent-1"}, true},
		{"underscore and dash", Metadata{SessionID: "task_ab12-cd34"}, true},
		{"plain uuid", Metadata{SessionID: "0b9f8c1e-77aa-4f3d-9c21-5d2f2b8f1a90"}, false},
		{"sub id without parent", Metadata{SessionID: "sub_ab12cd34ef56"}, false},
		{"bare name", Metadata{SessionID: "session1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.meta.IsChild())
		})
	}
}
