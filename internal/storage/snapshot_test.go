package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/fipso/contextchat/internal/thinking"
)

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	chat := testChat("c1", t0)
	chat.Tags = datatypes.NewJSONSlice([]string{"work"})
	chat.UnreadCount = 2
	require.NoError(t, s.SaveChat(ctx, chat))
	require.NoError(t, s.SaveChat(ctx, testChat("c2", t0.Add(time.Minute))))

	require.NoError(t, s.SaveContext(ctx, testContext("x", "X")))
	require.NoError(t, s.SaveContext(ctx, testContext("y", "Y")))

	th := thinking.Degraded()
	ai := testMessage("m2", "c1", t0.Add(time.Second), StatusDelivered)
	ai.Sender = SenderAI
	ai.Thinking = &th
	require.NoError(t, s.SaveMessages(ctx, []Message{
		*testMessage("m1", "c1", t0, StatusDelivered),
		*ai,
		*testMessage("m3", "c2", t0, StatusRead),
	}))

	_, err := s.AttachContext(ctx, "c1", "x", t0.Add(time.Hour))
	require.NoError(t, err)
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openTestStore(t)
	seed(t, src)

	data, err := src.Export(ctx)
	require.NoError(t, err)

	dst := openTestStore(t)
	// Pre-existing records are replaced.
	require.NoError(t, dst.SaveChat(ctx, testChat("stale", t0)))
	require.NoError(t, dst.Import(ctx, data))

	want, err := src.Snapshot(ctx)
	require.NoError(t, err)
	got, err := dst.Snapshot(ctx)
	require.NoError(t, err)

	require.Len(t, got.Chats, len(want.Chats))
	for i := range want.Chats {
		assert.Equal(t, want.Chats[i].ID, got.Chats[i].ID)
		assert.Equal(t, want.Chats[i].Title, got.Chats[i].Title)
		assert.Equal(t, want.Chats[i].Tags, got.Chats[i].Tags)
		assert.Equal(t, want.Chats[i].UnreadCount, got.Chats[i].UnreadCount)
		assert.True(t, want.Chats[i].LastActivity.Equal(got.Chats[i].LastActivity))
		assert.True(t, want.Chats[i].CreatedAt.Equal(got.Chats[i].CreatedAt))
	}

	require.Len(t, got.Messages, len(want.Messages))
	for i := range want.Messages {
		w, g := want.Messages[i], got.Messages[i]
		assert.Equal(t, w.ID, g.ID)
		assert.Equal(t, w.ChatID, g.ChatID)
		assert.Equal(t, w.Content, g.Content)
		assert.Equal(t, w.Status, g.Status)
		assert.Equal(t, w.Sender, g.Sender)
		assert.Equal(t, w.Thinking, g.Thinking)
		assert.True(t, w.Timestamp.Equal(g.Timestamp))
	}

	require.Len(t, got.Contexts, len(want.Contexts))
	for i := range want.Contexts {
		w, g := want.Contexts[i], got.Contexts[i]
		assert.Equal(t, w.ID, g.ID)
		assert.Equal(t, w.Content, g.Content)
		assert.Equal(t, w.Tags, g.Tags)
		assert.Equal(t, w.UsageCount, g.UsageCount)
		assert.Equal(t, w.Size, g.Size)
		require.Equal(t, w.LastUsed == nil, g.LastUsed == nil)
		if w.LastUsed != nil {
			assert.True(t, w.LastUsed.Equal(*g.LastUsed))
		}
	}

	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "c1", got.Attachments[0].ChatID)
	assert.Equal(t, "x", got.Attachments[0].ContextID)

	_, err = dst.GetChat(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)

	// Search index is rebuilt on import.
	found, err := dst.SearchContexts(ctx, "backend")
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestImport_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seed(t, s)

	tests := []struct {
		name string
		data string
	}{
		{"malformed json", `{"version": 1, "chats": [`},
		{"missing version", `{"chats": []}`},
		{"future version", `{"version": 2}`},
		{"chat without id", `{"version": 1, "chats": [{"title": "x"}]}`},
		{"message without chat", `{"version": 1, "messages": [{"id": "m"}]}`},
		{"duplicate ids", `{"version": 1, "chats": [{"id": "dup"}, {"id": "dup"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, s.Import(ctx, []byte(tt.data)))

			// Nothing changed.
			chats, err := s.LoadChats(ctx)
			require.NoError(t, err)
			assert.Len(t, chats, 2)
			msgs, err := s.LoadMessages(ctx, "c1")
			require.NoError(t, err)
			assert.Len(t, msgs, 2)
		})
	}

	assert.ErrorIs(t, s.Import(ctx, []byte(`{"version": 7}`)), ErrUnsupportedSnapshot)
	assert.ErrorIs(t, s.Import(ctx, []byte(`not json`)), ErrInvalidSnapshot)
	assert.ErrorIs(t, s.Import(ctx, []byte(`{"version": 1, "contexts": [{"title": "x"}]}`)), ErrInvalidSnapshot)
}

func TestImport_RejectsDanglingReferences(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.SaveChat(ctx, &Chat{ID: "c1", Title: "kept", LastActivity: t0, CreatedAt: t0}))

	cases := map[string]string{
		"message for unknown chat": `{"version": 1,
			"chats": [{"id": "c1"}],
			"messages": [{"id": "m1", "chatId": "ghost", "content": "x", "type": "user", "status": "delivered"}]}`,
		"attachment for unknown chat": `{"version": 1,
			"chats": [{"id": "c1"}], "contexts": [{"id": "k1", "title": "t"}],
			"attachments": [{"chatId": "ghost", "contextId": "k1"}]}`,
		"attachment for unknown context": `{"version": 1,
			"chats": [{"id": "c1"}], "contexts": [{"id": "k1", "title": "t"}],
			"attachments": [{"chatId": "c1", "contextId": "nope"}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Import(ctx, []byte(doc)), ErrInvalidSnapshot)
		})
	}

	// Rejected imports leave the database untouched.
	chats, err := s.LoadChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "kept", chats[0].Title)
}

func TestExport_VersionMarker(t *testing.T) {
	s := openTestStore(t)
	data, err := s.Export(context.Background())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.EqualValues(t, SnapshotVersion, raw["version"])
	assert.Equal(t, []any{}, raw["chats"])
}
