package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const legacyJSON = `{
  "state": {
    "chats": [
      {
        "id": "c1",
        "title": "Legacy chat",
        "lastActivity": "2026-01-10T09:00:00.000Z",
        "createdAt": "2026-01-10T08:00:00.000Z",
        "contextIds": ["x1"],
        "tags": ["old"],
        "messages": [
          {"id": "m1", "chatId": "c1", "content": "Hi", "type": "user", "timestamp": "2026-01-10T08:00:00.000Z", "status": "delivered"},
          {"id": "m2", "content": "Hello!", "type": "ai", "timestamp": "2026-01-10T08:00:05.000Z",
           "thinking": {"assumptions": [], "uncertainties": [], "confidenceLevel": "high", "reasoningSteps": [], "contextUsage": [], "suggestedContexts": []}}
        ]
      }
    ],
    "contexts": [
      {"id": "x1", "title": "Legacy context", "description": "d", "content": "abc", "type": "knowledge", "tags": ["t"], "category": "c",
       "usageCount": 3, "isPrivate": false, "autoSuggest": true,
       "createdAt": "2026-01-01T00:00:00.000Z", "updatedAt": "2026-01-02T00:00:00.000Z"}
    ],
    "selectedContexts": ["x1"]
  },
  "version": 0
}`

func TestMigrate_ReplaysLegacyBlobOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.SetSetting(ctx, LegacyStorageKey, legacyJSON))

	applied, err := s.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, applied)

	chat, err := s.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Legacy chat", chat.Title)
	assert.Equal(t, []string{"m1", "m2"}, chat.MessageIDs)
	assert.Equal(t, []string{"x1"}, chat.AttachedContextIDs)

	m2, err := s.GetMessage(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, "c1", m2.ChatID)
	assert.Equal(t, StatusDelivered, m2.Status)
	require.NotNil(t, m2.Thinking)

	x1, err := s.GetContext(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, 3, x1.UsageCount)
	assert.Equal(t, 3, x1.Size)

	_, err = s.GetSetting(ctx, LegacyStorageKey)
	assert.ErrorIs(t, err, ErrNotFound)

	// A legacy blob showing up again is ignored: migration 1 already ran.
	require.NoError(t, s.SetSetting(ctx, LegacyStorageKey, legacyJSON))
	applied, err = s.Migrate(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)

	chats, err := s.LoadChats(ctx)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
	msgs, err := s.LoadMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	recorded, err := s.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, 1, recorded[0].Version)
}

func TestMigrate_NoLegacyBlob(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	applied, err := s.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, applied)

	chats, err := s.LoadChats(ctx)
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestMigrate_ReplayToleratesPartialRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// An interrupted run left some records behind without recording itself.
	require.NoError(t, s.SaveChat(ctx, testChat("c1", t0)))
	require.NoError(t, s.SaveMessage(ctx, &Message{ID: "m1", ChatID: "c1", Content: "Hi", Sender: SenderUser, Timestamp: t0, Status: StatusDelivered}))
	require.NoError(t, s.SetSetting(ctx, LegacyStorageKey, legacyJSON))

	_, err := s.Migrate(ctx)
	require.NoError(t, err)

	msgs, err := s.LoadMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestApplyMigrations_FailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	boom := errors.New("boom")
	list := []Migration{
		{Version: 2, Name: "fails", Up: func(tx *gorm.DB) error {
			if err := tx.Create(testChat("half", t0)).Error; err != nil {
				return err
			}
			return boom
		}},
		{Version: 1, Name: "ok", Up: func(tx *gorm.DB) error {
			return tx.Create(testChat("one", t0)).Error
		}},
	}

	applied, err := s.applyMigrations(ctx, list)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1}, applied)

	_, err = s.GetChat(ctx, "half")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetChat(ctx, "one")
	assert.NoError(t, err)

	recorded, err := s.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, 1, recorded[0].Version)
}
