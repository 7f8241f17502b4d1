package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SnapshotVersion is the export format written by Export.
const SnapshotVersion = 1

// ErrUnsupportedSnapshot is returned by Import for an unknown format version.
var ErrUnsupportedSnapshot = errors.New("unsupported snapshot version")

// ErrInvalidSnapshot is returned for snapshots that are malformed or hold
// records without ids.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Snapshot is the whole database as one document.
type Snapshot struct {
	Version     int           `json:"version"`
	ExportedAt  time.Time     `json:"exportedAt"`
	Chats       []Chat        `json:"chats"`
	Messages    []Message     `json:"messages"`
	Contexts    []Context     `json:"contexts"`
	Attachments []ChatContext `json:"attachments"`
}

// Snapshot reads every record in one transaction.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Version:     SnapshotVersion,
		ExportedAt:  time.Now().UTC(),
		Chats:       []Chat{},
		Messages:    []Message{},
		Contexts:    []Context{},
		Attachments: []ChatContext{},
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Order("id").Find(&snap.Chats).Error; err != nil {
			return err
		}
		if err := tx.Order("chat_id, timestamp, id").Find(&snap.Messages).Error; err != nil {
			return err
		}
		if err := tx.Order("id").Find(&snap.Contexts).Error; err != nil {
			return err
		}
		return tx.Order("chat_id, context_id").Find(&snap.Attachments).Error
	})
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	return snap, nil
}

// Export serializes the whole database as JSON.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(snap, "", "  ")
}

// Import replaces every chat, message, context and attachment with the
// contents of data. Nothing is written unless the whole document applies.
func (s *Store) Import(ctx context.Context, data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("import: %w: %w", ErrInvalidSnapshot, err)
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("import: %w: %d", ErrUnsupportedSnapshot, snap.Version)
	}
	if err := snap.validate(); err != nil {
		return fmt.Errorf("import: %w: %w", ErrInvalidSnapshot, err)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		all := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		for _, model := range []any{&ChatContext{}, &Message{}, &Context{}, &Chat{}} {
			if err := all.Delete(model).Error; err != nil {
				return err
			}
		}
		if len(snap.Chats) > 0 {
			if err := tx.CreateInBatches(snap.Chats, 100).Error; err != nil {
				return fmt.Errorf("chats: %w", err)
			}
		}
		if len(snap.Contexts) > 0 {
			if err := tx.CreateInBatches(snap.Contexts, 100).Error; err != nil {
				return fmt.Errorf("contexts: %w", err)
			}
		}
		if len(snap.Messages) > 0 {
			if err := tx.CreateInBatches(snap.Messages, 100).Error; err != nil {
				return fmt.Errorf("messages: %w", err)
			}
		}
		if len(snap.Attachments) > 0 {
			if err := tx.CreateInBatches(snap.Attachments, 100).Error; err != nil {
				return fmt.Errorf("attachments: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	s.logger.Info("snapshot imported",
		zap.Int("chats", len(snap.Chats)),
		zap.Int("messages", len(snap.Messages)),
		zap.Int("contexts", len(snap.Contexts)))
	return nil
}

// validate checks that every record has an id and that messages and
// attachments only refer to chats and contexts in the same snapshot.
func (snap *Snapshot) validate() error {
	chats := make(map[string]bool, len(snap.Chats))
	for _, c := range snap.Chats {
		if c.ID == "" {
			return errors.New("chat without id")
		}
		chats[c.ID] = true
	}
	contexts := make(map[string]bool, len(snap.Contexts))
	for _, c := range snap.Contexts {
		if c.ID == "" {
			return errors.New("context without id")
		}
		contexts[c.ID] = true
	}
	for _, m := range snap.Messages {
		if m.ID == "" || m.ChatID == "" {
			return errors.New("message without id or chat id")
		}
		if !chats[m.ChatID] {
			return fmt.Errorf("message %s refers to unknown chat %s", m.ID, m.ChatID)
		}
	}
	for _, a := range snap.Attachments {
		if a.ChatID == "" || a.ContextID == "" {
			return errors.New("attachment without chat id or context id")
		}
		if !chats[a.ChatID] {
			return fmt.Errorf("attachment refers to unknown chat %s", a.ChatID)
		}
		if !contexts[a.ContextID] {
			return fmt.Errorf("attachment refers to unknown context %s", a.ContextID)
		}
	}
	return nil
}
