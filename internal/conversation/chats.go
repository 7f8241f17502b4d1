package conversation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fipso/contextchat/internal/event"
	"github.com/fipso/contextchat/internal/storage"
)

// CreateChat starts an empty conversation.
func (s *Store) CreateChat(ctx context.Context, title string) (storage.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	now := s.now()
	chat := &storage.Chat{
		ID:                 s.newID(),
		Title:              title,
		LastActivity:       now,
		Tags:               datatypes.JSONSlice[string]{},
		CreatedAt:          now,
		MessageIDs:         []string{},
		AttachedContextIDs: []string{},
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.records.SaveChat(ctx, chat); err != nil {
		s.fail("create chat", err)
		return storage.Chat{}, err
	}

	s.mu.Lock()
	s.chats[chat.ID] = chat
	s.messages[chat.ID] = []storage.Message{}
	out := copyChat(chat)
	s.mu.Unlock()

	s.logger.Info("chat created", zap.String("chat_id", chat.ID))
	s.publish(event.TypeChatCreated, chat.ID, out)
	return out, nil
}

// updateChat persists a modified copy of a chat and then swaps it in.
// The caller must hold writeMu.
func (s *Store) updateChat(ctx context.Context, op, id string, mutate func(c *storage.Chat) error) (storage.Chat, error) {
	s.mu.RLock()
	cur, ok := s.chats[id]
	var next storage.Chat
	if ok {
		next = copyChat(cur)
	}
	s.mu.RUnlock()
	if !ok {
		return storage.Chat{}, fmt.Errorf("chat %s: %w", id, storage.ErrNotFound)
	}

	if err := mutate(&next); err != nil {
		return storage.Chat{}, err
	}
	if err := s.records.SaveChat(ctx, &next); err != nil {
		s.fail(op, err)
		return storage.Chat{}, err
	}

	s.mu.Lock()
	stored := next
	s.chats[id] = &stored
	out := copyChat(&stored)
	s.mu.Unlock()

	s.publish(event.TypeChatUpdated, id, out)
	return out, nil
}

// RenameChat sets a chat's title.
func (s *Store) RenameChat(ctx context.Context, id, title string) (storage.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return storage.Chat{}, fmt.Errorf("%w: empty title", ErrInvalid)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.updateChat(ctx, "rename chat", id, func(c *storage.Chat) error {
		c.Title = title
		return nil
	})
}

// ArchiveChat sets or clears the archived flag.
func (s *Store) ArchiveChat(ctx context.Context, id string, archived bool) (storage.Chat, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.updateChat(ctx, "archive chat", id, func(c *storage.Chat) error {
		c.Archived = archived
		return nil
	})
}

// TagChat replaces a chat's tags. Duplicates and blanks are dropped.
func (s *Store) TagChat(ctx context.Context, id string, tags []string) (storage.Chat, error) {
	clean := normalizeTags(tags)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.updateChat(ctx, "tag chat", id, func(c *storage.Chat) error {
		c.Tags = clean
		return nil
	})
}

// MarkRead clears the unread counter and marks delivered replies as read.
func (s *Store) MarkRead(ctx context.Context, chatID string) (storage.Chat, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	var unread []storage.Message
	for i := range s.messages[chatID] {
		m := &s.messages[chatID][i]
		if m.Sender == storage.SenderAI && m.Status == storage.StatusDelivered {
			cp := copyMessage(m)
			cp.Status = storage.StatusRead
			unread = append(unread, cp)
		}
	}
	s.mu.RUnlock()

	if err := s.records.SaveMessages(ctx, unread); err != nil {
		s.fail("mark read", err)
		return storage.Chat{}, err
	}
	for _, m := range unread {
		s.putMessage(m)
		s.publish(event.TypeChatMessageUpdated, chatID, m)
	}

	return s.updateChat(ctx, "mark read", chatID, func(c *storage.Chat) error {
		c.UnreadCount = 0
		return nil
	})
}

// DeleteChat removes a chat and its messages. Attached contexts are kept.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.requireChat(id); err != nil {
		return err
	}

	if err := s.records.DeleteChat(ctx, id); err != nil {
		s.fail("delete chat", err)
		return err
	}

	s.mu.Lock()
	delete(s.chats, id)
	delete(s.messages, id)
	delete(s.thinking, id)
	s.mu.Unlock()

	s.logger.Info("chat deleted", zap.String("chat_id", id))
	s.publish(event.TypeChatDeleted, id, event.Deleted{ID: id})
	return nil
}

// requireChat fails with ErrNotFound when the chat no longer exists. The
// caller must hold writeMu so the chat cannot be deleted before its write.
func (s *Store) requireChat(id string) error {
	s.mu.RLock()
	_, ok := s.chats[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("chat %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// putMessage inserts or replaces a message in memory, keeping the chat's
// list and message ids in timestamp order.
func (s *Store) putMessage(m storage.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[m.ChatID]
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs[i] = m
			return
		}
	}

	pos := len(msgs)
	for pos > 0 && msgs[pos-1].Timestamp.After(m.Timestamp) {
		pos--
	}
	msgs = append(msgs, storage.Message{})
	copy(msgs[pos+1:], msgs[pos:])
	msgs[pos] = m
	s.messages[m.ChatID] = msgs

	if c, ok := s.chats[m.ChatID]; ok {
		ids := make([]string, len(msgs))
		for i := range msgs {
			ids[i] = msgs[i].ID
		}
		c.MessageIDs = ids
	}
}

func normalizeTags(tags []string) datatypes.JSONSlice[string] {
	out := datatypes.JSONSlice[string]{}
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
