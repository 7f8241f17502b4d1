package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fipso/contextchat/internal/event"
	"github.com/fipso/contextchat/internal/llm"
	"github.com/fipso/contextchat/internal/storage"
)

// ErrNoGenerator is returned by the generation actions when no generator is
// configured.
var ErrNoGenerator = errors.New("context generation is not configured")

// ContextInput holds the editable fields of a context.
type ContextInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Content     string   `json:"content"`
	Type        string   `json:"type"`
	Tags        []string `json:"tags"`
	Category    string   `json:"category"`
	IsPrivate   bool     `json:"isPrivate"`
	AutoSuggest bool     `json:"autoSuggest"`
}

func (in ContextInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: context title is required", ErrInvalid)
	}
	switch in.Type {
	case "", storage.ContextKnowledge, storage.ContextDocument, storage.ContextChat:
		return nil
	default:
		return fmt.Errorf("%w: unknown context type %q", ErrInvalid, in.Type)
	}
}

func (in ContextInput) apply(c *storage.Context) {
	c.Title = strings.TrimSpace(in.Title)
	c.Description = in.Description
	c.Content = in.Content
	c.Type = in.Type
	if c.Type == "" {
		c.Type = storage.ContextKnowledge
	}
	c.Tags = normalizeTags(in.Tags)
	c.Category = in.Category
	c.IsPrivate = in.IsPrivate
	c.AutoSuggest = in.AutoSuggest
}

// CreateContext adds a context to the library.
func (s *Store) CreateContext(ctx context.Context, in ContextInput) (storage.Context, error) {
	if err := in.validate(); err != nil {
		return storage.Context{}, err
	}
	now := s.now()
	c := &storage.Context{ID: s.newID(), CreatedAt: now, UpdatedAt: now}
	in.apply(c)
	return s.insertContext(ctx, c)
}

func (s *Store) insertContext(ctx context.Context, c *storage.Context) (storage.Context, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.records.SaveContext(ctx, c); err != nil {
		s.fail("create context", err)
		return storage.Context{}, err
	}

	s.mu.Lock()
	s.contexts[c.ID] = c
	out := copyContext(c)
	s.mu.Unlock()

	s.logger.Info("context created", zap.String("context_id", c.ID), zap.Int("size", c.Size))
	s.publish(event.TypeContextCreated, "", out)
	return out, nil
}

// UpdateContext replaces the editable fields of a context. Usage counters
// and creation time are kept.
func (s *Store) UpdateContext(ctx context.Context, id string, in ContextInput) (storage.Context, error) {
	if err := in.validate(); err != nil {
		return storage.Context{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	cur, ok := s.contexts[id]
	var next storage.Context
	if ok {
		next = copyContext(cur)
	}
	s.mu.RUnlock()
	if !ok {
		return storage.Context{}, fmt.Errorf("context %s: %w", id, storage.ErrNotFound)
	}

	in.apply(&next)
	next.UpdatedAt = s.now()
	if err := s.records.SaveContext(ctx, &next); err != nil {
		s.fail("update context", err)
		return storage.Context{}, err
	}

	s.mu.Lock()
	s.contexts[id] = &next
	out := copyContext(&next)
	s.mu.Unlock()

	s.publish(event.TypeContextUpdated, "", out)
	return out, nil
}

// DeleteContext removes a context and detaches it from every chat.
func (s *Store) DeleteContext(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	_, ok := s.contexts[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("context %s: %w", id, storage.ErrNotFound)
	}

	if err := s.records.DeleteContext(ctx, id); err != nil {
		s.fail("delete context", err)
		return err
	}

	var touched []storage.Chat
	s.mu.Lock()
	delete(s.contexts, id)
	for _, c := range s.chats {
		if ids, removed := without(c.AttachedContextIDs, id); removed {
			c.AttachedContextIDs = ids
			touched = append(touched, copyChat(c))
		}
	}
	s.mu.Unlock()

	s.logger.Info("context deleted", zap.String("context_id", id), zap.Int("chats", len(touched)))
	s.publish(event.TypeContextDeleted, "", event.Deleted{ID: id})
	for _, c := range touched {
		s.publish(event.TypeChatUpdated, c.ID, c)
	}
	return nil
}

// AttachContext attaches a context to a chat. Attaching twice is a no-op and
// counts the use only once.
func (s *Store) AttachContext(ctx context.Context, chatID, contextID string) (storage.Chat, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	attached, err := s.records.AttachContext(ctx, chatID, contextID, now)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.fail("attach context", err)
		}
		return storage.Chat{}, err
	}

	s.mu.Lock()
	chat := s.chats[chatID]
	doc := s.contexts[contextID]
	if attached && chat != nil && doc != nil {
		chat.AttachedContextIDs = append(chat.AttachedContextIDs, contextID)
		doc.UsageCount++
		used := now
		doc.LastUsed = &used
	}
	var out storage.Chat
	var updated storage.Context
	if chat != nil {
		out = copyChat(chat)
	}
	if doc != nil {
		updated = copyContext(doc)
	}
	s.mu.Unlock()

	if attached {
		s.publish(event.TypeChatUpdated, chatID, out)
		s.publish(event.TypeContextUpdated, "", updated)
	}
	return out, nil
}

// DetachContext removes a context from a chat. The context's usage counters
// are not touched.
func (s *Store) DetachContext(ctx context.Context, chatID, contextID string) (storage.Chat, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	_, ok := s.chats[chatID]
	s.mu.RUnlock()
	if !ok {
		return storage.Chat{}, fmt.Errorf("chat %s: %w", chatID, storage.ErrNotFound)
	}

	if err := s.records.DetachContext(ctx, chatID, contextID); err != nil {
		s.fail("detach context", err)
		return storage.Chat{}, err
	}

	s.mu.Lock()
	chat := s.chats[chatID]
	ids, removed := without(chat.AttachedContextIDs, contextID)
	chat.AttachedContextIDs = ids
	out := copyChat(chat)
	s.mu.Unlock()

	if removed {
		s.publish(event.TypeChatUpdated, chatID, out)
	}
	return out, nil
}

// CreateContextFromMessages asks the generator to distill the selected
// messages of a chat into a new context and stores it.
func (s *Store) CreateContextFromMessages(ctx context.Context, chatID string, messageIDs []string, instruction string) (storage.Context, error) {
	msgs, err := s.Messages(chatID)
	if err != nil {
		return storage.Context{}, err
	}

	selected := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		selected[id] = true
	}
	req := llm.GenerateRequest{Mode: llm.ModeFromMessages, CustomInstruction: instruction}
	for _, m := range msgs {
		if !selected[m.ID] {
			continue
		}
		req.Messages = append(req.Messages, llm.Message{
			ID:        m.ID,
			ChatID:    m.ChatID,
			Content:   m.Content,
			Sender:    m.Sender,
			Timestamp: m.Timestamp,
			Status:    m.Status,
		})
	}
	return s.generate(ctx, req)
}

// GenerateContext asks the generator to draft a context from a prompt and
// stores it.
func (s *Store) GenerateContext(ctx context.Context, prompt, instruction string) (storage.Context, error) {
	return s.generate(ctx, llm.GenerateRequest{
		Mode:              llm.ModeFromPrompt,
		Prompt:            prompt,
		CustomInstruction: instruction,
	})
}

func (s *Store) generate(ctx context.Context, req llm.GenerateRequest) (storage.Context, error) {
	if s.gen == nil {
		return storage.Context{}, ErrNoGenerator
	}
	if err := req.Validate(); err != nil {
		return storage.Context{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	g, err := s.gen.Generate(ctx, req)
	if err != nil {
		s.fail("generate context", err)
		return storage.Context{}, err
	}

	now := s.now()
	c := &storage.Context{
		ID:          s.newID(),
		Title:       strings.TrimSpace(g.Title),
		Description: g.Description,
		Content:     g.Content,
		Type:        g.Type,
		Tags:        normalizeTags(g.Tags),
		Category:    g.Category,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if c.Title == "" {
		c.Title = "Generated context"
	}
	if c.Type == "" {
		c.Type = storage.ContextKnowledge
		if req.Mode == llm.ModeFromMessages {
			c.Type = storage.ContextChat
		}
	}
	return s.insertContext(ctx, c)
}

func without(ids []string, id string) ([]string, bool) {
	out := make([]string, 0, len(ids))
	removed := false
	for _, v := range ids {
		if v == id {
			removed = true
			continue
		}
		out = append(out, v)
	}
	return out, removed
}
