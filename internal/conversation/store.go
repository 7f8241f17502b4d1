// Package conversation is the state store that front ends talk to. It keeps
// an in-memory copy of chats, messages and contexts mirrored from the record
// store and runs the request/response cycle against the model.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fipso/contextchat/internal/event"
	"github.com/fipso/contextchat/internal/llm"
	"github.com/fipso/contextchat/internal/storage"
)

// DefaultTitle is given to chats created without a title. Such chats take
// their title from the first message sent.
const DefaultTitle = "New Chat"

// ErrInvalid is returned for rejected input such as an empty message.
var ErrInvalid = errors.New("invalid input")

// Records is the durable record store.
type Records interface {
	LoadChats(ctx context.Context) ([]storage.Chat, error)
	SaveChat(ctx context.Context, chat *storage.Chat) error
	DeleteChat(ctx context.Context, chatID string) error
	LoadMessages(ctx context.Context, chatID string) ([]storage.Message, error)
	SaveMessage(ctx context.Context, msg *storage.Message) error
	SaveMessages(ctx context.Context, msgs []storage.Message) error
	LoadContexts(ctx context.Context) ([]storage.Context, error)
	SaveContext(ctx context.Context, c *storage.Context) error
	DeleteContext(ctx context.Context, id string) error
	SearchContexts(ctx context.Context, query string) ([]storage.Context, error)
	AttachContext(ctx context.Context, chatID, contextID string, now time.Time) (bool, error)
	DetachContext(ctx context.Context, chatID, contextID string) error
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
	Export(ctx context.Context) ([]byte, error)
	Import(ctx context.Context, data []byte) error
}

// AI produces model replies.
type AI interface {
	Stream(ctx context.Context, req llm.Request) (*llm.Stream, error)
	ValidateAPIKey(ctx context.Context, key string) error
}

// Options configures a Store.
type Options struct {
	Records   Records
	AI        AI
	Generator llm.Generator
	// Keys receives the user's API key once it is validated or loaded.
	Keys   *llm.KeyRing
	Bus    *event.Bus
	Logger *zap.Logger
	Clock  func() time.Time
	IDs    func() string
}

// Store is the conversation state store. Reads are served from memory.
// Mutations are persisted first and applied to memory only on success.
//
// At most one SendMessage may be in flight per chat; this is not enforced
// beyond IsThinking.
type Store struct {
	records Records
	ai      AI
	gen     llm.Generator
	keys    *llm.KeyRing
	bus     *event.Bus
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string

	// writeMu serializes persist-then-apply sequences. It also guards
	// importing.
	writeMu   sync.Mutex
	importing bool

	mu       sync.RWMutex
	chats    map[string]*storage.Chat
	messages map[string][]storage.Message
	contexts map[string]*storage.Context
	thinking map[string]bool
	lastErr  string

	inflight sync.WaitGroup
}

// New creates a store. Call Load before use.
func New(o Options) *Store {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.IDs == nil {
		o.IDs = func() string { return uuid.New().String() }
	}
	if o.Keys == nil {
		o.Keys = llm.NewKeyRing()
	}
	return &Store{
		records:  o.Records,
		ai:       o.AI,
		gen:      o.Generator,
		keys:     o.Keys,
		bus:      o.Bus,
		logger:   o.Logger.Named("conversation"),
		now:      o.Clock,
		newID:    o.IDs,
		chats:    make(map[string]*storage.Chat),
		messages: make(map[string][]storage.Message),
		contexts: make(map[string]*storage.Context),
		thinking: make(map[string]bool),
	}
}

// Load replaces the in-memory state with the contents of the record store
// and restores a previously validated API key.
func (s *Store) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	chats, err := s.records.LoadChats(ctx)
	if err != nil {
		return err
	}
	messages := make(map[string][]storage.Message, len(chats))
	for _, c := range chats {
		msgs, err := s.records.LoadMessages(ctx, c.ID)
		if err != nil {
			return err
		}
		messages[c.ID] = msgs
	}
	contexts, err := s.records.LoadContexts(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.chats = make(map[string]*storage.Chat, len(chats))
	for i := range chats {
		c := chats[i]
		s.chats[c.ID] = &c
	}
	s.messages = messages
	s.contexts = make(map[string]*storage.Context, len(contexts))
	for i := range contexts {
		c := contexts[i]
		s.contexts[c.ID] = &c
	}
	s.mu.Unlock()

	key, err := s.records.GetSetting(ctx, storage.SettingAPIKey)
	switch {
	case err == nil:
		validated, _ := s.records.GetSetting(ctx, storage.SettingAPIKeyValidated)
		s.keys.Set(key, validated == "true")
	case errors.Is(err, storage.ErrNotFound):
		s.keys.Clear()
	default:
		return err
	}

	s.logger.Info("state loaded",
		zap.Int("chats", len(chats)),
		zap.Int("contexts", len(contexts)))
	return nil
}

// Close waits for in-flight replies to be persisted.
func (s *Store) Close() {
	s.inflight.Wait()
}

// Chats returns every chat, most recently active first.
func (s *Store) Chats() []storage.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, copyChat(c))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Chat returns one chat.
func (s *Store) Chat(id string) (storage.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return storage.Chat{}, fmt.Errorf("chat %s: %w", id, storage.ErrNotFound)
	}
	return copyChat(c), nil
}

// Messages returns the messages of a chat in timestamp order.
func (s *Store) Messages(chatID string) ([]storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, storage.ErrNotFound)
	}
	msgs := s.messages[chatID]
	out := make([]storage.Message, len(msgs))
	for i := range msgs {
		out[i] = copyMessage(&msgs[i])
	}
	return out, nil
}

// Contexts returns every context, most recently updated first.
func (s *Store) Contexts() []storage.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		out = append(out, copyContext(c))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Context returns one context.
func (s *Store) Context(id string) (storage.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return storage.Context{}, fmt.Errorf("context %s: %w", id, storage.ErrNotFound)
	}
	return copyContext(c), nil
}

// SearchContexts matches query against title, description and tags.
func (s *Store) SearchContexts(ctx context.Context, query string) ([]storage.Context, error) {
	return s.records.SearchContexts(ctx, query)
}

// AttachedContexts returns the contexts attached to a chat in attach order.
func (s *Store) AttachedContexts(chatID string) ([]storage.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, storage.ErrNotFound)
	}
	out := make([]storage.Context, 0, len(c.AttachedContextIDs))
	for _, id := range c.AttachedContextIDs {
		if doc, ok := s.contexts[id]; ok {
			out = append(out, copyContext(doc))
		}
	}
	return out, nil
}

// LastError returns the description of the most recent failure, or "".
func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ClearError resets LastError.
func (s *Store) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = ""
}

// IsThinking reports whether a reply is being produced for the chat.
func (s *Store) IsThinking(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thinking[chatID]
}

// HasAPIKey reports whether a validated user API key is set.
func (s *Store) HasAPIKey() bool {
	key, validated := s.keys.UserAPIKey()
	return key != "" && validated
}

func (s *Store) publish(typ, chatID string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{Type: typ, ChatID: chatID, Timestamp: s.now(), Data: data})
}

func (s *Store) fail(op string, err error) {
	desc := describe(err)
	s.mu.Lock()
	s.lastErr = desc
	s.mu.Unlock()
	s.logger.Warn("operation failed", zap.String("op", op), zap.Error(err))
	s.publish(event.TypeStoreError, "", event.StoreError{Op: op, Message: desc})
}

// describe turns an error into text fit for the conversation view.
func describe(err error) string {
	var ce *llm.ConfigError
	var se *llm.StatusError
	var te *llm.TransportError
	switch {
	case errors.As(err, &ce):
		return "No API key is available. Set your API key in settings to start chatting."
	case errors.As(err, &se):
		return fmt.Sprintf("The AI service returned status %d: %s", se.Status, se.Body)
	case errors.As(err, &te):
		return "Could not reach the AI service. Check your connection and try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "The AI service did not answer in time."
	default:
		return err.Error()
	}
}

func copyChat(c *storage.Chat) storage.Chat {
	out := *c
	out.Tags = append(out.Tags[:0:0], c.Tags...)
	out.MessageIDs = append([]string{}, c.MessageIDs...)
	out.AttachedContextIDs = append([]string{}, c.AttachedContextIDs...)
	return out
}

func copyMessage(m *storage.Message) storage.Message {
	out := *m
	if m.Attachments != nil {
		out.Attachments = append(out.Attachments[:0:0], m.Attachments...)
	}
	return out
}

func copyContext(c *storage.Context) storage.Context {
	out := *c
	out.Tags = append(out.Tags[:0:0], c.Tags...)
	if c.LastUsed != nil {
		t := *c.LastUsed
		out.LastUsed = &t
	}
	return out
}
